package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func noop() Handler {
	return HandlerFunc(func(context.Context, map[string]any, Call) (any, error) { return "ok", nil })
}

func TestGetToolPrefersAgentScopedThenGlobal(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.AddTool(Tool{Name: "t", AgentID: "agent1", Description: "scoped", Handler: noop()}))

	got, ok := r.GetTool("t", "agent1")
	require.True(t, ok)
	require.Equal(t, "scoped", got.Description)

	_, ok = r.GetTool("t", "")
	require.False(t, ok, "agent-scoped tools are not visible without an agent id")
	_, ok = r.GetTool("t", "agent2")
	require.False(t, ok)

	require.NoError(t, r.AddTool(Tool{Name: "t", Description: "global", Handler: noop()}))
	got, ok = r.GetTool("t", "agent2")
	require.True(t, ok)
	require.Equal(t, "global", got.Description)
	got, ok = r.GetTool("t", "agent1")
	require.True(t, ok)
	require.Equal(t, "scoped", got.Description)
}

func TestAddToolRejectsDuplicatesAndBadSchemas(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.AddTool(Tool{Name: "t"}))
	require.ErrorIs(t, r.AddTool(Tool{Name: "t"}), ErrDuplicateTool)
	require.NoError(t, r.AddTool(Tool{Name: "t", AgentID: "a"}))
	require.Error(t, r.AddTool(Tool{}))
	require.ErrorIs(t, r.AddTool(Tool{Name: "bad", Parameters: json.RawMessage(`{"type":12}`)}), ErrInvalidSchema)
	require.Equal(t, 2, r.Len())

	require.True(t, r.RemoveTool("t", "a"))
	require.False(t, r.RemoveTool("t", "a"))
	require.Equal(t, 1, r.Len())
}

func TestBuildFrontendTools(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.AddTool(Tool{Name: "search", Description: "global"}))
	require.NoError(t, r.AddTool(Tool{Name: "hidden", Available: Bool(false)}))
	require.NoError(t, r.AddTool(Tool{Name: "shown", Available: Bool(true)}))
	require.NoError(t, r.AddTool(Tool{Name: "mine", AgentID: "agent1"}))
	require.NoError(t, r.AddTool(Tool{Name: "theirs", AgentID: "agent2"}))
	require.NoError(t, r.AddTool(Tool{Name: "search", AgentID: "agent1", Description: "scoped"}))

	names := func(defs []Definition) []string {
		out := make([]string, len(defs))
		for i, d := range defs {
			out[i] = d.Name + ":" + d.Description
		}
		return out
	}
	require.Equal(t, []string{"search:global", "shown:"}, names(r.BuildFrontendTools("")))
	require.Equal(t, []string{"shown:", "mine:", "search:scoped"}, names(r.BuildFrontendTools("agent1")))
	require.Equal(t, []string{"search:global", "shown:", "theirs:"}, names(r.BuildFrontendTools("agent2")))
}

func TestUnavailableScopedToolDoesNotShadowGlobal(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.AddTool(Tool{Name: "search", Description: "global", Handler: noop()}))
	require.NoError(t, r.AddTool(Tool{Name: "search", AgentID: "agent1", Description: "scoped", Available: Bool(false), Handler: noop()}))
	require.NoError(t, r.AddTool(Tool{Name: "off", Available: Bool(false), Handler: noop()}))

	defs := r.BuildFrontendTools("agent1")
	require.Len(t, defs, 1)
	require.Equal(t, "global", defs[0].Description)

	got, ok := r.GetTool("search", "agent1")
	require.True(t, ok)
	require.Equal(t, "global", got.Description)
	_, ok = r.GetTool("off", "")
	require.False(t, ok)
}

package tools

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

type toolSpec struct {
	Name         int // index into a small name pool so names collide
	Scope        int // 0: global, 1: running agent, 2: other agent
	Availability int // 0: unset, 1: true, 2: false
}

func genToolSpecs() gopter.Gen {
	return gen.SliceOf(gen.Struct(reflect.TypeOf(toolSpec{}), map[string]gopter.Gen{
		"Name":         gen.IntRange(0, 2),
		"Scope":        gen.IntRange(0, 2),
		"Availability": gen.IntRange(0, 2),
	}))
}

// TestToolAvailabilityFilteringProperty verifies Property 5: Tool Availability Filtering.
// **Feature: tool-registry, Property 5: Tool Availability Filtering**
// *For any* set of registered tools, BuildFrontendTools(agentID) SHALL exclude
// tools with available=false and tools scoped to a different agent, and
// offer each remaining name once, preferring the tool scoped to agentID.
func TestToolAvailabilityFilteringProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("offered tools are exactly the available global or own-agent tools", prop.ForAll(
		func(specs []toolSpec) bool {
			r := NewRegistry()
			scoped := map[string]bool{}
			global := map[string]bool{}
			for _, s := range specs {
				tool := Tool{Name: fmt.Sprintf("tool-%d", s.Name), Description: "global"}
				switch s.Scope {
				case 1:
					tool.AgentID = "agent"
					tool.Description = "scoped"
				case 2:
					tool.AgentID = "other"
					tool.Description = "other"
				}
				switch s.Availability {
				case 1:
					tool.Available = Bool(true)
				case 2:
					tool.Available = Bool(false)
				}
				if err := r.AddTool(tool); err != nil {
					if errors.Is(err, ErrDuplicateTool) {
						continue
					}
					return false
				}
				if s.Availability == 2 {
					continue
				}
				switch s.Scope {
				case 0:
					global[tool.Name] = true
				case 1:
					scoped[tool.Name] = true
				}
			}
			want := map[string]string{}
			for name := range global {
				want[name] = "global"
			}
			for name := range scoped {
				want[name] = "scoped"
			}
			defs := r.BuildFrontendTools("agent")
			if len(defs) != len(want) {
				return false
			}
			for _, d := range defs {
				if want[d.Name] != d.Description {
					return false
				}
				got, ok := r.GetTool(d.Name, "agent")
				if !ok || got.Description != d.Description {
					return false
				}
			}
			return true
		},
		genToolSpecs(),
	))

	properties.TestingRun(t)
}

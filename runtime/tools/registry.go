package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type (
	// Registry stores frontend tools keyed by name and agent ID.
	Registry struct {
		mu    sync.RWMutex
		tools map[key]*entry
		order []key
	}

	key struct {
		name    string
		agentID string
	}

	entry struct {
		tool   Tool
		schema *jsonschema.Schema
	}
)

var (
	// ErrDuplicateTool is returned when a tool is registered twice under the
	// same name and agent ID.
	ErrDuplicateTool = errors.New("tools: duplicate tool")
	// ErrInvalidSchema is returned when a tool's parameters are not a valid
	// JSON Schema.
	ErrInvalidSchema = errors.New("tools: invalid parameters schema")
)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[key]*entry)}
}

// AddTool registers t. The parameters schema, if any, is compiled once here
// and used to validate arguments before the handler runs.
func (r *Registry) AddTool(t Tool) error {
	if t.Name == "" {
		return errors.New("tools: tool name is required")
	}
	var schema *jsonschema.Schema
	if len(bytes.TrimSpace(t.Parameters)) > 0 {
		s, err := compileSchema(t.Name, t.Parameters)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidSchema, t.Name, err)
		}
		schema = s
	}
	k := key{name: t.Name, agentID: t.AgentID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[k]; ok {
		return fmt.Errorf("%w: %s (agent %q)", ErrDuplicateTool, t.Name, t.AgentID)
	}
	r.tools[k] = &entry{tool: t, schema: schema}
	r.order = append(r.order, k)
	return nil
}

// RemoveTool unregisters the tool registered under name and agentID and
// reports whether it existed.
func (r *Registry) RemoveTool(name, agentID string) bool {
	k := key{name: name, agentID: agentID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[k]; !ok {
		return false
	}
	delete(r.tools, k)
	for i, o := range r.order {
		if o == k {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// GetTool looks up a tool for a run of agentID: the tool scoped to agentID
// first, then the global one. With an empty agentID only global tools match.
// Unavailable tools never match.
func (r *Registry) GetTool(name, agentID string) (Tool, bool) {
	e, ok := r.lookup(name, agentID)
	if !ok {
		return Tool{}, false
	}
	return e.tool, true
}

// BuildFrontendTools returns the definitions offered to a run of agentID:
// every available tool that is global or scoped to agentID, in registration
// order. An available scoped tool shadows a global tool with the same name.
func (r *Registry) BuildFrontendTools(agentID string) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var defs []Definition
	for _, k := range r.order {
		if k.agentID != "" && k.agentID != agentID {
			continue
		}
		if k.agentID == "" && agentID != "" {
			if s, ok := r.tools[key{name: k.name, agentID: agentID}]; ok && s.tool.IsAvailable() {
				continue
			}
		}
		e := r.tools[k]
		if !e.tool.IsAvailable() {
			continue
		}
		defs = append(defs, e.tool.Definition())
	}
	return defs
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

func (r *Registry) lookup(name, agentID string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if agentID != "" {
		if e, ok := r.tools[key{name: name, agentID: agentID}]; ok && e.tool.IsAvailable() {
			return e, true
		}
	}
	e, ok := r.tools[key{name: name}]
	if !ok || !e.tool.IsAvailable() {
		return nil, false
	}
	return e, true
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	url := "mem://tools/" + strings.ReplaceAll(name, " ", "_") + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// validate checks raw arguments against the tool's schema.
func (e *entry) validate(raw string) error {
	if e.schema == nil {
		return nil
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return err
	}
	return e.schema.Validate(inst)
}

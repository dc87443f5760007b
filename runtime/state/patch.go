package state

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"goa.design/agui/runtime/event"
)

type (
	// Patcher applies RFC 6902 JSON Patch operations to a document. Apply
	// returns a new document and must not modify doc.
	Patcher interface {
		Apply(doc json.RawMessage, ops []event.PatchOperation) (json.RawMessage, error)
	}

	// JSONPatcher is the default Patcher.
	JSONPatcher struct{}
)

// Apply decodes ops as a JSON Patch and applies it to doc. Operations run in
// order; a failing operation (including a failed test) aborts the whole
// patch.
func (JSONPatcher) Apply(doc json.RawMessage, ops []event.PatchOperation) (json.RawMessage, error) {
	raw, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("encode patch: %w", err)
	}
	patch, err := jsonpatch.DecodePatch(raw)
	if err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}
	out, err := patch.Apply(doc)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Package state keeps the shared state of a run synchronized with the agent
// and resolves which state renderer owns the display of a given message.
//
// A Store holds the authoritative JSON value of one run. STATE_SNAPSHOT
// events replace it; STATE_DELTA events patch it with RFC 6902 operations.
// Patches are computed on a private copy and swapped in under the store lock
// so readers never observe a half-applied patch. A ClaimStore and a
// SnapshotCache, both owned by the run, arbitrate between renderers and keep
// historical messages bound to the state as it was when they were produced.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"goa.design/agui/runtime/event"
)

type (
	// Store holds the shared state value of a single run.
	Store struct {
		mu      sync.RWMutex
		value   json.RawMessage
		version uint64
		patcher Patcher
	}

	// Error reports a state synchronization failure. Code is the RUN_ERROR
	// code surfaced for it.
	Error struct {
		Code string
		Err  error
	}
)

// ErrNotInitialized is returned when a delta arrives before any snapshot.
var ErrNotInitialized = errors.New("state: delta received before any snapshot")

// NewStore returns an empty store applying deltas with p. A nil p selects
// JSONPatcher.
func NewStore(p Patcher) *Store {
	if p == nil {
		p = JSONPatcher{}
	}
	return &Store{patcher: p}
}

// Error implements error.
func (e *Error) Error() string { return fmt.Sprintf("state: %s: %v", e.Code, e.Err) }

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Snapshot replaces the state with v and returns the new version.
func (s *Store) Snapshot(v json.RawMessage) (uint64, error) {
	if len(v) == 0 {
		v = json.RawMessage("null")
	}
	if !json.Valid(v) {
		return 0, &Error{Code: event.CodeStatePatchFailed, Err: errors.New("snapshot is not valid JSON")}
	}
	cp := append(json.RawMessage(nil), v...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = cp
	s.version++
	return s.version, nil
}

// Patch applies ops to the current state atomically and returns the new value
// and version. It fails with ErrNotInitialized (wrapped in *Error) when no
// snapshot was ever applied. On failure the state is left unchanged.
func (s *Store) Patch(ops []event.PatchOperation) (json.RawMessage, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.version == 0 {
		return nil, 0, &Error{Code: event.CodeStateNotInitialized, Err: ErrNotInitialized}
	}
	next, err := s.patcher.Apply(s.value, ops)
	if err != nil {
		return nil, 0, &Error{Code: event.CodeStatePatchFailed, Err: err}
	}
	s.value = next
	s.version++
	return append(json.RawMessage(nil), next...), s.version, nil
}

// Get returns a copy of the current value and its version. ok is false until
// the first snapshot.
func (s *Store) Get() (value json.RawMessage, version uint64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.version == 0 {
		return nil, 0, false
	}
	return append(json.RawMessage(nil), s.value...), s.version, true
}

// Apply dispatches STATE_SNAPSHOT and STATE_DELTA events. It returns the
// resulting value and reports whether e was a state event.
func (s *Store) Apply(e event.Event) (json.RawMessage, bool, error) {
	switch ev := e.(type) {
	case event.StateSnapshot:
		if _, err := s.Snapshot(ev.Snapshot); err != nil {
			return nil, true, err
		}
		v, _, _ := s.Get()
		return v, true, nil
	case event.StateDelta:
		v, _, err := s.Patch(ev.Delta)
		return v, true, err
	}
	return nil, false, nil
}

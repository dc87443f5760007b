package state

import (
	"encoding/json"

	"goa.design/agui/runtime/event"
)

type (
	// Synchronizer bundles the state store, claims and snapshot cache owned by
	// a single run. Nothing in it is shared across runs.
	Synchronizer struct {
		runID    string
		renderID string
		store    *Store
		claims   *ClaimStore
		cache    *SnapshotCache
	}

	// Option configures a Synchronizer.
	Option func(*Synchronizer)
)

// WithPatcher substitutes the JSON Patch implementation.
func WithPatcher(p Patcher) Option {
	return func(s *Synchronizer) { s.store = NewStore(p) }
}

// NewSynchronizer returns the synchronizer of run runID. renderID identifies
// the renderer recording snapshots produced by the run's agent.
func NewSynchronizer(runID, renderID string, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		runID:    runID,
		renderID: renderID,
		store:    NewStore(nil),
		claims:   NewClaimStore(),
		cache:    NewSnapshotCache(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init seeds the state with the value supplied by the caller of the run.
func (s *Synchronizer) Init(v json.RawMessage) error {
	_, err := s.store.Snapshot(v)
	if err != nil {
		return err
	}
	s.cache.Put(RenderKey{StateRenderID: s.renderID, RunID: s.runID}, "", v)
	return nil
}

// Apply folds a state event into the store. The resulting value is cached
// under the run's render key and under messageID, the message current when the
// event arrived. Non-state events are ignored.
func (s *Synchronizer) Apply(e event.Event, messageID string) error {
	v, ok, err := s.store.Apply(e)
	if err != nil || !ok {
		return err
	}
	s.cache.Put(RenderKey{StateRenderID: s.renderID, RunID: s.runID}, messageID, v)
	return nil
}

// State returns the live state.
func (s *Synchronizer) State() (json.RawMessage, uint64, bool) {
	return s.store.Get()
}

// Claim resolves a renderer's binding attempt, recording the live state on
// the claim.
func (s *Synchronizer) Claim(ctx ClaimContext) ClaimResult {
	v, _, _ := s.store.Get()
	return s.claims.Resolve(ctx, v)
}

// Select returns the snapshot a renderer should display for a message. The
// effective run is the run recorded on the message's claim, if any.
func (s *Synchronizer) Select(q Selection) (json.RawMessage, Source) {
	if c, ok := s.claims.Get(q.MessageID); ok && c.RunID != "" {
		q.RunID = c.RunID
	}
	if q.RunID == "" {
		q.RunID = s.runID
	}
	live, _, ok := s.store.Get()
	return SelectSnapshot(q, live, ok, s.cache)
}

// Evict forgets claims and message snapshots of messages removed from
// history.
func (s *Synchronizer) Evict(messageIDs ...string) {
	s.claims.Evict(messageIDs...)
	s.cache.Evict(messageIDs...)
}

// Claims exposes the claim store.
func (s *Synchronizer) Claims() *ClaimStore { return s.claims }

// Cache exposes the snapshot cache.
func (s *Synchronizer) Cache() *SnapshotCache { return s.cache }

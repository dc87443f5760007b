package state

import (
	"encoding/json"
	"sync"
)

type (
	// Claim records which state renderer owns the state view of a message.
	Claim struct {
		StateRenderID string
		RunID         string
		MessageID     string
		// MessageIndex is the position of the message in the history as
		// seen by the renderer, when known.
		MessageIndex *int
		// StateSnapshot is the state bound to the message, when known.
		StateSnapshot json.RawMessage
	}

	// ClaimContext describes a renderer attempting to bind to a message.
	ClaimContext struct {
		StateRenderID string
		RunID         string
		MessageID     string
		MessageIndex  *int
	}

	// ClaimAction is the outcome of a claim resolution.
	ClaimAction string

	// ClaimResult is returned by ResolveClaim.
	ClaimResult struct {
		Action ClaimAction
		// CanRender reports whether the caller may render the message state.
		CanRender bool
		// LockOthers is set on override: every other renderer of the
		// message must stop rendering.
		LockOthers bool
		// Claim is the claim in effect after resolution.
		Claim Claim
	}

	// ClaimStore holds the claims of one run keyed by message ID. Resolution
	// is atomic so concurrent renderers never observe a torn update.
	ClaimStore struct {
		mu     sync.Mutex
		claims map[string]Claim
	}
)

const (
	// ClaimNew is returned when the caller created the first claim.
	ClaimNew ClaimAction = "new"
	// ClaimExisting is returned when the caller already owned the claim.
	ClaimExisting ClaimAction = "existing"
	// ClaimOverride is returned when the caller took over the claim.
	ClaimOverride ClaimAction = "override"
	// ClaimDenied is returned when another renderer keeps the claim.
	ClaimDenied ClaimAction = "denied"
)

// Index returns a pointer to i for use as a message index.
func Index(i int) *int { return &i }

// ResolveClaim arbitrates a binding attempt against claims and updates it in
// place:
//
//   - no claim for the message: a new claim is created
//   - same renderer: the claim's run ID (and snapshot, if given) is updated
//   - different renderer with a strictly greater message index: the claim is
//     replaced and other renderers are locked out
//   - otherwise the existing claim wins and the caller cannot render
//
// An absent index never beats a present one and two absent indices keep the
// first writer. Callers sharing claims must serialize calls; ClaimStore does.
func ResolveClaim(claims map[string]Claim, ctx ClaimContext, snapshot json.RawMessage) ClaimResult {
	existing, ok := claims[ctx.MessageID]
	if !ok {
		c := newClaim(ctx, snapshot)
		claims[ctx.MessageID] = c
		return ClaimResult{Action: ClaimNew, CanRender: true, Claim: c}
	}
	if existing.StateRenderID == ctx.StateRenderID {
		existing.RunID = ctx.RunID
		if snapshot != nil {
			existing.StateSnapshot = snapshot
		}
		claims[ctx.MessageID] = existing
		return ClaimResult{Action: ClaimExisting, CanRender: true, Claim: existing}
	}
	if newer(ctx.MessageIndex, existing.MessageIndex) {
		c := newClaim(ctx, snapshot)
		claims[ctx.MessageID] = c
		return ClaimResult{Action: ClaimOverride, CanRender: true, LockOthers: true, Claim: c}
	}
	return ClaimResult{Action: ClaimDenied, CanRender: false, Claim: existing}
}

func newer(incoming, existing *int) bool {
	if incoming == nil {
		return false
	}
	if existing == nil {
		return true
	}
	return *incoming > *existing
}

func newClaim(ctx ClaimContext, snapshot json.RawMessage) Claim {
	c := Claim{
		StateRenderID: ctx.StateRenderID,
		RunID:         ctx.RunID,
		MessageID:     ctx.MessageID,
		StateSnapshot: snapshot,
	}
	if ctx.MessageIndex != nil {
		c.MessageIndex = Index(*ctx.MessageIndex)
	}
	return c
}

// NewClaimStore returns an empty claim store.
func NewClaimStore() *ClaimStore {
	return &ClaimStore{claims: make(map[string]Claim)}
}

// Resolve runs ResolveClaim under the store lock.
func (s *ClaimStore) Resolve(ctx ClaimContext, snapshot json.RawMessage) ClaimResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ResolveClaim(s.claims, ctx, snapshot)
}

// Get returns the claim for messageID.
func (s *ClaimStore) Get(messageID string) (Claim, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[messageID]
	return c, ok
}

// Evict drops the claims of messages removed from history.
func (s *ClaimStore) Evict(messageIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range messageIDs {
		delete(s.claims, id)
	}
}

// Len returns the number of claims.
func (s *ClaimStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.claims)
}

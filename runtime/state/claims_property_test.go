package state

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestClaimPrecedenceProperty verifies Property 3: Claim Precedence.
// **Feature: state-claims, Property 3: Claim Precedence**
// *For any* existing claim and a binding attempt from a different renderer,
// the attempt SHALL override if and only if its message index is strictly
// greater than the recorded one.
func TestClaimPrecedenceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("higher index from another renderer overrides, equal or lower never does", prop.ForAll(
		func(existing, incoming int) bool {
			claims := map[string]Claim{}
			ResolveClaim(claims, ClaimContext{StateRenderID: "a", RunID: "run", MessageID: "m", MessageIndex: Index(existing)}, nil)
			res := ResolveClaim(claims, ClaimContext{StateRenderID: "b", RunID: "run", MessageID: "m", MessageIndex: Index(incoming)}, nil)
			if incoming > existing {
				return res.Action == ClaimOverride && res.CanRender && res.LockOthers &&
					claims["m"].StateRenderID == "b"
			}
			return res.Action == ClaimDenied && !res.CanRender && !res.LockOthers &&
				claims["m"].StateRenderID == "a"
		},
		gen.IntRange(0, 50),
		gen.IntRange(0, 50),
	))

	properties.Property("the same renderer always keeps its claim", prop.ForAll(
		func(first, second int) bool {
			claims := map[string]Claim{}
			ResolveClaim(claims, ClaimContext{StateRenderID: "a", RunID: "run-1", MessageID: "m", MessageIndex: Index(first)}, nil)
			res := ResolveClaim(claims, ClaimContext{StateRenderID: "a", RunID: "run-2", MessageID: "m", MessageIndex: Index(second)}, nil)
			return res.Action == ClaimExisting && res.CanRender && claims["m"].RunID == "run-2"
		},
		gen.IntRange(0, 50),
		gen.IntRange(0, 50),
	))

	properties.TestingRun(t)
}

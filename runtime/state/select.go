package state

import "encoding/json"

type (
	// Selection describes the message whose state a renderer wants to show.
	Selection struct {
		// Explicit is a snapshot supplied by the caller for this message.
		Explicit json.RawMessage
		// MessageID identifies the message.
		MessageID string
		// StateRenderID identifies the renderer.
		StateRenderID string
		// RunID is the effective run of the message.
		RunID string
		// LatestAssistant reports whether the message is the most recent
		// assistant message.
		LatestAssistant bool
	}

	// Source names where a selected snapshot came from.
	Source string
)

const (
	SourceNone     Source = ""
	SourceExplicit Source = "explicit"
	SourceLive     Source = "live"
	SourceRender   Source = "render"
	SourceMessage  Source = "message"
)

// SelectSnapshot picks the state to display for a message: the explicit
// snapshot if any, else the live state for the latest assistant message, else
// the snapshot cached for the renderer and run, else the one cached for the
// message. Historical messages therefore keep the state they were produced
// with rather than the current live value.
func SelectSnapshot(q Selection, live json.RawMessage, hasLive bool, cache *SnapshotCache) (json.RawMessage, Source) {
	if q.Explicit != nil {
		return q.Explicit, SourceExplicit
	}
	if q.LatestAssistant && hasLive {
		return live, SourceLive
	}
	if cache != nil {
		if v, ok := cache.ByRender(RenderKey{StateRenderID: q.StateRenderID, RunID: q.RunID}); ok {
			return v, SourceRender
		}
		if v, ok := cache.ByMessage(q.MessageID); ok {
			return v, SourceMessage
		}
	}
	return nil, SourceNone
}

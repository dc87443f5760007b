package state

import (
	"encoding/json"
	"sync"
)

type (
	// RenderKey identifies the snapshots observed by one renderer in one run.
	RenderKey struct {
		StateRenderID string
		RunID         string
	}

	// SnapshotCache keeps state snapshots for out-of-order and historical
	// lookups, keyed by renderer and run and by message ID.
	SnapshotCache struct {
		mu        sync.RWMutex
		byRender  map[RenderKey]json.RawMessage
		byMessage map[string]json.RawMessage
	}
)

// NewSnapshotCache returns an empty cache.
func NewSnapshotCache() *SnapshotCache {
	return &SnapshotCache{
		byRender:  make(map[RenderKey]json.RawMessage),
		byMessage: make(map[string]json.RawMessage),
	}
}

// Put records snapshot under key and, when messageID is not empty, under the
// message.
func (c *SnapshotCache) Put(key RenderKey, messageID string, snapshot json.RawMessage) {
	cp := append(json.RawMessage(nil), snapshot...)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byRender[key] = cp
	if messageID != "" {
		c.byMessage[messageID] = cp
	}
}

// ByRender returns the last snapshot recorded for key.
func (c *SnapshotCache) ByRender(key RenderKey) (json.RawMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.byRender[key]
	return v, ok
}

// ByMessage returns the last snapshot recorded for messageID.
func (c *SnapshotCache) ByMessage(messageID string) (json.RawMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.byMessage[messageID]
	return v, ok
}

// Evict drops the message-keyed snapshots of messages removed from history.
func (c *SnapshotCache) Evict(messageIDs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range messageIDs {
		delete(c.byMessage, id)
	}
}

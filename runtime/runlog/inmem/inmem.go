// Package inmem provides an in-memory implementation of runlog.Store.
//
// The in-memory store is intended for tests and local development. It is not
// durable and should not be used in production.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"goa.design/agui/runtime/runlog"
)

// Store implements runlog.Store in memory.
type Store struct {
	mu sync.Mutex
	// per-run ordered entries; IDs are 1-based positions.
	runs map[string][]*runlog.Entry
}

// New returns an empty store.
func New() *Store {
	return &Store{runs: make(map[string][]*runlog.Entry)}
}

// Append implements runlog.Store.
func (s *Store) Append(_ context.Context, e *runlog.Entry) error {
	if e == nil {
		return errors.New("entry is required")
	}
	if e.RunID == "" {
		return errors.New("run_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.runs[e.RunID]
	e.ID = strconv.Itoa(len(entries) + 1)
	cp := *e
	s.runs[e.RunID] = append(entries, &cp)
	return nil
}

// List implements runlog.Store.
func (s *Store) List(_ context.Context, runID string, cursor string, limit int) (runlog.Page, error) {
	if runID == "" {
		return runlog.Page{}, errors.New("run_id is required")
	}
	if limit <= 0 {
		return runlog.Page{}, errors.New("limit must be > 0")
	}
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return runlog.Page{}, fmt.Errorf("invalid cursor %q", cursor)
		}
		start = n
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.runs[runID]
	if start >= len(all) {
		return runlog.Page{}, nil
	}
	end := min(start+limit, len(all))
	page := runlog.Page{Entries: append([]*runlog.Entry(nil), all[start:end]...)}
	if end < len(all) {
		page.NextCursor = page.Entries[len(page.Entries)-1].ID
	}
	return page, nil
}

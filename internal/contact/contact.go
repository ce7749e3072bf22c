// Package contact implements the ContactService from spec.md section
// 4.1: newcomers ask a known bootstrap address "what is your node id?"
// and park until the hosting process has one to give out.
package contact

import (
	"context"
	"sync"

	"github.com/plumtuna/plumtuna/internal/overlay"
)

// Service answers GetContactNodeId requests. At most one id is stored
// per process; waiters are released in FIFO order when Set is called.
type Service struct {
	mu      sync.Mutex
	id      *overlay.NodeID
	waiters []chan overlay.NodeID
}

func New() *Service {
	return &Service{}
}

// Set stores the process's bootstrap node id and releases any queued
// waiters. Idempotent: calling it again with the same or a different id
// only affects callers of Get that arrive afterward.
func (s *Service) Set(id overlay.NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.id = &id
	for _, w := range s.waiters {
		w <- id
		close(w)
	}
	s.waiters = nil
}

// Get resolves immediately if the id is known, otherwise parks the
// caller until Set is called or ctx is done.
func (s *Service) Get(ctx context.Context) (overlay.NodeID, error) {
	s.mu.Lock()
	if s.id != nil {
		id := *s.id
		s.mu.Unlock()
		return id, nil
	}
	w := make(chan overlay.NodeID, 1)
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()

	select {
	case id := <-w:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Package subscriber implements the per-study SubscriberRegistry from
// spec.md section 4.3: dense monotonic subscribe ids, heartbeat-extended
// expiry, and in-order event buffering.
//
// Like ledger.Ledger, a Registry is owned by a single StudyNode goroutine
// and is not safe for concurrent use.
package subscriber

import (
	"time"

	"github.com/plumtuna/plumtuna/internal/coreerr"
	"github.com/plumtuna/plumtuna/internal/message"
)

// ID is a per-study, dense, monotonically increasing subscriber id.
type ID int64

// Event is one accepted mutation delivered to subscribers, in the order
// the owning StudyNode's OperationLedger accepted it.
type Event struct {
	Message message.StudyMessage `json:"message"`
}

type subscriberState struct {
	expiry time.Time
	buffer []Event
}

// Registry holds all live subscribers of one study.
type Registry struct {
	heartbeatWindow time.Duration
	nextID          ID
	subs            map[ID]*subscriberState
}

func New(heartbeatWindow time.Duration) *Registry {
	return &Registry{
		heartbeatWindow: heartbeatWindow,
		subs:            make(map[ID]*subscriberState),
	}
}

// Subscribe allocates the next id and seeds its buffer with history
// still retained by the overlay (so a late subscriber sees anything not
// yet forgotten), per spec.md 4.3.
func (r *Registry) Subscribe(now time.Time, seed []Event) ID {
	r.nextID++
	id := r.nextID
	buf := make([]Event, len(seed))
	copy(buf, seed)
	r.subs[id] = &subscriberState{
		expiry: now.Add(r.heartbeatWindow),
		buffer: buf,
	}
	return id
}

// Push appends an accepted message to every live subscriber's buffer.
// Called once per accepted incoming message, never on rejected ones.
func (r *Registry) Push(evt Event) {
	for _, s := range r.subs {
		s.buffer = append(s.buffer, evt)
	}
}

// Poll drains and returns id's buffer, extends its expiry to
// now+heartbeatWindow, and sweeps any subscriber whose expiry has
// already elapsed.
func (r *Registry) Poll(id ID, now time.Time) ([]Event, error) {
	r.Sweep(now)

	s, ok := r.subs[id]
	if !ok {
		return nil, coreerr.Newf(coreerr.NotFound, "subscriber %d not found", id)
	}
	events := s.buffer
	s.buffer = nil
	s.expiry = now.Add(r.heartbeatWindow)
	return events, nil
}

// Sweep removes subscribers whose expiry has elapsed.
func (r *Registry) Sweep(now time.Time) {
	for id, s := range r.subs {
		if !now.Before(s.expiry) {
			delete(r.subs, id)
		}
	}
}

// Len reports the number of live subscribers, for status/metrics.
func (r *Registry) Len() int { return len(r.subs) }

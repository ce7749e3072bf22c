// Package ledger implements the OperationLedger described in spec.md
// section 4.2: a last-writer-wins reconciler keyed by (operation kind,
// entity id, optional sub-key), ordered by (timestamp, message id) so
// epidemic replay of stale mutations never regresses state.
//
// A Ledger is not safe for concurrent use. It is owned exclusively by
// the single goroutine driving its StudyNode, matching
// the "single-consumer command channel, no locks for state mutation"
// rule in spec.md section 5.
package ledger

import (
	"github.com/rs/xid"

	"github.com/plumtuna/plumtuna/internal/clock"
)

// OpKind tags which mutable attribute a Key refers to.
type OpKind int

const (
	StudyDirection OpKind = iota
	StudyUserAttr
	StudySystemAttr
	CreateTrial
	TrialState
	TrialParam
	TrialValue
	TrialIntermediateValue
	TrialUserAttr
	TrialSystemAttr
)

// Key identifies one LWW-reconciled attribute. Entity is the study id
// for study-scoped kinds or the trial id for trial-scoped kinds; Sub
// carries the attr key or intermediate-value step when applicable.
type Key struct {
	Kind   OpKind
	Entity string
	Sub    string
}

// Operation is the (timestamp, message id) pair a Key's value is ordered
// by. Ordering is lexicographic: timestamp first, message id breaks ties
// deterministically cluster-wide.
type Operation struct {
	Timestamp clock.Timestamp
	MessageID xid.ID
}

// Compare returns -1, 0, or 1 as op sorts before, equal to, or after other.
// xid.ID is itself byte-comparable and totally ordered, which is what
// gives the (timestamp, message id) tie-break its cluster-wide
// determinism even when two peers mint timestamps in the same tick.
func (op Operation) Compare(other Operation) int {
	if c := op.Timestamp.Compare(other.Timestamp); c != 0 {
		return c
	}
	return op.MessageID.Compare(other.MessageID)
}

// Decision is the outcome of observing an incoming operation.
type Decision int

const (
	Accept Decision = iota
	Reject
)

type entry struct {
	op Operation
}

// Ledger holds the current winning Operation per Key.
type Ledger struct {
	entries map[Key]entry
}

func New() *Ledger {
	return &Ledger{entries: make(map[Key]entry)}
}

// Observe decides whether op supersedes the current entry for key.
//
//   - No prior entry: record op, return Accept, no message to forget.
//   - op > current: replace, return Accept, and the caller should ask
//     the overlay to forget the superseded message id (returned as
//     forgetID, ok=true) if it differs from the incoming one.
//   - Otherwise: keep current, return Reject, and the caller should ask
//     the overlay to forget the incoming (now-redundant) message id.
func (l *Ledger) Observe(key Key, op Operation) (decision Decision, forgetID xid.ID, ok bool) {
	cur, exists := l.entries[key]
	if !exists {
		l.entries[key] = entry{op: op}
		return Accept, xid.ID{}, false
	}

	if op.Compare(cur.op) > 0 {
		l.entries[key] = entry{op: op}
		if cur.op.MessageID != op.MessageID {
			return Accept, cur.op.MessageID, true
		}
		return Accept, xid.ID{}, false
	}

	if op.MessageID != cur.op.MessageID {
		return Reject, op.MessageID, true
	}
	return Reject, xid.ID{}, false
}

// Current returns the winning operation for key, if any.
func (l *Ledger) Current(key Key) (Operation, bool) {
	e, ok := l.entries[key]
	return e.op, ok
}

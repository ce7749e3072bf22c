package ledger_test

import (
	"testing"

	"github.com/rs/xid"
	"github.com/stretchr/testify/require"

	"github.com/plumtuna/plumtuna/internal/clock"
	"github.com/plumtuna/plumtuna/internal/ledger"
)

func op(sec int64, id xid.ID) ledger.Operation {
	return ledger.Operation{Timestamp: clock.Timestamp{Sec: sec}, MessageID: id}
}

func TestObserveFirstWriteAccepted(t *testing.T) {
	l := ledger.New()
	key := ledger.Key{Kind: ledger.TrialState, Entity: "trial-1"}

	decision, _, forget := l.Observe(key, op(100, xid.New()))

	require.Equal(t, ledger.Accept, decision)
	require.False(t, forget)

	cur, ok := l.Current(key)
	require.True(t, ok)
	require.Equal(t, int64(100), cur.Timestamp.Sec)
}

func TestObserveNewerWriteSupersedesAndReturnsForgetID(t *testing.T) {
	l := ledger.New()
	key := ledger.Key{Kind: ledger.StudyDirection, Entity: "study-1"}

	firstID := xid.New()
	l.Observe(key, op(100, firstID))

	secondID := xid.New()
	decision, forgetID, ok := l.Observe(key, op(200, secondID))

	require.Equal(t, ledger.Accept, decision)
	require.True(t, ok)
	require.Equal(t, firstID, forgetID)

	cur, _ := l.Current(key)
	require.Equal(t, int64(200), cur.Timestamp.Sec)
}

func TestObserveStaleWriteRejectedAndAsksToForgetIncoming(t *testing.T) {
	l := ledger.New()
	key := ledger.Key{Kind: ledger.TrialValue, Entity: "trial-1"}

	l.Observe(key, op(200, xid.New()))

	staleID := xid.New()
	decision, forgetID, ok := l.Observe(key, op(100, staleID))

	require.Equal(t, ledger.Reject, decision)
	require.True(t, ok)
	require.Equal(t, staleID, forgetID)
}

func TestObserveSameTimestampBreaksTieByMessageID(t *testing.T) {
	l := ledger.New()
	key := ledger.Key{Kind: ledger.TrialParam, Entity: "trial-1", Sub: "lr"}

	ids := []xid.ID{xid.New(), xid.New()}
	smaller, larger := ids[0], ids[1]
	if smaller.Compare(larger) > 0 {
		smaller, larger = larger, smaller
	}

	l.Observe(key, op(100, smaller))
	decision, _, ok := l.Observe(key, op(100, larger))
	require.Equal(t, ledger.Accept, decision)
	require.True(t, ok)

	cur, _ := l.Current(key)
	require.Equal(t, larger, cur.MessageID)
}

func TestObserveReplayOfCurrentWinnerIsANoopReject(t *testing.T) {
	l := ledger.New()
	key := ledger.Key{Kind: ledger.CreateTrial, Entity: "study-1"}

	id := xid.New()
	l.Observe(key, op(100, id))
	decision, _, ok := l.Observe(key, op(100, id))

	require.Equal(t, ledger.Reject, decision)
	require.False(t, ok)
}

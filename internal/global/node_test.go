package global_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/plumtuna/plumtuna/internal/clock"
	"github.com/plumtuna/plumtuna/internal/coreerr"
	"github.com/plumtuna/plumtuna/internal/global"
	"github.com/plumtuna/plumtuna/internal/message"
	"github.com/plumtuna/plumtuna/internal/overlay"
	"github.com/plumtuna/plumtuna/internal/study"
	"github.com/plumtuna/plumtuna/internal/studyref"
)

// fakeOverlay self-delivers every local Broadcast (mirroring production
// HTTP gossip's idempotent self-delivery) and lets a test inject an
// externally-originated Delivery directly, simulating a peer's
// broadcast arriving over the wire.
type fakeOverlay struct {
	local overlay.NodeID
	recv  chan overlay.Delivery
}

func newFakeOverlay(local overlay.NodeID) *fakeOverlay {
	return &fakeOverlay{local: local, recv: make(chan overlay.Delivery, 64)}
}

func (f *fakeOverlay) LocalID() overlay.NodeID { return f.local }

func (f *fakeOverlay) Broadcast(payload []byte) xid.ID {
	id := xid.New()
	f.recv <- overlay.Delivery{MessageID: id, Payload: payload, Origin: f.local}
	return id
}

func (f *fakeOverlay) deliverExternal(payload []byte, origin overlay.NodeID) {
	f.recv <- overlay.Delivery{MessageID: xid.New(), Payload: payload, Origin: origin}
}

func (f *fakeOverlay) Forget(id xid.ID)                           {}
func (f *fakeOverlay) Join(peer overlay.NodeID, addr string)       {}
func (f *fakeOverlay) PeerAddr(peer overlay.NodeID) (string, bool) { return "", false }
func (f *fakeOverlay) Recv() <-chan overlay.Delivery               { return f.recv }
func (f *fakeOverlay) Retained() []overlay.Delivery                { return nil }
func (f *fakeOverlay) Close()                                      {}

type studyCastCall struct {
	addr    string
	ref     studyref.NameAndID
	created *overlay.NodeID
}

type fakeRpc struct {
	mu    sync.Mutex
	calls []studyCastCall
}

func (r *fakeRpc) GetContactNodeID(ctx context.Context, addr string) (overlay.NodeID, error) {
	return "", nil
}

func (r *fakeRpc) StudyCast(ctx context.Context, addr string, ref studyref.NameAndID, created *overlay.NodeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, studyCastCall{addr: addr, ref: ref, created: created})
	return nil
}

func (r *fakeRpc) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *fakeRpc) last() studyCastCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[len(r.calls)-1]
}

func fakeSpawner(ref studyref.NameAndID, bootstrap *overlay.NodeID) *study.Handle {
	_, h := study.New(study.Config{
		ID:      ref.ID,
		Name:    ref.Name,
		Overlay: newFakeOverlay("study-" + overlay.NodeID(ref.ID.String())),
		Clock:   clock.System{},
		Logger:  zerolog.Nop(),
	})
	return h
}

func startGlobalNode(t *testing.T, rpc *fakeRpc) (*global.Handle, *fakeOverlay) {
	t.Helper()
	ov := newFakeOverlay("local")
	node, handle := global.New(global.Config{
		LocalID: "local",
		Overlay: ov,
		Rpc:     rpc,
		Clock:   clock.System{},
		Spawner: fakeSpawner,
		Logger:  zerolog.Nop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- node.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return handle, ov
}

func maxUUID() uuid.UUID {
	var u uuid.UUID
	for i := range u {
		u[i] = 0xFF
	}
	return u
}

func TestCreateStudyResolvesAfterWaitTimeWithNoDispute(t *testing.T) {
	h, _ := startGlobalNode(t, &fakeRpc{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	id, err := h.CreateStudy(ctx, "alpha", 20*time.Millisecond)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	studies, err := h.GetStudies(ctx)
	require.NoError(t, err)
	require.Len(t, studies, 1)
	require.Equal(t, "alpha", studies[0].Name)
	require.Equal(t, id, studies[0].ID)
}

func TestInboundCreateStudyWithSmallerIDWinsTheRace(t *testing.T) {
	h, ov := startGlobalNode(t, &fakeRpc{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resultCh := make(chan error, 1)
	go func() {
		_, err := h.CreateStudy(ctx, "beta", 300*time.Millisecond)
		resultCh <- err
	}()

	// uuid.Nil is the minimum possible 128-bit value, so any locally
	// generated candidate id is guaranteed larger: the peer always wins.
	time.Sleep(20 * time.Millisecond)
	payload, err := message.Encode(message.WrapGlobal(message.CreateStudy("beta", uuid.Nil)))
	require.NoError(t, err)
	ov.deliverExternal(payload, "peer-1")

	err = <-resultCh
	require.Error(t, err)
	require.Equal(t, coreerr.AlreadyExists, coreerr.KindOf(err))
}

func TestInboundCreateStudyWithLargerIDLosesAndWeNotifyTheOrigin(t *testing.T) {
	rpc := &fakeRpc{}
	h, ov := startGlobalNode(t, rpc)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() { _, _ = h.CreateStudy(ctx, "gamma", 300*time.Millisecond) }()

	// maxUUID is the maximum possible 128-bit value, so any locally
	// generated candidate id is guaranteed smaller: we always win and
	// must tell the peer about our id.
	time.Sleep(20 * time.Millisecond)
	payload, err := message.Encode(message.WrapGlobal(message.CreateStudy("gamma", maxUUID())))
	require.NoError(t, err)
	ov.deliverExternal(payload, "peer-2")

	deadline := time.Now().Add(time.Second)
	for rpc.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, rpc.callCount())
	require.Equal(t, "peer-2", rpc.last().addr)
	require.Equal(t, "gamma", rpc.last().ref.Name)
}

func TestJoinStudyResolvesImmediatelyWhenAlreadyHosted(t *testing.T) {
	h, _ := startGlobalNode(t, &fakeRpc{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	id, err := h.CreateStudy(ctx, "delta", 20*time.Millisecond)
	require.NoError(t, err)

	joinCtx, joinCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer joinCancel()
	joined, err := h.JoinStudy(joinCtx, "delta", 20*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, id, joined)
}

func TestJoinStudyTimesOutAsNotFoundWhenNobodyResponds(t *testing.T) {
	h, _ := startGlobalNode(t, &fakeRpc{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := h.JoinStudy(ctx, "nonexistent", 20*time.Millisecond)
	require.Error(t, err)
	require.Equal(t, coreerr.NotFound, coreerr.KindOf(err))
}

func TestNotifyStudyResolvesAPendingJoin(t *testing.T) {
	h, _ := startGlobalNode(t, &fakeRpc{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resultCh := make(chan uuid.UUID, 1)
	errCh := make(chan error, 1)
	go func() {
		id, err := h.JoinStudy(ctx, "epsilon", 500*time.Millisecond)
		resultCh <- id
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	studyID := uuid.New()
	localNode := overlay.NodeID("remote-host")
	h.NotifyStudy(studyref.NameAndID{Name: "epsilon", ID: studyID}, &localNode)

	require.NoError(t, <-errCh)
	require.Equal(t, studyID, <-resultCh)
}

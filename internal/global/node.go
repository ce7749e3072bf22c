// Package global implements the GlobalNode from spec.md section 4.5:
// the cluster-wide owner of the StudyName -> StudyId mapping and the
// set of live StudyNodeHandles, including the create/join race
// resolution protocol. Like study.Node, it owns its state through a
// single goroutine reached only by command channel (spec.md section 5)
// — no locks guard studyNames/studies/creating/joining, since only this
// node's own drive loop ever touches them. The one piece of genuinely
// shared state is the StudyId -> StudyNodeHandle snapshot readers (the
// HTTP adapter) consume concurrently; that is published copy-on-write
// through an atomic.Pointer, per spec.md section 9's "atomic pointer to
// an immutable map" design note.
package global

import (
	"bytes"
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/plumtuna/plumtuna/internal/clock"
	"github.com/plumtuna/plumtuna/internal/coreerr"
	"github.com/plumtuna/plumtuna/internal/corefuture"
	"github.com/plumtuna/plumtuna/internal/message"
	"github.com/plumtuna/plumtuna/internal/overlay"
	"github.com/plumtuna/plumtuna/internal/rpcbus"
	"github.com/plumtuna/plumtuna/internal/study"
	"github.com/plumtuna/plumtuna/internal/studyref"
)

// Spawner creates and schedules a new StudyNode, returning its Handle.
// bootstrap is nil when this process originates the study (a fresh
// overlay with no peers yet); otherwise it names the peer whose overlay
// address this study's topic should join against, per spec.md 4.5's
// JoinStudy step 3.
type Spawner func(ref studyref.NameAndID, bootstrap *overlay.NodeID) *study.Handle

type creatingState struct {
	id       uuid.UUID
	deadline time.Time
	reply    *corefuture.Future[uuid.UUID]
	waiting  []overlay.NodeID // peers whose JoinStudy arrived while we were creating
}

type joiningState struct {
	deadline time.Time
	reply    *corefuture.Future[uuid.UUID]
}

type forgetEntry struct {
	deadline time.Time
	id       xid.ID
}

// Node is the GlobalNode.
type Node struct {
	localID overlay.NodeID
	overlay overlay.Overlay
	rpc     rpcbus.UnicastRpc
	clk     clock.Clock
	logger  zerolog.Logger
	spawner Spawner

	cmds chan Command

	studyNames map[string]uuid.UUID
	studies    map[uuid.UUID]*study.Handle
	snapshot   atomic.Pointer[map[uuid.UUID]*study.Handle]

	creating map[string]*creatingState
	joining  map[string]*joiningState

	forgetQueue []forgetEntry
	forgetDelay time.Duration
}

// Config bundles a new GlobalNode's dependencies.
type Config struct {
	LocalID     overlay.NodeID
	Overlay     overlay.Overlay
	Rpc         rpcbus.UnicastRpc
	Clock       clock.Clock
	ForgetDelay time.Duration
	Spawner     Spawner
	Logger      zerolog.Logger
}

// Handle is what the HTTP adapter and RPC server hold to reach the
// GlobalNode.
type Handle struct {
	cmds     chan Command
	snapshot *atomic.Pointer[map[uuid.UUID]*study.Handle]
}

func New(cfg Config) (*Node, *Handle) {
	if cfg.ForgetDelay == 0 {
		cfg.ForgetDelay = 60 * time.Second
	}
	cmds := make(chan Command, 64)
	n := &Node{
		localID:     cfg.LocalID,
		overlay:     cfg.Overlay,
		rpc:         cfg.Rpc,
		clk:         cfg.Clock,
		logger:      cfg.Logger.With().Str("component", "global").Logger(),
		spawner:     cfg.Spawner,
		cmds:        cmds,
		studyNames:  make(map[string]uuid.UUID),
		studies:     make(map[uuid.UUID]*study.Handle),
		creating:    make(map[string]*creatingState),
		joining:     make(map[string]*joiningState),
		forgetDelay: cfg.ForgetDelay,
	}
	empty := make(map[uuid.UUID]*study.Handle)
	n.snapshot.Store(&empty)
	h := &Handle{cmds: cmds, snapshot: &n.snapshot}
	return n, h
}

func (h *Handle) Send(cmd Command) { h.cmds <- cmd }

// Snapshot returns the current StudyId -> StudyNodeHandle view. Safe for
// any number of concurrent readers; never blocks the GlobalNode's writer.
func (h *Handle) Snapshot() map[uuid.UUID]*study.Handle {
	return *h.snapshot.Load()
}

func (h *Handle) Lookup(id uuid.UUID) (*study.Handle, bool) {
	m := *h.snapshot.Load()
	sh, ok := m[id]
	return sh, ok
}

func (h *Handle) CreateStudy(ctx context.Context, name string, waitTime time.Duration) (uuid.UUID, error) {
	f := corefuture.New[uuid.UUID]()
	h.Send(&CreateStudyCmd{Name: name, WaitTime: waitTime, Reply: f})
	return f.Wait(ctx)
}

func (h *Handle) JoinStudy(ctx context.Context, name string, waitTime time.Duration) (uuid.UUID, error) {
	f := corefuture.New[uuid.UUID]()
	h.Send(&JoinStudyCmd{Name: name, WaitTime: waitTime, Reply: f})
	return f.Wait(ctx)
}

func (h *Handle) GetStudies(ctx context.Context) ([]studyref.NameAndID, error) {
	f := corefuture.New[[]studyref.NameAndID]()
	h.Send(&GetStudiesCmd{Reply: f})
	return f.Wait(ctx)
}

// NotifyStudy delivers an inbound StudyCast RPC to the GlobalNode.
func (h *Handle) NotifyStudy(ref studyref.NameAndID, created *overlay.NodeID) {
	h.Send(&NotifyStudyCmd{Ref: ref, Created: created})
}

// NotifyStudyNodeDown is the callback a StudyNode invokes on its own
// termination (spec.md 4.4's state machine: Expiring -> Terminated).
func (h *Handle) NotifyStudyNodeDown(id uuid.UUID) {
	h.Send(&NotifyStudyNodeDownCmd{StudyID: id})
}

// Run drives the GlobalNode's command loop, following the same
// fairness rule as study.Node.Run: drain gossip, then commands, then
// check timeouts, then the forget-queue, repeating while any did work.
func (n *Node) Run(ctx context.Context) error {
	poll := time.NewTicker(200 * time.Millisecond)
	defer poll.Stop()

	for {
		progressed := false

		for drained := 0; drained < 256; drained++ {
			select {
			case d := <-n.overlay.Recv():
				n.handleDelivery(d)
				progressed = true
				continue
			default:
			}
			break
		}

		for drained := 0; drained < 256; drained++ {
			select {
			case c := <-n.cmds:
				n.handleCommand(c)
				progressed = true
				continue
			default:
			}
			break
		}

		if n.checkTimeouts(n.clk.Now()) {
			progressed = true
		}

		if n.drainForgetQueue(n.clk.Now()) {
			progressed = true
		}

		if progressed {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case d := <-n.overlay.Recv():
			n.handleDelivery(d)
		case c := <-n.cmds:
			n.handleCommand(c)
		case <-poll.C:
		}
	}
}

func (n *Node) drainForgetQueue(now time.Time) bool {
	did := false
	for len(n.forgetQueue) > 0 && !now.Before(n.forgetQueue[0].deadline) {
		n.overlay.Forget(n.forgetQueue[0].id)
		n.forgetQueue = n.forgetQueue[1:]
		did = true
	}
	return did
}

// handleDelivery processes one inbound cluster-wide gossip message:
// CreateStudy or JoinStudy broadcasts, including our own looped back
// (spec.md 4.5's idempotent-redelivery case).
func (n *Node) handleDelivery(d overlay.Delivery) {
	now := n.clk.Now()
	n.forgetQueue = append(n.forgetQueue, forgetEntry{deadline: now.Add(n.forgetDelay), id: d.MessageID})

	u, err := message.Decode(d.Payload)
	if err != nil {
		n.logger.Error().Err(err).Msg("malformed gossip payload")
		return
	}
	gm, err := u.AsGlobal()
	if err != nil {
		n.logger.Error().Err(err).Msg("global node received non-global message")
		return
	}

	switch gm.Type {
	case message.TypeCreateStudy:
		n.handleInboundCreateStudy(gm.Name, gm.ID, d.Origin)
	case message.TypeJoinStudy:
		n.handleInboundJoinStudy(gm.Name, d.Origin)
	default:
		n.logger.Error().Str("type", string(gm.Type)).Msg("unknown global message type")
	}
}

// handleInboundCreateStudy implements spec.md 4.5's tie-break: the
// study id is compared byte-for-byte and the smaller one wins. Losing
// this race means abandoning a local Creating attempt; winning it means
// telling the other side about our id directly.
func (n *Node) handleInboundCreateStudy(name string, peerID uuid.UUID, origin overlay.NodeID) {
	if cs, ok := n.creating[name]; ok {
		switch {
		case cs.id == peerID:
			// Our own broadcast looped back, or an exact repeat: no-op.
		case bytes.Compare(cs.id[:], peerID[:]) < 0:
			n.unicastNotify(origin, studyref.NameAndID{Name: name, ID: cs.id}, &n.localID)
		default:
			delete(n.creating, name)
			cs.reply.Reject(coreerr.Newf(coreerr.AlreadyExists, "study %q already exists", name))
		}
		return
	}
	if id, hosting := n.studyNames[name]; hosting && id != peerID {
		n.unicastNotify(origin, studyref.NameAndID{Name: name, ID: id}, &n.localID)
	}
}

func (n *Node) handleInboundJoinStudy(name string, origin overlay.NodeID) {
	if id, hosting := n.studyNames[name]; hosting {
		n.unicastNotify(origin, studyref.NameAndID{Name: name, ID: id}, &n.localID)
		return
	}
	if cs, ok := n.creating[name]; ok {
		cs.waiting = append(cs.waiting, origin)
	}
}

func (n *Node) unicastNotify(target overlay.NodeID, ref studyref.NameAndID, created *overlay.NodeID) {
	addr, ok := n.overlay.PeerAddr(target)
	if !ok {
		addr = string(target)
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := n.rpc.StudyCast(ctx, addr, ref, created); err != nil {
			n.logger.Debug().Err(err).Str("addr", addr).Msg("study-cast unicast failed")
		}
	}()
}

// checkTimeouts resolves any Creating/Joining attempt whose deadline has
// elapsed: a Creating attempt wins its race by default (nobody disputed
// it in time) and is installed as a hosted study; a Joining attempt that
// heard nothing back is NotFound.
func (n *Node) checkTimeouts(now time.Time) bool {
	did := false
	for name, cs := range n.creating {
		if now.Before(cs.deadline) {
			continue
		}
		did = true
		delete(n.creating, name)
		n.installHostedStudy(studyref.NameAndID{Name: name, ID: cs.id}, nil)
		for _, addr := range cs.waiting {
			n.unicastNotify(addr, studyref.NameAndID{Name: name, ID: cs.id}, &n.localID)
		}
		cs.reply.Resolve(cs.id)
	}
	for name, js := range n.joining {
		if now.Before(js.deadline) {
			continue
		}
		did = true
		delete(n.joining, name)
		js.reply.Reject(coreerr.Newf(coreerr.NotFound, "no study named %q found", name))
	}
	return did
}

// installHostedStudy spawns (if not already running locally) the
// StudyNode for ref and records the name -> id mapping, publishing a
// fresh snapshot for HTTP readers.
func (n *Node) installHostedStudy(ref studyref.NameAndID, bootstrap *overlay.NodeID) {
	n.studyNames[ref.Name] = ref.ID
	if _, ok := n.studies[ref.ID]; ok {
		return
	}
	h := n.spawner(ref, bootstrap)
	n.studies[ref.ID] = h
	n.publishSnapshot()
}

func (n *Node) publishSnapshot() {
	cp := make(map[uuid.UUID]*study.Handle, len(n.studies))
	for k, v := range n.studies {
		cp[k] = v
	}
	n.snapshot.Store(&cp)
}

func (n *Node) handleCommand(cmd Command) {
	switch c := cmd.(type) {
	case *CreateStudyCmd:
		n.handleCreateStudy(c)

	case *JoinStudyCmd:
		n.handleJoinStudy(c)

	case *GetStudiesCmd:
		out := make([]studyref.NameAndID, 0, len(n.studyNames))
		for name, id := range n.studyNames {
			out = append(out, studyref.NameAndID{Name: name, ID: id})
		}
		c.Reply.Resolve(out)

	case *NotifyStudyCmd:
		n.handleNotifyStudy(c.Ref, c.Created)

	case *NotifyStudyNodeDownCmd:
		n.handleStudyNodeDown(c.StudyID)

	default:
		n.logger.Error().Msg("unknown global command")
	}
}

func (n *Node) handleCreateStudy(c *CreateStudyCmd) {
	if _, exists := n.studyNames[c.Name]; exists {
		c.Reply.Reject(coreerr.Newf(coreerr.AlreadyExists, "study %q already exists", c.Name))
		return
	}
	if _, exists := n.creating[c.Name]; exists {
		c.Reply.Reject(coreerr.Newf(coreerr.AlreadyExists, "study %q already exists", c.Name))
		return
	}
	id := uuid.New()
	n.broadcastGlobal(message.CreateStudy(c.Name, id))
	n.creating[c.Name] = &creatingState{
		id:       id,
		deadline: n.clk.Now().Add(c.WaitTime),
		reply:    c.Reply,
	}
}

func (n *Node) handleJoinStudy(c *JoinStudyCmd) {
	if id, ok := n.studyNames[c.Name]; ok {
		c.Reply.Resolve(id)
		return
	}
	if _, ok := n.joining[c.Name]; ok {
		c.Reply.Reject(coreerr.Newf(coreerr.Other, "join already in progress for %q", c.Name))
		return
	}
	n.broadcastGlobal(message.JoinStudy(c.Name))
	n.joining[c.Name] = &joiningState{
		deadline: n.clk.Now().Add(c.WaitTime),
		reply:    c.Reply,
	}
}

// handleNotifyStudy is the effect of an inbound StudyCast RPC: resolve
// any pending Joining attempt and, if we don't already run this study
// locally, spawn a StudyNode bootstrapped against the notifier's overlay.
func (n *Node) handleNotifyStudy(ref studyref.NameAndID, created *overlay.NodeID) {
	js, waiting := n.joining[ref.Name]
	if waiting {
		delete(n.joining, ref.Name)
	}
	n.installHostedStudy(ref, created)
	if waiting {
		js.reply.Resolve(ref.ID)
	}
}

func (n *Node) handleStudyNodeDown(id uuid.UUID) {
	var name string
	for k, v := range n.studyNames {
		if v == id {
			name = k
			break
		}
	}
	if name != "" {
		delete(n.studyNames, name)
	}
	if _, ok := n.studies[id]; ok {
		delete(n.studies, id)
		n.publishSnapshot()
	}
}

func (n *Node) broadcastGlobal(gm message.GlobalMessage) {
	payload, err := message.Encode(message.WrapGlobal(gm))
	if err != nil {
		n.logger.Error().Err(err).Msg("failed to encode global message")
		return
	}
	n.overlay.Broadcast(payload)
}

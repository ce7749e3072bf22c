// Package study implements the StudyNode from spec.md section 4.4: the
// per-study owner of all trial state and that study's isolated gossip
// overlay. It generalizes the teacher's mutex-guarded
// GossipManager/Replicator structs (internal/gossip, internal/replication
// in AryanBagade-dynamoDB) into a single goroutine that owns its state
// outright and is reached only through a command channel, per spec.md
// section 5's "no locks for state mutation" rule.
package study

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/plumtuna/plumtuna/internal/clock"
	"github.com/plumtuna/plumtuna/internal/coreerr"
	"github.com/plumtuna/plumtuna/internal/ledger"
	"github.com/plumtuna/plumtuna/internal/message"
	"github.com/plumtuna/plumtuna/internal/overlay"
	"github.com/plumtuna/plumtuna/internal/subscriber"
	"github.com/plumtuna/plumtuna/internal/trial"
)

// DefaultTTL is the idle-expiry window spec.md section 5 fixes at 60
// minutes: no command arrives for this long, the node terminates.
const DefaultTTL = 60 * time.Minute

// Summary is the response to GetSummary (spec.md section 4.4).
type Summary struct {
	StudyID       uuid.UUID                 `json:"study_id"`
	StudyName     string                     `json:"study_name"`
	Direction     message.Direction          `json:"direction"`
	UserAttrs     map[string]json.RawMessage `json:"user_attrs"`
	SystemAttrs   map[string]json.RawMessage `json:"system_attrs"`
	NTrials       int                        `json:"n_trials"`
	DatetimeStart time.Time                  `json:"datetime_start"`
	BestTrial     *trial.Trial               `json:"best_trial"`
}

// Handle is what the GlobalNode and the HTTP adapter hold to talk to a
// running StudyNode: the study's immutable (name, id) pair plus its
// command channel. It deliberately carries no reference back to the
// GlobalNode (spec.md section 9: "no cyclic object graph").
type Handle struct {
	StudyID   uuid.UUID
	StudyName string
	cmds      chan Command
}

func (h *Handle) Send(cmd Command) { h.cmds <- cmd }

// Node owns one study's replicated state.
type Node struct {
	id   uuid.UUID
	name string

	cmds    chan Command
	overlay overlay.Overlay
	clk     clock.Clock
	ttl     time.Duration
	forget  time.Duration
	logger  zerolog.Logger

	ledger *ledger.Ledger
	subs   *subscriber.Registry

	direction     message.Direction
	userAttrs     map[string]json.RawMessage
	systemAttrs   map[string]json.RawMessage
	trials        map[trial.ID]*trial.Trial
	datetimeStart time.Time

	forgetQueue []forgetEntry

	onDown func(uuid.UUID)
}

type forgetEntry struct {
	deadline time.Time
	id       xid.ID
}

// Config bundles a new StudyNode's dependencies.
type Config struct {
	ID        uuid.UUID
	Name      string
	Overlay   overlay.Overlay
	Clock     clock.Clock
	TTL       time.Duration
	Heartbeat time.Duration
	Forget    time.Duration
	Logger    zerolog.Logger
	OnDown    func(uuid.UUID)
}

// New constructs a StudyNode and the Handle used to reach it. The
// caller is responsible for scheduling Run on an Executor.
func New(cfg Config) (*Node, *Handle) {
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = DefaultTTL
	}
	if cfg.Forget == 0 {
		cfg.Forget = 60 * time.Second
	}
	cmds := make(chan Command, 32)
	n := &Node{
		id:            cfg.ID,
		name:          cfg.Name,
		cmds:          cmds,
		overlay:       cfg.Overlay,
		clk:           cfg.Clock,
		ttl:           cfg.TTL,
		forget:        cfg.Forget,
		logger:        cfg.Logger.With().Str("study_id", cfg.ID.String()).Logger(),
		ledger:        ledger.New(),
		subs:          subscriber.New(cfg.Heartbeat),
		direction:     message.NotSet,
		userAttrs:     make(map[string]json.RawMessage),
		systemAttrs:   make(map[string]json.RawMessage),
		trials:        make(map[trial.ID]*trial.Trial),
		datetimeStart: cfg.Clock.Now(),
		onDown:        cfg.OnDown,
	}
	h := &Handle{StudyID: cfg.ID, StudyName: cfg.Name, cmds: cmds}
	return n, h
}

// Run is the node's drive loop: drain (a) gossip deliveries, (b)
// commands, (c) check TTL expiry, (d) the forget-queue, and repeat
// while any of those did work; otherwise block until the soonest of
// them is ready. This fairness rule is spec.md section 9's "cooperative
// event loop per node" design note.
func (n *Node) Run(ctx context.Context) error {
	defer n.overlay.Close()

	deadline := n.clk.Now().Add(n.ttl)
	poll := time.NewTicker(time.Second)
	defer poll.Stop()

	for {
		progressed := false

		for drained := 0; drained < 256; drained++ {
			select {
			case d := <-n.overlay.Recv():
				n.handleDelivery(d)
				deadline = n.clk.Now().Add(n.ttl)
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
				deadline = n.clk.Now().Add(n.ttl)
				progressed = true
				continue
			default:
			}
			break
		}

		if !n.clk.Now().Before(deadline) {
			n.logger.Info().Msg("study node idle TTL elapsed, terminating")
			if n.onDown != nil {
				n.onDown(n.id)
			}
			return nil
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
			deadline = n.clk.Now().Add(n.ttl)
		case c := <-n.cmds:
			n.handleCommand(c)
			deadline = n.clk.Now().Add(n.ttl)
		case <-poll.C:
			// loop: re-check TTL/forget-queue at top.
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

// handleDelivery processes one incoming gossip message: schedule its
// forgetting, run it through the OperationLedger, apply it if accepted,
// and fan it out to subscribers in acceptance order (spec.md 4.4
// "Broadcast handling").
func (n *Node) handleDelivery(d overlay.Delivery) {
	now := n.clk.Now()
	n.forgetQueue = append(n.forgetQueue, forgetEntry{deadline: now.Add(n.forget), id: d.MessageID})

	u, err := message.Decode(d.Payload)
	if err != nil {
		n.logger.Error().Err(err).Msg("malformed gossip payload")
		return
	}
	sm, err := u.AsStudy()
	if err != nil {
		n.logger.Error().Err(err).Msg("study node received non-study message")
		return
	}

	key, ok := n.ledgerKeyFor(sm)
	if !ok {
		n.logger.Error().Str("type", string(sm.Type)).Msg("unknown study message type")
		return
	}
	op := ledger.Operation{Timestamp: sm.Ts, MessageID: d.MessageID}
	decision, forgetID, hasForget := n.ledger.Observe(key, op)
	if hasForget {
		n.overlay.Forget(forgetID)
	}
	if decision == ledger.Reject {
		return
	}

	n.apply(sm)
	n.subs.Push(subscriber.Event{Message: sm})
}

func (n *Node) ledgerKeyFor(sm message.StudyMessage) (ledger.Key, bool) {
	switch sm.Type {
	case message.TypeSetStudyDirection:
		return ledger.Key{Kind: ledger.StudyDirection, Entity: n.id.String()}, true
	case message.TypeSetStudyUserAttr:
		return ledger.Key{Kind: ledger.StudyUserAttr, Entity: n.id.String(), Sub: sm.Key}, true
	case message.TypeSetStudySystemAttr:
		return ledger.Key{Kind: ledger.StudySystemAttr, Entity: n.id.String(), Sub: sm.Key}, true
	case message.TypeCreateTrial:
		return ledger.Key{Kind: ledger.CreateTrial, Entity: sm.TrialID}, true
	case message.TypeSetTrialState:
		return ledger.Key{Kind: ledger.TrialState, Entity: sm.TrialID}, true
	case message.TypeSetTrialParam:
		return ledger.Key{Kind: ledger.TrialParam, Entity: sm.TrialID, Sub: sm.Key}, true
	case message.TypeSetTrialValue:
		return ledger.Key{Kind: ledger.TrialValue, Entity: sm.TrialID}, true
	case message.TypeSetTrialIntermediateValue:
		return ledger.Key{Kind: ledger.TrialIntermediateValue, Entity: sm.TrialID, Sub: fmt.Sprint(sm.Step)}, true
	case message.TypeSetTrialUserAttr:
		return ledger.Key{Kind: ledger.TrialUserAttr, Entity: sm.TrialID, Sub: sm.Key}, true
	case message.TypeSetTrialSystemAttr:
		return ledger.Key{Kind: ledger.TrialSystemAttr, Entity: sm.TrialID, Sub: sm.Key}, true
	default:
		return ledger.Key{}, false
	}
}

// apply mutates local state for an accepted message. Called only after
// the OperationLedger has accepted it.
func (n *Node) apply(sm message.StudyMessage) {
	switch sm.Type {
	case message.TypeSetStudyDirection:
		n.direction = sm.Direction
	case message.TypeSetStudyUserAttr:
		n.userAttrs[sm.Key] = sm.Value
	case message.TypeSetStudySystemAttr:
		n.systemAttrs[sm.Key] = sm.Value
	case message.TypeCreateTrial:
		t := n.trialOrNew(trial.ID(sm.TrialID))
		ts := wallTime(sm.Ts)
		t.DatetimeStart = &ts
	case message.TypeSetTrialState:
		t := n.trialOrNew(trial.ID(sm.TrialID))
		st := trial.State(sm.State)
		t.State = st
		if st.IsTerminal() {
			ts := wallTime(sm.Ts)
			t.DatetimeEnd = &ts
		}
	case message.TypeSetTrialParam:
		t := n.trialOrNew(trial.ID(sm.TrialID))
		if sm.Param != nil {
			t.Params[sm.Key] = *sm.Param
		}
	case message.TypeSetTrialValue:
		t := n.trialOrNew(trial.ID(sm.TrialID))
		v := sm.Float
		t.Value = &v
	case message.TypeSetTrialIntermediateValue:
		t := n.trialOrNew(trial.ID(sm.TrialID))
		t.IntermediateValues[sm.Step] = sm.Float
	case message.TypeSetTrialUserAttr:
		t := n.trialOrNew(trial.ID(sm.TrialID))
		t.UserAttrs[sm.Key] = sm.Value
	case message.TypeSetTrialSystemAttr:
		t := n.trialOrNew(trial.ID(sm.TrialID))
		t.SystemAttrs[sm.Key] = sm.Value
	}
}

// trialOrNew returns the trial, creating an empty shell if a mutation
// for it arrived before its CreateTrial (spec.md 4.4's out-of-order
// handling: the shell has no DatetimeStart yet, so it stays invisible to
// external readers via Trial.Adjusted until CreateTrial lands).
func (n *Node) trialOrNew(id trial.ID) *trial.Trial {
	t, ok := n.trials[id]
	if !ok {
		t = trial.New(id)
		n.trials[id] = t
	}
	return t
}

func wallTime(ts clock.Timestamp) time.Time {
	return time.Unix(ts.Sec, int64(ts.Nsec))
}

func (n *Node) retainedEvents() []subscriber.Event {
	deliveries := n.overlay.Retained()
	events := make([]subscriber.Event, 0, len(deliveries))
	for _, d := range deliveries {
		u, err := message.Decode(d.Payload)
		if err != nil {
			continue
		}
		sm, err := u.AsStudy()
		if err != nil {
			continue
		}
		events = append(events, subscriber.Event{Message: sm})
	}
	return events
}

// bestTrial implements spec.md 4.4's tie-break: smallest value under
// Minimize, largest under Maximize, Minimize under NotSet.
func (n *Node) bestTrial() *trial.Trial {
	var best *trial.Trial
	for _, t := range n.trials {
		if t.State != trial.Complete || t.Value == nil {
			continue
		}
		v := *t.Value
		if v != v { // NaN
			continue
		}
		if best == nil {
			cp := *t
			best = &cp
			continue
		}
		better := false
		switch n.direction {
		case message.Maximize:
			better = v > *best.Value
		default: // NotSet documented default is Minimize, and Minimize itself
			better = v < *best.Value
		}
		if better {
			cp := *t
			best = &cp
		}
	}
	return best
}

func (n *Node) summary() Summary {
	return Summary{
		StudyID:       n.id,
		StudyName:     n.name,
		Direction:     n.direction,
		UserAttrs:     n.userAttrs,
		SystemAttrs:   n.systemAttrs,
		NTrials:       len(n.trials),
		DatetimeStart: n.datetimeStart,
		BestTrial:     n.bestTrial(),
	}
}

func (n *Node) adjustedTrials(filter *trial.State) []trial.Trial {
	out := make([]trial.Trial, 0, len(n.trials))
	for _, t := range n.trials {
		adj, ok := t.Adjusted()
		if !ok {
			continue
		}
		if filter != nil && adj.State != *filter {
			continue
		}
		out = append(out, adj)
	}
	return out
}

// handleCommand dispatches one inbound command. Read commands answer
// from local state directly; mutate commands broadcast and resolve
// their reply as soon as the broadcast is queued (the HTTP adapter's
// "fire-and-forget" contract, spec.md 4.7) — the mutation itself is
// applied later, identically for local and remote origin, when the
// resulting self-delivery is processed by handleDelivery.
func (n *Node) handleCommand(cmd Command) {
	switch c := cmd.(type) {
	case *GetSummaryCmd:
		c.Reply.Resolve(n.summary())

	case *GetTrialCmd:
		t, ok := n.trials[c.ID]
		if !ok {
			c.Reply.Reject(coreerr.Newf(coreerr.NotFound, "trial %s not found", c.ID))
			return
		}
		adj, ok := t.Adjusted()
		if !ok {
			c.Reply.Reject(coreerr.Newf(coreerr.NotFound, "trial %s not found", c.ID))
			return
		}
		c.Reply.Resolve(adj)

	case *GetTrialsCmd:
		c.Reply.Resolve(n.adjustedTrials(c.StateFilter))

	case *SetStudyDirectionCmd:
		n.broadcastStudy(message.StudyMessage{Type: message.TypeSetStudyDirection, Direction: c.Direction})
		c.Reply.Resolve(struct{}{})

	case *SetStudyUserAttrCmd:
		n.broadcastStudy(message.StudyMessage{Type: message.TypeSetStudyUserAttr, Key: c.Key, Value: c.Value})
		c.Reply.Resolve(struct{}{})

	case *SetStudySystemAttrCmd:
		n.broadcastStudy(message.StudyMessage{Type: message.TypeSetStudySystemAttr, Key: c.Key, Value: c.Value})
		c.Reply.Resolve(struct{}{})

	case *CreateTrialCmd:
		id := trial.NewID(n.id)
		n.broadcastStudy(message.StudyMessage{Type: message.TypeCreateTrial, TrialID: string(id)})
		c.Reply.Resolve(id)

	case *SetTrialStateCmd:
		n.broadcastStudy(message.StudyMessage{Type: message.TypeSetTrialState, TrialID: string(c.TrialID), State: int(c.State)})
		c.Reply.Resolve(struct{}{})

	case *SetTrialParamCmd:
		param := c.Param
		n.broadcastStudy(message.StudyMessage{Type: message.TypeSetTrialParam, TrialID: string(c.TrialID), Key: c.Key, Param: &param})
		c.Reply.Resolve(struct{}{})

	case *SetTrialValueCmd:
		n.broadcastStudy(message.StudyMessage{Type: message.TypeSetTrialValue, TrialID: string(c.TrialID), Float: c.Value})
		c.Reply.Resolve(struct{}{})

	case *SetTrialIntermediateValueCmd:
		n.broadcastStudy(message.StudyMessage{Type: message.TypeSetTrialIntermediateValue, TrialID: string(c.TrialID), Step: c.Step, Float: c.Value})
		c.Reply.Resolve(struct{}{})

	case *SetTrialUserAttrCmd:
		n.broadcastStudy(message.StudyMessage{Type: message.TypeSetTrialUserAttr, TrialID: string(c.TrialID), Key: c.Key, Value: c.Value})
		c.Reply.Resolve(struct{}{})

	case *SetTrialSystemAttrCmd:
		n.broadcastStudy(message.StudyMessage{Type: message.TypeSetTrialSystemAttr, TrialID: string(c.TrialID), Key: c.Key, Value: c.Value})
		c.Reply.Resolve(struct{}{})

	case *SubscribeCmd:
		id := n.subs.Subscribe(n.clk.Now(), n.retainedEvents())
		c.Reply.Resolve(id)

	case *PollEventsCmd:
		events, err := n.subs.Poll(c.ID, n.clk.Now())
		if err != nil {
			c.Reply.Reject(err)
			return
		}
		c.Reply.Resolve(events)

	default:
		n.logger.Error().Msg("unknown study command")
	}
}

func (n *Node) broadcastStudy(sm message.StudyMessage) {
	sm.Ts = clock.FromTime(n.clk.Now())
	payload, err := message.Encode(message.WrapStudy(sm))
	if err != nil {
		n.logger.Error().Err(err).Msg("failed to encode study message")
		return
	}
	n.overlay.Broadcast(payload)
}

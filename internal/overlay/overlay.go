// Package overlay adapts the teacher's HTTP gossip protocol
// (internal/gossip/gossip.go in the original dynamodb repo: peer list,
// random-fanout rounds, a ticker-driven gossip loop) into the
// GossipOverlay black-box contract spec.md section 1 says the core
// consumes: Broadcast, Forget, Join, and a channel of Deliveries. The
// spec treats the real plumtree/epidemic-broadcast library as an
// external collaborator; since no such library ships in the retrieved
// example pack, we implement the contract concretely over the same
// HTTP-POST transport the teacher already used for its own gossip
// rounds, generalized to carry arbitrary topic payloads (one instance
// per study, one for the cluster-wide layer) instead of the teacher's
// single hardcoded peer-membership topic.
package overlay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

// NodeID is the overlay-level origin identifier (what spec.md calls the
// "gossip node id"). It is distinct from study/trial UUIDs.
type NodeID string

// Delivery is one message arriving from the overlay, either from a peer
// or — so a node observes its own broadcasts exactly like any other
// subscriber of the topic, per spec.md 4.5's "idempotent re-delivery"
// handling of a node's own CreateStudy broadcast — from itself.
type Delivery struct {
	MessageID xid.ID
	Payload   []byte
	Origin    NodeID
}

// Overlay is the per-topic gossip handle a StudyNode or GlobalNode
// drives its command loop against.
type Overlay interface {
	LocalID() NodeID
	Broadcast(payload []byte) xid.ID
	Forget(id xid.ID)
	Join(peer NodeID, addr string)
	PeerAddr(peer NodeID) (string, bool)
	Recv() <-chan Delivery
	Retained() []Delivery
	Close()
}

// Config tunes one topic's gossip cadence and retention.
type Config struct {
	GossipInterval time.Duration
	Fanout         int
	ForgetDelay    time.Duration
}

func DefaultConfig() Config {
	return Config{
		GossipInterval: time.Second,
		Fanout:         3,
		ForgetDelay:    60 * time.Second,
	}
}

type retained struct {
	id      xid.ID
	payload []byte
	origin  NodeID
	until   time.Time
}

type wireEnvelope struct {
	Topic     string `json:"topic"`
	MessageID string `json:"message_id"`
	Origin    string `json:"origin"`
	Payload   []byte `json:"payload"`
}

// topicOverlay is the concrete Overlay implementation, one per topic
// (cluster-wide "global", or a per-study uuid string), all sharing one
// Transport's HTTP client and local node id.
type topicOverlay struct {
	topic     string
	transport *Transport
	cfg       Config
	logger    zerolog.Logger

	mu       sync.Mutex
	peers    map[NodeID]string // peer id -> HTTP address
	retained []retained
	seen     map[xid.ID]struct{}

	inbound chan Delivery
	closeCh chan struct{}
	closed  bool
}

func (o *topicOverlay) LocalID() NodeID { return o.transport.local }

func (o *topicOverlay) Broadcast(payload []byte) xid.ID {
	id := xid.New()
	o.mu.Lock()
	o.retained = append(o.retained, retained{
		id: id, payload: payload, origin: o.transport.local,
		until: time.Now().Add(o.cfg.ForgetDelay),
	})
	peers := o.peerAddressesLocked()
	o.mu.Unlock()

	o.deliverLocally(Delivery{MessageID: id, Payload: payload, Origin: o.transport.local})
	o.fanout(id, payload, o.transport.local, peers)
	return id
}

func (o *topicOverlay) Forget(id xid.ID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, r := range o.retained {
		if r.id == id {
			o.retained = append(o.retained[:i], o.retained[i+1:]...)
			return
		}
	}
}

func (o *topicOverlay) Join(peer NodeID, addr string) {
	if peer == o.transport.local {
		return
	}
	o.mu.Lock()
	o.peers[peer] = addr
	o.mu.Unlock()
}

func (o *topicOverlay) PeerAddr(peer NodeID) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	addr, ok := o.peers[peer]
	return addr, ok
}

func (o *topicOverlay) Recv() <-chan Delivery { return o.inbound }

func (o *topicOverlay) Retained() []Delivery {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Delivery, len(o.retained))
	for i, r := range o.retained {
		out[i] = Delivery{MessageID: r.id, Payload: r.payload, Origin: r.origin}
	}
	return out
}

func (o *topicOverlay) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()
	close(o.closeCh)
	o.transport.unregister(o.topic)
}

func (o *topicOverlay) peerAddressesLocked() map[NodeID]string {
	cp := make(map[NodeID]string, len(o.peers))
	for k, v := range o.peers {
		cp[k] = v
	}
	return cp
}

// fanout sends the message to a random subset of peers, generalizing
// the teacher's GossipManager.selectRandomPeers/performGossipRound.
func (o *topicOverlay) fanout(id xid.ID, payload []byte, origin NodeID, peers map[NodeID]string) {
	if len(peers) == 0 {
		return
	}
	addrs := make([]string, 0, len(peers))
	for _, addr := range peers {
		addrs = append(addrs, addr)
	}
	rand.Shuffle(len(addrs), func(i, j int) { addrs[i], addrs[j] = addrs[j], addrs[i] })
	n := o.cfg.Fanout
	if n > len(addrs) {
		n = len(addrs)
	}
	for _, addr := range addrs[:n] {
		go o.send(addr, id, payload, origin)
	}
}

func (o *topicOverlay) send(addr string, id xid.ID, payload []byte, origin NodeID) {
	env := wireEnvelope{
		Topic:     o.topic,
		MessageID: id.String(),
		Origin:    string(origin),
		Payload:   payload,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return
	}
	url := fmt.Sprintf("http://%s/gossip/receive", addr)
	resp, err := o.transport.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		o.logger.Debug().Err(err).Str("addr", addr).Msg("gossip send failed")
		return
	}
	resp.Body.Close()
}

func (o *topicOverlay) deliverLocally(d Delivery) {
	o.mu.Lock()
	if _, dup := o.seen[d.MessageID]; dup {
		o.mu.Unlock()
		return
	}
	o.seen[d.MessageID] = struct{}{}
	o.mu.Unlock()

	select {
	case o.inbound <- d:
	case <-o.closeCh:
	}
}

// gossipLoop periodically re-sends everything still retained to a fresh
// random sample of peers, so a peer that joins late, or missed a round,
// still converges — the epidemic property spec.md section 1 names as
// the reason LWW exists at all.
func (o *topicOverlay) gossipLoop() {
	ticker := time.NewTicker(o.cfg.GossipInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.closeCh:
			return
		case <-ticker.C:
			now := time.Now()
			o.mu.Lock()
			live := o.retained[:0:0]
			for _, r := range o.retained {
				if now.Before(r.until) {
					live = append(live, r)
				}
			}
			o.retained = live
			batch := make([]retained, len(o.retained))
			copy(batch, o.retained)
			peers := o.peerAddressesLocked()
			o.mu.Unlock()
			for _, r := range batch {
				o.fanout(r.id, r.payload, r.origin, peers)
			}
		}
	}
}

// Transport multiplexes HTTP-delivered gossip envelopes across every
// topic (StudyNode or GlobalNode) registered on this process, mirroring
// the teacher's single `/gossip/receive` endpoint but keyed by topic so
// many per-study overlays can share one listener.
type Transport struct {
	local  NodeID
	client *http.Client
	logger zerolog.Logger

	mu     sync.RWMutex
	topics map[string]*topicOverlay
}

func NewTransport(local NodeID, logger zerolog.Logger) *Transport {
	return &Transport{
		local:  local,
		client: &http.Client{Timeout: 2 * time.Second},
		logger: logger,
		topics: make(map[string]*topicOverlay),
	}
}

// Open creates and registers a new Overlay for topic.
func (t *Transport) Open(topic string, cfg Config) Overlay {
	o := &topicOverlay{
		topic:     topic,
		transport: t,
		cfg:       cfg,
		logger:    t.logger.With().Str("topic", topic).Logger(),
		peers:     make(map[NodeID]string),
		seen:      make(map[xid.ID]struct{}),
		inbound:   make(chan Delivery, 64),
		closeCh:   make(chan struct{}),
	}
	t.mu.Lock()
	t.topics[topic] = o
	t.mu.Unlock()
	go o.gossipLoop()
	return o
}

func (t *Transport) unregister(topic string) {
	t.mu.Lock()
	delete(t.topics, topic)
	t.mu.Unlock()
}

// Dispatch routes a decoded wire envelope to its topic's Overlay. It is
// called by the HTTP handler mounted at POST /gossip/receive.
func (t *Transport) Dispatch(topic, messageID, origin string, payload []byte) error {
	id, err := xid.FromString(messageID)
	if err != nil {
		return err
	}
	t.mu.RLock()
	o, ok := t.topics[topic]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown gossip topic %q", topic)
	}
	o.deliverLocally(Delivery{MessageID: id, Payload: payload, Origin: NodeID(origin)})

	o.mu.Lock()
	_, dup := indexOf(o.retained, id)
	if !dup {
		o.retained = append(o.retained, retained{
			id: id, payload: payload, origin: NodeID(origin),
			until: time.Now().Add(o.cfg.ForgetDelay),
		})
	}
	peers := o.peerAddressesLocked()
	o.mu.Unlock()

	// Only re-gossip a message the first time we see it; the periodic
	// gossipLoop already re-sends everything still retained, so a
	// message that keeps getting redelivered (e.g. two peers racing to
	// tell each other) does not also get re-flooded on every delivery.
	if !dup {
		o.fanout(id, payload, NodeID(origin), peers)
	}
	return nil
}

func indexOf(rs []retained, id xid.ID) (int, bool) {
	for i, r := range rs {
		if r.id == id {
			return i, true
		}
	}
	return -1, false
}

// DecodeWire parses the raw HTTP body into its envelope fields.
func DecodeWire(body []byte) (topic, messageID, origin string, payload []byte, err error) {
	var env wireEnvelope
	if err = json.Unmarshal(body, &env); err != nil {
		return "", "", "", nil, err
	}
	return env.Topic, env.MessageID, env.Origin, env.Payload, nil
}

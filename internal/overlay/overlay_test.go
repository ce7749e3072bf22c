package overlay_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/plumtuna/plumtuna/internal/overlay"
)

func fastConfig() overlay.Config {
	return overlay.Config{GossipInterval: 10 * time.Millisecond, Fanout: 3, ForgetDelay: time.Minute}
}

func TestBroadcastSelfDeliversExactlyOnce(t *testing.T) {
	transport := overlay.NewTransport("node-a", zerolog.Nop())
	ov := transport.Open("topic-1", fastConfig())
	defer ov.Close()

	id := ov.Broadcast([]byte(`"hello"`))

	select {
	case d := <-ov.Recv():
		require.Equal(t, id, d.MessageID)
		require.Equal(t, overlay.NodeID("node-a"), d.Origin)
	case <-time.After(time.Second):
		t.Fatal("expected a self-delivery")
	}

	select {
	case <-ov.Recv():
		t.Fatal("expected exactly one delivery")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestForgetRemovesFromRetained(t *testing.T) {
	transport := overlay.NewTransport("node-a", zerolog.Nop())
	ov := transport.Open("topic-2", fastConfig())
	defer ov.Close()

	id := ov.Broadcast([]byte(`"keep-me"`))
	require.Len(t, ov.Retained(), 1)

	ov.Forget(id)
	require.Empty(t, ov.Retained())
}

// gossipServer wires an httptest.Server's /gossip/receive endpoint to a
// Transport's Dispatch, mirroring what httpadapter.gossipReceive does in
// production so two Transports can actually exchange HTTP envelopes.
func gossipServer(t *testing.T, transport *overlay.Transport) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/gossip/receive", func(w http.ResponseWriter, r *http.Request) {
		var env struct {
			Topic     string `json:"topic"`
			MessageID string `json:"message_id"`
			Origin    string `json:"origin"`
			Payload   []byte `json:"payload"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		err := transport.Dispatch(env.Topic, env.MessageID, env.Origin, env.Payload)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return httptest.NewServer(mux)
}

func hostPort(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return u.Host
}

func TestBroadcastFansOutToJoinedPeerOverHTTP(t *testing.T) {
	transportA := overlay.NewTransport("node-a", zerolog.Nop())
	transportB := overlay.NewTransport("node-b", zerolog.Nop())

	ovA := transportA.Open("shared-topic", fastConfig())
	ovB := transportB.Open("shared-topic", fastConfig())
	defer ovA.Close()
	defer ovB.Close()

	serverB := gossipServer(t, transportB)
	defer serverB.Close()

	ovA.Join("node-b", hostPort(t, serverB.URL))

	id := ovA.Broadcast([]byte(`"fan-out-me"`))

	deadline := time.After(time.Second)
	for {
		select {
		case d := <-ovB.Recv():
			require.Equal(t, id, d.MessageID)
			require.Equal(t, overlay.NodeID("node-a"), d.Origin)
			return
		case <-deadline:
			t.Fatal("peer never received the broadcast")
		}
	}
}

func TestDispatchUnknownTopicIsAnError(t *testing.T) {
	transport := overlay.NewTransport("node-a", zerolog.Nop())
	err := transport.Dispatch("no-such-topic", xid.New().String(), "peer", []byte(`"x"`))
	require.Error(t, err)
}

func TestDecodeWireExtractsEnvelopeFields(t *testing.T) {
	body := []byte(`{"topic":"t","message_id":"m","origin":"o","payload":"eyJhIjoxfQ=="}`)
	topic, messageID, origin, payload, err := overlay.DecodeWire(body)
	require.NoError(t, err)
	require.Equal(t, "t", topic)
	require.Equal(t, "m", messageID)
	require.Equal(t, "o", origin)
	require.NotEmpty(t, payload)
}

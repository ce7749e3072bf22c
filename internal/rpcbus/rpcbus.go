// Package rpcbus implements the two peer-to-peer procedures spec.md
// section 6 names: GetContactNodeId (request/response) and StudyCast
// (fire-and-forget). The teacher never used a binary RPC framework —
// every node-to-node call in AryanBagade-dynamoDB's gossip/replication
// layers is plain HTTP+JSON (see internal/gossip/communication.go,
// internal/replication/replicator.go) — and nothing else in the
// retrieved pack supplies a binary RPC layer for this concern, so we
// keep that transport and carry the spec's procedure numbers as named
// constants purely for documentation parity with the wire contract.
package rpcbus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/plumtuna/plumtuna/internal/coreerr"
	"github.com/plumtuna/plumtuna/internal/overlay"
	"github.com/plumtuna/plumtuna/internal/studyref"
)

// ProcedureID documents the wire procedure numbers from spec.md section 6.
type ProcedureID uint32

const (
	ProcGetContactNodeID ProcedureID = 0x43A10000
	ProcStudyCast         ProcedureID = 0x43A20000
)

// ContactTimeout is the hard per-attempt timeout spec.md section 5
// mandates for the contact RPC, so a bootstrap loop can rotate through
// candidate addresses quickly instead of hanging on a dead one.
const ContactTimeout = 100 * time.Millisecond

// UnicastRpc is the external collaborator interface the core consumes
// for peer-to-peer calls (spec.md section 1).
type UnicastRpc interface {
	// GetContactNodeId asks addr "what is your bootstrap node id?".
	GetContactNodeID(ctx context.Context, addr string) (overlay.NodeID, error)
	// StudyCast unicasts a NotifyStudy to addr. created, when non-nil,
	// is the overlay origin the sender is willing to act as a
	// bootstrap contact for; nil means "this id exists somewhere but I
	// cannot bootstrap you" per spec.md section 6.
	StudyCast(ctx context.Context, addr string, ref studyref.NameAndID, created *overlay.NodeID) error
}

type contactResponse struct {
	NodeID string `json:"node_id"`
	Error  string `json:"error,omitempty"`
}

type studyCastRequest struct {
	NameAndID studyref.NameAndID `json:"name_and_id"`
	Created   *string            `json:"created,omitempty"`
}

// HTTPRpc is the production UnicastRpc, issuing JSON POSTs against the
// peer's contact/study-cast endpoints.
type HTTPRpc struct {
	client *http.Client
}

func NewHTTPRpc() *HTTPRpc {
	return &HTTPRpc{client: &http.Client{}}
}

func (r *HTTPRpc) GetContactNodeID(ctx context.Context, addr string) (overlay.NodeID, error) {
	ctx, cancel := context.WithTimeout(ctx, ContactTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/rpc/contact", nil)
	if err != nil {
		return "", coreerr.Wrap(coreerr.Other, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", coreerr.Wrap(coreerr.Other, err)
	}
	defer resp.Body.Close()

	var body contactResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", coreerr.Wrap(coreerr.Other, err)
	}
	if body.Error != "" {
		return "", coreerr.New(coreerr.Other, body.Error)
	}
	return overlay.NodeID(body.NodeID), nil
}

// GetContactNodeIDWithRetry rotates across candidates, trying each with
// exponential backoff up to maxAttempts times before moving to the next
// address, matching the CLI's "--contact-server HOST[:PORT]" rotation
// over its comma-separated candidates. Each candidate is dialed as
// given; a host name is not expanded into the several addresses its DNS
// record may hold.
func GetContactNodeIDWithRetry(ctx context.Context, rpc UnicastRpc, candidates []string, maxAttempts int) (overlay.NodeID, error) {
	if len(candidates) == 0 {
		return "", coreerr.New(coreerr.Other, "no contact candidates configured")
	}
	// WithMaxRetries counts retries after the first call.
	retries := uint64(0)
	if maxAttempts > 1 {
		retries = uint64(maxAttempts - 1)
	}
	var lastErr error
	for _, addr := range candidates {
		bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), retries), ctx)
		var id overlay.NodeID
		err := backoff.Retry(func() error {
			var attemptErr error
			id, attemptErr = rpc.GetContactNodeID(ctx, addr)
			return attemptErr
		}, bo)
		if err == nil {
			return id, nil
		}
		lastErr = err
	}
	return "", coreerr.Wrap(coreerr.Other, fmt.Errorf("all contact candidates failed: %w", lastErr))
}

func (r *HTTPRpc) StudyCast(ctx context.Context, addr string, ref studyref.NameAndID, created *overlay.NodeID) error {
	var createdStr *string
	if created != nil {
		s := string(*created)
		createdStr = &s
	}
	body, err := json.Marshal(studyCastRequest{NameAndID: ref, Created: createdStr})
	if err != nil {
		return coreerr.Wrap(coreerr.Other, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+"/rpc/study-cast", bytes.NewReader(body))
	if err != nil {
		return coreerr.Wrap(coreerr.Other, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return coreerr.Wrap(coreerr.Other, err)
	}
	defer resp.Body.Close()
	return nil
}

// DecodeStudyCast parses an inbound StudyCast request body.
func DecodeStudyCast(body []byte) (studyref.NameAndID, *overlay.NodeID, error) {
	var req studyCastRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return studyref.NameAndID{}, nil, coreerr.Wrap(coreerr.Other, err)
	}
	var created *overlay.NodeID
	if req.Created != nil {
		id := overlay.NodeID(*req.Created)
		created = &id
	}
	return req.NameAndID, created, nil
}

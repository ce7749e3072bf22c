package contact_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/plumtuna/plumtuna/internal/contact"
	"github.com/plumtuna/plumtuna/internal/overlay"
)

func TestGetResolvesImmediatelyWhenIDAlreadySet(t *testing.T) {
	s := contact.New()
	s.Set("node-a")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	id, err := s.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, overlay.NodeID("node-a"), id)
}

func TestGetParksUntilSetThenReleases(t *testing.T) {
	s := contact.New()
	resultCh := make(chan overlay.NodeID, 1)
	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		id, err := s.Get(ctx)
		resultCh <- id
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	s.Set("node-b")

	require.NoError(t, <-errCh)
	require.Equal(t, overlay.NodeID("node-b"), <-resultCh)
}

func TestGetReturnsContextErrorWhenNeverSet(t *testing.T) {
	s := contact.New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := s.Get(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSetReleasesEveryQueuedWaiter(t *testing.T) {
	s := contact.New()
	const n = 5
	results := make(chan overlay.NodeID, n)
	for i := 0; i < n; i++ {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			id, err := s.Get(ctx)
			require.NoError(t, err)
			results <- id
		}()
	}

	time.Sleep(10 * time.Millisecond)
	s.Set("node-c")

	for i := 0; i < n; i++ {
		require.Equal(t, overlay.NodeID("node-c"), <-results)
	}
}

package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/puretext/puretext/internal/check"
)

func TestDispatcherDrainsQueue(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 16)
	h.comparer.result = check.Result{Percentage: 0, Matches: []check.Match{}}

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := h.runner.Submit(context.Background(), originalText)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	dispatcher := NewDispatcher(h.queue, h.runner, 3, zap.NewNop())
	done := make(chan struct{})
	go func() {
		dispatcher.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			job, err := h.store.Get(context.Background(), id)
			if err != nil || !job.Status.IsTerminal() {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after cancel")
	}

	for _, id := range ids {
		job, err := h.store.Get(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, check.StatusCompleted, job.Status)
	}
}

func TestDispatcherStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4)
	dispatcher := NewDispatcher(h.queue, h.runner, 2, zap.NewNop())

	done := make(chan struct{})
	go func() {
		dispatcher.Run(context.Background())
		close(done)
	}()

	h.queue.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after queue close")
	}
}

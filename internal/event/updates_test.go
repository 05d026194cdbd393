package event

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdesk/agentdesk/pkg/types"
)

func statusPtr(s types.SessionStatus) *types.SessionStatus { return &s }

func TestUpdates_PublishConsume(t *testing.T) {
	updates := NewUpdates()
	defer updates.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var received []types.SessionUpdate
	done, err := updates.Consume(ctx, func(u types.SessionUpdate) error {
		mu.Lock()
		received = append(received, u)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	token := "resume-1"
	require.NoError(t, updates.Publish(types.SessionUpdate{SessionID: "s1", Seq: 1, Status: statusPtr(types.StatusRunning)}))
	require.NoError(t, updates.Publish(types.SessionUpdate{SessionID: "s1", Seq: 2, ResumeToken: &token}))
	require.NoError(t, updates.Publish(types.SessionUpdate{SessionID: "s1", Seq: 3, Status: statusPtr(types.StatusCompleted)}))

	// Publish blocks until acked, so everything is delivered by now.
	mu.Lock()
	require.Len(t, received, 3)
	assert.Equal(t, uint64(1), received[0].Seq)
	assert.Equal(t, "resume-1", *received[1].ResumeToken)
	assert.Equal(t, types.StatusCompleted, *received[2].Status)
	mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop after cancel")
	}
}

func TestUpdates_ConsumerErrorDoesNotStall(t *testing.T) {
	updates := NewUpdates()
	defer updates.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	_, err := updates.Consume(ctx, func(u types.SessionUpdate) error {
		calls++
		return errors.New("disk full")
	})
	require.NoError(t, err)

	published := make(chan error, 1)
	go func() {
		published <- updates.Publish(types.SessionUpdate{SessionID: "s1", Seq: 1})
	}()

	select {
	case err := <-published:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a failing consumer")
	}
	assert.Equal(t, 1, calls)
}

func TestUpdates_NoConsumer(t *testing.T) {
	updates := NewUpdates()
	defer updates.Close()

	assert.NoError(t, updates.Publish(types.SessionUpdate{SessionID: "s1"}))
}

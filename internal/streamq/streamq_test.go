package streamq

import (
	"context"
	"testing"
	"time"

	"github.com/sebastianm/agentmux/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_PushThenNext(t *testing.T) {
	q := New[string]()
	require.NoError(t, q.Push("a"))
	require.NoError(t, q.Push("b"))

	item, ok, err := q.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", item)

	item, ok, err = q.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", item)
}

func TestQueue_NextBlocksUntilPush(t *testing.T) {
	q := New[int]()

	got := make(chan int, 1)
	go func() {
		item, ok, err := q.Next(context.Background())
		if err == nil && ok {
			got <- item
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Push(42))

	select {
	case item := <-got:
		assert.Equal(t, 42, item)
	case <-time.After(time.Second):
		t.Fatal("consumer never woke")
	}
}

func TestQueue_EndWakesConsumer(t *testing.T) {
	q := New[int]()

	done := make(chan bool, 1)
	go func() {
		_, ok, err := q.Next(context.Background())
		done <- ok || err != nil
	}()

	time.Sleep(20 * time.Millisecond)
	q.End()

	select {
	case ok := <-done:
		assert.False(t, ok, "Next after End should report end-of-stream")
	case <-time.After(time.Second):
		t.Fatal("consumer never woke on End")
	}
}

func TestQueue_PushAfterEndFails(t *testing.T) {
	q := New[string]()
	q.End()
	err := q.Push("late")
	require.Error(t, err)
	assert.True(t, session.IsKind(err, session.KindQueueEnded))
}

func TestQueue_EndDrainsBufferedItems(t *testing.T) {
	q := New[string]()
	require.NoError(t, q.Push("x"))
	q.End()

	item, ok, err := q.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "x", item)

	_, ok, err = q.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueue_NextHonorsContext(t *testing.T) {
	q := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, _, err := q.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

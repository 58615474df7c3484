package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"go-tasksync/model"
	"go-tasksync/store"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type countingNotifier struct {
	calls int
	err   error
}

func (n *countingNotifier) Notify(context.Context) error {
	n.calls++
	return n.err
}

func TestEnqueue(t *testing.T) {
	ctx := context.Background()
	n := &countingNotifier{}
	q := New(store.NewMemory(), quietLogger(), WithNotifier(n), WithMaxRetries(5))

	item, err := q.Enqueue(ctx, "task-1", model.OpUpdate, map[string]any{"id": "task-1", "title": "x"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), item.ID)
	assert.Equal(t, model.QueuePending, item.Status)
	assert.Equal(t, 0, item.RetryCount)
	assert.Equal(t, 5, item.MaxRetries)
	assert.JSONEq(t, `{"id":"task-1","title":"x"}`, string(item.Payload))
	assert.Equal(t, 1, n.calls)

	_, err = q.Enqueue(ctx, "task-1", model.Operation("merge"), nil)
	assert.Error(t, err)

	n.err = errors.New("redis down")
	_, err = q.Enqueue(ctx, "task-2", model.OpCreate, map[string]any{"title": "y"})
	assert.NoError(t, err, "a lost wake-up must not fail the enqueue")
}

func TestMarkFailedRetryBound(t *testing.T) {
	ctx := context.Background()
	q := New(store.NewMemory(), quietLogger())

	item, err := q.Enqueue(ctx, "t", model.OpUpdate, map[string]any{})
	require.NoError(t, err)
	require.Equal(t, model.DefaultMaxRetries, item.MaxRetries)

	for i := 1; i < model.DefaultMaxRetries; i++ {
		item, err = q.MarkFailed(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, i, item.RetryCount)
		assert.Equal(t, model.QueuePending, item.Status)
		require.NotNil(t, item.LastAttemptedAt)

		pending, err := q.DequeuePending(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, pending, 1, "item stays eligible after %d failures", i)
	}

	item, err = q.MarkFailed(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QueueFailed, item.Status)
	assert.Equal(t, model.DefaultMaxRetries, item.RetryCount)

	pending, err := q.DequeuePending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = q.MarkFailed(ctx, item.ID)
	assert.True(t, IsTerminal(err))
	_, err = q.MarkCompleted(ctx, item.ID)
	assert.True(t, IsTerminal(err))

	status, err := q.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.QueueCounts{Failed: 1, Total: 1}, status)
}

func TestTerminalStatusIsFinal(t *testing.T) {
	ctx := context.Background()
	q := New(store.NewMemory(), quietLogger())

	item, err := q.Enqueue(ctx, "t", model.OpCreate, map[string]any{"title": "x"})
	require.NoError(t, err)

	done, err := q.MarkCompleted(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QueueSynced, done.Status)

	again, err := q.MarkFailed(ctx, item.ID)
	assert.True(t, IsTerminal(err))
	assert.Equal(t, model.QueueSynced, again.Status)
	assert.Equal(t, 0, again.RetryCount)
}

func TestDequeueOrderAcrossTruncation(t *testing.T) {
	ctx := context.Background()
	q := New(store.NewMemory(), quietLogger())

	var want []string
	for _, title := range []string{"A", "B", "C", "D", "E"} {
		_, err := q.Enqueue(ctx, "same-task", model.OpUpdate, map[string]any{"title": title})
		require.NoError(t, err)
		want = append(want, title)
	}

	var got []string
	for {
		batch, err := q.DequeuePending(ctx, 2)
		require.NoError(t, err)
		if len(batch) == 0 {
			break
		}
		assert.LessOrEqual(t, len(batch), 2)
		for _, it := range batch {
			var p map[string]string
			require.NoError(t, json.Unmarshal(it.Payload, &p))
			got = append(got, p["title"])
			_, err := q.MarkCompleted(ctx, it.ID)
			require.NoError(t, err)
		}
	}
	assert.Equal(t, want, got)

	empty, err := q.DequeuePending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

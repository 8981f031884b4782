package queue

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/paygate/internal/storage"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "paygate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestQueueEnqueueDequeueFIFO(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	ctx := context.Background()

	id1, err := q.Enqueue(ctx, EnqueueRequest{Workflow: "report", Trigger: "x402", SubmittedBy: "webhook:/webhook/pay"})
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, EnqueueRequest{Workflow: "report", Trigger: "x402", SubmittedBy: "webhook:/webhook/pay"})
	require.NoError(t, err)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	j1, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, j1)
	assert.Equal(t, id1, j1.ID)
	assert.Equal(t, StatusRunning, j1.Status)
	assert.NotNil(t, j1.StartedAt)

	j2, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, j2)
	assert.Equal(t, id2, j2.ID)

	j3, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, j3)
}

func TestQueueGetJobByIDAndComplete(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	ctx := context.Background()

	settlement := "abc123"
	id, err := q.Enqueue(ctx, EnqueueRequest{
		Workflow:     "report",
		Trigger:      "x402",
		Payload:      json.RawMessage(`{"txHash":"0xabc"}`),
		SubmittedBy:  "webhook:/webhook/pay",
		SettlementID: &settlement,
	})
	require.NoError(t, err)

	job, err := q.GetJobByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status)
	assert.JSONEq(t, `{"txHash":"0xabc"}`, string(job.Payload))
	require.NotNil(t, job.SettlementID)
	assert.Equal(t, settlement, *job.SettlementID)

	_, err = q.Dequeue(ctx)
	require.NoError(t, err)
	msg := "workflow exploded"
	require.NoError(t, q.Complete(ctx, id, StatusFailed, &msg))

	job, err = q.GetJobByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	require.NotNil(t, job.LastError)
	assert.Equal(t, msg, *job.LastError)
	assert.NotNil(t, job.CompletedAt)

	assert.ErrorIs(t, q.Complete(ctx, "missing", StatusSucceeded, nil), ErrJobNotFound)
	assert.Error(t, q.Complete(ctx, id, StatusRunning, nil))
	assert.ErrorIs(t, q.Complete(ctx, id, StatusSucceeded, nil), ErrJobNotRunning, "already terminal")
}

func TestQueueCompleteRequiresClaim(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	ctx := context.Background()
	id, err := q.Enqueue(ctx, EnqueueRequest{Workflow: "w", Trigger: "signed", SubmittedBy: "webhook:cb"})
	require.NoError(t, err)

	assert.ErrorIs(t, q.Complete(ctx, id, StatusSucceeded, nil), ErrJobNotRunning)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestQueueGetJobByIDNotFound(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	_, err := q.GetJobByID(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestQueueEnqueueValidation(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	ctx := context.Background()
	for _, req := range []EnqueueRequest{
		{Trigger: "x402", SubmittedBy: "s"},
		{Workflow: "w", SubmittedBy: "s"},
		{Workflow: "w", Trigger: "x402"},
	} {
		_, err := q.Enqueue(ctx, req)
		assert.Error(t, err)
	}
}

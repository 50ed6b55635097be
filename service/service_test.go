package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"spotqueue/model"
	"spotqueue/queue"
	"spotqueue/store"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	require.NoError(t, client.Ping(ctx).Err())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func setupService(t *testing.T) (*Service, *store.Store, *queue.Queue) {
	t.Helper()
	client := setupRedis(t)
	st := store.New(client, time.Hour)
	q := queue.New(client)
	return New(st, q, 50*time.Millisecond), st, q
}

// drainOne emulates a worker: pop the next id and finish the task.
func drainOne(t *testing.T, st *store.Store, q *queue.Queue, result json.RawMessage, taskErr string) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		id, err := q.Dequeue(ctx)
		require.NoError(t, err)
		if id == "" {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		_, err = st.MarkProcessing(ctx, id, "test-worker")
		require.NoError(t, err)
		if taskErr != "" {
			require.NoError(t, st.MarkFailed(ctx, id, taskErr))
		} else {
			require.NoError(t, st.MarkCompleted(ctx, id, result))
		}
		return
	}
	t.Error("no task appeared on the queue")
}

func TestSubmitAndWaitRoundTrip(t *testing.T) {
	svc, st, q := setupService(t)
	ctx := context.Background()

	want := json.RawMessage(`{"instance_type":"t3.micro","region":"us-east-1","price":0.0104}`)
	go drainOne(t, st, q, want, "")

	got, err := svc.SubmitAndWait(ctx, model.TypeFetchSingle, json.RawMessage(`{"instance_type":"t3.micro"}`), model.PriorityHigh, 2*time.Second)
	require.NoError(t, err)
	require.JSONEq(t, string(want), string(got))
}

func TestSubmitAndWaitTaskFailed(t *testing.T) {
	svc, st, q := setupService(t)
	ctx := context.Background()

	go drainOne(t, st, q, nil, "no spot price history for t3.micro in us-east-1")

	_, err := svc.SubmitAndWait(ctx, model.TypeFetchSingle, json.RawMessage(`{"instance_type":"t3.micro"}`), model.PriorityHigh, 2*time.Second)
	var failed *TaskFailedError
	require.ErrorAs(t, err, &failed)
	require.Equal(t, "no spot price history for t3.micro in us-east-1", failed.Message)
	require.NotErrorIs(t, err, ErrWaitTimeout)
}

func TestSubmitAndWaitTimeout(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()

	start := time.Now()
	_, err := svc.SubmitAndWait(ctx, model.TypeFetchSingle, json.RawMessage(`{"instance_type":"t3.micro"}`), model.PriorityHigh, time.Second)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrWaitTimeout)
	require.GreaterOrEqual(t, elapsed, time.Second, "timeout must not fire early")
	require.Less(t, elapsed, 1500*time.Millisecond, "timeout must fire close to the budget")

	// The task is not cancelled: it is still pending on the queue.
	m, err := svc.Metrics(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, m.QueuedHigh)
}

func TestGetStatusNotFound(t *testing.T) {
	svc, _, _ := setupService(t)

	_, err := svc.GetStatus(context.Background(), "no-such-task")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestEnqueueValidation(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, model.TaskType("mystery"), nil, model.PriorityHigh)
	require.Error(t, err)

	_, err = svc.Enqueue(ctx, model.TypeFetchSingle, nil, model.TaskPriority("urgent"))
	require.Error(t, err)
}

func TestMetrics(t *testing.T) {
	svc, st, _ := setupService(t)
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, model.TypeFetchSingle, nil, model.PriorityHigh)
	require.NoError(t, err)
	_, err = svc.Enqueue(ctx, model.TypeFetchSingle, nil, model.PriorityHigh)
	require.NoError(t, err)
	lowID, err := svc.Enqueue(ctx, model.TypeFetchBatch, nil, model.PriorityLow)
	require.NoError(t, err)

	m, err := svc.Metrics(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, m.QueuedHigh)
	require.EqualValues(t, 1, m.QueuedLow)
	require.EqualValues(t, 0, m.Processing)

	_, err = st.MarkProcessing(ctx, lowID, "test-worker")
	require.NoError(t, err)

	m, err = svc.Metrics(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, m.Processing)
}

func TestWaitContextCancelled(t *testing.T) {
	svc, _, _ := setupService(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := svc.SubmitAndWait(ctx, model.TypeFetchSingle, nil, model.PriorityHigh, 5*time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"spotqueue/config"
	"spotqueue/model"
	"spotqueue/service"
	"spotqueue/store"
)

type stubTasks struct {
	enqueueID   string
	enqueueErr  error
	task        *model.Task
	statusErr   error
	waitResult  json.RawMessage
	waitErr     error
	metrics     model.QueueMetrics
	lastPayload json.RawMessage
	lastTimeout time.Duration
}

func (s *stubTasks) Enqueue(ctx context.Context, typ model.TaskType, payload json.RawMessage, priority model.TaskPriority) (string, error) {
	s.lastPayload = payload
	return s.enqueueID, s.enqueueErr
}

func (s *stubTasks) GetStatus(ctx context.Context, id string) (*model.Task, error) {
	return s.task, s.statusErr
}

func (s *stubTasks) SubmitAndWait(ctx context.Context, typ model.TaskType, payload json.RawMessage, priority model.TaskPriority, timeout time.Duration) (json.RawMessage, error) {
	s.lastPayload = payload
	s.lastTimeout = timeout
	return s.waitResult, s.waitErr
}

func (s *stubTasks) Metrics(ctx context.Context) (model.QueueMetrics, error) {
	return s.metrics, nil
}

type stubHistory struct {
	latest  []model.PriceObservation
	pingErr error
}

func (h *stubHistory) Latest(ctx context.Context, region, instanceType string, limit int) ([]model.PriceObservation, error) {
	return h.latest, nil
}

func (h *stubHistory) Ping(ctx context.Context) error { return h.pingErr }

type stubWorkers struct{ ids []string }

func (w *stubWorkers) Alive(ctx context.Context) ([]string, error) { return w.ids, nil }

type stubCache struct{ obs *model.PriceObservation }

func (c *stubCache) Get(ctx context.Context, region, instanceType string) (*model.PriceObservation, error) {
	return c.obs, nil
}

func newServer(tasks *stubTasks, history HistoryReader, workers WorkerLister) *Server {
	return New(Options{
		Tasks:   tasks,
		History: history,
		Workers: workers,
		Config:  config.API{Addr: ":0", WaitTimeout: 30 * time.Second},
	})
}

func doRequest(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

func TestPostTask(t *testing.T) {
	tasks := &stubTasks{enqueueID: "1700000000000-deadbeef"}
	h := newServer(tasks, nil, nil).Handler()

	rec := doRequest(t, h, http.MethodPost, "/tasks",
		`{"type":"fetch-single","payload":{"instance_type":"t3.micro"},"priority":"low"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "1700000000000-deadbeef", decode(t, rec)["task_id"])
}

func TestPostTaskInvalid(t *testing.T) {
	h := newServer(&stubTasks{}, nil, nil).Handler()

	rec := doRequest(t, h, http.MethodPost, "/tasks", `{"type":"mystery"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/tasks", `not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/tasks", `{"type":"fetch-single","priority":"urgent"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTask(t *testing.T) {
	now := time.Now().UTC()
	tasks := &stubTasks{task: &model.Task{
		ID:        "abc",
		Type:      model.TypeFetchSingle,
		Status:    model.StatusCompleted,
		Priority:  model.PriorityHigh,
		Result:    json.RawMessage(`{"price":0.0104}`),
		CreatedAt: now,
		UpdatedAt: now,
	}}
	h := newServer(tasks, nil, nil).Handler()

	rec := doRequest(t, h, http.MethodGet, "/tasks/abc", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "abc", body["id"])
	require.Equal(t, "completed", body["status"])
}

func TestGetTaskNotFound(t *testing.T) {
	tasks := &stubTasks{statusErr: store.ErrNotFound}
	h := newServer(tasks, nil, nil).Handler()

	rec := doRequest(t, h, http.MethodGet, "/tasks/nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, decode(t, rec)["error"], "not found")
}

func TestGetSpotPrice(t *testing.T) {
	tasks := &stubTasks{waitResult: json.RawMessage(
		`{"instance_type":"t3.micro","region":"us-east-1","availability_zone":"us-east-1a","price":0.0104}`)}
	h := newServer(tasks, nil, nil).Handler()

	rec := doRequest(t, h, http.MethodGet, "/spot-prices/us-east-1/t3.micro", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var payload model.FetchSinglePayload
	require.NoError(t, json.Unmarshal(tasks.lastPayload, &payload))
	require.Equal(t, "t3.micro", payload.InstanceType)
	require.Equal(t, "us-east-1", payload.Region)

	price := decode(t, rec)["price"].(map[string]any)
	require.Equal(t, 0.0104, price["price"])
}

func TestGetBestPriceOmitsRegion(t *testing.T) {
	tasks := &stubTasks{waitResult: json.RawMessage(
		`{"instance_type":"t3.micro","region":"us-west-2","price":0.0099}`)}
	h := newServer(tasks, nil, nil).Handler()

	rec := doRequest(t, h, http.MethodGet, "/spot-prices/best/t3.micro", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var payload model.FetchSinglePayload
	require.NoError(t, json.Unmarshal(tasks.lastPayload, &payload))
	require.Equal(t, "t3.micro", payload.InstanceType)
	require.Empty(t, payload.Region, "best-price requests must not pin a region")
}

func TestGetSpotPriceCacheHit(t *testing.T) {
	tasks := &stubTasks{}
	cache := &stubCache{obs: &model.PriceObservation{
		InstanceType: "t3.micro",
		Region:       "us-east-1",
		Price:        0.0104,
		Source:       "cache",
	}}
	h := New(Options{
		Tasks:  tasks,
		Cache:  cache,
		Config: config.API{Addr: ":0", WaitTimeout: 30 * time.Second},
	}).Handler()

	rec := doRequest(t, h, http.MethodGet, "/spot-prices/us-east-1/t3.micro", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, tasks.lastPayload, "a fresh cache hit must not enqueue a task")

	price := decode(t, rec)["price"].(map[string]any)
	require.Equal(t, "cache", price["source"])

	// Best-price requests bypass the cache and go through a worker.
	tasks.waitResult = json.RawMessage(`{"instance_type":"t3.micro","region":"us-west-2","price":0.0099}`)
	rec = doRequest(t, h, http.MethodGet, "/spot-prices/best/t3.micro", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, tasks.lastPayload)
}

func TestGetSpotPriceTimeout(t *testing.T) {
	tasks := &stubTasks{waitErr: service.ErrWaitTimeout}
	h := newServer(tasks, nil, nil).Handler()

	rec := doRequest(t, h, http.MethodGet, "/spot-prices/us-east-1/t3.micro", "")
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestGetSpotPriceTaskFailed(t *testing.T) {
	tasks := &stubTasks{waitErr: &service.TaskFailedError{ID: "abc", Message: "no spot price history for t3.micro in us-east-1"}}
	h := newServer(tasks, nil, nil).Handler()

	rec := doRequest(t, h, http.MethodGet, "/spot-prices/us-east-1/t3.micro", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, decode(t, rec)["error"], "no spot price history")
}

func TestGetSpotPriceHistory(t *testing.T) {
	tasks := &stubTasks{waitResult: json.RawMessage(
		`{"instance_type":"t3.micro","region":"us-east-1","price":0.0104}`)}
	history := &stubHistory{latest: []model.PriceObservation{
		{InstanceType: "t3.micro", Region: "us-east-1", Price: 0.0104},
		{InstanceType: "t3.micro", Region: "us-east-1", Price: 0.0102},
	}}
	h := newServer(tasks, history, nil).Handler()

	rec := doRequest(t, h, http.MethodGet, "/spot-prices/us-east-1/t3.micro?history=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Len(t, body["price_history"], 2)

	rec = doRequest(t, h, http.MethodGet, "/spot-prices/us-east-1/t3.micro", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, decode(t, rec), "price_history")
}

func TestWaitBudgetQueryParam(t *testing.T) {
	tasks := &stubTasks{waitResult: json.RawMessage(`{"price":0.0104}`)}
	h := newServer(tasks, nil, nil).Handler()

	doRequest(t, h, http.MethodGet, "/spot-prices/us-east-1/t3.micro?timeout=5s", "")
	require.Equal(t, 5*time.Second, tasks.lastTimeout)

	// Values past the ceiling fall back to the configured budget.
	doRequest(t, h, http.MethodGet, "/spot-prices/us-east-1/t3.micro?timeout=10m", "")
	require.Equal(t, 30*time.Second, tasks.lastTimeout)
}

func TestGetStats(t *testing.T) {
	tasks := &stubTasks{metrics: model.QueueMetrics{QueuedHigh: 2, QueuedLow: 5, Processing: 1}}
	h := newServer(tasks, nil, nil).Handler()

	rec := doRequest(t, h, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.EqualValues(t, 2, body["queued_high"])
	require.EqualValues(t, 5, body["queued_low"])
	require.EqualValues(t, 1, body["processing"])
}

func TestGetWorkers(t *testing.T) {
	workers := &stubWorkers{ids: []string{"host-1-100", "host-2-200"}}
	h := newServer(&stubTasks{}, nil, workers).Handler()

	rec := doRequest(t, h, http.MethodGet, "/workers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode(t, rec)["workers"], 2)
}

func TestGetHealth(t *testing.T) {
	h := newServer(&stubTasks{}, &stubHistory{}, nil).Handler()

	rec := doRequest(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "healthy", body["status"])

	degraded := newServer(&stubTasks{}, &stubHistory{pingErr: context.DeadlineExceeded}, nil).Handler()
	rec = doRequest(t, degraded, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "degraded", decode(t, rec)["status"])
}

// Package api is the HTTP front door. It is a thin client of the
// coordination layer: every price request becomes a task, and
// synchronous endpoints wait on the task's result.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"spotqueue/config"
	"spotqueue/model"
	"spotqueue/service"
	"spotqueue/store"
)

// TaskService is the coordination-layer surface the API consumes.
type TaskService interface {
	Enqueue(ctx context.Context, typ model.TaskType, payload json.RawMessage, priority model.TaskPriority) (string, error)
	GetStatus(ctx context.Context, id string) (*model.Task, error)
	SubmitAndWait(ctx context.Context, typ model.TaskType, payload json.RawMessage, priority model.TaskPriority, timeout time.Duration) (json.RawMessage, error)
	Metrics(ctx context.Context) (model.QueueMetrics, error)
}

// HistoryReader serves archived price observations.
type HistoryReader interface {
	Latest(ctx context.Context, region, instanceType string, limit int) ([]model.PriceObservation, error)
	Ping(ctx context.Context) error
}

// WorkerLister reports live worker processes.
type WorkerLister interface {
	Alive(ctx context.Context) ([]string, error)
}

// PriceCache answers region-pinned price lookups from the shared cache.
type PriceCache interface {
	Get(ctx context.Context, region, instanceType string) (*model.PriceObservation, error)
}

type Server struct {
	tasks    TaskService
	history  HistoryReader
	workers  WorkerLister
	cache    PriceCache
	redis    *redis.Client
	registry *prometheus.Registry
	cfg      config.API
}

type Options struct {
	Tasks    TaskService
	History  HistoryReader // optional
	Workers  WorkerLister  // optional
	Cache    PriceCache    // optional; fresh hits skip the task queue
	Redis    *redis.Client // optional; enables rate limiting and the health ping
	Registry *prometheus.Registry
	Config   config.API
}

func New(opts Options) *Server {
	return &Server{
		tasks:    opts.Tasks,
		history:  opts.History,
		workers:  opts.Workers,
		cache:    opts.Cache,
		redis:    opts.Redis,
		registry: opts.Registry,
		cfg:      opts.Config,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if s.cfg.RateLimit > 0 && s.redis != nil {
		r.Use(s.rateLimit)
	}

	r.Post("/tasks", s.postTask)
	r.Get("/tasks/{id}", s.getTask)
	r.Get("/spot-prices/best/{instanceType}", s.getBestPrice)
	r.Get("/spot-prices/{region}/{instanceType}", s.getSpotPrice)
	r.Get("/stats", s.getStats)
	r.Get("/workers", s.getWorkers)
	r.Get("/health", s.getHealth)
	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return r
}

// HTTPServer wraps the router in an http.Server bound to the
// configured address.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: s.cfg.WaitTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

type postTaskRequest struct {
	Type     model.TaskType     `json:"type"`
	Payload  json.RawMessage    `json:"payload"`
	Priority model.TaskPriority `json:"priority"`
}

func (s *Server) postTask(w http.ResponseWriter, r *http.Request) {
	var req postTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Priority == "" {
		req.Priority = model.PriorityHigh
	}
	if !req.Type.Valid() {
		writeError(w, "unknown task type", http.StatusBadRequest)
		return
	}
	if !req.Priority.Valid() {
		writeError(w, "unknown priority", http.StatusBadRequest)
		return
	}

	id, err := s.tasks.Enqueue(r.Context(), req.Type, req.Payload, req.Priority)
	if err != nil {
		writeError(w, "failed to enqueue task", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.tasks.GetStatus(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load task", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) getSpotPrice(w http.ResponseWriter, r *http.Request) {
	region := chi.URLParam(r, "region")
	instanceType := chi.URLParam(r, "instanceType")
	s.servePrice(w, r, model.FetchSinglePayload{InstanceType: instanceType, Region: region})
}

func (s *Server) getBestPrice(w http.ResponseWriter, r *http.Request) {
	instanceType := chi.URLParam(r, "instanceType")
	s.servePrice(w, r, model.FetchSinglePayload{InstanceType: instanceType})
}

func (s *Server) servePrice(w http.ResponseWriter, r *http.Request, req model.FetchSinglePayload) {
	// Region-pinned requests can be answered from the cache without a
	// task round trip; best-price requests always go through a worker.
	if s.cache != nil && req.Region != "" {
		obs, err := s.cache.Get(r.Context(), req.Region, req.InstanceType)
		if err != nil {
			log.Printf("[api] cache read %s/%s: %v", req.Region, req.InstanceType, err)
		} else if obs != nil {
			s.writePrice(w, r, obs)
			return
		}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		writeError(w, "encoding payload", http.StatusInternalServerError)
		return
	}

	result, err := s.tasks.SubmitAndWait(r.Context(), model.TypeFetchSingle, payload, model.PriorityHigh, s.waitBudget(r))
	if err != nil {
		var failed *service.TaskFailedError
		switch {
		case errors.Is(err, service.ErrWaitTimeout):
			writeError(w, "price fetch did not finish in time; retry shortly", http.StatusGatewayTimeout)
		case errors.As(err, &failed):
			writeError(w, failed.Message, http.StatusNotFound)
		default:
			writeError(w, "price fetch failed", http.StatusInternalServerError)
		}
		return
	}

	var obs model.PriceObservation
	if err := json.Unmarshal(result, &obs); err != nil {
		writeError(w, "decoding task result", http.StatusInternalServerError)
		return
	}
	s.writePrice(w, r, &obs)
}

func (s *Server) writePrice(w http.ResponseWriter, r *http.Request, obs *model.PriceObservation) {
	resp := map[string]any{"price": obs}
	if s.history != nil && r.URL.Query().Get("history") == "true" {
		history, err := s.history.Latest(r.Context(), obs.Region, obs.InstanceType, 24)
		if err != nil {
			log.Printf("[api] loading history for %s/%s: %v", obs.Region, obs.InstanceType, err)
		} else {
			resp["price_history"] = history
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// waitBudget allows callers to shorten the synchronous wait, never to
// exceed the configured ceiling.
func (s *Server) waitBudget(r *http.Request) time.Duration {
	if v := r.URL.Query().Get("timeout"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 && d < s.cfg.WaitTimeout {
			return d
		}
	}
	return s.cfg.WaitTimeout
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	m, err := s.tasks.Metrics(r.Context())
	if err != nil {
		writeError(w, "failed to read queue metrics", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) getWorkers(w http.ResponseWriter, r *http.Request) {
	if s.workers == nil {
		writeJSON(w, http.StatusOK, map[string]any{"workers": []string{}})
		return
	}
	ids, err := s.workers.Alive(r.Context())
	if err != nil {
		writeError(w, "failed to list workers", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": ids})
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	services := map[string]string{}

	if s.redis != nil {
		if err := s.redis.Ping(r.Context()).Err(); err != nil {
			services["redis"] = "unhealthy: " + err.Error()
			status = "degraded"
		} else {
			services["redis"] = "healthy"
		}
	}
	if s.history != nil {
		if err := s.history.Ping(r.Context()); err != nil {
			services["postgres"] = "unhealthy: " + err.Error()
			status = "degraded"
		} else {
			services["postgres"] = "healthy"
		}
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"services":  services,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]any{
		"error":       msg,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"status_code": code,
	})
}

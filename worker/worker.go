// Package worker drains the dispatch queue and executes tasks against
// the pricing fetcher.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"spotqueue/archive"
	"spotqueue/coord"
	"spotqueue/metrics"
	"spotqueue/model"
	"spotqueue/pricing"
	"spotqueue/queue"
	"spotqueue/store"
)

type Pool struct {
	baseID    string
	store     *store.Store
	queue     *queue.Queue
	fetcher   pricing.Fetcher
	cache     *pricing.Cache
	archive   *archive.Archive
	presence  *coord.Presence
	idleSleep time.Duration
	heartbeat time.Duration
}

type Options struct {
	Store     *store.Store
	Queue     *queue.Queue
	Fetcher   pricing.Fetcher
	Cache     *pricing.Cache
	Archive   *archive.Archive // optional; history recording is skipped when nil
	Presence  *coord.Presence  // optional; no heartbeat when nil
	IdleSleep time.Duration
	Heartbeat time.Duration
}

func NewPool(opts Options) *Pool {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	if opts.IdleSleep <= 0 {
		opts.IdleSleep = 100 * time.Millisecond
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 10 * time.Second
	}
	return &Pool{
		baseID:    fmt.Sprintf("%s-%d", host, os.Getpid()),
		store:     opts.Store,
		queue:     opts.Queue,
		fetcher:   opts.Fetcher,
		cache:     opts.Cache,
		archive:   opts.Archive,
		presence:  opts.Presence,
		idleSleep: opts.IdleSleep,
		heartbeat: opts.Heartbeat,
	}
}

// ID is the process-level worker identity used for presence.
func (p *Pool) ID() string {
	return p.baseID
}

// Start launches count consumer goroutines plus the heartbeat loop.
func (p *Pool) Start(ctx context.Context, count int, wg *sync.WaitGroup) {
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.run(ctx, fmt.Sprintf("%s-%d", p.baseID, id))
		}(i + 1)
	}
	if p.presence != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.beat(ctx)
		}()
	}
}

func (p *Pool) beat(ctx context.Context) {
	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()
	if err := p.presence.Heartbeat(ctx, p.baseID); err != nil {
		log.Printf("[worker %s] heartbeat error: %v", p.baseID, err)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.presence.Heartbeat(ctx, p.baseID); err != nil {
				log.Printf("[worker %s] heartbeat error: %v", p.baseID, err)
			}
		}
	}
}

func (p *Pool) run(ctx context.Context, workerID string) {
	log.Printf("[worker %s] started", workerID)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[worker %s] shutting down", workerID)
			return
		default:
		}

		id, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Printf("[worker %s] dequeue error: %v", workerID, err)
			p.sleep(ctx)
			continue
		}
		if id == "" {
			p.sleep(ctx)
			continue
		}
		p.process(ctx, workerID, id)
	}
}

// sleep is the empty-queue back-off; it bounds how quickly a worker
// notices fresh work.
func (p *Pool) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.idleSleep):
	}
}

func (p *Pool) process(ctx context.Context, workerID, id string) {
	task, err := p.store.MarkProcessing(ctx, id, workerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Printf("[worker %s] task %s expired before processing", workerID, id)
			return
		}
		// Already terminal or re-claimed: a duplicate delivery, skip it.
		log.Printf("[worker %s] skipping task %s: %v", workerID, id, err)
		return
	}

	log.Printf("[worker %s] processing task %s (%s)", workerID, id, task.Type)
	result, err := p.execute(ctx, task)
	if err != nil {
		if markErr := p.store.MarkFailed(ctx, id, err.Error()); markErr != nil {
			log.Printf("[worker %s] marking task %s failed: %v", workerID, id, markErr)
		}
		metrics.TasksFailedTotal.Inc()
		log.Printf("[worker %s] task %s failed: %v", workerID, id, err)
		return
	}
	if err := p.store.MarkCompleted(ctx, id, result); err != nil {
		log.Printf("[worker %s] marking task %s completed: %v", workerID, id, err)
		return
	}
	metrics.TasksCompletedTotal.Inc()
	log.Printf("[worker %s] completed task %s", workerID, id)
}

func (p *Pool) execute(ctx context.Context, task *model.Task) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[worker] task %s panic: %v\n%s", task.ID, r, debug.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	switch task.Type {
	case model.TypeFetchSingle:
		return p.fetchSingle(ctx, task.Payload)
	case model.TypeFetchBatch:
		return p.fetchBatch(ctx, task.Payload)
	}
	return nil, fmt.Errorf("unknown task type %q", task.Type)
}

func (p *Pool) fetchSingle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req model.FetchSinglePayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	if req.InstanceType == "" {
		return nil, errors.New("instance_type is required")
	}

	var obs *model.PriceObservation
	var err error
	if req.Region == "" {
		obs, err = p.bestPrice(ctx, req.InstanceType)
	} else {
		obs, err = p.regionPrice(ctx, req.InstanceType, req.Region)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(obs)
}

func (p *Pool) fetchBatch(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req model.FetchBatchPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}

	updated, failed := 0, 0
	for _, instanceType := range req.InstanceTypes {
		if _, err := p.bestPrice(ctx, instanceType); err != nil {
			log.Printf("[worker] batch update %s: %v", instanceType, err)
			failed++
			continue
		}
		updated++
	}
	return json.Marshal(map[string]int{"updated": updated, "failed": failed})
}

// regionPrice serves from the cache when fresh, otherwise fetches and
// records the observation.
func (p *Pool) regionPrice(ctx context.Context, instanceType, region string) (*model.PriceObservation, error) {
	if cached, err := p.cache.Get(ctx, region, instanceType); err != nil {
		log.Printf("[worker] cache read %s/%s: %v", region, instanceType, err)
	} else if cached != nil {
		return cached, nil
	}

	obs, err := p.fetcher.SpotPrice(ctx, instanceType, region)
	if err != nil {
		return nil, err
	}
	p.record(ctx, obs)
	return obs, nil
}

func (p *Pool) bestPrice(ctx context.Context, instanceType string) (*model.PriceObservation, error) {
	regions, err := p.fetcher.Regions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing regions: %w", err)
	}

	var best *model.PriceObservation
	failures := 0
	for _, region := range regions {
		obs, err := p.regionPrice(ctx, instanceType, region)
		if err != nil {
			failures++
			continue
		}
		if best == nil || obs.Price < best.Price {
			best = obs
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no valid prices found for %s across %d regions", instanceType, len(regions))
	}
	if failures > 0 {
		log.Printf("[worker] best price for %s: %d of %d regions failed", instanceType, failures, len(regions))
	}
	return best, nil
}

func (p *Pool) record(ctx context.Context, obs *model.PriceObservation) {
	if err := p.cache.Set(ctx, obs); err != nil {
		log.Printf("[worker] cache write %s/%s: %v", obs.Region, obs.InstanceType, err)
	}
	if p.archive != nil {
		if err := p.archive.Insert(ctx, obs); err != nil {
			log.Printf("[worker] archive write %s/%s: %v", obs.Region, obs.InstanceType, err)
		}
	}
}

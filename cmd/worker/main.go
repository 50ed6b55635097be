package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"spotqueue/archive"
	"spotqueue/config"
	"spotqueue/coord"
	"spotqueue/metrics"
	"spotqueue/pricing"
	"spotqueue/queue"
	"spotqueue/rdb"
	"spotqueue/store"
	"spotqueue/worker"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("[worker] no .env file loaded: %v", err)
	}
	cfg := config.FromEnv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := rdb.Dial(ctx, cfg.Redis)
	if err != nil {
		log.Fatalf("[worker] connecting to redis: %v", err)
	}
	defer client.Close()

	fetcher, err := pricing.NewAWSFetcher(ctx)
	if err != nil {
		log.Fatalf("[worker] setting up AWS fetcher: %v", err)
	}

	hist, err := archive.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		log.Fatalf("[worker] connecting to archive: %v", err)
	}
	defer hist.Close()
	if err := hist.EnsureSchema(ctx); err != nil {
		log.Fatalf("[worker] ensuring archive schema: %v", err)
	}

	registry := prometheus.NewRegistry()
	metrics.MustRegister(registry)

	pool := worker.NewPool(worker.Options{
		Store:     store.New(client, cfg.Queue.TaskTTL),
		Queue:     queue.New(client),
		Fetcher:   fetcher,
		Cache:     pricing.NewCache(client, cfg.Pricing.CacheTTL, cfg.Pricing.MaxAge),
		Archive:   hist,
		Presence:  coord.NewPresence(client, cfg.Queue.HeartbeatTTL),
		IdleSleep: cfg.Queue.IdleSleep,
		Heartbeat: cfg.Queue.HeartbeatEvery,
	})

	var wg sync.WaitGroup
	pool.Start(ctx, cfg.Worker.Count, &wg)
	log.Printf("[worker] %s started %d workers", pool.ID(), cfg.Worker.Count)

	reclaimer := coord.NewReclaimer(client, cfg.Queue.StaleAfter)
	wg.Add(1)
	go func() {
		defer wg.Done()
		reclaimer.Run(ctx, cfg.Queue.ReclaimEvery)
	}()

	metricsSrv := &http.Server{
		Addr:    getenv("WORKER_HTTP_PORT", ":8083"),
		Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[worker] metrics server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("[worker] shutdown signal received")
	cancel()
	_ = metricsSrv.Close()
	wg.Wait()
	log.Println("[worker] all workers stopped")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

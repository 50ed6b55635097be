package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"spotqueue/api"
	"spotqueue/archive"
	"spotqueue/config"
	"spotqueue/coord"
	"spotqueue/metrics"
	"spotqueue/pricing"
	"spotqueue/queue"
	"spotqueue/rdb"
	"spotqueue/service"
	"spotqueue/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("[api] no .env file loaded: %v", err)
	}
	cfg := config.FromEnv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := rdb.Dial(ctx, cfg.Redis)
	if err != nil {
		log.Fatalf("[api] connecting to redis: %v", err)
	}
	defer client.Close()

	hist, err := archive.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		log.Fatalf("[api] connecting to archive: %v", err)
	}
	defer hist.Close()
	if err := hist.EnsureSchema(ctx); err != nil {
		log.Fatalf("[api] ensuring archive schema: %v", err)
	}

	registry := prometheus.NewRegistry()
	metrics.MustRegister(registry)

	svc := service.New(
		store.New(client, cfg.Queue.TaskTTL),
		queue.New(client),
		cfg.Queue.PollInterval,
	)

	server := api.New(api.Options{
		Tasks:    svc,
		History:  hist,
		Workers:  coord.NewPresence(client, cfg.Queue.HeartbeatTTL),
		Cache:    pricing.NewCache(client, cfg.Pricing.CacheTTL, cfg.Pricing.MaxAge),
		Redis:    client,
		Registry: registry,
		Config:   cfg.API,
	}).HTTPServer()

	go func() {
		log.Printf("[api] listening on %s", cfg.API.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[api] server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("[api] shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[api] shutdown error: %v", err)
	}
	log.Println("[api] stopped")
}

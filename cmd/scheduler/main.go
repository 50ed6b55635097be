package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"spotqueue/config"
	"spotqueue/coord"
	"spotqueue/queue"
	"spotqueue/rdb"
	"spotqueue/scheduler"
	"spotqueue/service"
	"spotqueue/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("[scheduler] no .env file loaded: %v", err)
	}
	cfg := config.FromEnv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := rdb.Dial(ctx, cfg.Redis)
	if err != nil {
		log.Fatalf("[scheduler] connecting to redis: %v", err)
	}
	defer client.Close()

	svc := service.New(
		store.New(client, cfg.Queue.TaskTTL),
		queue.New(client),
		cfg.Queue.PollInterval,
	)

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	selfID := fmt.Sprintf("%s-%d", host, os.Getpid())

	sched := scheduler.New(
		svc,
		coord.NewLease(client),
		selfID,
		cfg.Queue.LeaseTTL,
		cfg.Scheduler.UpdateInterval,
		cfg.Scheduler.InstanceTypes,
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		sched.Run(ctx)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("[scheduler] shutdown signal received")
	cancel()
	<-done
	log.Println("[scheduler] stopped")
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dutytrack/internal/config"
	"dutytrack/internal/duty"
	"dutytrack/internal/leaderboard"
	"dutytrack/internal/queue"
	"dutytrack/internal/store"
)

// Worker consumes punch events to refresh the leaderboard and runs the
// nightly auto-close pass for sessions left open past the duty day.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	var st duty.Store
	if cfg.StoreBackend == "memory" {
		st = duty.NewMemStore()
	} else {
		db, err := store.NewDB(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connect failed: %v", err)
		}
		defer db.Close()
		st = duty.NewRepository(db.Client)
	}

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "dutytrack:punches")
	}

	loc := cfg.Location()
	svc := duty.NewService(st, cfg.EarlyTimeout, loc)
	board := leaderboard.NewCache(redisClient.Client, "")

	go runAutoClose(ctx, svc, loc, cfg.AutoCloseHour)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for punch events...")
	for msg := range messages {
		if msg.Type != duty.ActionTimeOut {
			continue // time-in changes no totals
		}

		accountID := string(msg.Body)
		stat, err := svc.Aggregate(ctx, accountID, nil, nil)
		if err != nil {
			log.Printf("aggregate %s failed: %v", accountID, err)
			continue
		}

		minutes := stat.TotalRenderedHours * 60
		if err := board.Set(ctx, accountID, minutes); err != nil {
			log.Printf("leaderboard update %s failed: %v", accountID, err)
			continue
		}
		_ = board.Touch(ctx, 48*time.Hour)
		log.Printf("leaderboard: %s at %.0f minutes", accountID, minutes)
	}

	log.Println("worker stopped")
}

// runAutoClose closes forgotten open sessions once per day at the configured
// local hour. The cutoff equals the pass time, so any session still open at
// the nightly hour is bounded there and stamped as auto-closed.
func runAutoClose(ctx context.Context, svc *duty.Service, loc *time.Location, hour int) {
	for {
		now := time.Now().In(loc)
		next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, loc)
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
		}

		closed, err := svc.AutoCloseOpenSessions(ctx, next.UTC())
		if err != nil {
			log.Printf("auto-close pass failed: %v", err)
			continue
		}
		if closed > 0 {
			log.Printf("auto-closed %d open session(s)", closed)
		}
	}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"campusattend/internal/config"
	"campusattend/internal/directory"
	"campusattend/internal/geofence"
	"campusattend/internal/queue"
	"campusattend/internal/session"
	"campusattend/internal/store"
)

// Worker consumes session deadline messages and auto-closes timed sessions
// once their end time passes.
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

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "campus:sessions")
	}

	repo := session.NewRepository(db.Client)
	users := directory.NewRepository(db.Client)
	settings := geofence.NewSettingsStore(db.Client, geofence.Settings{
		CenterLatitude:  cfg.CampusLatitude,
		CenterLongitude: cfg.CampusLongitude,
		MaxRadiusMeters: cfg.CampusRadiusM,
	})
	engine := session.NewEngine(session.EngineConfig{
		Store:    repo,
		Pending:  session.NewRedisPending(redisClient.Client, "pending:"),
		Users:    users,
		Settings: settings,
		Feed:     session.NewRedisFeed(redisClient.Client),
	})

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for session deadlines...")
	for msg := range messages {
		if msg.Type != queue.TypeDeadline {
			continue
		}

		var d queue.Deadline
		if err := json.Unmarshal(msg.Body, &d); err != nil {
			log.Printf("bad deadline payload: %v", err)
			continue
		}

		if wait := time.Until(d.EndsAt); wait > 0 {
			log.Printf("session %s closes in %s", d.SessionID, wait.Round(time.Second))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
		}

		closeSession(ctx, engine, repo, d)
	}

	log.Println("worker stopped")
}

// closeSession ends the session named by the deadline. The session id guard
// matters: an admin may have ended it already and started a newer one, and
// that newer session must not be cut short.
func closeSession(ctx context.Context, engine *session.Engine, repo *session.Repository, d queue.Deadline) {
	for attempt := 1; attempt <= 3; attempt++ {
		cls, err := repo.Class(ctx, d.ClassID)
		if err != nil {
			log.Printf("load class %s failed: %v", d.ClassID, err)
			return
		}
		if !cls.IsActive || cls.CurrentSessionID != d.SessionID {
			log.Printf("session %s already closed", d.SessionID)
			return
		}

		summary, err := engine.EndSession(ctx, d.ClassID)
		if err == nil {
			log.Printf("session %s auto-closed: %d present, %d automarked",
				summary.SessionID, summary.Present, summary.Automarked)
			return
		}
		if errors.Is(err, session.ErrNotActive) {
			return
		}

		// EndSession is idempotent, so a partial failure is safe to retry.
		log.Printf("auto-close %s attempt %d failed: %v", d.SessionID, attempt, err)
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			return
		}
	}
	log.Printf("auto-close %s exhausted retries, leaving session active", d.SessionID)
}

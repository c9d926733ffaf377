package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"taskcycle/internal/config"
	"taskcycle/internal/db"
	"taskcycle/pkg/audit"
	"taskcycle/pkg/notify"
	"taskcycle/pkg/recurrence"
	"taskcycle/pkg/scheduler"
	"taskcycle/pkg/task"
)

func main() {
	_ = godotenv.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.Connect(ctx)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	tasks := task.NewPgStore(pool)
	ledger := audit.NewPgLedger(pool)
	notes := notify.NewPgStore(pool)

	// Wait for tables to be ready (web server creates them).
	// Retry for up to 30 seconds on startup.
	for i := 0; i < 30; i++ {
		_, err = tasks.Count(ctx)
		if err == nil {
			break
		}
		log.Printf("scheduler: waiting for tables (attempt %d/30): %v", i+1, err)
		time.Sleep(time.Second)
	}
	if err != nil {
		log.Fatalf("tables not ready: %v", err)
	}

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "scheduler.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	engine := recurrence.New(tasks, ledger)
	sched := scheduler.New(tasks, ledger, notes, engine, scheduler.Config{
		Tick:              cfg.Scheduler.Tick(),
		ReminderLookahead: cfg.Scheduler.ReminderLookahead(),
		BatchLimit:        cfg.Scheduler.BatchLimit,
	})

	// Signal handling
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh
		log.Printf("scheduler: received %s, shutting down", sig)
		cancel()
	}()

	log.Printf("scheduler: process started (tick %s)", cfg.Scheduler.Tick())
	sched.Run(ctx)
}

package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/joho/godotenv"

	"taskcycle/internal/api"
	"taskcycle/internal/config"
	"taskcycle/internal/db"
	"taskcycle/pkg/audit"
	"taskcycle/pkg/lifecycle"
	"taskcycle/pkg/notify"
	"taskcycle/pkg/recurrence"
	"taskcycle/pkg/scheduler"
	"taskcycle/pkg/task"
)

func main() {
	_ = godotenv.Load()

	ctx := context.Background()

	pool, err := db.Connect(ctx)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	tasks := task.NewPgStore(pool)
	ledger := audit.NewPgLedger(pool)
	notes := notify.NewPgStore(pool)

	// Ensure tables exist
	if err := tasks.EnsureTable(ctx); err != nil {
		log.Fatalf("ensure tasks table: %v", err)
	}
	if err := ledger.EnsureTable(ctx); err != nil {
		log.Fatalf("ensure audit table: %v", err)
	}
	if err := notes.EnsureTable(ctx); err != nil {
		log.Fatalf("ensure notifications table: %v", err)
	}

	engine := recurrence.New(tasks, ledger)
	machine := lifecycle.New(tasks, ledger, engine)

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	sched := scheduler.New(tasks, ledger, notes, engine, scheduler.Config{
		Tick:              cfg.Scheduler.Tick(),
		ReminderLookahead: cfg.Scheduler.ReminderLookahead(),
		BatchLimit:        cfg.Scheduler.BatchLimit,
	})

	server := api.New(tasks, ledger, notes, machine, sched)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("taskcycle listening on :%s", port)
	if err := http.ListenAndServe(":"+port, server); err != nil {
		log.Fatalf("listen: %v", err)
	}
}

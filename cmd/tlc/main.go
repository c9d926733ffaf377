package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"taskcycle/internal/db"
	"taskcycle/pkg/actor"
	"taskcycle/pkg/audit"
	"taskcycle/pkg/lifecycle"
	"taskcycle/pkg/notify"
	"taskcycle/pkg/recurrence"
	"taskcycle/pkg/scheduler"
	"taskcycle/pkg/task"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	_ = godotenv.Load()

	ctx := context.Background()
	pool, err := db.Connect(ctx)
	if err != nil {
		fatal("connect: %v", err)
	}
	defer pool.Close()

	tasks := task.NewPgStore(pool)
	ledger := audit.NewPgLedger(pool)
	notes := notify.NewPgStore(pool)
	engine := recurrence.New(tasks, ledger)
	machine := lifecycle.New(tasks, ledger, engine)

	switch os.Args[1] {
	case "task":
		handleTask(ctx, tasks, machine, os.Args[2:])
	case "audit":
		handleAudit(ctx, ledger, os.Args[2:])
	case "notify":
		handleNotify(ctx, notes, os.Args[2:])
	case "cron":
		handleCron(ctx, tasks, ledger, notes, engine, os.Args[2:])
	case "status":
		handleStatus(ctx, tasks, ledger)
	case "init":
		handleInit(ctx, tasks, ledger, notes)
	default:
		usage()
		os.Exit(1)
	}
}

// cliActor is who mutations are attributed to. Override with TLC_ACTOR.
func cliActor() actor.Actor {
	id := os.Getenv("TLC_ACTOR")
	if id == "" {
		id = "cli"
	}
	return actor.Actor{ID: id, Type: actor.TypeHuman}
}

func handleTask(ctx context.Context, store task.Store, machine *lifecycle.Machine, args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: tlc task <create|list|get|transition|progress> [--format=short for list]")
		os.Exit(1)
	}

	switch args[0] {
	case "create":
		flags := parseFlags(args[1:])
		title := flags["title"]
		if title == "" {
			fatal("--title is required")
		}
		t := &task.Task{
			Title:       title,
			Description: flags["description"],
			Priority:    intFlag(flags, "priority", 0),
			CreatedByID: cliActor().ID,
		}
		if v := flags["due"]; v != "" {
			due, err := time.Parse(time.RFC3339, v)
			if err != nil {
				fatal("parse --due (RFC3339): %v", err)
			}
			t.DueDate = &due
		}
		if v := flags["assignee"]; v != "" {
			t.AssigneeID = &v
		}
		if v := flags["parent"]; v != "" {
			t.ParentTaskID = &v
		}
		if v := flags["tags"]; v != "" {
			t.Tags = strings.Split(v, ",")
		}
		if v := flags["recur"]; v != "" {
			t.IsRecurring = true
			t.RecurrencePattern = task.Pattern(v)
			if !t.RecurrencePattern.Valid() {
				fatal("invalid --recur pattern: %s", v)
			}
			t.RecurrenceTrigger = task.Trigger(flags["trigger"])
			if n := intFlag(flags, "max", 0); n > 0 {
				t.MaxOccurrences = &n
			}
			if _, ok := flags["clone-subtasks"]; ok {
				t.CloneSubtasksOnRecur = true
			}
		}
		result, err := machine.Create(ctx, t, cliActor())
		if err != nil {
			fatal("create task: %v", err)
		}
		printJSON(result)

	case "list":
		flags := parseFlags(args[1:])
		status := task.Status(flags["status"])
		limit := intFlag(flags, "limit", 20)
		tasks, err := store.List(ctx, status, limit)
		if err != nil {
			fatal("list tasks: %v", err)
		}
		if flags["format"] == "short" {
			printShortTasks(tasks)
		} else {
			printJSON(tasks)
		}

	case "get":
		if len(args) < 2 {
			fatal("Usage: tlc task get <id>")
		}
		t, err := store.Get(ctx, args[1])
		if err != nil {
			fatal("get task: %v", err)
		}
		printJSON(t)

	case "transition":
		if len(args) < 3 {
			fatal("Usage: tlc task transition <id> <status>")
		}
		t, err := machine.Transition(ctx, args[1], task.Status(args[2]), cliActor())
		if err != nil {
			fatal("transition task: %v", err)
		}
		printJSON(t)

	case "progress":
		if len(args) < 3 {
			fatal("Usage: tlc task progress <id> <percent> [--note=...]")
		}
		percent, err := strconv.Atoi(args[2])
		if err != nil {
			fatal("parse percent: %v", err)
		}
		flags := parseFlags(args[3:])
		t, err := machine.UpdateProgress(ctx, args[1], percent, flags["note"], cliActor())
		if err != nil {
			fatal("update progress: %v", err)
		}
		printJSON(t)

	default:
		fatal("unknown task command: %s", args[0])
	}
}

func handleAudit(ctx context.Context, ledger audit.Ledger, args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: tlc audit <list|task>")
		os.Exit(1)
	}

	switch args[0] {
	case "list":
		flags := parseFlags(args[1:])
		limit := intFlag(flags, "limit", 20)
		entries, err := ledger.Recent(ctx, limit)
		if err != nil {
			fatal("list audit: %v", err)
		}
		printJSON(entries)

	case "task":
		if len(args) < 2 {
			fatal("Usage: tlc audit task <id> [--limit=N]")
		}
		flags := parseFlags(args[2:])
		limit := intFlag(flags, "limit", 100)
		entries, err := ledger.ByEntity(ctx, audit.EntityTask, args[1], limit)
		if err != nil {
			fatal("task audit: %v", err)
		}
		printJSON(entries)

	default:
		fatal("unknown audit command: %s", args[0])
	}
}

func handleNotify(ctx context.Context, notes notify.Store, args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: tlc notify <user|task> <id> [--limit=N]")
		os.Exit(1)
	}

	switch args[0] {
	case "user":
		if len(args) < 2 {
			fatal("Usage: tlc notify user <user-id> [--limit=N]")
		}
		flags := parseFlags(args[2:])
		out, err := notes.ByUser(ctx, args[1], intFlag(flags, "limit", 20))
		if err != nil {
			fatal("notifications by user: %v", err)
		}
		printJSON(out)

	case "task":
		if len(args) < 2 {
			fatal("Usage: tlc notify task <task-id>")
		}
		out, err := notes.ByTask(ctx, args[1])
		if err != nil {
			fatal("notifications by task: %v", err)
		}
		printJSON(out)

	default:
		fatal("unknown notify command: %s", args[0])
	}
}

func handleCron(ctx context.Context, tasks task.Store, ledger audit.Ledger, notes notify.Store, engine *recurrence.Engine, args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: tlc cron <recurring|reminders>")
		os.Exit(1)
	}

	sched := scheduler.New(tasks, ledger, notes, engine, scheduler.Config{})

	switch args[0] {
	case "recurring":
		n, err := sched.ProcessRecurringTasks(ctx)
		if err != nil {
			fatal("process recurring: %v", err)
		}
		printJSON(map[string]int{"processed": n})

	case "reminders":
		n, err := sched.SendReminders(ctx)
		if err != nil {
			fatal("send reminders: %v", err)
		}
		printJSON(map[string]int{"sent": n})

	default:
		fatal("unknown cron command: %s", args[0])
	}
}

func handleStatus(ctx context.Context, tasks task.Store, ledger audit.Ledger) {
	taskCount, _ := tasks.Count(ctx)
	auditCount, _ := ledger.Count(ctx)
	statuses := task.Statuses()
	byStatus := make(map[string]int, len(statuses))
	for _, st := range statuses {
		n, _ := tasks.CountByStatus(ctx, st)
		byStatus[string(st)] = n
	}

	printJSON(map[string]any{
		"tasks":         taskCount,
		"by_status":     byStatus,
		"audit_entries": auditCount,
	})
}

func handleInit(ctx context.Context, tasks task.Store, ledger audit.Ledger, notes notify.Store) {
	if err := tasks.EnsureTable(ctx); err != nil {
		fatal("ensure tasks table: %v", err)
	}
	if err := ledger.EnsureTable(ctx); err != nil {
		fatal("ensure audit table: %v", err)
	}
	if err := notes.EnsureTable(ctx); err != nil {
		fatal("ensure notifications table: %v", err)
	}
	fmt.Println(`{"status":"ok","message":"all tables initialized"}`)
}

// parseFlags parses --key=value and --flag style args into a map.
func parseFlags(args []string) map[string]string {
	flags := make(map[string]string)
	for _, arg := range args {
		if !strings.HasPrefix(arg, "--") {
			continue
		}
		arg = strings.TrimPrefix(arg, "--")
		if idx := strings.Index(arg, "="); idx >= 0 {
			flags[arg[:idx]] = arg[idx+1:]
		} else {
			flags[arg] = ""
		}
	}
	return flags
}

func intFlag(flags map[string]string, key string, defaultVal int) int {
	if v, ok := flags[key]; ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal("encode JSON: %v", err)
	}
}

func truncStr(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func printShortTasks(tasks []task.Task) {
	for _, t := range tasks {
		id := truncStr(t.ID, 8)
		due := ""
		if t.DueDate != nil {
			due = t.DueDate.Format("2006-01-02 15:04")
		}
		fmt.Printf("%-8s  %-12s  %-16s  %s\n", id, t.Status, due, truncStr(t.Title, 60))
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "tlc: "+format+"\n", args...)
	os.Exit(1)
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: tlc <command>

Commands:
  task    Task operations (create, list, get, transition, progress)
  audit   Audit trail (list, task)
  notify  Notifications (user, task)
  cron    Run a scheduler job once (recurring, reminders)
  status  Show system summary
  init    Initialize database tables`)
}

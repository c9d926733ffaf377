package task

import "time"

// Status is a task's position in the lifecycle workflow.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusCompleted  Status = "completed"
	StatusBlocked    Status = "blocked"
	StatusCancelled  Status = "cancelled"
)

// transitions is the directed workflow graph. review -> in_progress is the
// only back-edge; completed and cancelled are terminal.
var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusBlocked, StatusCancelled},
	StatusInProgress: {StatusReview, StatusBlocked, StatusCancelled},
	StatusReview:     {StatusCompleted, StatusInProgress},
	StatusBlocked:    {StatusPending, StatusInProgress, StatusCancelled},
	StatusCompleted:  {},
	StatusCancelled:  {},
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransitionTo reports whether s -> to is in the workflow graph.
func (s Status) CanTransitionTo(to Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Statuses returns all known statuses.
func Statuses() []Status {
	return []Status{
		StatusPending, StatusInProgress, StatusReview,
		StatusCompleted, StatusBlocked, StatusCancelled,
	}
}

// Pattern is a recurrence interval.
type Pattern string

const (
	Pattern1m      Pattern = "1m"
	Pattern5m      Pattern = "5m"
	Pattern10m     Pattern = "10m"
	Pattern15m     Pattern = "15m"
	Pattern30m     Pattern = "30m"
	Pattern1h      Pattern = "1h"
	PatternDaily   Pattern = "daily"
	PatternWeekly  Pattern = "weekly"
	PatternMonthly Pattern = "monthly"
)

// patternIntervals maps each pattern to its fixed offset. Monthly is a flat
// 30 days, not calendar-aware. A documented limitation.
var patternIntervals = map[Pattern]time.Duration{
	Pattern1m:      time.Minute,
	Pattern5m:      5 * time.Minute,
	Pattern10m:     10 * time.Minute,
	Pattern15m:     15 * time.Minute,
	Pattern30m:     30 * time.Minute,
	Pattern1h:      time.Hour,
	PatternDaily:   24 * time.Hour,
	PatternWeekly:  7 * 24 * time.Hour,
	PatternMonthly: 30 * 24 * time.Hour,
}

// Interval returns the pattern's offset and whether the pattern is known.
func (p Pattern) Interval() (time.Duration, bool) {
	d, ok := patternIntervals[p]
	return d, ok
}

// Valid reports whether p is one of the enumerated patterns.
func (p Pattern) Valid() bool {
	_, ok := patternIntervals[p]
	return ok
}

// Trigger is the event that spawns the next occurrence of a recurring task.
type Trigger string

const (
	TriggerOnComplete Trigger = "on_complete"
	TriggerOnDueDate  Trigger = "on_due_date"
	TriggerBoth       Trigger = "both"
)

// Valid reports whether t is one of the enumerated triggers.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerOnComplete, TriggerOnDueDate, TriggerBoth:
		return true
	}
	return false
}

// FiresOnComplete reports whether completing the task spawns the next
// occurrence. An empty trigger defaults to on_complete.
func (t Trigger) FiresOnComplete() bool {
	return t == TriggerOnComplete || t == TriggerBoth || t == ""
}

// FiresOnDueDate reports whether the due date passing spawns the next
// occurrence.
func (t Trigger) FiresOnDueDate() bool {
	return t == TriggerOnDueDate || t == TriggerBoth
}

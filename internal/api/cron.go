package api

import (
	"net/http"

	"taskcycle/pkg/task"
)

func (s *Server) handleCronRecurring(w http.ResponseWriter, r *http.Request) {
	// Triggers must identify themselves even though spawned work is
	// attributed to the scheduler actor.
	if _, code, msg := callerActor(r); code != 0 {
		writeError(w, code, msg)
		return
	}
	processed, err := s.cron.ProcessRecurringTasks(r.Context())
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	writeJSON(w, 200, map[string]int{"processed": processed})
}

func (s *Server) handleCronReminders(w http.ResponseWriter, r *http.Request) {
	if _, code, msg := callerActor(r); code != 0 {
		writeError(w, code, msg)
		return
	}
	sent, err := s.cron.SendReminders(r.Context())
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	writeJSON(w, 200, map[string]int{"sent": sent})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	total, err := s.tasks.Count(r.Context())
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	statuses := task.Statuses()
	byStatus := make(map[string]int, len(statuses))
	for _, st := range statuses {
		n, err := s.tasks.CountByStatus(r.Context(), st)
		if err != nil {
			writeError(w, 500, err.Error())
			return
		}
		byStatus[string(st)] = n
	}
	entries, err := s.ledger.Count(r.Context())
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	writeJSON(w, 200, map[string]any{
		"tasks":         total,
		"by_status":     byStatus,
		"audit_entries": entries,
	})
}

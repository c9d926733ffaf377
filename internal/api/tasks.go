package api

import (
	"encoding/json"
	"net/http"

	"taskcycle/pkg/notify"
	"taskcycle/pkg/task"
)

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	status := task.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, 400, "invalid status: "+string(status))
		return
	}
	limit := queryInt(r, "limit", 50)
	tasks, err := s.tasks.List(r.Context(), status, limit)
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	writeJSON(w, 200, tasks)
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	by, code, msg := callerActor(r)
	if code != 0 {
		writeError(w, code, msg)
		return
	}
	var t task.Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, 400, "invalid JSON: "+err.Error())
		return
	}
	if t.Title == "" {
		writeError(w, 400, "title is required")
		return
	}
	// Tasks are born pending; every other status is reached through the
	// state machine, which stamps timestamps and writes the audit trail.
	if t.Status != "" && t.Status != task.StatusPending {
		writeError(w, 400, "status must be pending on create")
		return
	}
	// Chain membership is assigned by the recurrence engine; accepting it
	// here would let a client inflate another chain's occurrence count.
	if t.RecurringRootID != nil {
		writeError(w, 400, "recurring_root_id cannot be set directly")
		return
	}
	if t.IsRecurring {
		if !t.RecurrencePattern.Valid() {
			writeError(w, 400, "invalid recurrence_pattern: "+string(t.RecurrencePattern))
			return
		}
		if t.RecurrenceTrigger != "" && !t.RecurrenceTrigger.Valid() {
			writeError(w, 400, "invalid recurrence_trigger: "+string(t.RecurrenceTrigger))
			return
		}
		if t.MaxOccurrences != nil && *t.MaxOccurrences < 1 {
			writeError(w, 400, "max_occurrences must be at least 1")
			return
		}
	}
	t.CreatedByID = by.ID
	result, err := s.life.Create(r.Context(), &t, by)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, 201, result)
}

func (s *Server) handleTaskTransition(w http.ResponseWriter, r *http.Request) {
	by, code, msg := callerActor(r)
	if code != 0 {
		writeError(w, code, msg)
		return
	}
	id := r.PathValue("id")
	var req struct {
		To task.Status `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid JSON: "+err.Error())
		return
	}
	if req.To == "" {
		writeError(w, 400, "to is required")
		return
	}
	t, err := s.life.Transition(r.Context(), id, req.To, by)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) handleTaskProgress(w http.ResponseWriter, r *http.Request) {
	by, code, msg := callerActor(r)
	if code != 0 {
		writeError(w, code, msg)
		return
	}
	id := r.PathValue("id")
	var req struct {
		Percent int    `json:"percent"`
		Note    string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid JSON: "+err.Error())
		return
	}
	if req.Percent < 0 || req.Percent > 100 {
		writeError(w, 400, "percent must be between 0 and 100")
		return
	}
	t, err := s.life.UpdateProgress(r.Context(), id, req.Percent, req.Note, by)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) handleNotificationsByUser(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		writeError(w, 400, "user query parameter is required")
		return
	}
	limit := queryInt(r, "limit", 50)
	notes, err := s.notes.ByUser(r.Context(), userID, limit)
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	if notes == nil {
		notes = []notify.Notification{}
	}
	writeJSON(w, 200, notes)
}

func (s *Server) handleTaskNotifications(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	notes, err := s.notes.ByTask(r.Context(), id)
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	if notes == nil {
		notes = []notify.Notification{}
	}
	writeJSON(w, 200, notes)
}

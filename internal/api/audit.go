package api

import (
	"net/http"

	"taskcycle/pkg/audit"
)

func (s *Server) handleTaskAudit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := queryInt(r, "limit", 100)
	// 404 for unknown tasks rather than an empty trail.
	if _, err := s.tasks.Get(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	entries, err := s.ledger.ByEntity(r.Context(), audit.EntityTask, id, limit)
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, 200, entries)
}

func (s *Server) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	entries, err := s.ledger.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, 200, entries)
}

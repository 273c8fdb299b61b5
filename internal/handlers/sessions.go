package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/minhtuancn/server-monitor-sub005/internal/database"
	"github.com/minhtuancn/server-monitor-sub005/internal/middleware"
)

// ListSessions returns session records, live and ended, newest first. The
// database is the source of truth; live sessions mirror into it on every
// transition.
func ListSessions(w http.ResponseWriter, r *http.Request) {
	if status := r.URL.Query().Get("status"); status != "" {
		recs, err := database.ListSessionRecordsByStatus(strings.Split(status, ",")...)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to list sessions")
			return
		}
		writeJSON(w, http.StatusOK, recs)
		return
	}

	recs, err := database.ListSessionRecords()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// StopSession force-terminates a live session. The bound pump observes the
// stop and winds down both relays; an already-ended session is a 404.
func StopSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if SessionReg == nil || SessionReg.Get(id) == nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	identity := middleware.GetIdentity(r)
	if err := SessionReg.ForceStop(id, "stopped by "+identity.User); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to stop session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

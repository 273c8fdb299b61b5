package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/minhtuancn/server-monitor-sub005/internal/audit"
)

// GetAuditLogs returns paginated audit trail entries. Admin-only.
//
// Query parameters:
//
//	caller  - filter by caller identity
//	action  - filter by action (e.g. policy_denied, connect_failed)
//	target  - filter by target (e.g. server:3, credential id)
//	outcome - filter by outcome (success, failure, denied)
//	since   - RFC3339 timestamp, only entries after this time
//	until   - RFC3339 timestamp, only entries before this time
//	limit   - max entries to return (default 50, max 1000)
//	offset  - pagination offset
func GetAuditLogs(w http.ResponseWriter, r *http.Request) {
	auditor := audit.Get()
	if auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit system not initialized")
		return
	}

	opts := audit.QueryOptions{
		Caller:  r.URL.Query().Get("caller"),
		Action:  r.URL.Query().Get("action"),
		Target:  r.URL.Query().Get("target"),
		Outcome: r.URL.Query().Get("outcome"),
	}

	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since timestamp (use RFC3339)")
			return
		}
		opts.Since = &t
	}
	if v := r.URL.Query().Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid until timestamp (use RFC3339)")
			return
		}
		opts.Until = &t
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		opts.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid offset")
			return
		}
		opts.Offset = n
	}

	result, err := auditor.Query(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit logs")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

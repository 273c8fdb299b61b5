package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/minhtuancn/server-monitor-sub005/internal/policy"
	"github.com/minhtuancn/server-monitor-sub005/internal/session"
)

// Wired from main.go during startup.
var (
	SessionReg *session.Registry
	Policy     *policy.Engine
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

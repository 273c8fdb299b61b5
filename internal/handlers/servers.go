package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/minhtuancn/server-monitor-sub005/internal/database"
)

type createServerRequest struct {
	Name                string `json:"name"`
	Host                string `json:"host"`
	Port                int    `json:"port"`
	SSHUser             string `json:"ssh_user"`
	DefaultCredentialID string `json:"default_credential_id"`
}

func ListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := database.ListServers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list servers")
		return
	}
	writeJSON(w, http.StatusOK, servers)
}

func CreateServer(w http.ResponseWriter, r *http.Request) {
	var req createServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" || req.Host == "" {
		writeError(w, http.StatusBadRequest, "name and host are required")
		return
	}
	if req.Port == 0 {
		req.Port = 22
	}
	if req.SSHUser == "" {
		req.SSHUser = "root"
	}
	if req.DefaultCredentialID != "" {
		if _, err := database.GetCredential(req.DefaultCredentialID); err != nil {
			writeError(w, http.StatusBadRequest, "default credential not found")
			return
		}
	}

	srv := &database.Server{
		Name:                req.Name,
		Host:                req.Host,
		Port:                req.Port,
		SSHUser:             req.SSHUser,
		DefaultCredentialID: req.DefaultCredentialID,
	}
	if err := database.CreateServer(srv); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create server")
		return
	}
	writeJSON(w, http.StatusCreated, srv)
}

package handlers

import (
	"net/http"

	"github.com/minhtuancn/server-monitor-sub005/internal/database"
	"github.com/minhtuancn/server-monitor-sub005/internal/vault"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	vaultStatus := "locked"
	if vault.Get() != nil {
		vaultStatus = "unlocked"
	}

	status := "healthy"
	if dbStatus != "connected" || vaultStatus != "unlocked" {
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   status,
		"database": dbStatus,
		"vault":    vaultStatus,
	})
}

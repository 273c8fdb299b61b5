package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/minhtuancn/server-monitor-sub005/internal/audit"
	"github.com/minhtuancn/server-monitor-sub005/internal/config"
	"github.com/minhtuancn/server-monitor-sub005/internal/database"
	"github.com/minhtuancn/server-monitor-sub005/internal/handlers"
	"github.com/minhtuancn/server-monitor-sub005/internal/logging"
	"github.com/minhtuancn/server-monitor-sub005/internal/middleware"
	"github.com/minhtuancn/server-monitor-sub005/internal/policy"
	"github.com/minhtuancn/server-monitor-sub005/internal/session"
	"github.com/minhtuancn/server-monitor-sub005/internal/vault"
)

func main() {
	config.Load()
	logging.Init()
	defer logging.Close()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	// The vault key is derived once here; a missing or weak master key is a
	// startup failure, never a degraded mode.
	if err := vault.Init(config.Cfg.MasterKey); err != nil {
		if errors.Is(err, vault.ErrMasterKeyUnavailable) {
			log.Fatalf("Vault init: master key unavailable (set SM_MASTER_KEY, min %d bytes)", config.MinMasterKeyLength)
		}
		log.Fatalf("Vault init: %v", err)
	}

	audit.InitGlobal(audit.NewAuditor(database.DB, config.Cfg.AuditRetentionDays))

	engine, err := policy.NewEngine(
		policy.Mode(config.Cfg.PolicyMode),
		config.SplitPatterns(config.Cfg.DenyPatterns),
		config.SplitPatterns(config.Cfg.AllowPatterns),
	)
	if err != nil {
		log.Fatalf("Policy init: %v", err)
	}
	handlers.Policy = engine
	log.Printf("Policy engine initialized (mode=%s)", config.Cfg.PolicyMode)

	registry := session.NewRegistry()
	handlers.SessionReg = registry

	healed, err := session.ReconcileStartup()
	if err != nil {
		log.Fatalf("Session recovery: %v", err)
	}
	if healed > 0 {
		log.Printf("Recovered %d orphaned session(s)", healed)
	}

	reaper := &session.Reaper{Registry: registry, Threshold: config.Cfg.StaleThreshold()}
	scheduler := cron.New()
	if _, err := scheduler.AddFunc("* * * * *", func() {
		if reaped := reaper.Sweep(); reaped > 0 {
			log.Printf("Reaper interrupted %d stale session(s)", reaped)
		}
	}); err != nil {
		log.Fatalf("Schedule reaper: %v", err)
	}
	if _, err := scheduler.AddFunc("30 3 * * *", func() {
		auditor := audit.Get()
		removed, err := auditor.PurgeOlderThan(auditor.RetentionDays())
		if err != nil {
			log.Printf("Audit purge: %v", err)
			return
		}
		if removed > 0 {
			log.Printf("Audit purge removed %d entries", removed)
		}
	}); err != nil {
		log.Fatalf("Schedule audit purge: %v", err)
	}
	scheduler.Start()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health (no identity required)
	r.Get("/health", handlers.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireIdentity)

		r.Get("/servers", handlers.ListServers)
		r.Post("/servers", handlers.CreateServer)
		r.Post("/servers/{id}/exec", handlers.ExecCommand)

		r.Get("/sessions", handlers.ListSessions)
		r.Delete("/sessions/{id}", handlers.StopSession)

		r.Get("/terminal", handlers.TerminalWS)

		// Admin-only routes
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin)

			r.Get("/credentials", handlers.ListCredentials)
			r.Post("/credentials", handlers.CreateCredential)
			r.Delete("/credentials/{id}", handlers.DeleteCredential)

			r.Get("/audit", handlers.GetAuditLogs)
		})
	})

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	cronCtx := scheduler.Stop()
	<-cronCtx.Done()

	// Interrupt every live session before the listener goes away so no
	// record is left claiming ACTIVE across the restart.
	registry.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

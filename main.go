package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/hallgate/bastion/internal/config"
	"github.com/hallgate/bastion/internal/handlers"
	"github.com/hallgate/bastion/internal/logging"
	"github.com/hallgate/bastion/internal/recstore"
	"github.com/hallgate/bastion/internal/registry"
	"github.com/hallgate/bastion/internal/sessionapi"
)

func main() {
	config.Load()
	logging.Init()

	tuning, err := config.LoadTuning(config.Cfg.TerminalTuningFile)
	if err != nil {
		log.Fatalf("Terminal tuning: %v", err)
	}
	handlers.InitTuning(tuning)

	store, err := recstore.NewDir(config.Cfg.RecordingDir)
	if err != nil {
		log.Fatalf("Recording store: %v", err)
	}
	log.Printf("Recording store at %s", config.Cfg.RecordingDir)

	api := sessionapi.NewClient(config.Cfg.APIBaseURL, config.Cfg.APIToken)

	var reg *registry.Registry
	resync := func() {
		sessions, err := api.ListActive()
		if err != nil {
			log.Printf("Session resync failed: %v", err)
			return
		}
		list := make([]registry.Snapshot, len(sessions))
		for i, s := range sessions {
			list[i] = registry.Snapshot{
				SessionID: s.SessionID,
				UserID:    s.UserID,
				Username:  s.Username,
				Asset:     s.Asset,
				StartedAt: s.StartedAt,
			}
		}
		reg.Reset(list)
	}
	reg = registry.New(resync, nil)
	handlers.Init(store, reg)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	feed, err := registry.NewFeed(registry.FeedOptions{URL: config.Cfg.MonitorWSURL}, reg)
	if err != nil {
		log.Fatalf("Monitor feed: %v", err)
	}
	go func() {
		if err := feed.Run(sigCtx); err != nil && sigCtx.Err() == nil {
			log.Printf("Monitor feed stopped: %v", err)
		}
	}()

	// Periodic authoritative resync so a quietly wedged feed cannot leave
	// stale sessions on screen forever.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(config.Cfg.RegistryResyncSpec, resync); err != nil {
		log.Fatalf("Resync schedule %q: %v", config.Cfg.RegistryResyncSpec, err)
	}
	scheduler.Start()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", handlers.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/recordings", handlers.ListRecordings)
		r.Get("/recordings/{id}/meta", handlers.GetRecordingMeta)
		r.Get("/recordings/{id}/commands", handlers.GetRecordingCommands)
		r.Get("/recordings/{id}/search", handlers.SearchRecording)

		r.Get("/sessions/active", handlers.ActiveSessions)

		r.Get("/terminal/tuning", handlers.TerminalTuning)

		r.Get("/server/logs", handlers.GetServerLogs)
		r.Delete("/server/logs", handlers.ClearServerLogs)
	})

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

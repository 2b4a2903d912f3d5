package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AirOxygenC/DriveCode/internal/config"
	"github.com/AirOxygenC/DriveCode/internal/httpserver"
	"github.com/AirOxygenC/DriveCode/internal/logging"
	"github.com/AirOxygenC/DriveCode/internal/session"
	"github.com/AirOxygenC/DriveCode/internal/storage"
)

func main() {
	logger := logging.Must(os.Getenv("LOG_LEVEL"))
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()

	cfg := config.Load()

	var archiver session.Archiver
	if cfg.SupabaseURL != "" {
		a, err := storage.New(storage.Config{
			URL:            cfg.SupabaseURL,
			ServiceRoleKey: cfg.SupabaseKey,
			Bucket:         cfg.SupabaseBucket,
		}, log)
		if err != nil {
			log.Fatalw("transcript archive init failed", "error", err)
		}
		archiver = a
	} else {
		log.Infow("SUPABASE_URL not set, transcript archiving disabled")
	}

	srv := httpserver.New(cfg, log, archiver)

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Infow("server listening", "addr", cfg.HTTPAddress)
		serverErrors <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalw("server error", "error", err)
		}
	case sig := <-sigChan:
		log.Infow("shutdown signal received", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warnw("graceful shutdown failed", "error", err)
		_ = server.Close()
	}
}

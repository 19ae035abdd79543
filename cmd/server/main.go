package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/manpreetbhatti/boardify/backend/internal/activity"
	"github.com/manpreetbhatti/boardify/backend/internal/api"
	"github.com/manpreetbhatti/boardify/backend/internal/config"
	"github.com/manpreetbhatti/boardify/backend/internal/db"
	"github.com/manpreetbhatti/boardify/backend/internal/discovery"
	"github.com/manpreetbhatti/boardify/backend/internal/ratelimit"
	"github.com/manpreetbhatti/boardify/backend/internal/relay"
	"github.com/manpreetbhatti/boardify/backend/internal/room"
	"github.com/manpreetbhatti/boardify/backend/internal/session"
	"github.com/manpreetbhatti/boardify/backend/internal/ws"
)

func main() {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		os.Stderr.WriteString("boardify: " + err.Error() + "\n")
		os.Exit(2)
	}

	logger := cfg.NewLogger(os.Stderr)

	store := room.NewStore()
	sessions := session.NewRegistry()
	engine := relay.NewEngine(store, sessions, logger.With("component", "relay"))

	connects := ratelimit.NewKeyed(cfg.ConnectsPerSecond, cfg.ConnectBurst, 10*time.Minute)
	defer connects.Stop()

	hub := ws.NewHub(engine, ws.Options{
		SendBuffer:        cfg.SendBuffer,
		MessagesPerSecond: cfg.MessagesPerSecond,
		MessageBurst:      cfg.MessageBurst,
		AllowedOrigin:     cfg.AllowedOrigin,
	}, connects, logger.With("component", "ws"))

	var database *db.Database
	var syncer *activity.Service
	if cfg.DBPath != "" {
		database, err = db.New(cfg.DBPath)
		if err != nil {
			logger.Error("failed to initialize room directory", "path", cfg.DBPath, "error", err)
			os.Exit(1)
		}
		defer database.Close()

		syncer = activity.New(store, sessions, database, activity.Config{Interval: cfg.SyncInterval}, logger.With("component", "activity"))
		syncer.Start()
	}

	var advertiser *discovery.Advertiser
	if cfg.MDNS {
		advertiser, err = discovery.Advertise(cfg.MDNSInstance, cfg.Port)
		if err != nil {
			logger.Warn("mDNS advertisement disabled", "error", err)
		} else {
			logger.Info("advertising over mDNS", "service", discovery.ServiceType)
		}
	}

	apiHandler := api.New(hub, database, logger.With("component", "api"))

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.NewRouter(apiHandler, cfg.AllowedOrigin),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("🎨 Boardify relay starting", "addr", cfg.Addr())
		if database != nil {
			logger.Info("📁 room directory", "path", cfg.DBPath)
		}
		logger.Info("endpoints",
			"websocket", "/ws/{room} or /ws?room={room}",
			"health", "GET /health",
			"stats", "GET /api/stats",
			"rooms", "GET /api/rooms",
			"room", "GET /api/rooms/{room}",
			"history", "GET /api/rooms/{room}/history",
		)

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ListenAndServe failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub.Shutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err)
	}
	if syncer != nil {
		syncer.Stop()
	}
	if err := advertiser.Shutdown(); err != nil {
		logger.Warn("mDNS shutdown failed", "error", err)
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"

	"github.com/Tyrowin/gochat-relay/internal/auth"
	"github.com/Tyrowin/gochat-relay/internal/server"
	"github.com/Tyrowin/gochat-relay/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	log := logs.GetLoggerFromString(cfg.LogLevel)
	log.Info("Starting GoChat Relay...")

	if cfg.JWTSecret == server.DefaultJWTSecret {
		log.Warn("Using the development JWT secret; set JWT_SECRET in production")
	}

	db, err := badger.Open(badger.DefaultOptions(cfg.BadgerPath).
		WithLoggingLevel(badger.WARNING))
	if err != nil {
		return fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		log.Info("Closing BadgerDB...")
		_ = db.Close()
	}()

	if err := os.MkdirAll(filepath.Dir(cfg.UsersDBPath), 0o755); err != nil {
		return fmt.Errorf("users directory: %w", err)
	}
	users, err := auth.OpenUserStore(cfg.UsersDBPath)
	if err != nil {
		return fmt.Errorf("users database opening failed: %w", err)
	}
	defer func() {
		log.Info("Closing users database...")
		_ = users.Close()
	}()

	authService := auth.NewService(users, auth.NewTokenIssuer(cfg.JWTSecret, cfg.TokenTTL), log)
	messages := store.NewBadgerStore(db, log)

	hub := server.NewHub(*cfg, authService, messages, log)
	go hub.Run()

	api := server.NewAPI(authService, messages, hub.Registry(), log)
	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes(hub, api))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		if err := server.StartServer(httpServer, log); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case err := <-errChan:
		_ = hub.Shutdown(cfg.ShutdownTimeout)
		return err
	}

	if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout, log); err != nil {
		log.Error("HTTP server shutdown failed", "error", err)
	}
	if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
		log.Error("Hub shutdown failed", "error", err)
	}

	log.Info("Server stopped cleanly")
	return nil
}

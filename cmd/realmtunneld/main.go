package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/craigderington/realmtunnel/internal/api"
	"github.com/craigderington/realmtunnel/internal/config"
	"github.com/craigderington/realmtunnel/internal/storage"
	"github.com/craigderington/realmtunnel/internal/tunnel"
	"github.com/craigderington/realmtunnel/pkg/types"
)

var (
	version        = "dev"
	addr           = flag.String("addr", "127.0.0.1:8080", "HTTP server address")
	configPath     = flag.String("config", "", "configuration file (default: "+config.DefaultFileName+" next to the binary or in the working directory)")
	dbPath         = flag.String("db", "", "SQLite status history database (disabled when empty)")
	retention      = flag.Duration("history-retention", 7*24*time.Hour, "how long status history is kept")
	debug          = flag.Bool("debug", false, "Enable debug logging")
	bindAddr       = flag.String("bind", tunnel.DefaultBindAddress, "address local tunnel ports listen on")
	probeTimeout   = flag.Duration("probe-timeout", tunnel.DefaultProbeTimeout, "remote reachability probe timeout")
	maxRetries     = flag.Int("max-retries", tunnel.DefaultMaxRetries, "reconnect attempts before a server is given up")
	retryOnPartial = flag.Bool("retry-on-partial", true, "retry servers where only some tunnels came up")
	authSecret     = flag.String("auth-secret", os.Getenv("REALMTUNNEL_AUTH_SECRET"), "JWT signing secret; enables API auth when set")
)

func main() {
	flag.Parse()

	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().
		Str("version", version).
		Str("addr", *addr).
		Msg("Starting realmtunnel daemon")

	store := config.NewStore(*configPath, log.Logger)
	cfg, err := store.Load()
	if err != nil {
		log.Fatal().Err(err).Str("path", store.Path()).Msg("Failed to load configuration")
	}
	log.Info().Str("path", store.Path()).Int("servers", len(cfg.Servers)).Msg("Configuration loaded")

	retry := tunnel.DefaultRetryPolicy()
	retry.MaxRetries = *maxRetries
	retry.RetryOnPartial = *retryOnPartial

	manager := tunnel.NewManager(store, tunnel.Options{
		Forwarder: tunnel.ForwarderConfig{
			ProbeTimeout: *probeTimeout,
			BindAddress:  *bindAddr,
		},
		Retry:    retry,
		Logger:   log.Logger,
		Validate: config.CheckServer,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Optional status history
	var (
		history  *storage.SQLiteStore
		recorder *storage.Recorder
	)
	if *dbPath != "" {
		history, err = storage.NewSQLiteStore(*dbPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", *dbPath).Msg("Failed to open history database")
		}
		recorder = storage.NewRecorder(history, manager.Bus(), 256, log.Logger)
		go recorder.PruneEvery(ctx, time.Hour, *retention)
		log.Info().Str("path", *dbPath).Msg("Recording status history")
	}

	// Create API server
	server := api.NewServer(api.Config{
		Addr:       *addr,
		Logger:     log.Logger,
		Manager:    manager,
		Config:     store,
		History:    history,
		AuthSecret: *authSecret,
	})

	// Start server in goroutine
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	log.Info().Msgf("API available at http://%s/api/v1", *addr)
	if *authSecret != "" {
		log.Info().Msg("API authentication enabled")
	}

	store.Watch(func(_ *types.AppConfig, err error) {
		if err != nil {
			return
		}
		result := manager.Reconcile()
		log.Info().Strs("removed", result.Removed).Strs("restarted", result.Restarted).Msg("Configuration change applied")
	})

	if cfg.AutoConnectEnabled() {
		go autoConnect(manager, cfg.Servers)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Received shutdown signal")
	cancel()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	exitCode := 0
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
		exitCode = 1
	}
	if recorder != nil {
		recorder.Close()
		if err := history.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close history database")
		}
	}

	log.Info().Msg("Server stopped")
	os.Exit(exitCode)
}

// autoConnect connects every valid server in configuration order
func autoConnect(manager *tunnel.Manager, servers []types.ServerConfig) {
	for _, srv := range servers {
		if problems := config.ValidateServer(srv); len(problems) > 0 {
			log.Warn().Str("server", srv.Name).Strs("problems", problems).Msg("Skipping invalid server")
			continue
		}

		snap, err := manager.Connect(srv.Name)
		if err != nil {
			log.Warn().Err(err).Str("server", srv.Name).Msg("Auto-connect failed")
			continue
		}
		log.Info().Str("server", srv.Name).Str("state", string(snap.State)).Msg("Auto-connected")
	}
}

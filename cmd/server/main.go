/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the LoadZone VM booking server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and environment configuration
  2. Initialize SQLite store and load the snapshot
  3. Wire the notification dispatcher (log, NATS, SMTP)
  4. Apply the declarative seed, if configured
  5. Start the retention sweeper
  6. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -env     Path to an optional .env file
  -port    Overrides PORT
  -db      Overrides DB_PATH (":memory:" works for local runs)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections (30s drain)
  2. Stop the sweeper
  3. Stop the dispatcher, flushing queued notifications
  4. Close the database

SEE ALSO:
  - config/config.go: Environment configuration
  - api/server.go: Router configuration
  - pool/gateway.go: The mutation gateway
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/zachbabanov/loadzone/api"
	"github.com/zachbabanov/loadzone/config"
	"github.com/zachbabanov/loadzone/metrics"
	"github.com/zachbabanov/loadzone/notify"
	"github.com/zachbabanov/loadzone/pool"
	"github.com/zachbabanov/loadzone/store/sqlite"
)

func main() {
	// Flags
	envFile := flag.String("env", "", "path to optional .env file")
	port := flag.Int("port", 0, "HTTP server port (overrides PORT)")
	dbPath := flag.String("db", "", "SQLite database path (overrides DB_PATH)")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.LoadWithFile(*envFile)
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	// Store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	// Notifications: always log, optionally NATS and email.
	pubs := []notify.Publisher{&notify.LogPublisher{Logger: logger}}
	if cfg.NATSEnabled() {
		np, err := notify.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer np.Close()
		pubs = append(pubs, np)
		logger.Info("NATS publishing enabled", zap.String("subject", cfg.NATSSubject))
	}
	if cfg.SMTPEnabled() {
		ep, err := notify.NewEmailPublisher(
			cfg.SMTPHost, strconv.Itoa(cfg.SMTPPort),
			cfg.SMTPUsername, cfg.SMTPPassword,
			cfg.SMTPFrom, cfg.SMTPTestRecipient,
		)
		if err != nil {
			return fmt.Errorf("failed to configure SMTP: %w", err)
		}
		pubs = append(pubs, ep)
		logger.Info("email notifications enabled", zap.String("host", cfg.SMTPHost))
	}
	dispatcher := notify.NewDispatcher(logger, notify.DefaultBuffer, pubs...)
	dispatcher.Start()
	defer dispatcher.Stop()

	// Gateway
	gw, err := pool.NewGateway(ctx, store, pool.Options{
		Notifier:        dispatcher,
		Logger:          logger,
		MaxBookHours:    cfg.MaxBookHours,
		RetentionWindow: cfg.RetentionWindow,
		WarnWindow:      cfg.WarnWindow,
		QueueLimit:      cfg.QueueLimit,
		Admins:          cfg.AdminEmails,
	})
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	// Seed
	if cfg.SeedPath != "" {
		seed, err := config.LoadSeed(cfg.SeedPath)
		if err != nil {
			return err
		}
		if err := gw.ApplySeed(ctx, seed.Resources(), seed.PoolGroups()); err != nil {
			return fmt.Errorf("failed to apply seed: %w", err)
		}
		logger.Info("seed applied",
			zap.Int("vms", len(seed.VMs)),
			zap.Int("groups", len(seed.Groups)))
	}

	// Metrics + sweeper
	m := metrics.New()
	m.BookedResources.Set(float64(gw.BookedCount()))

	sweeper := pool.NewSweeper(gw, logger)
	sweeper.Interval = cfg.SweepInterval
	sweeper.OnSweep = func(res pool.SweepResult) {
		m.ObserveSweep(res)
		m.BookedResources.Set(float64(gw.BookedCount()))
	}
	sweeper.Start()
	defer sweeper.Stop()

	// HTTP
	handler := api.NewHandler(gw, m)
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.CORSOrigins,
		MetricsHandler: m.Handler(),
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

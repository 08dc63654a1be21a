package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"example.com/homecore/services/smarthome/internal/api"
	"example.com/homecore/services/smarthome/internal/core"
	"example.com/homecore/services/smarthome/internal/infrastructure"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the device command and state API server",
	Long:  `Launches the HTTP server and the realtime listener that reconciles firmware reports into persisted device state.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServer() error {
	logger.Info("Initializing smarthome core service...")

	// --- Infrastructure Setup ---
	logger.Info("Connecting to database...")
	db, err := infrastructure.NewDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	logger.Info("Connecting to cache...")
	var deviceCache core.Cache
	if cache, err := infrastructure.NewCache(cfg.Redis); err != nil {
		logger.Warn("Cache unavailable, continuing without it")
	} else {
		defer cache.Close()
		deviceCache = cache
	}

	logger.Info("Connecting to realtime channel...")
	realtime, err := infrastructure.NewRealtime(cfg.MQTT, logger)
	if err != nil {
		return fmt.Errorf("realtime channel setup failed: %w", err)
	}

	var audit core.AuditSink
	if cfg.ServiceBus.ConnectionString != "" {
		feed, err := infrastructure.NewAuditFeed(cfg.ServiceBus)
		if err != nil {
			logger.Warn("Audit feed unavailable, continuing without it")
		} else {
			defer feed.Close()
			audit = feed
		}
	}

	// --- Service Layer Setup ---
	store := core.NewDataStore(db.DB)

	services := core.NewServiceRegistry(core.ServiceConfig{
		Store:      store,
		Cache:      deviceCache,
		Publisher:  realtime,
		Audit:      audit,
		Logger:     logger,
		Retry:      core.NewRetryPolicy(cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay),
		BatchSize:  cfg.Emergency.BatchSize,
		BatchDelay: cfg.Emergency.BatchDelay,
	})

	// Wire firmware reports into the listener, then connect.
	realtime.RegisterHandler("controller/", services.Listener.HandleMessage)
	if err := realtime.Start(); err != nil {
		return fmt.Errorf("realtime channel connection failed: %w", err)
	}
	defer realtime.Stop()

	// --- API Layer Setup ---
	router := gin.New()
	handlers := api.NewAPIHandlers(services)
	api.SetupRoutes(router, handlers, logger)

	// --- HTTP Server ---
	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful Shutdown ---
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Infof("Smarthome core API listening on %s", serverAddr)

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server failed to start: %v", err)
		}
	}()

	<-shutdownChan
	logger.Warn("Shutdown signal received, initiating graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("Server shutdown failed: %v", err)
	} else {
		logger.Info("Server stopped gracefully")
	}

	logger.Info("Smarthome core service shutdown complete")
	return nil
}

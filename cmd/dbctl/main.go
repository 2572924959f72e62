package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sirrobot01/dbctl/pkg/api"
	"github.com/sirrobot01/dbctl/pkg/backup"
	"github.com/sirrobot01/dbctl/pkg/config"
	"github.com/sirrobot01/dbctl/pkg/database"
	cruntime "github.com/sirrobot01/dbctl/pkg/runtime"
	"github.com/sirrobot01/dbctl/pkg/scheduler"
	"github.com/sirrobot01/dbctl/pkg/storage"
)

func main() {
	cfg := config.FromEnv()

	// Setup zerolog
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(string(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	log.Info().
		Int("port", cfg.Port).
		Str("metadata_path", cfg.MetadataPath).
		Str("runtime", cfg.Runtime).
		Dur("inactivity_timeout", cfg.InactivityTimeout).
		Msg("Starting dbctl")

	// Initialize metadata store
	store, err := storage.New(cfg.MetadataPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize metadata store")
	}
	defer store.Close()

	// Initialize container runtime client
	runtimeClient, err := cruntime.New(cfg.Runtime, cfg.Socket)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize container runtime")
	}
	defer func(runtimeClient cruntime.Client) {
		err := runtimeClient.Close()
		if err != nil {
			log.Error().Err(err).Msg("Error closing container runtime client")
		}
	}(runtimeClient)

	// Initialize the backup store when object storage is configured. A
	// failure here downgrades idle handling to destroy instead of archive.
	var backups backup.Store
	if cfg.BackupEnabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		s3, err := backup.NewS3Store(ctx, backup.S3Config{
			Endpoint:        cfg.Endpoint(),
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			Bucket:          cfg.S3Bucket,
		})
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("Backup store unavailable, idle databases will be destroyed")
		} else {
			backups = s3
			log.Info().Str("bucket", cfg.S3Bucket).Msg("Backup store initialized")
		}
	} else {
		log.Info().Msg("Backup not configured, idle databases will be destroyed")
	}

	// Initialize database manager
	manager := database.NewManager(store, runtimeClient, backups, cfg)

	// Reconcile metadata with whatever the daemon still runs
	recoverCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	recovered, err := manager.Recover(recoverCtx)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to recover existing instances")
	} else if recovered > 0 {
		log.Info().Int("count", recovered).Msg("Recovered existing database instances")
	} else {
		log.Info().Msg("No existing database instances to recover")
	}

	// Start the idle sweeper
	sweeper := scheduler.New(manager)
	if err := sweeper.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start scheduler")
	}

	// Create API server
	executor := database.NewExecutor(runtimeClient, cfg.QueryTimeout)
	apiServer := api.NewServer(manager, executor, runtimeClient)

	addr := cfg.Addr()
	server := &http.Server{
		Addr:    addr,
		Handler: apiServer.Handler(),
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down server...")
		sweeper.Stop()
		if err := server.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing server")
		}
	}()

	log.Info().Str("addr", addr).Msg("Server started")
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server error")
	}
}

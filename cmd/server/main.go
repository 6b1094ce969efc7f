package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/aeolun/warroom/pkg/database"
	"github.com/aeolun/warroom/pkg/logging"
	"github.com/aeolun/warroom/pkg/server"
)

// auditFlushInterval bounds how long a queued audit event waits for a batch.
const auditFlushInterval = 500 * time.Millisecond

// accountStore is what the server needs from the database plus a way to
// release it on shutdown.
type accountStore interface {
	server.AccountStore
	database.UserLister
	database.AuditWriter
	Close() error
}

// memoryStore adapts MemStore to accountStore.
type memoryStore struct {
	*database.MemStore
}

func (memoryStore) Close() error { return nil }

func main() {
	configPath := pflag.String("config", "~/.warroom/warroom.toml", "Path to the TOML config file (created with defaults if missing)")
	dbPath := pflag.String("db", "", "Database path, overrides [server].database_path (\":memory:\" keeps accounts in memory)")
	logLevel := pflag.String("log-level", "", "Log level: "+logging.LevelNames()+" (overrides [logging].level)")
	logFormat := pflag.String("log-format", "", "Log format: console or json (overrides [logging].format)")
	exportUsers := pflag.Bool("export-users", false, "Write all user records as YAML to stdout and exit")
	pflag.Parse()

	config, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		config.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		config.Logging.Format = *logFormat
	}
	if *dbPath != "" {
		config.Server.DatabasePath = *dbPath
	}

	logOutput := os.Stdout
	if *exportUsers {
		// Keep stdout clean for the YAML document
		logOutput = os.Stderr
	}
	logger, err := logging.New(logging.Options{
		App:    "warroom-server",
		Level:  config.Logging.Level,
		Format: config.Logging.Format,
		Output: logOutput,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid logging config: %v\n", err)
		os.Exit(1)
	}
	server.SetLogger(logger)
	database.SetLogger(logger)

	store, err := openStore(config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}
	defer store.Close()

	if *exportUsers {
		if err := database.ExportUsers(os.Stdout, store); err != nil {
			logger.Fatal().Err(err).Msg("failed to export users")
		}
		return
	}

	if err := run(config, store, logger); err != nil {
		logger.Error().Err(err).Msg("server failed")
		store.Close()
		os.Exit(1)
	}
}

func openStore(config server.TOMLConfig, logger zerolog.Logger) (accountStore, error) {
	if config.Server.DatabasePath == ":memory:" {
		logger.Warn().Msg("using in-memory account store, accounts are lost on exit")
		return memoryStore{database.NewMemStore(0)}, nil
	}

	path, err := config.GetDatabasePath()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := database.Open(path)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("path", path).Msg("database opened")
	return db, nil
}

func run(config server.TOMLConfig, store accountStore, logger zerolog.Logger) error {
	serverConfig := config.ToServerConfig()

	audit := database.NewAuditLog(store, config.Limits.AuditQueueSize, auditFlushInterval)
	defer audit.Close()

	srv, err := server.NewServer(serverConfig, server.Dependencies{
		Accounts: store,
		Audit:    audit,
		Metrics:  server.NewMetrics(),
	})
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	logger.Info().
		Str("tcp", srv.TCPAddr()).
		Str("ssh", srv.SSHAddr()).
		Str("http", srv.HTTPAddr()).
		Str("metrics", srv.MetricsAddr()).
		Msg("warroom server started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	if err := srv.Stop(); err != nil {
		return err
	}
	if dropped := audit.Dropped(); dropped > 0 {
		logger.Warn().Int64("dropped", dropped).Msg("audit events were dropped")
	}
	return nil
}

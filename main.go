package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"clipnotes/config"
	"clipnotes/logging"
	"clipnotes/storage"
)

var rootCmd = &cobra.Command{
	Use:           "clipnotes",
	Short:         "Share clipboard notes with devices on the local network",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newPeersCmd())
	rootCmd.AddCommand(newSendCmd())
	rootCmd.AddCommand(newNotesCmd())
	rootCmd.AddCommand(newExportCmd())
	rootCmd.AddCommand(newImportCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "clipnotes: %v\n", err)
		os.Exit(1)
	}
}

// environment is the loaded configuration plus the resources built from it.
type environment struct {
	cfg     *config.DeviceConfig
	cfgPath string
	dataDir string
	logger  *zap.Logger
	store   *storage.Store
	dbPath  string
}

func loadEnvironment() (*environment, error) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Format: cfg.LogFormat,
		Level:  cfg.LogLevel,
		Output: os.Stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	dataDir := filepath.Dir(cfgPath)
	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("open database: %w", err)
	}

	return &environment{
		cfg:     cfg,
		cfgPath: cfgPath,
		dataDir: dataDir,
		logger:  logger,
		store:   store,
		dbPath:  dbPath,
	}, nil
}

func (e *environment) Close() {
	if err := e.store.Close(); err != nil {
		e.logger.Warn("database close error", zap.Error(err))
	}
	_ = e.logger.Sync()
}

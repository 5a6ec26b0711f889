// Package main implements the dispatch CLI for running agent workflows
// against a dispatch backend and managing its memory store.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/dispatch/internal/api"
	"github.com/fyrsmithlabs/dispatch/internal/config"
	"github.com/fyrsmithlabs/dispatch/internal/credentials"
	"github.com/fyrsmithlabs/dispatch/internal/jobs"
	"github.com/fyrsmithlabs/dispatch/internal/logging"
	"github.com/fyrsmithlabs/dispatch/internal/memory"
	"github.com/fyrsmithlabs/dispatch/internal/telemetry"
)

var (
	// configPath overrides the default config file location.
	configPath string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "CLI for running agent workflows against a dispatch backend",
	Long: `dispatch routes messages to agent workflows, streams their progress
and manages the session memory that feeds their context.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default ~/.config/dispatch/config.yaml)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(memoryCmd)
	rootCmd.AddCommand(sessionCmd)
}

// app holds the wired clients shared by all commands.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	metrics   *telemetry.ClientMetrics
	jobs      *jobs.Client
	memory    *memory.Client
}

// newApp loads config and builds the client stack.
func newApp() (*app, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logCfg := logging.NewDefaultConfig()
	if cfg.Logging.Level != "" {
		lvl, err := logging.LevelFromString(cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("parsing log level: %w", err)
		}
		logCfg.Level = lvl
	}
	if cfg.Logging.Format != "" {
		logCfg.Format = cfg.Logging.Format
	}
	logger, err := logging.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	tokenPath := cfg.Credentials.TokenPath
	if tokenPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		tokenPath = filepath.Join(home, ".config", "dispatch", "token")
	}
	source, err := credentials.NewFileSource(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("creating token source: %w", err)
	}
	creds, err := credentials.NewCache(source)
	if err != nil {
		return nil, fmt.Errorf("creating credential cache: %w", err)
	}

	tel, err := telemetry.New("dispatch", version)
	if err != nil {
		return nil, fmt.Errorf("creating telemetry: %w", err)
	}
	metrics, err := telemetry.NewClientMetrics(tel.Meter("dispatch"))
	if err != nil {
		return nil, fmt.Errorf("creating metrics: %w", err)
	}

	apiClient, err := api.New(cfg.Backend.BaseURL, creds, logger,
		api.WithTimeout(cfg.Backend.RequestTimeout.Duration()))
	if err != nil {
		return nil, fmt.Errorf("creating API client: %w", err)
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.Backend.RateLimit), cfg.Backend.RateBurst)
	jobClient, err := jobs.NewClient(apiClient, limiter, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("creating job client: %w", err)
	}

	memClient, err := memory.NewClient(apiClient, logger)
	if err != nil {
		return nil, fmt.Errorf("creating memory client: %w", err)
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		telemetry: tel,
		metrics:   metrics,
		jobs:      jobClient,
		memory:    memClient,
	}, nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.telemetry.Shutdown(ctx)
	_ = a.logger.Sync()
}

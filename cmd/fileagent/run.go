package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/standardbeagle/fileagent/internal/agent"
	"github.com/standardbeagle/fileagent/internal/config"
	"github.com/standardbeagle/fileagent/internal/identity"
	"github.com/standardbeagle/fileagent/internal/logging"
	"github.com/standardbeagle/fileagent/internal/metrics"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the control server and serve requests",
	Long: `Connect to the control server and serve file requests until interrupted.

The connection is re-established automatically after network failures,
subject to reconnect max-attempts.`,
	Args: cobra.NoArgs,
	RunE: runAgent,
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfgPath := getConfigPath(cmd)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, err := identity.Open(identityPath(cfg))
	if err != nil {
		return err
	}

	// Create root context with signal cancellation
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				logger.Error("metrics listener failed", zap.Error(err))
			}
		}()
		logger.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
	}

	a, err := agent.New(agent.Options{
		Config:   cfg,
		Identity: store,
		Version:  appVersion,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	logger.Info("agent starting",
		zap.String("config", cfgPath),
		zap.String("server", cfg.Server),
		zap.Int("roots", len(cfg.Roots)))
	if err := a.Start(ctx); err != nil {
		return err
	}

	// Wait for shutdown signal
	<-ctx.Done()
	logger.Info("shutdown signal received")

	a.Stop()
	return nil
}

func identityPath(cfg *config.Config) string {
	if cfg.IdentityFile != "" {
		return cfg.IdentityFile
	}
	return identity.DefaultPath()
}

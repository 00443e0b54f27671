package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	graftpunk "github.com/stavxyz/graftpunk-sub002"
	"github.com/stavxyz/graftpunk-sub002/internal/observability"
	"github.com/stavxyz/graftpunk-sub002/pkg/config"
	"github.com/stavxyz/graftpunk-sub002/pkg/errs"
	metrics "github.com/stavxyz/graftpunk-sub002/pkg/observability"
)

// Version is set via ldflags.
var Version = "dev"

var (
	// Global flags
	verbose     bool
	configPath  string
	metricsAddr string

	logger        *zap.Logger
	cfg           *config.Config
	metricsServer *metrics.Server
)

var rootCmd = &cobra.Command{
	Use:   "graftpunk",
	Short: "Persist authenticated browser sessions and replay requests with them",
	Long: `graftpunk captures a logged-in browser session once (cookies, per-role
request headers and dynamic tokens), stores it encrypted, and replays HTTP
requests that look like they came from the same browser.

Configuration is read from $GRAFTPUNK_CONFIG_DIR/config.yaml (default
~/.config/graftpunk) and GRAFTPUNK_* environment variables. A .env file in
the working directory is loaded first.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}

		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg = zap.NewDevelopmentConfig()
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		if logger, err = zcfg.Build(); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
		if err := observability.InitFromEnv(logger); err != nil {
			logger.Warn("tracing disabled", zap.Error(err))
		}

		if metricsAddr != "" {
			metrics.InitMetrics()
			metricsServer = metrics.NewServer(metricsAddr)
			go func() {
				if err := metricsServer.Start(); err != nil {
					logger.Error("metrics server stopped", zap.Error(err))
				}
			}()
			logger.Info("serving metrics", zap.String("addr", metricsAddr))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if metricsServer != nil {
			_ = metricsServer.Shutdown(ctx)
		}
		_ = observability.Shutdown(ctx)
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $GRAFTPUNK_CONFIG_DIR/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while the command runs")

	rootCmd.AddCommand(sessionCmd, requestCmd, loginCmd, shellCmd)
}

// openClient opens a graftpunk client from the loaded configuration.
func openClient(ctx context.Context) (*graftpunk.Client, error) {
	return graftpunk.Open(ctx, cfg, graftpunk.WithLogger(logger))
}

// exitCode maps error kinds onto distinct process exit codes.
func exitCode(err error) int {
	switch errs.KindOf(err) {
	case errs.KindNotFound:
		return 3
	case errs.KindExpired:
		return 4
	case errs.KindIntegrity:
		return 5
	case errs.KindTokenRejected, errs.KindTokenExtraction:
		return 6
	case errs.KindConfig:
		return 2
	default:
		return 1
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

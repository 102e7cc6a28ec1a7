package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/dustfold/sweeper/internal/control"
	"github.com/dustfold/sweeper/internal/core/config"
)

var (
	cfgPath string
	isDebug bool
)

var rootCmd = &cobra.Command{
	Use:   "sweeper",
	Short: "Dust consolidation engine",
	Long:  `Sweeper scans wallets across chains, prices and quotes dust balances and orchestrates their consolidation into one asset.`,
	Run:   runEngine,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
}

func setupLogger(cfg *config.AppConfig) *slog.Logger {
	level := slog.LevelInfo
	if isDebug || (cfg != nil && cfg.Logging.Level == "debug") {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg != nil && cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339,
		})
	}
	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}

func runEngine(cmd *cobra.Command, args []string) {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		setupLogger(nil)
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	log := setupLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := control.NewEngine(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize engine", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := engine.Start(ctx); err != nil {
		log.Error("failed to start engine", "error", err)
		os.Exit(1)
	}
	log.Info("sweeper started", "config", cfgPath)

	sig := <-sigChan
	log.Info("received signal, shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := engine.Stop(shutdownCtx); err != nil {
		log.Error("error during shutdown", "error", err)
		os.Exit(1)
	}
}

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dustfold/sweeper/internal/core/config"
	"github.com/dustfold/sweeper/internal/core/domain"
	"github.com/dustfold/sweeper/internal/infra/storage/postgres"
)

var releaseOlderThan time.Duration

var releaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Fail sweeps stuck in a pre-submission state",
	Long:  `Release marks sweeps that sat in pending, quoting or signing past the cutoff as failed. Submitted sweeps are never touched; their legs settle through tracking.`,
	Run:   runRelease,
}

func init() {
	releaseCmd.Flags().DurationVar(&releaseOlderThan, "older-than", 2*time.Hour, "only release sweeps idle longer than this")
	rootCmd.AddCommand(releaseCmd)
}

func runRelease(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Database.URL == "" {
		slog.Error("release requires a database url")
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		db.Close()
	}()

	cutoff := time.Now().Add(-releaseOlderThan)
	// Direct SQL is fine for a one-shot operator override; the status
	// predicate keeps it from racing the orchestrator on live sweeps.
	query := `UPDATE sweeps
		SET status = $1,
		    doc = jsonb_set(jsonb_set(doc, '{status}', to_jsonb($1::text)), '{error}', '"released by operator"'),
		    updated_at = now(),
		    completed_at = now()
		WHERE status IN ($2, $3, $4) AND updated_at < $5`
	res, err := db.ExecContext(ctx, query,
		domain.SweepStatusFailed,
		domain.SweepStatusPending, domain.SweepStatusQuoting, domain.SweepStatusSigning,
		cutoff)
	if err != nil {
		slog.Error("failed to release sweeps", "error", err)
		os.Exit(1)
	}
	n, _ := res.RowsAffected()
	fmt.Printf("Released %d stuck sweeps older than %s\n", n, releaseOlderThan)
}

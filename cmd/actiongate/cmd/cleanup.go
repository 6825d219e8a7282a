package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/actiongate/actiongate/internal/adapter/outbound/postgres"
	"github.com/actiongate/actiongate/internal/config"
	"github.com/actiongate/actiongate/internal/service"
)

var cleanupTTLHours int

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Run the materialization TTL cleanup once",
	Long: `Delete materialization idempotency records older than the TTL and
exit. The TTL comes from --ttl-hours, then IDEMPOTENCY_TTL_HOURS, then the
policy document. Requires DB_URL.`,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().IntVar(&cleanupTTLHours, "ttl-hours", 0, "TTL override in hours (0 uses config/policy)")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if cfg.DBURL == "" {
		return fmt.Errorf("cleanup requires DB_URL")
	}
	logger := newLogger(cfg.LogLevel)

	ctx := cmd.Context()
	pg, err := postgres.Open(ctx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pg.Close()

	policies := service.NewPolicyStore(cfg.PolicyPath, logger)
	opts := []service.CleanupOption{}
	if cfg.IdempotencyTTLHours > 0 {
		opts = append(opts, service.WithCleanupTTLHours(cfg.IdempotencyTTLHours))
	}
	job := service.NewCleanup(pg, policies, logger, opts...)

	var override *int
	if cleanupTTLHours > 0 {
		override = &cleanupTTLHours
	}
	res, err := job.RunOnce(ctx, override)
	if err != nil {
		return fmt.Errorf("run cleanup: %w", err)
	}
	fmt.Printf("deleted %d expired materialization(s) (ttl %dh)\n", res.DeletedCount, res.TTLHours)
	return nil
}

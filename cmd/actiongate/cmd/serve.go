package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	aghttp "github.com/actiongate/actiongate/internal/adapter/inbound/http"
	"github.com/actiongate/actiongate/internal/adapter/outbound/connector"
	"github.com/actiongate/actiongate/internal/adapter/outbound/generator"
	"github.com/actiongate/actiongate/internal/adapter/outbound/memory"
	"github.com/actiongate/actiongate/internal/adapter/outbound/postgres"
	"github.com/actiongate/actiongate/internal/config"
	"github.com/actiongate/actiongate/internal/domain/action"
	"github.com/actiongate/actiongate/internal/service"
	"github.com/actiongate/actiongate/internal/telemetry"
)

var serveTelemetry bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP runtime",
	Long: `Start the governed action runtime.

With DB_URL set the runtime persists to Postgres; without it an in-memory
store is used, which is only suitable for development. The governance
policy is read from GOV_POLICY_PATH (default governance/policy.yaml) and
hot-reloads on file change.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveTelemetry, "telemetry", false, "emit OpenTelemetry traces and metrics to stdout")
	rootCmd.AddCommand(serveCmd)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    "actiongate",
		ServiceVersion: Version,
		Environment:    cfg.AppEnv,
		Enabled:        serveTelemetry,
	})
	if err != nil {
		return fmt.Errorf("set up telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	var store action.Store
	var ready aghttp.ReadyFunc
	if cfg.DBURL != "" {
		pg, err := postgres.Open(ctx, cfg.DBURL)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer pg.Close()
		store = pg
		ready = func(ctx context.Context) (*aghttp.ReadyReport, error) {
			r, err := pg.Readiness(ctx)
			if err != nil {
				return nil, err
			}
			return &aghttp.ReadyReport{
				Ready:             r.Ready,
				MissingTables:     r.MissingTables,
				MissingExtensions: r.MissingExtensions,
			}, nil
		}
		logger.Info("using postgres store")
	} else {
		store = memory.New()
		logger.Warn("DB_URL not set, using in-memory store")
	}

	metrics := aghttp.NewMetrics(prometheus.NewRegistry())
	policies := service.NewPolicyStore(cfg.PolicyPath, logger)
	auditw := service.NewAuditWriter(store, logger, metrics.AuditWriteFailures.Inc)

	conn := connector.ForName(cfg.Connector)
	executor := service.NewExecutor(store, policies, conn, auditw, logger,
		service.WithConnectorTimeout(cfg.ConnectorTimeout))
	pending := service.NewPendingLifecycle(store, policies, executor, auditw, logger)
	materializer := service.NewMaterializer(store, policies, &generator.Mock{}, executor, auditw, logger, cfg.Connector)
	idem := service.NewIdempotency(store, logger)

	cleanupOpts := []service.CleanupOption{service.WithCleanupInterval(cfg.CleanupInterval)}
	if cfg.IdempotencyTTLHours > 0 {
		cleanupOpts = append(cleanupOpts, service.WithCleanupTTLHours(cfg.IdempotencyTTLHours))
	}
	cleanup := service.NewCleanup(store, policies, logger, cleanupOpts...)
	cleanup.Start(ctx)
	defer cleanup.Stop()

	handler := aghttp.NewHandler(aghttp.Services{
		Store:        store,
		Policies:     policies,
		Executor:     executor,
		Pending:      pending,
		Materializer: materializer,
		Idempotency:  idem,
		Cleanup:      cleanup,
		Audit:        auditw,
	},
		aghttp.WithLogger(logger),
		aghttp.WithMetrics(metrics),
		aghttp.WithDevMode(cfg.IsDev()),
		aghttp.WithJWT(cfg.JWTSecret, cfg.JWTAlg, cfg.JWTVerify),
		aghttp.WithReadiness(ready),
	)

	server := aghttp.NewServer(handler.Routes(),
		aghttp.WithAddr(cfg.Addr()),
		aghttp.WithServerLogger(logger),
	)

	logger.Info("actiongate starting",
		"addr", cfg.Addr(),
		"policy_path", cfg.PolicyPath,
		"dev_mode", cfg.IsDev(),
		"connector", conn.Name(),
	)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

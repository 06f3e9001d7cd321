package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/tiercalc/internal/api"
	"github.com/opensource-finance/tiercalc/internal/bus"
	"github.com/opensource-finance/tiercalc/internal/cache"
	"github.com/opensource-finance/tiercalc/internal/calculators"
	"github.com/opensource-finance/tiercalc/internal/decision"
	"github.com/opensource-finance/tiercalc/internal/domain"
	"github.com/opensource-finance/tiercalc/internal/loader"
	"github.com/opensource-finance/tiercalc/internal/repository"
	"github.com/opensource-finance/tiercalc/internal/rules"
	"github.com/opensource-finance/tiercalc/internal/usage"
	"github.com/opensource-finance/tiercalc/internal/worker"
	"github.com/spf13/cobra"
)

// defaultWorkerCount is used by the Pro tier when no async worker count is set.
const defaultWorkerCount = 5

var workerTenants []string

// serveCmd runs the HTTP API
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	Long: `Start the calculation API.

Configuration comes from --config, TIERCALC_* environment variables and the
flags below. Set TIERCALC_TIER=pro for PostgreSQL, Redis and NATS.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("host", "", "listen host")
	serveCmd.Flags().Int("port", 0, "listen port")
	serveCmd.Flags().String("tables-dir", "", "directory of YAML or JSON rule tables to seed")
	serveCmd.Flags().Int("async-workers", 0, "concurrent async calculations (0 disables outside the Pro tier)")
	serveCmd.Flags().StringSliceVar(&workerTenants, "tenants", nil, "tenants the async worker serves (default all)")
}

func runServe(cmd *cobra.Command, args []string) error {
	slog.Info("starting tiercalc",
		"version", version,
		"commit", commit,
		"build_date", buildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Seed and load rule tables
	if err := seedTables(ctx, repo, cfg.Engine); err != nil {
		return err
	}
	engine := rules.NewEngine()
	if err := loadTablesFromDatabase(ctx, repo, engine); err != nil {
		return err
	}
	slog.Info("rule engine initialized", "tables_count", engine.TablesCount())

	processor := decision.NewProcessor()
	usageSvc := usage.NewService(repo, cacheImpl, cfg.Engine.PlanYearStart)

	suite, err := calculators.NewSuite()
	if err != nil {
		return fmt.Errorf("failed to build calculators: %w", err)
	}

	// Initialize async Worker (Pro tier or explicitly enabled)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || cfg.Engine.AsyncWorkers > 0 {
		asyncWorker = worker.NewWorker(busImpl, repo, engine, processor)
		asyncWorker.OnRecorded = func(ctx context.Context, calc *domain.Calculation) {
			if calc.SubjectID != "" {
				usageSvc.Invalidate(ctx, calc.TenantID, calc.SubjectID)
			}
		}

		workerCount := cfg.Engine.AsyncWorkers
		if workerCount <= 0 {
			workerCount = defaultWorkerCount
		}
		if err := asyncWorker.Start(worker.Config{TenantIDs: workerTenants, WorkerCount: workerCount}); err != nil {
			return fmt.Errorf("failed to start async worker: %w", err)
		}
		slog.Info("async worker started", "tenant_count", len(workerTenants), "worker_count", workerCount)
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, api.Deps{
		Repo:           repo,
		Cache:          cacheImpl,
		Bus:            busImpl,
		Engine:         engine,
		Processor:      processor,
		Usage:          usageSvc,
		Calculators:    suite,
		IdempotencyTTL: cfg.Cache.IdempotencyTTL,
	}, version)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("tiercalc is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cmd, cfg)

	// Wait for shutdown signal or a server failure
	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		slog.Error("server failed", "error", serveErr)
	}
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("tiercalc shutdown complete")
	return serveErr
}

// seedTables stores the built-in presets that are not stored yet, then the
// tables of the tables directory. Directory tables always replace the stored
// version.
func seedTables(ctx context.Context, repo domain.Repository, engineCfg domain.EngineConfig) error {
	if engineCfg.SeedPresets {
		seeded := 0
		for _, table := range calculators.Tables() {
			_, err := repo.GetTable(ctx, domain.GlobalTenantID, table.ID)
			if err == nil {
				continue
			}
			if !errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("failed to look up preset %s: %w", table.ID, err)
			}
			if err := repo.SaveTable(ctx, domain.GlobalTenantID, table); err != nil {
				return fmt.Errorf("failed to seed preset %s: %w", table.ID, err)
			}
			seeded++
		}
		slog.Info("preset tables seeded", "count", seeded)
	}

	if engineCfg.TablesDir == "" {
		return nil
	}
	tables, err := loader.LoadDir(engineCfg.TablesDir)
	if err != nil {
		return fmt.Errorf("failed to load tables directory: %w", err)
	}
	for _, table := range tables {
		owner := table.TenantID
		if owner == "" {
			owner = domain.GlobalTenantID
		}
		if err := repo.SaveTable(ctx, owner, table); err != nil {
			return fmt.Errorf("failed to seed table %s: %w", table.ID, err)
		}
	}
	slog.Info("tables directory seeded", "dir", engineCfg.TablesDir, "count", len(tables))
	return nil
}

// loadTablesFromDatabase loads the enabled tables of every tenant into the
// engine. Tables can be added later via POST /tables.
func loadTablesFromDatabase(ctx context.Context, repo domain.Repository, engine *rules.Engine) error {
	tables, err := repo.ListAllTables(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tables from database: %w", err)
	}
	if len(tables) == 0 {
		slog.Info("no tables in database - configure via POST /tables")
		return nil
	}
	if err := engine.ReloadTables(tables); err != nil {
		return fmt.Errorf("failed to load tables: %w", err)
	}
	return nil
}

func printBanner(cmd *cobra.Command, cfg *domain.Config) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  TIERCALC  tiered rule calculations")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Version:  %s\n", version)
	fmt.Fprintf(out, "  Tier:     %s\n", cfg.Tier)
	fmt.Fprintf(out, "  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  Endpoints:")
	fmt.Fprintln(out, "    POST   /calculate                   - Calculate against a rule table")
	fmt.Fprintln(out, "    GET    /calculations/{id}           - Get a recorded calculation")
	fmt.Fprintln(out, "    POST   /calculators/dosing          - Pediatric dose")
	fmt.Fprintln(out, "    POST   /calculators/emergency-dosing - Emergency dosing card")
	fmt.Fprintln(out, "    POST   /calculators/premium         - Insurance premium")
	fmt.Fprintln(out, "    POST   /calculators/copay           - Co-payment split")
	fmt.Fprintln(out, "    POST   /calculators/tax             - GST breakdown")
	fmt.Fprintln(out, "    GET    /tables                      - List loaded tables")
	fmt.Fprintln(out, "    POST   /tables                      - Create tables (JSON or YAML)")
	fmt.Fprintln(out, "    PATCH  /tables/{id}                 - Patch a table (JSON Patch)")
	fmt.Fprintln(out, "    DELETE /tables/{id}                 - Delete a table")
	fmt.Fprintln(out, "    POST   /tables/reload               - Hot-reload tables from database")
	fmt.Fprintln(out, "    POST   /tables/lint                 - Lint tables without storing them")
	fmt.Fprintln(out, "    GET    /health                      - Health check")
	fmt.Fprintln(out)
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/renohub/autogate/internal/api"
	"github.com/renohub/autogate/internal/auth"
	"github.com/renohub/autogate/internal/config"
	"github.com/renohub/autogate/internal/conformal"
	"github.com/renohub/autogate/internal/critic"
	"github.com/renohub/autogate/internal/engine"
	"github.com/renohub/autogate/internal/ingest"
	"github.com/renohub/autogate/internal/ledger"
	"github.com/renohub/autogate/internal/ledger/pgstore"
	"github.com/renohub/autogate/internal/ledger/sqlstore"
	"github.com/renohub/autogate/internal/monitor"
	"github.com/renohub/autogate/internal/policy"
	"github.com/renohub/autogate/internal/seedsafe"
	"github.com/renohub/autogate/internal/telemetry"
)

func main() {
	if err := runFn(os.Args[1:], os.Getenv); err != nil {
		fatalf("gateway error: %v", err)
	}
}

var runFn = run
var fatalf = log.Fatalf

type envFn func(string) string

func run(args []string, getenv envFn) error {
	fs := flag.NewFlagSet("autogate-gateway", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to autogate config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfgFile := *configPath
	if cfgFile == "" {
		cfgFile = getenv("AUTOGATE_CONFIG_PATH")
	}

	var cfg config.Config
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	addr := firstNonEmpty(getenv("AUTOGATE_LISTEN_ADDR"), cfg.ListenAddr, ":8080")
	experimentID := firstNonEmpty(getenv("AUTOGATE_EXPERIMENT_ID"), cfg.ExperimentID, "default")
	modelID := firstNonEmpty(getenv("AUTOGATE_MODEL_ID"), cfg.ModelID, "critic-v1")
	policyPath := firstNonEmpty(getenv("AUTOGATE_POLICY_PATH"), cfg.PolicyPath, "")

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	pol := policy.Default()
	if policyPath != "" {
		loaded, err := policy.LoadPolicy(policyPath)
		if err != nil {
			return fmt.Errorf("load policy: %w", err)
		}
		pol = loaded
	}
	logger.Info("policy loaded",
		"policy_id", pol.Policy.PolicyID,
		"policy_version", pol.Policy.PolicyVersion,
		"policy_hash", pol.Hash)

	store, closeStore, err := openStore(cfg.DB, getenv)
	if err != nil {
		return err
	}
	defer closeStore()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := telemetry.New(registry)

	cache := conformal.NewCache(pol.Policy.Conformal.Alpha, pol.Policy.Conformal.MinCalibration)
	if err := cache.Rebuild(store); err != nil {
		return fmt.Errorf("conformal rebuild: %w", err)
	}

	seeds := seedsafe.NewBuilder(pol.Policy.Safety.MinSeedSamples)
	if err := seeds.Rebuild(store); err != nil {
		return fmt.Errorf("seed set rebuild: %w", err)
	}

	model := critic.NewModel(modelID)
	if err := model.Load(store); err != nil {
		return fmt.Errorf("critic load: %w", err)
	}

	eng := engine.New(experimentID, pol.Hash,
		pol.Policy.Safety.Budget, pol.Policy.Safety.ConfidenceDelta,
		cache, model, seeds, store, logger, metrics)
	ingestor := ingest.New(store, model, logger, metrics)
	mon := monitor.New(store, model, pol.Policy, experimentID, logger)

	validator, err := api.NewValidator()
	if err != nil {
		return fmt.Errorf("compile schemas: %w", err)
	}

	h := &api.Handler{
		Auth:      auth.NewAuthenticatorFromEnv(),
		Engine:    eng,
		Ingestor:  ingestor,
		Store:     store,
		Validator: validator,
		Logger:    logger,
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           api.NewRouter(h, registry),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("autogate-gateway listening", "addr", addr, "experiment_id", experimentID)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		eng.RunLogWriter(ctx.Done())
		return nil
	})
	g.Go(func() error {
		ingest.RunWorker(ctx, ingestor, interval(cfg.Intervals.IngestPoll, 2*time.Second))
		return nil
	})
	g.Go(func() error {
		mon.Run(ctx, interval(cfg.Intervals.Monitor, time.Minute))
		return nil
	})
	g.Go(func() error {
		runRebuild(ctx, interval(cfg.Intervals.ConformalRebuild, 30*time.Second), logger, "conformal", func() error {
			return cache.Rebuild(store)
		})
		return nil
	})
	g.Go(func() error {
		runRebuild(ctx, interval(cfg.Intervals.SeedRebuild, 5*time.Minute), logger, "seed_set", func() error {
			return seeds.Rebuild(store)
		})
		return nil
	})

	return g.Wait()
}

func openStore(db config.DBConfig, getenv envFn) (ledger.Store, func(), error) {
	driver := firstNonEmpty(getenv("AUTOGATE_DB_DRIVER"), db.Driver, "memory")
	dsn := firstNonEmpty(getenv("AUTOGATE_DB_DSN"), db.DSN, "")

	switch driver {
	case "memory":
		return ledger.NewInMemoryStore(), func() {}, nil
	case "sqlite":
		s, err := sqlstore.OpenSQLite(dsn)
		if err != nil {
			return nil, nil, err
		}
		if err := ledger.Migrate(s.DB(), ledger.DBSQLite); err != nil {
			_ = s.Close()
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		s, err := pgstore.OpenPostgres(dsn)
		if err != nil {
			return nil, nil, err
		}
		if err := ledger.Migrate(s.DB(), ledger.DBPostgres); err != nil {
			_ = s.Close()
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown db driver %q", driver)
	}
}

// runRebuild periodically refreshes a read snapshot. A failed refresh
// keeps serving the previous snapshot; it is logged, not fatal.
func runRebuild(ctx context.Context, every time.Duration, logger *slog.Logger, name string, rebuild func() error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := rebuild(); err != nil && ctx.Err() == nil {
				logger.Error("snapshot rebuild failed", "component", name, "error", err)
			}
		}
	}
}

func interval(configured, fallback time.Duration) time.Duration {
	if configured > 0 {
		return configured
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}

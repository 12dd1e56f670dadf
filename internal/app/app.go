// Package app wires config into a ready pipeline, repair runner and their
// backends. cmd/api, cmd/worker and cmd/repair all start from Build.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/go-pos-reconciler/internal/audit"
	"github.com/ariefcatur/go-pos-reconciler/internal/config"
	"github.com/ariefcatur/go-pos-reconciler/internal/deduction"
	kafkax "github.com/ariefcatur/go-pos-reconciler/internal/kafka"
	"github.com/ariefcatur/go-pos-reconciler/internal/notify"
	"github.com/ariefcatur/go-pos-reconciler/internal/parallel"
	"github.com/ariefcatur/go-pos-reconciler/internal/pipeline"
	"github.com/ariefcatur/go-pos-reconciler/internal/postgres"
	"github.com/ariefcatur/go-pos-reconciler/internal/recipe"
	"github.com/ariefcatur/go-pos-reconciler/internal/redisx"
	"github.com/ariefcatur/go-pos-reconciler/internal/repair"
	"github.com/ariefcatur/go-pos-reconciler/internal/retry"
	"github.com/ariefcatur/go-pos-reconciler/internal/sales"
	"github.com/ariefcatur/go-pos-reconciler/internal/sales/memstore"
	"github.com/ariefcatur/go-pos-reconciler/internal/tracker"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const sweepInterval = time.Minute

// Stores is everything the pipeline, audit and repair need from the sale
// side of persistence.
type Stores interface {
	pipeline.SaleStore
	audit.Store
	repair.Store
	GetSale(ctx context.Context, id string) (*sales.Sale, error)
}

type Ledger interface {
	recipe.Catalog
	deduction.Ledger
	audit.Ledger
	repair.Ledger
}

type App struct {
	Cfg      config.Config
	Log      *logrus.Logger
	Sales    Stores
	Ledger   Ledger
	Pipeline *pipeline.Pipeline
	Repair   *repair.Runner
	Audit    *audit.Service
	Tracker  tracker.Tracker
	Redis    *redis.Client // nil when REDIS_ADDR is empty

	producers []*kafkax.Producer
	closers   []func()
}

// Build connects the configured backends. withEvents starts the outcome
// producers; the repair CLI runs without them.
func Build(ctx context.Context, cfg config.Config, log *logrus.Logger, withEvents bool) (*App, error) {
	a := &App{Cfg: cfg, Log: log}

	st, lg, err := a.openStores(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Sales, a.Ledger = st, lg

	if cfg.RedisAddr != "" {
		a.Redis = redisx.New(cfg.RedisAddr)
		rdb := a.Redis
		a.closers = append(a.closers, func() { _ = rdb.Close() })
	}

	tr, err := a.openTracker(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Tracker = tr

	rp := retry.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
		Log:         log,
	}
	resolver := recipe.NewResolver(lg, rp, log)
	executor := deduction.NewExecutor(lg, rp, log)
	a.Audit = audit.NewService(st, lg, rp, log)

	a.Pipeline = &pipeline.Pipeline{
		Sales:       st,
		Resolver:    resolver,
		Deductor:    executor,
		Coordinator: parallel.NewCoordinator(log),
		Tracker:     tr,
		Audit:       a.Audit,
		Retry:       rp,
		Opts: pipeline.Options{
			ComplianceCritical: cfg.ComplianceCritical,
			FailOnUnresolved:   cfg.FailOnUnresolved,
			DeductionTimeout:   cfg.DeductionTimeout,
			ComplianceTimeout:  cfg.ComplianceTimeout,
			SideEffectTimeout:  cfg.SideEffectTimeout,
		},
		Log: log,
	}
	if a.Redis != nil {
		rdb := a.Redis
		a.Pipeline.Invalidate = func(ctx context.Context, storeID, saleID string, ids []string) error {
			return redisx.InvalidateSale(ctx, rdb, storeID, saleID, ids)
		}
	}
	if withEvents {
		committed := kafkax.NewProducer(cfg.KafkaBrokers, sales.TopicSaleCommitted, 1024, log)
		rolledBack := kafkax.NewProducer(cfg.KafkaBrokers, sales.TopicSaleRolledBack, 1024, log)
		committed.Start(ctx)
		rolledBack.Start(ctx)
		a.producers = append(a.producers, committed, rolledBack)
		a.Pipeline.Notifier = &notify.Dispatcher{Committed: committed, RolledBack: rolledBack, Service: cfg.ServiceName}
	}

	var lk repair.Locker
	if a.Redis != nil {
		lk = redisx.NewLocker(a.Redis)
	}
	a.Repair = repair.NewRunner(st, lg, resolver, executor, a.Audit, lk, cfg.RepairLookbackDays, cfg.RepairBatchLimit, log)
	a.Repair.Invalidate = a.Pipeline.Invalidate

	log.WithFields(logrus.Fields{
		"store_backend":       cfg.StoreBackend,
		"tracker_backend":     cfg.TrackerBackend,
		"compliance_critical": cfg.ComplianceCritical,
		"events":              withEvents,
	}).Info("app wired")
	return a, nil
}

func (a *App) openStores(ctx context.Context) (Stores, Ledger, error) {
	switch a.Cfg.StoreBackend {
	case "memory":
		ms := memstore.New()
		return ms, ms, nil
	case "postgres", "":
		pool, err := postgres.Connect(ctx, a.Cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("db connect: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := postgres.Migrate(ctx, pool); err != nil {
			return nil, nil, err
		}
		return &sales.Repo{DB: pool}, &sales.LedgerRepo{DB: pool}, nil
	default:
		return nil, nil, fmt.Errorf("unknown STORE_BACKEND %q", a.Cfg.StoreBackend)
	}
}

func (a *App) openTracker(ctx context.Context) (tracker.Tracker, error) {
	ret := tracker.Retention{Completed: a.Cfg.TrackerCompletedTTL, Failed: a.Cfg.TrackerFailedTTL}
	switch a.Cfg.TrackerBackend {
	case "redis":
		if a.Redis == nil {
			return nil, fmt.Errorf("TRACKER_BACKEND=redis needs REDIS_ADDR")
		}
		return tracker.NewRedis(a.Redis, ret), nil
	case "memory", "":
		m := tracker.NewMemory(ret)
		go tracker.RunSweeper(ctx, m, sweepInterval)
		return m, nil
	default:
		return nil, fmt.Errorf("unknown TRACKER_BACKEND %q", a.Cfg.TrackerBackend)
	}
}

// Close flushes producers and releases connections. Nothing may publish
// after this.
func (a *App) Close() {
	for _, p := range a.producers {
		p.Close()
	}
	for _, p := range a.producers {
		p.WaitClosed()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

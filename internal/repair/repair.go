// Package repair backfills stock movements for completed sales that never
// got them, and links recipe ingredients that lost their stock reference.
package repair

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/go-pos-reconciler/internal/deduction"
	"github.com/ariefcatur/go-pos-reconciler/internal/logging"
	"github.com/ariefcatur/go-pos-reconciler/internal/recipe"
	"github.com/ariefcatur/go-pos-reconciler/internal/redisx"
	"github.com/ariefcatur/go-pos-reconciler/internal/sales"
	"github.com/ariefcatur/go-pos-reconciler/internal/validate"
	"github.com/sirupsen/logrus"
)

const moduleName = "repair"

type Store interface {
	SalesMissingMovements(ctx context.Context, storeID string, since time.Time, limit int) ([]sales.Sale, error)
}

type Ledger interface {
	HasNetMovements(ctx context.Context, saleID string) (bool, error)
	LinkUnresolvedIngredients(ctx context.Context, storeID string) (int, error)
}

type Resolver interface {
	Resolve(ctx context.Context, productID, productName, storeID string) ([]recipe.ResolvedIngredient, error)
}

type Deductor interface {
	DeductSale(ctx context.Context, saleID, storeID string, lines []deduction.Line) (deduction.Outcome, error)
}

type Auditor interface {
	Record(ctx context.Context, a sales.SyncAttempt)
	Compensate(ctx context.Context, saleID, storeID string, applied []sales.Deduction) (int, []error)
}

// Locker keeps two runs off the same store. Optional.
type Locker interface {
	LockRepair(ctx context.Context, storeID string) (*redisx.RepairLock, error)
}

type Request struct {
	StoreID                       string `json:"store_id" validate:"required"`
	ProcessHistoricalTransactions bool   `json:"process_historical_transactions"`
}

type Summary struct {
	StoreID               string   `json:"store_id"`
	RecipesLinked         int      `json:"recipes_linked"`
	TransactionsProcessed int      `json:"transactions_processed"`
	InventoryDeducted     int      `json:"inventory_deducted"`
	Errors                []string `json:"errors"`
	Warnings              []string `json:"warnings"`
}

type Runner struct {
	Store    Store
	Ledger   Ledger
	Resolver Resolver
	Deductor Deductor
	Audit    Auditor
	Locker   Locker

	// Invalidate drops cached stock levels of items a backfill touched.
	// Optional.
	Invalidate func(ctx context.Context, storeID, saleID string, stockItemIDs []string) error

	LookbackDays int
	BatchLimit   int
	Now          func() time.Time
	Log          logrus.FieldLogger
}

// NewRunner stamps every backfilled movement with the repair reason.
func NewRunner(s Store, l Ledger, r Resolver, ex *deduction.Executor, a Auditor, lk Locker, lookbackDays, limit int, log logrus.FieldLogger) *Runner {
	return &Runner{
		Store:        s,
		Ledger:       l,
		Resolver:     r,
		Deductor:     ex.WithReason(sales.ReasonRepairBackfill),
		Audit:        a,
		Locker:       lk,
		LookbackDays: lookbackDays,
		BatchLimit:   limit,
		Now:          time.Now,
		Log:          log,
	}
}

// Run links unresolved ingredients and, when asked, re-deducts recent
// completed sales that have no movement. A sale that already has movements
// is never touched, so running it twice changes nothing.
func (r *Runner) Run(ctx context.Context, req Request) (Summary, error) {
	sum := Summary{StoreID: req.StoreID, Errors: []string{}, Warnings: []string{}}
	if err := validate.Check(req); err != nil {
		return sum, err
	}
	log := r.logger().WithField("store_id", req.StoreID)

	var lock *redisx.RepairLock
	if r.Locker != nil {
		l, err := r.Locker.LockRepair(ctx, req.StoreID)
		if err != nil {
			return sum, err
		}
		lock = l
		defer lock.Release(context.WithoutCancel(ctx))
	}

	linked, err := r.Ledger.LinkUnresolvedIngredients(ctx, req.StoreID)
	if err != nil {
		logging.LogError(log, moduleName, "Run", "link ingredients", req, err)
		sum.Errors = append(sum.Errors, "link ingredients: "+err.Error())
	}
	sum.RecipesLinked = linked

	if !req.ProcessHistoricalTransactions {
		log.WithField("recipes_linked", linked).Info("repair done, history skipped")
		return sum, nil
	}

	since := r.now().AddDate(0, 0, -r.lookback())
	pending, err := r.Store.SalesMissingMovements(ctx, req.StoreID, since, r.BatchLimit)
	if err != nil {
		logging.LogError(log, moduleName, "Run", "scan sales", req, err)
		return sum, fmt.Errorf("scan sales without movements: %w", err)
	}

	for _, sl := range pending {
		if ctx.Err() != nil {
			sum.Warnings = append(sum.Warnings, fmt.Sprintf("stopped early: %v", ctx.Err()))
			break
		}
		// a long batch with retry backoff can outlive one lock TTL
		if lock != nil {
			if err := lock.Refresh(ctx); err != nil {
				logging.LogError(log, moduleName, "Run", "refresh lock", req, err)
				sum.Errors = append(sum.Errors, "refresh lock: "+err.Error())
				return sum, fmt.Errorf("repair store %s: %w", req.StoreID, err)
			}
		}
		r.backfill(ctx, sl, &sum)
	}

	log.WithFields(logrus.Fields{
		"recipes_linked":         sum.RecipesLinked,
		"transactions_processed": sum.TransactionsProcessed,
		"inventory_deducted":     sum.InventoryDeducted,
		"errors":                 len(sum.Errors),
	}).Info("repair done")
	return sum, nil
}

func (r *Runner) backfill(ctx context.Context, sl sales.Sale, sum *Summary) {
	start := time.Now()
	log := r.logger().WithField("sale_id", sl.ID)

	// the scan can be stale when a commit lands meanwhile
	moved, err := r.Ledger.HasNetMovements(ctx, sl.ID)
	if err != nil {
		sum.Errors = append(sum.Errors, fmt.Sprintf("sale %s: %v", sl.ID, err))
		return
	}
	if moved {
		return
	}

	lines := make([]deduction.Line, 0, len(sl.Lines))
	resolved := 0
	for _, l := range sl.Lines {
		ings, err := r.Resolver.Resolve(ctx, l.ProductID, l.ProductName, sl.StoreID)
		if err != nil {
			sum.Errors = append(sum.Errors, fmt.Sprintf("sale %s: %v", sl.ID, err))
			r.record(ctx, sl, sales.SyncFailed, 0, 0, time.Since(start), err.Error())
			return
		}
		if len(ings) == 0 {
			sum.Warnings = append(sum.Warnings, fmt.Sprintf("sale %s: product %s (%s) has no recipe and no matching stock item", sl.ID, l.ProductID, l.ProductName))
			continue
		}
		resolved++
		lines = append(lines, deduction.Line{ProductID: l.ProductID, Quantity: l.Quantity, Ingredients: ings})
	}
	if resolved == 0 {
		return
	}

	out, err := r.Deductor.DeductSale(ctx, sl.ID, sl.StoreID, lines)
	sum.Warnings = append(sum.Warnings, out.Warnings...)
	if len(out.Applied) > 0 {
		defer r.invalidate(ctx, sl, out.Applied)
	}
	if err != nil {
		if len(out.Applied) > 0 && r.Audit != nil {
			// keep the sale all-or-nothing here as well
			if _, cerrs := r.Audit.Compensate(ctx, sl.ID, sl.StoreID, out.Applied); len(cerrs) > 0 {
				for _, ce := range cerrs {
					sum.Errors = append(sum.Errors, fmt.Sprintf("sale %s: %v", sl.ID, ce))
				}
			}
		}
		sum.Errors = append(sum.Errors, fmt.Sprintf("sale %s: %v", sl.ID, err))
		r.record(ctx, sl, sales.SyncFailed, 0, out.ItemsTotal, time.Since(start), err.Error())
		logging.LogError(log, moduleName, "backfill", "deduct sale", sl.ID, err)
		return
	}

	sum.TransactionsProcessed++
	sum.InventoryDeducted += out.ItemsProcessed
	r.record(ctx, sl, sales.SyncSuccess, out.ItemsProcessed, out.ItemsTotal, time.Since(start), "")
	log.WithField("items", out.ItemsProcessed).Info("sale backfilled")
}

func (r *Runner) record(ctx context.Context, sl sales.Sale, st sales.SyncStatus, processed, total int, d time.Duration, errText string) {
	if r.Audit == nil {
		return
	}
	r.Audit.Record(ctx, sales.SyncAttempt{
		SaleID:         sl.ID,
		StoreID:        sl.StoreID,
		Operation:      sales.OpRepair,
		Status:         st,
		ItemsProcessed: processed,
		ItemsTotal:     total,
		Duration:       d,
		ErrorText:      errText,
	})
}

func (r *Runner) lookback() int {
	if r.LookbackDays <= 0 {
		return 7
	}
	return r.LookbackDays
}

func (r *Runner) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

// invalidate runs after compensation too, so readers never keep a level
// seen mid-backfill.
func (r *Runner) invalidate(ctx context.Context, sl sales.Sale, applied []sales.Deduction) {
	if r.Invalidate == nil {
		return
	}
	ids := make([]string, 0, len(applied))
	for _, d := range applied {
		ids = append(ids, d.StockItemID)
	}
	if err := r.Invalidate(ctx, sl.StoreID, sl.ID, ids); err != nil {
		logging.LogError(r.logger(), moduleName, "invalidate", "cache", sl.ID, err)
	}
}

func (r *Runner) logger() logrus.FieldLogger {
	if r.Log == nil {
		return logrus.StandardLogger()
	}
	return r.Log
}

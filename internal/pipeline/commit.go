// Package pipeline commits a paid sale against the stock ledger: resolve,
// deduct alongside compliance logging, then either mark it completed or roll
// it back. Cache invalidation and the outcome event follow the outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ariefcatur/go-pos-reconciler/internal/audit"
	"github.com/ariefcatur/go-pos-reconciler/internal/deduction"
	"github.com/ariefcatur/go-pos-reconciler/internal/logging"
	"github.com/ariefcatur/go-pos-reconciler/internal/parallel"
	"github.com/ariefcatur/go-pos-reconciler/internal/recipe"
	"github.com/ariefcatur/go-pos-reconciler/internal/retry"
	"github.com/ariefcatur/go-pos-reconciler/internal/sales"
	"github.com/ariefcatur/go-pos-reconciler/internal/tracker"
	"github.com/ariefcatur/go-pos-reconciler/internal/validate"
	"github.com/sirupsen/logrus"
)

const moduleName = "pipeline"

// Operation names as they appear in logs and results.
const (
	OpDeduction  = "inventory_deduction"
	OpCompliance = "compliance_log"
	OpCache      = "cache_invalidation"
	OpNotify     = "notification"
)

// Checkout messages.
const (
	MsgCompleted   = "completed"
	MsgSystemError = "system error, please retry"
)

type SaleStore interface {
	AppendSale(ctx context.Context, s sales.Sale) error
	UpdateSaleStatus(ctx context.Context, id string, from, to sales.SaleStatus) error
	InsertComplianceRecord(ctx context.Context, c sales.ComplianceRecord) error
}

type Resolver interface {
	Resolve(ctx context.Context, productID, productName, storeID string) ([]recipe.ResolvedIngredient, error)
}

type Deductor interface {
	DeductSale(ctx context.Context, saleID, storeID string, lines []deduction.Line) (deduction.Outcome, error)
}

type Auditor interface {
	LogSuccess(ctx context.Context, saleID string, itemCount int, storeID string, elapsed time.Duration)
	LogFailure(ctx context.Context, saleID string, errs []error, storeID string, itemsAttempted int)
	Rollback(ctx context.Context, saleID string, errs []error, storeID string, applied []sales.Deduction) audit.RollbackReport
}

type Notifier interface {
	SaleCommitted(ctx context.Context, p sales.SaleCommittedPayload, traceID string) error
	SaleRolledBack(ctx context.Context, p sales.SaleRolledBackPayload, traceID string) error
}

// CacheInvalidator drops cached views of the sale and the stock it touched.
type CacheInvalidator func(ctx context.Context, storeID, saleID string, stockItemIDs []string) error

type Options struct {
	ComplianceCritical bool
	FailOnUnresolved   bool
	DeductionTimeout   time.Duration
	ComplianceTimeout  time.Duration
	SideEffectTimeout  time.Duration
}

func DefaultOptions() Options {
	return Options{
		ComplianceCritical: true,
		DeductionTimeout:   30 * time.Second,
		ComplianceTimeout:  5 * time.Second,
		SideEffectTimeout:  3 * time.Second,
	}
}

type Pipeline struct {
	Sales       SaleStore
	Resolver    Resolver
	Deductor    Deductor
	Coordinator *parallel.Coordinator
	Tracker     tracker.Tracker
	Audit       Auditor
	Notifier    Notifier         // optional
	Invalidate  CacheInvalidator // optional
	Retry       retry.Policy
	Opts        Options
	Log         logrus.FieldLogger
}

type CommitResult struct {
	Success        bool              `json:"success"`
	SaleID         string            `json:"sale_id"`
	Message        string            `json:"message"`
	Kind           sales.FailureKind `json:"kind,omitempty"`
	ItemsProcessed int               `json:"items_processed"`
	ItemsTotal     int               `json:"items_total"`
	Errors         []string          `json:"errors,omitempty"`
	Warnings       []string          `json:"warnings,omitempty"`
	Insufficient   []sales.Shortfall `json:"insufficient,omitempty"`
	RolledBack     bool              `json:"rolled_back"`
	Duplicate      bool              `json:"duplicate,omitempty"`
	Duration       time.Duration     `json:"duration"`
}

type commitRequest struct {
	SaleID  string           `validate:"required"`
	StoreID string           `validate:"required"`
	Lines   []sales.SaleLine `validate:"required,min=1,dive"`
}

// CommitSale runs the whole commit for one paid sale. It never reports a
// partially deducted sale as successful. Once the sale row exists the
// caller's cancellation no longer applies; failures go through rollback.
func (p *Pipeline) CommitSale(ctx context.Context, saleID string, lines []sales.SaleLine, storeID string) CommitResult {
	start := time.Now()
	res := CommitResult{SaleID: saleID}
	log := p.logger().WithFields(logrus.Fields{"sale_id": saleID, "store_id": storeID})

	if err := validate.Check(commitRequest{SaleID: saleID, StoreID: storeID, Lines: lines}); err != nil {
		p.Audit.LogFailure(ctx, saleID, []error{err}, storeID, 0)
		return p.reject(res, err, start)
	}

	if err := p.Tracker.Create(ctx, saleID); err != nil {
		if errors.Is(err, tracker.ErrExists) {
			return p.reject(res, fmt.Errorf("%w: commit already in flight", sales.ErrSaleExists), start)
		}
		logging.LogError(log, moduleName, "CommitSale", "tracker create", nil, err)
	}

	sale := sales.Sale{ID: saleID, StoreID: storeID, Lines: lines, Status: sales.StatusPending}
	sale.TotalCents = sale.ComputeTotal()
	if err := p.Retry.Do(ctx, "append sale", func(ctx context.Context) error {
		return p.Sales.AppendSale(ctx, sale)
	}); err != nil {
		// the entry created above belongs to this call only: either nothing
		// was persisted, or the sale row is someone else's and keeps its state
		if ferr := p.Tracker.Forget(ctx, saleID); ferr != nil {
			logging.LogError(log, moduleName, "CommitSale", "tracker forget", nil, ferr)
		}
		if !errors.Is(err, sales.ErrSaleExists) {
			p.Audit.LogFailure(ctx, saleID, []error{err}, storeID, 0)
		}
		return p.reject(res, err, start)
	}

	// payment is accepted from here on
	ctx = context.WithoutCancel(ctx)

	dlines, warnings, err := p.resolve(ctx, storeID, lines)
	res.Warnings = warnings
	if err != nil {
		return p.rollback(ctx, res, sale, []error{err}, nil, nil, start)
	}
	p.track(ctx, saleID, "start reconciliation", p.Tracker.StartReconciliation)

	var (
		mu      sync.Mutex
		outcome deduction.Outcome
	)
	ops := []parallel.Operation{
		parallel.Critical(OpDeduction, func(ctx context.Context) error {
			out, err := p.Deductor.DeductSale(ctx, saleID, storeID, dlines)
			mu.Lock()
			outcome = out
			mu.Unlock()
			return err
		}, p.Opts.DeductionTimeout),
		p.complianceOp(sale),
	}
	batch := p.Coordinator.ExecuteParallel(ctx, ops)

	mu.Lock()
	out := outcome
	mu.Unlock()
	res.ItemsProcessed = out.ItemsProcessed
	res.ItemsTotal = out.ItemsTotal
	res.Warnings = append(res.Warnings, out.Warnings...)
	for _, f := range batch.NonCriticalFailures {
		res.Warnings = append(res.Warnings, f.Name+": "+f.Err.Error())
	}

	if !batch.Success {
		errs := make([]error, 0, len(batch.CriticalFailures))
		for _, f := range batch.CriticalFailures {
			errs = append(errs, f.Err)
		}
		return p.rollback(ctx, res, sale, errs, out.Applied, stockItemIDs(dlines), start)
	}

	if err := p.Retry.Do(ctx, "complete sale", func(ctx context.Context) error {
		return p.Sales.UpdateSaleStatus(ctx, saleID, sales.StatusPending, sales.StatusCompleted)
	}); err != nil {
		// stock and movements are final; only the status flag is stale
		logging.LogError(log, moduleName, "CommitSale", "mark sale completed", nil, err)
		res.Warnings = append(res.Warnings, "sale status not updated: "+err.Error())
	}

	elapsed := time.Since(start)
	p.Audit.LogSuccess(ctx, saleID, out.ItemsProcessed, storeID, elapsed)
	if err := p.Tracker.Complete(ctx, saleID, tracker.Result{
		ItemsProcessed: out.ItemsProcessed,
		ItemsTotal:     out.ItemsTotal,
		Warnings:       res.Warnings,
	}); err != nil {
		logging.LogError(log, moduleName, "CommitSale", "tracker complete", nil, err)
	}
	res.Warnings = append(res.Warnings, p.sideEffects(ctx, saleID, storeID, stockItemIDs(dlines), func(ctx context.Context) error {
		return p.Notifier.SaleCommitted(ctx, sales.SaleCommittedPayload{
			SaleID:         saleID,
			StoreID:        storeID,
			ItemsProcessed: out.ItemsProcessed,
			ItemsTotal:     out.ItemsTotal,
		}, "")
	})...)

	res.Success = true
	res.Message = MsgCompleted
	res.Duration = time.Since(start)
	log.WithFields(logrus.Fields{
		"items":       out.ItemsProcessed,
		"duration_ms": res.Duration.Milliseconds(),
	}).Info("sale committed")
	return res
}

// resolve turns sale lines into deduction lines, in sale order.
func (p *Pipeline) resolve(ctx context.Context, storeID string, lines []sales.SaleLine) ([]deduction.Line, []string, error) {
	var warnings []string
	out := make([]deduction.Line, 0, len(lines))
	for _, l := range lines {
		ings, err := p.Resolver.Resolve(ctx, l.ProductID, l.ProductName, storeID)
		if err != nil {
			return nil, warnings, err
		}
		if len(ings) == 0 {
			msg := fmt.Sprintf("product %s (%s): no recipe and no matching stock item", l.ProductID, l.ProductName)
			if p.Opts.FailOnUnresolved {
				return nil, warnings, &sales.ResolutionError{ProductID: l.ProductID, Err: errors.New(msg)}
			}
			warnings = append(warnings, msg)
		}
		if p.Opts.FailOnUnresolved {
			for _, ing := range ings {
				if !ing.Resolved() {
					return nil, warnings, &sales.ResolutionError{
						ProductID: l.ProductID,
						Err:       fmt.Errorf("ingredient %q has no stock item", ing.Name),
					}
				}
			}
		}
		out = append(out, deduction.Line{ProductID: l.ProductID, Quantity: l.Quantity, Ingredients: ings})
	}
	return out, warnings, nil
}

func (p *Pipeline) complianceOp(sale sales.Sale) parallel.Operation {
	run := func(ctx context.Context) error {
		return p.Retry.Do(ctx, "insert compliance record", func(ctx context.Context) error {
			return p.Sales.InsertComplianceRecord(ctx, sales.ComplianceRecord{
				SaleID:     sale.ID,
				StoreID:    sale.StoreID,
				TotalCents: sale.TotalCents,
				LineCount:  len(sale.Lines),
			})
		})
	}
	if p.Opts.ComplianceCritical {
		return parallel.Critical(OpCompliance, run, p.Opts.ComplianceTimeout)
	}
	return parallel.NonCritical(OpCompliance, run, p.Opts.ComplianceTimeout)
}

func (p *Pipeline) rollback(ctx context.Context, res CommitResult, sale sales.Sale, errs []error, applied []sales.Deduction, touched []string, start time.Time) CommitResult {
	rep := p.Audit.Rollback(ctx, sale.ID, errs, sale.StoreID, applied)
	cause := errors.Join(errs...)
	p.trackFail(ctx, sale.ID, cause)

	res = p.reject(res, cause, start)
	res.RolledBack = true
	for _, st := range rep.Failed() {
		res.Warnings = append(res.Warnings, "rollback "+st.Step+": "+st.Err.Error())
	}

	reasons := make([]string, 0, len(errs))
	for _, e := range errs {
		reasons = append(reasons, e.Error())
	}
	res.Warnings = append(res.Warnings, p.sideEffects(ctx, sale.ID, sale.StoreID, touched, func(ctx context.Context) error {
		return p.Notifier.SaleRolledBack(ctx, sales.SaleRolledBackPayload{
			SaleID:  sale.ID,
			StoreID: sale.StoreID,
			Kind:    res.Kind,
			Reasons: reasons,
		}, "")
	})...)
	return res
}

// reject fills a failed result. Insufficient stock wins over any other
// cause for the checkout message.
func (p *Pipeline) reject(res CommitResult, err error, start time.Time) CommitResult {
	res.Success = false
	res.Kind = sales.KindOf(err)
	res.Message = MsgSystemError

	var ie *sales.InsufficientStockError
	if errors.As(err, &ie) {
		res.Kind = sales.KindInsufficientStock
		res.Insufficient = ie.Items
		res.Message = "insufficient stock: " + strings.Join(ie.Names(), ", ")
	}
	res.Duplicate = errors.Is(err, sales.ErrSaleExists)
	res.Errors = append(res.Errors, splitJoined(err)...)
	res.Duration = time.Since(start)
	p.logger().WithFields(logrus.Fields{
		"sale_id": res.SaleID,
		"kind":    res.Kind,
	}).Warn(res.Message)
	return res
}

// sideEffects runs cache invalidation and the outcome event once stock is
// final, so neither a cache refill nor a consumer sees a half-applied sale.
// Failures come back as warnings only.
func (p *Pipeline) sideEffects(ctx context.Context, saleID, storeID string, touched []string, notify func(ctx context.Context) error) []string {
	var ops []parallel.Operation
	if p.Invalidate != nil {
		ops = append(ops, parallel.NonCritical(OpCache, func(ctx context.Context) error {
			return p.Invalidate(ctx, storeID, saleID, touched)
		}, p.Opts.SideEffectTimeout))
	}
	if p.Notifier != nil {
		ops = append(ops, parallel.NonCritical(OpNotify, notify, p.Opts.SideEffectTimeout))
	}
	if len(ops) == 0 {
		return nil
	}
	var warnings []string
	for _, f := range p.Coordinator.ExecuteParallel(ctx, ops).NonCriticalFailures {
		warnings = append(warnings, f.Name+": "+f.Err.Error())
	}
	return warnings
}

func (p *Pipeline) track(ctx context.Context, saleID, what string, fn func(context.Context, string) error) {
	if err := fn(ctx, saleID); err != nil {
		logging.LogError(p.logger(), moduleName, "track", what, saleID, err)
	}
}

func (p *Pipeline) trackFail(ctx context.Context, saleID string, cause error) {
	if err := p.Tracker.Fail(ctx, saleID, cause); err != nil && !errors.Is(err, tracker.ErrNotFound) {
		logging.LogError(p.logger(), moduleName, "trackFail", "tracker fail", saleID, err)
	}
}

// Reconciliation reports the optimistic state of a sale.
func (p *Pipeline) Reconciliation(ctx context.Context, saleID string) (tracker.State, error) {
	return p.Tracker.Get(ctx, saleID)
}

func stockItemIDs(lines []deduction.Line) []string {
	seen := map[string]bool{}
	var out []string
	for _, l := range lines {
		for _, ing := range l.Ingredients {
			if ing.StockItem != nil && !seen[ing.StockItem.ID] {
				seen[ing.StockItem.ID] = true
				out = append(out, ing.StockItem.ID)
			}
		}
	}
	return out
}

func splitJoined(err error) []string {
	if err == nil {
		return nil
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range j.Unwrap() {
			out = append(out, splitJoined(e)...)
		}
		return out
	}
	return []string{err.Error()}
}

func (p *Pipeline) logger() logrus.FieldLogger {
	if p.Log == nil {
		return logrus.StandardLogger()
	}
	return p.Log
}

// Package audit writes the sync-attempt trail of every sale and undoes a
// sale whose critical work failed.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ariefcatur/go-pos-reconciler/internal/logging"
	"github.com/ariefcatur/go-pos-reconciler/internal/retry"
	"github.com/ariefcatur/go-pos-reconciler/internal/sales"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const moduleName = "audit"

const fallbackCap = 500

type Store interface {
	InsertSyncAttempt(ctx context.Context, a sales.SyncAttempt) error
	DeleteAuditRows(ctx context.Context, saleID string) error
	DeleteSaleLines(ctx context.Context, saleID string) error
	DeleteSale(ctx context.Context, saleID string) error
	UpdateSaleStatus(ctx context.Context, id string, from, to sales.SaleStatus) error
}

type Ledger interface {
	Restock(ctx context.Context, stockItemID string, amount decimal.Decimal) (sales.Quantity, error)
	AppendMovement(ctx context.Context, m sales.Movement) error
}

type Service struct {
	Store  Store
	Ledger Ledger
	Retry  retry.Policy
	Log    logrus.FieldLogger

	mu       sync.Mutex
	fallback []sales.SyncAttempt
}

func NewService(s Store, l Ledger, p retry.Policy, log logrus.FieldLogger) *Service {
	return &Service{Store: s, Ledger: l, Retry: p, Log: log}
}

// LogSuccess appends one success row. Write failures never reach the caller.
func (s *Service) LogSuccess(ctx context.Context, saleID string, itemCount int, storeID string, elapsed time.Duration) {
	s.write(ctx, sales.SyncAttempt{
		SaleID:         saleID,
		StoreID:        storeID,
		Operation:      sales.OpCommit,
		Status:         sales.SyncSuccess,
		ItemsProcessed: itemCount,
		ItemsTotal:     itemCount,
		Duration:       elapsed,
	})
}

// LogFailure appends one failed row for a commit that was not rolled back.
func (s *Service) LogFailure(ctx context.Context, saleID string, errs []error, storeID string, itemsAttempted int) {
	s.Record(ctx, sales.SyncAttempt{
		SaleID:     saleID,
		StoreID:    storeID,
		Operation:  sales.OpCommit,
		Status:     sales.SyncFailed,
		ItemsTotal: itemsAttempted,
		ErrorText:  joinErrors(errs),
	})
}

// Record appends an arbitrary attempt row, e.g. for repair runs. Same
// never-fail contract as LogSuccess.
func (s *Service) Record(ctx context.Context, a sales.SyncAttempt) {
	if a.Status == "" {
		a.Status = sales.SyncPending
	}
	s.write(ctx, a)
}

func (s *Service) write(ctx context.Context, a sales.SyncAttempt) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	err := s.Retry.Do(ctx, "insert sync attempt", func(ctx context.Context) error {
		return s.Store.InsertSyncAttempt(ctx, a)
	})
	if err == nil {
		return
	}
	werr := &sales.AuditWriteError{SaleID: a.SaleID, Err: err}
	logging.LogError(s.logger(), moduleName, "write", "sync attempt kept in fallback buffer", a, werr)

	a.CreatedAt = time.Now().UTC()
	s.mu.Lock()
	s.fallback = append(s.fallback, a)
	if len(s.fallback) > fallbackCap {
		s.fallback = s.fallback[len(s.fallback)-fallbackCap:]
	}
	s.mu.Unlock()
}

// Fallback returns the rows that could not be written, oldest first.
func (s *Service) Fallback() []sales.SyncAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sales.SyncAttempt(nil), s.fallback...)
}

// Step names, in execution order.
const (
	StepCompensate      = "compensate"
	StepDeleteAuditRows = "delete_audit_rows"
	StepDeleteSaleLines = "delete_sale_lines"
	StepDeleteSale      = "delete_sale"
	StepMarkRolledBack  = "mark_rolled_back"
)

type StepResult struct {
	Step string
	Err  error
}

type RollbackReport struct {
	SaleID      string
	Steps       []StepResult
	Compensated int
}

// Clean is true when every step went through.
func (r RollbackReport) Clean() bool {
	for _, st := range r.Steps {
		if st.Err != nil && st.Step != StepMarkRolledBack {
			return false
		}
	}
	return true
}

func (r RollbackReport) Failed() []StepResult {
	var out []StepResult
	for _, st := range r.Steps {
		if st.Err != nil {
			out = append(out, st)
		}
	}
	return out
}

// Rollback undoes a sale after a critical failure. It restores applied
// deductions, then deletes audit rows, lines and the sale in that order. A
// failing step is recorded and the next one still runs. Exactly one failed
// rollback row is written at the end, whatever the deletes did.
func (s *Service) Rollback(ctx context.Context, saleID string, errs []error, storeID string, applied []sales.Deduction) RollbackReport {
	rep := RollbackReport{SaleID: saleID}

	if len(applied) > 0 {
		n, cerrs := s.Compensate(ctx, saleID, storeID, applied)
		rep.Compensated = n
		rep.Steps = append(rep.Steps, StepResult{Step: StepCompensate, Err: errors.Join(cerrs...)})
	}

	steps := []struct {
		name string
		fn   func(context.Context, string) error
	}{
		{StepDeleteAuditRows, s.Store.DeleteAuditRows},
		{StepDeleteSaleLines, s.Store.DeleteSaleLines},
		{StepDeleteSale, s.Store.DeleteSale},
	}
	saleDeleted := false
	for _, st := range steps {
		fn := st.fn
		err := s.Retry.Do(ctx, st.name, func(ctx context.Context) error { return fn(ctx, saleID) })
		rep.Steps = append(rep.Steps, StepResult{Step: st.name, Err: err})
		if err != nil {
			logging.LogError(s.logger(), moduleName, "Rollback", st.name, saleID, err)
		} else if st.name == StepDeleteSale {
			saleDeleted = true
		}
	}
	if !saleDeleted {
		// leave a marker on whatever is left of the sale
		err := s.Store.UpdateSaleStatus(ctx, saleID, sales.StatusPending, sales.StatusRolledBack)
		rep.Steps = append(rep.Steps, StepResult{Step: StepMarkRolledBack, Err: err})
	}

	text := joinErrors(errs)
	if failed := rep.Failed(); len(failed) > 0 {
		parts := make([]string, 0, len(failed))
		for _, f := range failed {
			parts = append(parts, f.Step+": "+f.Err.Error())
		}
		text += " | rollback incomplete: " + strings.Join(parts, "; ")
	}
	s.write(ctx, sales.SyncAttempt{
		SaleID:         saleID,
		StoreID:        storeID,
		Operation:      sales.OpRollback,
		Status:         sales.SyncFailed,
		ItemsProcessed: len(applied),
		ItemsTotal:     len(applied),
		ErrorText:      text,
	})

	s.logger().WithFields(logrus.Fields{
		"sale_id":     saleID,
		"store_id":    storeID,
		"compensated": rep.Compensated,
		"clean":       rep.Clean(),
	}).Warn("sale rolled back")
	return rep
}

// Compensate gives back every applied deduction, newest first. A deduction
// whose movement was written gets a compensating movement so the movement
// log nets to zero for the sale.
func (s *Service) Compensate(ctx context.Context, saleID, storeID string, applied []sales.Deduction) (int, []error) {
	var errs []error
	n := 0
	for i := len(applied) - 1; i >= 0; i-- {
		d := applied[i]
		post, err := retry.Value(ctx, s.Retry, "restock", func(ctx context.Context) (sales.Quantity, error) {
			return s.Ledger.Restock(ctx, d.StockItemID, d.Amount)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("restock %s: %w", d.StockItemName, err))
			logging.LogError(s.logger(), moduleName, "Compensate", "restock", d, err)
			continue
		}
		n++
		if d.MovementID == "" {
			continue
		}
		m := sales.Movement{
			ID:             uuid.NewString(),
			SaleID:         saleID,
			StoreID:        storeID,
			StockItemID:    d.StockItemID,
			QuantityChange: d.Amount,
			Previous:       post.Total().Sub(d.Amount),
			New:            post.Total(),
			Reason:         sales.ReasonSaleRollback,
		}
		if err := s.Retry.Do(ctx, "append movement", func(ctx context.Context) error {
			return s.Ledger.AppendMovement(ctx, m)
		}); err != nil {
			errs = append(errs, fmt.Errorf("compensating movement %s: %w", d.StockItemName, err))
			logging.LogError(s.logger(), moduleName, "Compensate", "append movement", m, err)
		}
	}
	return n, errs
}

func joinErrors(errs []error) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		if e != nil {
			parts = append(parts, e.Error())
		}
	}
	return strings.Join(parts, "; ")
}

func (s *Service) logger() logrus.FieldLogger {
	if s.Log == nil {
		return logrus.StandardLogger()
	}
	return s.Log
}

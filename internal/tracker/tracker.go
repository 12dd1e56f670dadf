// Package tracker keeps the short-lived reconciliation state of each sale so
// checkout can answer before background work is final. It is a cache, not a
// record; audit rows are the durable trail.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending     Status = "pending"
	StatusReconciling Status = "reconciling"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:     {StatusReconciling: true, StatusFailed: true},
	StatusReconciling: {StatusCompleted: true, StatusFailed: true},
	StatusCompleted:   {},
	StatusFailed:      {},
}

func CanTransition(from, to Status) bool { return validNext[from][to] }

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

var (
	ErrNotFound          = errors.New("tracker: sale not tracked")
	ErrExists            = errors.New("tracker: sale already tracked")
	ErrInvalidTransition = errors.New("tracker: invalid transition")
)

type Result struct {
	ItemsProcessed int      `json:"items_processed"`
	ItemsTotal     int      `json:"items_total"`
	Warnings       []string `json:"warnings,omitempty"`
}

type State struct {
	SaleID      string     `json:"sale_id"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      *Result    `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

type Tracker interface {
	Create(ctx context.Context, saleID string) error
	StartReconciliation(ctx context.Context, saleID string) error
	Complete(ctx context.Context, saleID string, res Result) error
	Fail(ctx context.Context, saleID string, cause error) error
	IsReconciling(ctx context.Context, saleID string) (bool, error)
	Get(ctx context.Context, saleID string) (State, error)
	// Forget drops an entry whose commit never got to own the sale row.
	Forget(ctx context.Context, saleID string) error
	// Sweep drops expired terminal entries and returns how many went.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// TTLs after which terminal entries are forgotten.
type Retention struct {
	Completed time.Duration
	Failed    time.Duration
}

func DefaultRetention() Retention {
	return Retention{Completed: 5 * time.Minute, Failed: 30 * time.Minute}
}

func (r Retention) For(s Status) time.Duration {
	if s == StatusFailed {
		return r.Failed
	}
	return r.Completed
}

func transition(st *State, to Status, now time.Time) error {
	if !CanTransition(st.Status, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, st.SaleID, st.Status, to)
	}
	st.Status = to
	if to.Terminal() {
		t := now
		st.CompletedAt = &t
	}
	return nil
}

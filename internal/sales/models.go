package sales

import (
	"time"

	"github.com/shopspring/decimal"
)

type Sale struct {
	ID         string
	StoreID    string
	Lines      []SaleLine
	TotalCents int64
	Status     SaleStatus // lihat status.go
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SaleLine is immutable once the sale is stored.
type SaleLine struct {
	ProductID      string `json:"product_id" validate:"required"`
	ProductName    string `json:"product_name" validate:"required"`
	Quantity       int    `json:"quantity" validate:"required,gt=0"`
	UnitPriceCents int64  `json:"unit_price_cents" validate:"gte=0"`
}

func (s Sale) ComputeTotal() int64 {
	var total int64
	for _, l := range s.Lines {
		total += l.UnitPriceCents * int64(l.Quantity)
	}
	return total
}

type Recipe struct {
	ID          string
	StoreID     string
	ProductID   string
	Name        string
	ServingSize decimal.Decimal
	Active      bool
	Ingredients []RecipeIngredient // ordered by position
}

type RecipeIngredient struct {
	ID          string
	RecipeID    string
	Name        string
	Quantity    decimal.Decimal // per serving
	Unit        string
	StockItemID *string // nil = unresolved
}

// Quantity is a stock level split into whole units and a fractional
// serving remainder in [0, 1).
type Quantity struct {
	Whole      int64
	Fractional decimal.Decimal
}

func (q Quantity) Total() decimal.Decimal {
	return decimal.NewFromInt(q.Whole).Add(q.Fractional)
}

// SplitQuantity folds a combined total back into whole and fractional parts.
func SplitQuantity(total decimal.Decimal) Quantity {
	whole := total.Floor()
	return Quantity{Whole: whole.IntPart(), Fractional: total.Sub(whole)}
}

type StockItem struct {
	ID           string
	StoreID      string
	Name         string
	Unit         string
	Quantity     Quantity
	MinThreshold decimal.Decimal
	CostPerUnit  decimal.Decimal
	Active       bool
	UpdatedAt    time.Time
}

// Deduction is never stored on its own; it is folded into a Movement.
type Deduction struct {
	SaleID        string
	StoreID       string
	ProductID     string
	StockItemID   string
	StockItemName string
	Amount        decimal.Decimal
	Pre           decimal.Decimal
	Post          decimal.Decimal
	MovementID    string // empty when the movement write failed
}

type MovementReason string

const (
	ReasonSaleDeduction  MovementReason = "sale_deduction"
	ReasonSaleRollback   MovementReason = "sale_rollback"
	ReasonRepairBackfill MovementReason = "repair_backfill"
)

type Movement struct {
	ID             string
	SaleID         string
	StoreID        string
	StockItemID    string
	QuantityChange decimal.Decimal // signed
	Previous       decimal.Decimal
	New            decimal.Decimal
	Reason         MovementReason
	CreatedAt      time.Time
}

type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSuccess SyncStatus = "success"
	SyncPartial SyncStatus = "partial"
	SyncFailed  SyncStatus = "failed"
)

func (s SyncStatus) Terminal() bool { return s != SyncPending }

const (
	OpCommit   = "commit"
	OpRollback = "rollback"
	OpRepair   = "repair"
)

type SyncAttempt struct {
	ID             string        `json:"id"`
	SaleID         string        `json:"sale_id"`
	StoreID        string        `json:"store_id"`
	Operation      string        `json:"operation"`
	Status         SyncStatus    `json:"status"`
	ItemsProcessed int           `json:"items_processed"`
	ItemsTotal     int           `json:"items_total"`
	Duration       time.Duration `json:"duration"`
	ErrorText      string        `json:"error_text,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// ComplianceRecord is the per-sale tax-compliance log row.
type ComplianceRecord struct {
	SaleID     string
	StoreID    string
	TotalCents int64
	LineCount  int
	CreatedAt  time.Time
}

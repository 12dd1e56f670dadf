package sales

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// FailureKind is the taxonomy surfaced to audit rows and to the checkout.
type FailureKind string

const (
	KindCritical          FailureKind = "critical"
	KindInsufficientStock FailureKind = "insufficient_stock"
	KindTransport         FailureKind = "transport"
	KindNonCritical       FailureKind = "non_critical"
	KindValidation        FailureKind = "validation"
	KindResolution        FailureKind = "resolution"
)

var (
	ErrSaleNotFound      = errors.New("sale not found")
	ErrSaleExists        = errors.New("sale already exists")
	ErrStockItemNotFound = errors.New("stock item not found")
	ErrInvalidTransition = errors.New("invalid sale status transition")
)

// ValidationError rejects malformed input before any ledger mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Kind() FailureKind { return KindValidation }

type Shortfall struct {
	StockItemID string          `json:"stock_item_id"`
	Name        string          `json:"name"`
	Required    decimal.Decimal `json:"required"`
	Available   decimal.Decimal `json:"available"`
}

// InsufficientStockError lists every short ingredient of a sale, not just the first.
type InsufficientStockError struct {
	Items []Shortfall
}

func (e *InsufficientStockError) Error() string {
	return "insufficient stock: " + strings.Join(e.Names(), ", ")
}

func (e *InsufficientStockError) Kind() FailureKind { return KindInsufficientStock }

func (e *InsufficientStockError) Names() []string {
	names := make([]string, 0, len(e.Items))
	for _, it := range e.Items {
		names = append(names, it.Name)
	}
	return names
}

// TransportError marks a failure worth retrying (timeout, reset connection).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string     { return fmt.Sprintf("transport: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error     { return e.Err }
func (e *TransportError) Kind() FailureKind { return KindTransport }

type ResolutionError struct {
	ProductID string
	Err       error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve product %s: %v", e.ProductID, e.Err)
}
func (e *ResolutionError) Unwrap() error     { return e.Err }
func (e *ResolutionError) Kind() FailureKind { return KindResolution }

// AuditWriteError is always absorbed by the caller.
type AuditWriteError struct {
	SaleID string
	Err    error
}

func (e *AuditWriteError) Error() string {
	return fmt.Sprintf("audit write for sale %s: %v", e.SaleID, e.Err)
}
func (e *AuditWriteError) Unwrap() error     { return e.Err }
func (e *AuditWriteError) Kind() FailureKind { return KindNonCritical }

func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// KindOf classifies err. Anything unrecognised is critical.
func KindOf(err error) FailureKind {
	var (
		ve *ValidationError
		ie *InsufficientStockError
		te *TransportError
		re *ResolutionError
		ae *AuditWriteError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ie):
		return KindInsufficientStock
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &re):
		return KindResolution
	case errors.As(err, &ae):
		return KindNonCritical
	case errors.As(err, &te):
		return KindTransport
	default:
		return KindCritical
	}
}

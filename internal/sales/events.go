package sales

import (
	"encoding/json"
	"time"
)

const (
	EventSaleCompleted  = "SaleCompleted"
	EventSaleCommitted  = "SaleCommitted"
	EventSaleRolledBack = "SaleRolledBack"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // sale_id
	Payload       json.RawMessage `json:"payload"`
}

// SaleCompletedPayload is what checkout publishes once payment is accepted.
type SaleCompletedPayload struct {
	SaleID  string     `json:"sale_id" validate:"required"`
	StoreID string     `json:"store_id" validate:"required"`
	Lines   []SaleLine `json:"lines" validate:"required,min=1,dive"`
}

type SaleCommittedPayload struct {
	SaleID         string `json:"sale_id"`
	StoreID        string `json:"store_id"`
	ItemsProcessed int    `json:"items_processed"`
	ItemsTotal     int    `json:"items_total"`
}

type SaleRolledBackPayload struct {
	SaleID  string      `json:"sale_id"`
	StoreID string      `json:"store_id"`
	Kind    FailureKind `json:"kind"`
	Reasons []string    `json:"reasons,omitempty"`
}

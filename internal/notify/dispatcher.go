// Package notify publishes sale outcome events for downstream consumers
// (dashboards, low-stock alerts). Always a non-critical side effect.
package notify

import (
	"context"
	"time"

	kafkax "github.com/ariefcatur/go-pos-reconciler/internal/kafka"
	"github.com/ariefcatur/go-pos-reconciler/internal/sales"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
)

type Publisher interface {
	Publish(ctx context.Context, key, value []byte, headers ...kafkago.Header) error
}

type Dispatcher struct {
	Committed  Publisher // pos.sale.committed
	RolledBack Publisher // pos.sale.rolled_back
	Service    string
}

func (d *Dispatcher) SaleCommitted(ctx context.Context, p sales.SaleCommittedPayload, traceID string) error {
	return d.publish(ctx, d.Committed, sales.EventSaleCommitted, p.SaleID, traceID, p)
}

func (d *Dispatcher) SaleRolledBack(ctx context.Context, p sales.SaleRolledBackPayload, traceID string) error {
	return d.publish(ctx, d.RolledBack, sales.EventSaleRolledBack, p.SaleID, traceID, p)
}

func (d *Dispatcher) publish(ctx context.Context, pub Publisher, eventType, saleID, traceID string, payload any) error {
	if pub == nil {
		return nil
	}
	ev := sales.Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      d.Service,
		TraceID:       traceID,
		CorrelationID: saleID,
		Payload:       kafkax.MustMarshal(payload),
	}
	return pub.Publish(ctx, sales.PartitionKey(saleID), kafkax.MustMarshal(ev), kafkax.EventHeaders(eventType, 1)...)
}

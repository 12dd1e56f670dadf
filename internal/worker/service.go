// Package worker commits sales that arrive as pos.sale.completed events.
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	kafkax "github.com/ariefcatur/go-pos-reconciler/internal/kafka"
	"github.com/ariefcatur/go-pos-reconciler/internal/logging"
	"github.com/ariefcatur/go-pos-reconciler/internal/pipeline"
	"github.com/ariefcatur/go-pos-reconciler/internal/redisx"
	"github.com/ariefcatur/go-pos-reconciler/internal/sales"
	"github.com/ariefcatur/go-pos-reconciler/internal/validate"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

const moduleName = "worker"

type Committer interface {
	CommitSale(ctx context.Context, saleID string, lines []sales.SaleLine, storeID string) pipeline.CommitResult
}

type Service struct {
	Pipeline    Committer
	Redis       redis.Cmdable // dedup, optional
	ServiceName string
	Log         logrus.FieldLogger
}

// HandleSaleCompleted: dipasang sebagai handler consumer. Returning an error
// makes the consumer run it again, and holds back the partition's offset
// until it passes.
func (s *Service) HandleSaleCompleted(ctx context.Context, m kafkago.Message) error {
	// 1) decode envelope
	var env sales.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		logging.LogError(s.Log, moduleName, "HandleSaleCompleted", "decode envelope", string(m.Key), err)
		return nil // pesan rusak tidak akan pernah sukses
	}
	if env.EventType != sales.EventSaleCompleted {
		return nil
	} // ignore

	// 2) dedup via Redis (pakai event_id)
	if s.Redis != nil {
		if seen, _ := redisx.Exists(ctx, s.Redis, fmt.Sprintf(redisx.KeyDedup, s.ServiceName, env.EventID)); seen {
			return nil
		}
	}

	// 3) decode + validate payload
	p, err := kafkax.UnwrapPayload[sales.SaleCompletedPayload](env.Payload)
	if err == nil {
		err = validate.Check(p)
	}
	if err != nil {
		logging.LogError(s.Log, moduleName, "HandleSaleCompleted", "bad payload", env.EventID, err)
		s.markDone(ctx, env.EventID)
		return nil
	}

	// 4) commit
	res := s.Pipeline.CommitSale(ctx, p.SaleID, p.Lines, p.StoreID)
	if retryable(res) {
		return fmt.Errorf("commit sale %s: %s", p.SaleID, res.Message)
	}
	s.markDone(ctx, env.EventID)

	s.Log.WithFields(logrus.Fields{
		"event_id": env.EventID,
		"sale_id":  p.SaleID,
		"success":  res.Success,
		"kind":     res.Kind,
	}).Info("sale event handled")
	return nil
}

// retryable is true only when nothing was persisted, so running it again starts
// from scratch. A rolled back or duplicate sale is final.
func retryable(res pipeline.CommitResult) bool {
	if res.Success || res.RolledBack || res.Duplicate {
		return false
	}
	return res.Kind == sales.KindTransport || res.Kind == sales.KindCritical
}

func (s *Service) markDone(ctx context.Context, eventID string) {
	if s.Redis == nil || eventID == "" {
		return
	}
	if _, err := redisx.MarkOnce(ctx, s.Redis, s.ServiceName, eventID); err != nil {
		logging.LogError(s.Log, moduleName, "markDone", "dedup key", eventID, err)
	}
}

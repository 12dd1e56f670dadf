package worker

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	kafkax "github.com/ariefcatur/go-pos-reconciler/internal/kafka"
	"github.com/ariefcatur/go-pos-reconciler/internal/logging"
	"github.com/ariefcatur/go-pos-reconciler/internal/pipeline"
	"github.com/ariefcatur/go-pos-reconciler/internal/redisx"
	"github.com/ariefcatur/go-pos-reconciler/internal/sales"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCommitter struct {
	calls []string
	next  []pipeline.CommitResult
}

func (f *fakeCommitter) CommitSale(ctx context.Context, saleID string, lines []sales.SaleLine, storeID string) pipeline.CommitResult {
	f.calls = append(f.calls, saleID)
	if len(f.next) == 0 {
		return pipeline.CommitResult{Success: true, SaleID: saleID, Message: pipeline.MsgCompleted}
	}
	r := f.next[0]
	f.next = f.next[1:]
	return r
}

func newService(t *testing.T) (*Service, *fakeCommitter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	fc := &fakeCommitter{}
	return &Service{Pipeline: fc, Redis: rdb, ServiceName: "worker", Log: logging.Discard()}, fc, mr
}

func event(eventID, eventType string, payload any) kafkago.Message {
	env := sales.Envelope{EventID: eventID, EventType: eventType, EventVersion: 1, Payload: kafkax.MustMarshal(payload)}
	return kafkago.Message{Key: []byte("sale-1"), Value: kafkax.MustMarshal(env)}
}

func completed(saleID string) sales.SaleCompletedPayload {
	return sales.SaleCompletedPayload{SaleID: saleID, StoreID: "store-1", Lines: []sales.SaleLine{
		{ProductID: "p-1", ProductName: "Croffle", Quantity: 2, UnitPriceCents: 12500},
	}}
}

func TestHandle_CommitsOnceAndDedups(t *testing.T) {
	s, fc, mr := newService(t)
	m := event("evt-1", sales.EventSaleCompleted, completed("sale-1"))

	require.NoError(t, s.HandleSaleCompleted(context.Background(), m))
	require.NoError(t, s.HandleSaleCompleted(context.Background(), m))
	assert.Equal(t, []string{"sale-1"}, fc.calls)
	assert.True(t, mr.Exists(fmt.Sprintf(redisx.KeyDedup, "worker", "evt-1")))
}

func TestHandle_IgnoresOtherEventsAndGarbage(t *testing.T) {
	s, fc, _ := newService(t)
	require.NoError(t, s.HandleSaleCompleted(context.Background(), event("e", sales.EventSaleCommitted, completed("x"))))
	require.NoError(t, s.HandleSaleCompleted(context.Background(), kafkago.Message{Value: []byte("not json")}))
	assert.Empty(t, fc.calls)
}

func TestHandle_InvalidPayloadIsDropped(t *testing.T) {
	s, fc, mr := newService(t)
	bad := sales.SaleCompletedPayload{SaleID: "sale-2", StoreID: "store-1"}
	require.NoError(t, s.HandleSaleCompleted(context.Background(), event("evt-2", sales.EventSaleCompleted, bad)))
	assert.Empty(t, fc.calls)
	assert.True(t, mr.Exists(fmt.Sprintf(redisx.KeyDedup, "worker", "evt-2")))
}

func TestHandle_TransportFailureIsHandledAgain(t *testing.T) {
	s, fc, mr := newService(t)
	fc.next = []pipeline.CommitResult{{SaleID: "sale-3", Kind: sales.KindTransport, Message: pipeline.MsgSystemError}}
	m := event("evt-3", sales.EventSaleCompleted, completed("sale-3"))

	assert.Error(t, s.HandleSaleCompleted(context.Background(), m))
	assert.False(t, mr.Exists(fmt.Sprintf(redisx.KeyDedup, "worker", "evt-3")))

	require.NoError(t, s.HandleSaleCompleted(context.Background(), m))
	assert.Len(t, fc.calls, 2)
}

func TestHandle_RollbackIsFinal(t *testing.T) {
	s, fc, _ := newService(t)
	fc.next = []pipeline.CommitResult{{SaleID: "sale-4", Kind: sales.KindInsufficientStock, RolledBack: true}}
	require.NoError(t, s.HandleSaleCompleted(context.Background(), event("evt-4", sales.EventSaleCompleted, completed("sale-4"))))
}

func TestRetryable(t *testing.T) {
	assert.False(t, retryable(pipeline.CommitResult{Success: true}))
	assert.False(t, retryable(pipeline.CommitResult{Kind: sales.KindTransport, RolledBack: true}))
	assert.False(t, retryable(pipeline.CommitResult{Kind: sales.KindCritical, Duplicate: true}))
	assert.False(t, retryable(pipeline.CommitResult{Kind: sales.KindValidation}))
	assert.True(t, retryable(pipeline.CommitResult{Kind: sales.KindTransport}))
	assert.True(t, retryable(pipeline.CommitResult{Kind: sales.KindCritical}))
}

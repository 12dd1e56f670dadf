package repair

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-pos-reconciler/internal/audit"
	"github.com/ariefcatur/go-pos-reconciler/internal/deduction"
	"github.com/ariefcatur/go-pos-reconciler/internal/logging"
	"github.com/ariefcatur/go-pos-reconciler/internal/recipe"
	"github.com/ariefcatur/go-pos-reconciler/internal/redisx"
	"github.com/ariefcatur/go-pos-reconciler/internal/retry"
	"github.com/ariefcatur/go-pos-reconciler/internal/sales"
	"github.com/ariefcatur/go-pos-reconciler/internal/sales/memstore"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const store = "store-1"

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newRunner(t *testing.T, ms *memstore.Store, lk Locker) *Runner {
	t.Helper()
	log := logging.Discard()
	p := retry.Default()
	p.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	r := NewRunner(ms, ms,
		recipe.NewResolver(ms, p, log),
		deduction.NewExecutor(ms, p, log),
		audit.NewService(ms, ms, p, log),
		lk, 7, 100, log)
	r.Now = func() time.Time { return now }
	return r
}

func seed(ms *memstore.Store) (cup, beans sales.StockItem) {
	cup = ms.PutStockItem(sales.StockItem{StoreID: store, Name: "Cup", Quantity: sales.Quantity{Whole: 20, Fractional: decimal.Zero}})
	beans = ms.PutStockItem(sales.StockItem{StoreID: store, Name: "Coffee Beans", Quantity: sales.Quantity{Whole: 20, Fractional: decimal.Zero}})
	beansID := beans.ID
	ms.PutRecipe(sales.Recipe{StoreID: store, ProductID: "americano", Ingredients: []sales.RecipeIngredient{
		{Name: "cup", Quantity: decimal.NewFromInt(1)}, // unlinked, repair links it by name
		{Name: "Coffee Beans", Quantity: decimal.NewFromInt(2), StockItemID: &beansID},
	}})
	return cup, beans
}

func completedSale(ms *memstore.Store, id string, at time.Time, qty int) {
	ms.PutSale(sales.Sale{
		ID:        id,
		StoreID:   store,
		Status:    sales.StatusCompleted,
		CreatedAt: at,
		Lines:     []sales.SaleLine{{ProductID: "americano", ProductName: "Americano", Quantity: qty, UnitPriceCents: 4000}},
	})
}

func TestRun_LinksAndBackfills(t *testing.T) {
	ms := memstore.New()
	cup, beans := seed(ms)
	completedSale(ms, "s-1", now.Add(-48*time.Hour), 1)
	completedSale(ms, "s-2", now.Add(-24*time.Hour), 2)
	completedSale(ms, "s-old", now.AddDate(0, 0, -30), 1)

	sum, err := newRunner(t, ms, nil).Run(context.Background(), Request{StoreID: store, ProcessHistoricalTransactions: true})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.RecipesLinked)
	assert.Equal(t, 2, sum.TransactionsProcessed)
	assert.Equal(t, 4, sum.InventoryDeducted)
	assert.Empty(t, sum.Errors)

	c, _ := ms.StockItem(cup.ID)
	assert.Equal(t, int64(17), c.Quantity.Whole)
	b, _ := ms.StockItem(beans.ID)
	assert.Equal(t, int64(14), b.Quantity.Whole)

	mv := ms.Movements("s-2")
	require.Len(t, mv, 2)
	for _, m := range mv {
		assert.Equal(t, sales.ReasonRepairBackfill, m.Reason)
	}
	assert.Empty(t, ms.Movements("s-old"))

	rows := ms.SyncAttempts("s-1")
	require.Len(t, rows, 1)
	assert.Equal(t, sales.OpRepair, rows[0].Operation)
	assert.Equal(t, sales.SyncSuccess, rows[0].Status)
}

func TestRun_IsIdempotent(t *testing.T) {
	ms := memstore.New()
	cup, _ := seed(ms)
	completedSale(ms, "s-1", now.Add(-time.Hour), 3)
	r := newRunner(t, ms, nil)

	_, err := r.Run(context.Background(), Request{StoreID: store, ProcessHistoricalTransactions: true})
	require.NoError(t, err)
	before := len(ms.Movements("s-1"))
	c1, _ := ms.StockItem(cup.ID)

	sum, err := r.Run(context.Background(), Request{StoreID: store, ProcessHistoricalTransactions: true})
	require.NoError(t, err)
	assert.Zero(t, sum.TransactionsProcessed)
	assert.Zero(t, sum.RecipesLinked)
	assert.Len(t, ms.Movements("s-1"), before)
	c2, _ := ms.StockItem(cup.ID)
	assert.Equal(t, c1.Quantity.Whole, c2.Quantity.Whole)
}

func TestRun_CompensatedSaleIsRetriedOnNextRun(t *testing.T) {
	ms := memstore.New()
	cup, beans := seed(ms)
	completedSale(ms, "s-1", now.Add(-time.Hour), 1)
	r := newRunner(t, ms, nil)

	// cup goes through, beans keep timing out until retries run out
	ms.FailAfter(memstore.OpDecrement, 1, 3, nil)
	sum, err := r.Run(context.Background(), Request{StoreID: store, ProcessHistoricalTransactions: true})
	require.NoError(t, err)
	assert.Zero(t, sum.TransactionsProcessed)
	require.Len(t, sum.Errors, 1)

	mv := ms.Movements("s-1")
	require.Len(t, mv, 2)
	assert.Equal(t, sales.ReasonRepairBackfill, mv[0].Reason)
	assert.Equal(t, sales.ReasonSaleRollback, mv[1].Reason)
	c, _ := ms.StockItem(cup.ID)
	assert.Equal(t, int64(20), c.Quantity.Whole)

	sum, err = r.Run(context.Background(), Request{StoreID: store, ProcessHistoricalTransactions: true})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.TransactionsProcessed)
	assert.Equal(t, 2, sum.InventoryDeducted)
	assert.Empty(t, sum.Errors)

	c, _ = ms.StockItem(cup.ID)
	assert.Equal(t, int64(19), c.Quantity.Whole)
	b, _ := ms.StockItem(beans.ID)
	assert.Equal(t, int64(18), b.Quantity.Whole)

	// and a third run leaves it alone
	sum, err = r.Run(context.Background(), Request{StoreID: store, ProcessHistoricalTransactions: true})
	require.NoError(t, err)
	assert.Zero(t, sum.TransactionsProcessed)
	assert.Len(t, ms.Movements("s-1"), 4)
}

func TestRun_HistoryOffOnlyLinks(t *testing.T) {
	ms := memstore.New()
	seed(ms)
	completedSale(ms, "s-1", now.Add(-time.Hour), 1)

	sum, err := newRunner(t, ms, nil).Run(context.Background(), Request{StoreID: store})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.RecipesLinked)
	assert.Zero(t, sum.TransactionsProcessed)
	assert.Empty(t, ms.Movements("s-1"))
	assert.Zero(t, ms.Calls(memstore.OpScanMissing))
}

func TestRun_InsufficientSaleIsReportedAndLeftUntouched(t *testing.T) {
	ms := memstore.New()
	cup, beans := seed(ms)
	completedSale(ms, "s-big", now.Add(-2*time.Hour), 15) // needs 30 beans
	completedSale(ms, "s-small", now.Add(-time.Hour), 1)

	sum, err := newRunner(t, ms, nil).Run(context.Background(), Request{StoreID: store, ProcessHistoricalTransactions: true})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.TransactionsProcessed)
	require.Len(t, sum.Errors, 1)
	assert.Contains(t, sum.Errors[0], "s-big")
	assert.Contains(t, sum.Errors[0], "Coffee Beans")

	assert.Empty(t, ms.Movements("s-big"))
	c, _ := ms.StockItem(cup.ID)
	assert.Equal(t, int64(19), c.Quantity.Whole)
	b, _ := ms.StockItem(beans.ID)
	assert.Equal(t, int64(18), b.Quantity.Whole)

	rows := ms.SyncAttempts("s-big")
	require.Len(t, rows, 1)
	assert.Equal(t, sales.SyncFailed, rows[0].Status)
}

func TestRun_UnmatchedProductIsWarning(t *testing.T) {
	ms := memstore.New()
	seed(ms)
	ms.PutSale(sales.Sale{
		ID: "s-gift", StoreID: store, Status: sales.StatusCompleted, CreatedAt: now.Add(-time.Hour),
		Lines: []sales.SaleLine{{ProductID: "gift", ProductName: "Gift Card", Quantity: 1}},
	})

	sum, err := newRunner(t, ms, nil).Run(context.Background(), Request{StoreID: store, ProcessHistoricalTransactions: true})
	require.NoError(t, err)
	assert.Zero(t, sum.TransactionsProcessed)
	require.Len(t, sum.Warnings, 1)
	assert.Contains(t, sum.Warnings[0], "Gift Card")
}

func TestRun_RejectsMissingStore(t *testing.T) {
	ms := memstore.New()
	_, err := newRunner(t, ms, nil).Run(context.Background(), Request{})
	require.Error(t, err)
	assert.Equal(t, sales.KindValidation, sales.KindOf(err))
}

func TestRun_OneRunPerStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	lk := redisx.NewLocker(rdb)

	held, err := lk.LockRepair(context.Background(), store)
	require.NoError(t, err)

	ms := memstore.New()
	seed(ms)
	r := newRunner(t, ms, lk)
	_, err = r.Run(context.Background(), Request{StoreID: store})
	assert.ErrorIs(t, err, redisx.ErrRepairRunning)
	assert.Zero(t, ms.Calls(memstore.OpLinkIngredients))

	held.Release(context.Background())
	_, err = r.Run(context.Background(), Request{StoreID: store})
	assert.NoError(t, err)
	assert.Equal(t, 1, ms.Calls(memstore.OpLinkIngredients))
}

func TestRun_InvalidatesTouchedStockLevels(t *testing.T) {
	ms := memstore.New()
	cup, beans := seed(ms)
	completedSale(ms, "s-1", now.Add(-time.Hour), 1)
	r := newRunner(t, ms, nil)

	var seen [][]string
	r.Invalidate = func(ctx context.Context, storeID, saleID string, ids []string) error {
		assert.Equal(t, store, storeID)
		assert.Equal(t, "s-1", saleID)
		seen = append(seen, ids)
		return nil
	}

	_, err := r.Run(context.Background(), Request{StoreID: store, ProcessHistoricalTransactions: true})
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.ElementsMatch(t, []string{cup.ID, beans.ID}, seen[0])

	// nothing left to backfill, nothing to drop
	_, err = r.Run(context.Background(), Request{StoreID: store, ProcessHistoricalTransactions: true})
	require.NoError(t, err)
	assert.Len(t, seen, 1)
}

// slowDeductor lets the clock run past most of a lock TTL on every sale and
// checks that nobody else can take the store meanwhile.
type slowDeductor struct {
	Deductor
	mr      *miniredis.Miniredis
	lk      *redisx.Locker
	stolen  int
	settled int
}

func (s *slowDeductor) DeductSale(ctx context.Context, saleID, storeID string, lines []deduction.Line) (deduction.Outcome, error) {
	s.mr.FastForward(redisx.TTLRepairLock - time.Minute)
	if l, err := s.lk.LockRepair(ctx, storeID); err == nil {
		s.stolen++
		l.Release(ctx)
	}
	s.settled++
	return s.Deductor.DeductSale(ctx, saleID, storeID, lines)
}

func TestRun_LongBatchKeepsTheLock(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	lk := redisx.NewLocker(rdb)

	ms := memstore.New()
	seed(ms)
	for i, id := range []string{"s-1", "s-2", "s-3"} {
		completedSale(ms, id, now.Add(-time.Duration(3-i)*time.Hour), 1)
	}
	r := newRunner(t, ms, lk)
	sd := &slowDeductor{Deductor: r.Deductor, mr: mr, lk: lk}
	r.Deductor = sd

	sum, err := r.Run(context.Background(), Request{StoreID: store, ProcessHistoricalTransactions: true})
	require.NoError(t, err)
	assert.Equal(t, 3, sum.TransactionsProcessed)
	assert.Equal(t, 3, sd.settled)
	assert.Zero(t, sd.stolen)
}

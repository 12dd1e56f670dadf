package deduction

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-pos-reconciler/internal/logging"
	"github.com/ariefcatur/go-pos-reconciler/internal/recipe"
	"github.com/ariefcatur/go-pos-reconciler/internal/retry"
	"github.com/ariefcatur/go-pos-reconciler/internal/sales"
	"github.com/ariefcatur/go-pos-reconciler/internal/sales/memstore"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const store = "store-1"

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func setup(t *testing.T) (*Executor, *memstore.Store) {
	t.Helper()
	ms := memstore.New()
	p := retry.Default()
	p.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return NewExecutor(ms, p, logging.Discard()), ms
}

func stock(ms *memstore.Store, name string, whole int64, frac string) sales.StockItem {
	return ms.PutStockItem(sales.StockItem{
		StoreID:  store,
		Name:     name,
		Quantity: sales.Quantity{Whole: whole, Fractional: dec(frac)},
	})
}

func ingredient(it sales.StockItem, qty string) recipe.ResolvedIngredient {
	return recipe.ResolvedIngredient{ProductID: "p-1", Name: it.Name, Quantity: dec(qty), StockItem: &it}
}

func TestDeduct_WhippedCreamHalfServings(t *testing.T) {
	ex, ms := setup(t)
	cream := stock(ms, "Whipped Cream", 10, "0")

	out, err := ex.Deduct(context.Background(), "sale-1", store, []recipe.ResolvedIngredient{ingredient(cream, "0.5")}, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, out.ItemsProcessed)
	assert.Equal(t, 1, out.ItemsTotal)

	it, _ := ms.StockItem(cream.ID)
	assert.Equal(t, int64(9), it.Quantity.Whole)
	assert.True(t, it.Quantity.Fractional.IsZero())

	mv := ms.Movements("sale-1")
	require.Len(t, mv, 1)
	assert.True(t, mv[0].QuantityChange.Equal(dec("-1")), mv[0].QuantityChange.String())
	assert.True(t, mv[0].Previous.Equal(dec("10")))
	assert.True(t, mv[0].New.Equal(dec("9")))
	assert.Equal(t, sales.ReasonSaleDeduction, mv[0].Reason)
}

func TestDeduct_FractionalAllowListSplitsRemainder(t *testing.T) {
	ex, ms := setup(t)
	croissant := stock(ms, "Regular Croissant", 5, "0")

	_, err := ex.Deduct(context.Background(), "sale-2", store, []recipe.ResolvedIngredient{ingredient(croissant, "0.5")}, 3)
	require.NoError(t, err)

	it, _ := ms.StockItem(croissant.ID)
	assert.Equal(t, int64(3), it.Quantity.Whole)
	assert.True(t, it.Quantity.Fractional.Equal(dec("0.5")), it.Quantity.Fractional.String())
	assert.True(t, it.Quantity.Total().Equal(dec("3.5")))
}

func TestDeduct_FractionalOutsideAllowListIsValidationError(t *testing.T) {
	ex, ms := setup(t)
	cup := stock(ms, "Cup 16oz", 50, "0")

	out, err := ex.Deduct(context.Background(), "sale-3", store, []recipe.ResolvedIngredient{ingredient(cup, "0.5")}, 3)
	var ve *sales.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, sales.KindValidation, sales.KindOf(err))
	assert.Empty(t, out.Applied)
	assert.Empty(t, ms.Movements("sale-3"))
	assert.Zero(t, ms.Calls(memstore.OpDecrement))
}

func TestDeduct_FractionalPerServingIsRejectedEvenWhenTotalIsWhole(t *testing.T) {
	ex, ms := setup(t)
	cup := stock(ms, "Cup 16oz", 50, "0")

	_, err := ex.Deduct(context.Background(), "sale-4", store, []recipe.ResolvedIngredient{ingredient(cup, "0.5")}, 4)
	var ve *sales.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Reason, "0.5")
	it, _ := ms.StockItem(cup.ID)
	assert.Equal(t, int64(50), it.Quantity.Whole)
	assert.Empty(t, ms.Movements("sale-4"))
}

func TestDeduct_GlazeInsufficientWritesNothing(t *testing.T) {
	ex, ms := setup(t)
	sugar := stock(ms, "Sugar Syrup", 100, "0")
	glaze := stock(ms, "Glaze Powder", 0, "0")

	out, err := ex.Deduct(context.Background(), "sale-5", store, []recipe.ResolvedIngredient{
		ingredient(sugar, "1"),
		ingredient(glaze, "20"),
	}, 1)
	var ie *sales.InsufficientStockError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, []string{"Glaze Powder"}, ie.Names())
	assert.Equal(t, "insufficient stock: Glaze Powder", err.Error())
	assert.Len(t, out.InsufficientItems, 1)
	assert.Empty(t, out.Applied)
	assert.Empty(t, ms.Movements("sale-5"))

	it, _ := ms.StockItem(sugar.ID)
	assert.Equal(t, int64(100), it.Quantity.Whole)
}

func TestDeductSale_ReportsEveryShortfallAcrossLines(t *testing.T) {
	ex, ms := setup(t)
	milk := stock(ms, "Milk", 1, "0")
	beans := stock(ms, "Coffee Beans", 0, "0")
	cups := stock(ms, "Cup", 10, "0")

	_, err := ex.DeductSale(context.Background(), "sale-6", store, []Line{
		{ProductID: "latte", Quantity: 1, Ingredients: []recipe.ResolvedIngredient{ingredient(milk, "1"), ingredient(cups, "1")}},
		{ProductID: "flat-white", Quantity: 1, Ingredients: []recipe.ResolvedIngredient{ingredient(milk, "1"), ingredient(beans, "1")}},
	})
	var ie *sales.InsufficientStockError
	require.ErrorAs(t, err, &ie)
	assert.ElementsMatch(t, []string{"Milk", "Coffee Beans"}, ie.Names())
	assert.True(t, ie.Items[0].Required.Equal(dec("2")))
	assert.Zero(t, ms.Calls(memstore.OpDecrement))
}

func TestDeduct_UnresolvedIngredientIsWarningOnly(t *testing.T) {
	ex, ms := setup(t)
	cup := stock(ms, "Cup", 10, "0")

	out, err := ex.Deduct(context.Background(), "sale-7", store, []recipe.ResolvedIngredient{
		ingredient(cup, "1"),
		{ProductID: "p-1", Name: "Vanilla Syrup", Quantity: dec("1")},
	}, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, out.ItemsTotal)
	require.Len(t, out.Warnings, 1)
	assert.Contains(t, out.Warnings[0], "Vanilla Syrup")
}

func TestDeduct_MovementsFollowListedOrder(t *testing.T) {
	ex, ms := setup(t)
	a := stock(ms, "Cup", 10, "0")
	b := stock(ms, "Lid", 10, "0")
	c := stock(ms, "Straw", 10, "0")

	_, err := ex.Deduct(context.Background(), "sale-8", store, []recipe.ResolvedIngredient{
		ingredient(c, "1"), ingredient(a, "1"), ingredient(b, "1"),
	}, 2)
	require.NoError(t, err)

	mv := ms.Movements("sale-8")
	require.Len(t, mv, 3)
	assert.Equal(t, []string{c.ID, a.ID, b.ID}, []string{mv[0].StockItemID, mv[1].StockItemID, mv[2].StockItemID})
}

func TestDeduct_TransportRetriedThenSucceeds(t *testing.T) {
	ex, ms := setup(t)
	cup := stock(ms, "Cup", 10, "0")
	ms.FailNext(memstore.OpDecrement, 2, nil)

	out, err := ex.Deduct(context.Background(), "sale-9", store, []recipe.ResolvedIngredient{ingredient(cup, "1")}, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, out.ItemsProcessed)
	assert.Equal(t, 3, ms.Calls(memstore.OpDecrement))
}

func TestDeduct_TransportExhaustedKeepsAppliedForCompensation(t *testing.T) {
	ex, ms := setup(t)
	cup := stock(ms, "Cup", 10, "0")
	lid := stock(ms, "Lid", 10, "0")
	// first decrement passes, then the ledger drops out
	calls := 0
	ex.Ledger = &flakyLedger{Store: ms, after: 1, calls: &calls}

	out, err := ex.Deduct(context.Background(), "sale-10", store, []recipe.ResolvedIngredient{
		ingredient(cup, "1"), ingredient(lid, "1"),
	}, 1)
	require.Error(t, err)
	assert.True(t, sales.IsTransport(err))
	assert.Equal(t, sales.KindTransport, sales.KindOf(err))
	require.Len(t, out.Applied, 1)
	assert.Equal(t, cup.ID, out.Applied[0].StockItemID)
	assert.NotEmpty(t, out.Applied[0].MovementID)
	assert.NotEmpty(t, out.TransportErrors)
	assert.Equal(t, 1, out.ItemsProcessed)
	assert.Equal(t, 2, out.ItemsTotal)
}

type flakyLedger struct {
	*memstore.Store
	after int
	calls *int
}

func (f *flakyLedger) ConditionalDecrement(ctx context.Context, opID, id string, amount decimal.Decimal) (sales.DecrementResult, error) {
	*f.calls++
	if *f.calls > f.after {
		return sales.DecrementResult{}, &sales.TransportError{Op: "conditional decrement", Err: context.DeadlineExceeded}
	}
	return f.Store.ConditionalDecrement(ctx, opID, id, amount)
}

// lostReplyLedger applies the first decrement but loses the reply, as a
// timeout after the server committed would.
type lostReplyLedger struct {
	*memstore.Store
	lost bool
}

func (l *lostReplyLedger) ConditionalDecrement(ctx context.Context, opID, id string, amount decimal.Decimal) (sales.DecrementResult, error) {
	res, err := l.Store.ConditionalDecrement(ctx, opID, id, amount)
	if err == nil && !l.lost {
		l.lost = true
		return sales.DecrementResult{}, &sales.TransportError{Op: "conditional decrement", Err: context.DeadlineExceeded}
	}
	return res, err
}

func TestDeduct_RetryAfterLostReplyDecrementsOnce(t *testing.T) {
	ex, ms := setup(t)
	cup := stock(ms, "Cup", 10, "0")
	ex.Ledger = &lostReplyLedger{Store: ms}

	out, err := ex.Deduct(context.Background(), "sale-lr", store, []recipe.ResolvedIngredient{ingredient(cup, "2")}, 1)
	require.NoError(t, err)
	require.Len(t, out.Applied, 1)
	assert.Equal(t, 2, ms.Calls(memstore.OpDecrement))

	it, _ := ms.StockItem(cup.ID)
	assert.Equal(t, int64(8), it.Quantity.Whole)
	mv := ms.Movements("sale-lr")
	require.Len(t, mv, 1)
	assert.True(t, mv[0].New.Equal(decimal.NewFromInt(8)))
	assert.Equal(t, out.Applied[0].MovementID, mv[0].ID)
}

func TestDeduct_ConcurrentSalesNeverGoNegative(t *testing.T) {
	for run := 0; run < 20; run++ {
		ex, ms := setup(t)
		item := stock(ms, "Donut", 5, "0")

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = ex.Deduct(context.Background(), []string{"sale-a", "sale-b"}[i], store,
					[]recipe.ResolvedIngredient{ingredient(item, "3")}, 1)
			}(i)
		}
		wg.Wait()

		ok, short := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case sales.KindOf(err) == sales.KindInsufficientStock:
				short++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, ok)
		assert.Equal(t, 1, short)

		it, _ := ms.StockItem(item.ID)
		assert.True(t, it.Quantity.Total().Equal(dec("2")), it.Quantity.Total().String())
	}
}

func TestDeduct_NonPositiveLineQuantityRejected(t *testing.T) {
	ex, ms := setup(t)
	cup := stock(ms, "Cup", 10, "0")

	_, err := ex.Deduct(context.Background(), "sale-11", store, []recipe.ResolvedIngredient{ingredient(cup, "1")}, 0)
	var ve *sales.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestWithReason_StampsMovements(t *testing.T) {
	ex, ms := setup(t)
	cup := stock(ms, "Cup", 10, "0")

	_, err := ex.WithReason(sales.ReasonRepairBackfill).Deduct(context.Background(), "sale-12", store,
		[]recipe.ResolvedIngredient{ingredient(cup, "1")}, 1)
	require.NoError(t, err)
	mv := ms.Movements("sale-12")
	require.Len(t, mv, 1)
	assert.Equal(t, sales.ReasonRepairBackfill, mv[0].Reason)
	assert.Equal(t, sales.ReasonSaleDeduction, ex.Reason)
}

func TestAllowsFractional(t *testing.T) {
	assert.True(t, AllowsFractional("Whipped Cream"))
	assert.True(t, AllowsFractional("REGULAR CROISSANT"))
	assert.True(t, AllowsFractional("Mini Marshmallow"))
	assert.False(t, AllowsFractional("Glaze Powder"))
	assert.False(t, AllowsFractional("Cup 16oz"))
}

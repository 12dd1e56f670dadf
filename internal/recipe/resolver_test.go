package recipe

import (
	"context"
	"testing"
	"time"

	"github.com/ariefcatur/go-pos-reconciler/internal/logging"
	"github.com/ariefcatur/go-pos-reconciler/internal/retry"
	"github.com/ariefcatur/go-pos-reconciler/internal/sales"
	"github.com/ariefcatur/go-pos-reconciler/internal/sales/memstore"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const store = "store-1"

func newResolver(t *testing.T) (*Resolver, *memstore.Store) {
	t.Helper()
	ms := memstore.New()
	p := retry.Default()
	p.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return NewResolver(ms, p, logging.Discard()), ms
}

func ptr(s string) *string { return &s }

func TestResolve_RecipeKeepsOrderAndUnresolved(t *testing.T) {
	r, ms := newResolver(t)
	cream := ms.PutStockItem(sales.StockItem{StoreID: store, Name: "Whipped Cream", Unit: "serving"})
	cup := ms.PutStockItem(sales.StockItem{StoreID: store, Name: "Cup 16oz"})
	ms.PutRecipe(sales.Recipe{
		StoreID:   store,
		ProductID: "p-latte",
		Name:      "Iced Latte",
		Ingredients: []sales.RecipeIngredient{
			{Name: "Cup 16oz", Quantity: decimal.NewFromInt(1), Unit: "pieces", StockItemID: ptr(cup.ID)},
			{Name: "Espresso Shot", Quantity: decimal.NewFromInt(2), Unit: "shot"},
			{Name: "Whipped Cream", Quantity: decimal.RequireFromString("0.5"), Unit: "serving", StockItemID: ptr(cream.ID)},
		},
	})

	got, err := r.Resolve(context.Background(), "p-latte", "Iced Latte", store)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "Cup 16oz", got[0].Name)
	require.True(t, got[0].Resolved())
	assert.Equal(t, cup.ID, got[0].StockItem.ID)

	assert.Equal(t, "Espresso Shot", got[1].Name)
	assert.False(t, got[1].Resolved())

	assert.True(t, got[2].Quantity.Equal(decimal.RequireFromString("0.5")))
	assert.Equal(t, cream.ID, got[2].StockItem.ID)
	assert.False(t, got[2].Fallback)
}

func TestResolve_ReferenceToOtherStoreIsUnresolved(t *testing.T) {
	r, ms := newResolver(t)
	foreign := ms.PutStockItem(sales.StockItem{StoreID: "store-2", Name: "Milk"})
	ms.PutRecipe(sales.Recipe{
		StoreID:     store,
		ProductID:   "p-milk",
		Ingredients: []sales.RecipeIngredient{{Name: "Milk", Quantity: decimal.NewFromInt(1), StockItemID: ptr(foreign.ID)}},
	})

	got, err := r.Resolve(context.Background(), "p-milk", "Milk Tea", store)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Nil(t, got[0].StockItem)
}

func TestResolve_FallbackSubstringMatch(t *testing.T) {
	r, ms := newResolver(t)
	it := ms.PutStockItem(sales.StockItem{StoreID: store, Name: "Bottled Water 500ml"})

	got, err := r.Resolve(context.Background(), "p-water", "bottled water", store)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Fallback)
	assert.Equal(t, it.ID, got[0].StockItem.ID)
	assert.True(t, got[0].Quantity.Equal(decimal.NewFromInt(1)))
}

func TestResolve_FallbackPrefersExactName(t *testing.T) {
	r, ms := newResolver(t)
	ms.PutStockItem(sales.StockItem{StoreID: store, Name: "Chocolate Croissant"})
	plain := ms.PutStockItem(sales.StockItem{StoreID: store, Name: "Croissant"})

	got, err := r.Resolve(context.Background(), "p-croissant", "croissant", store)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, plain.ID, got[0].StockItem.ID)
}

func TestResolve_NoMatchIsEmptyNotError(t *testing.T) {
	r, ms := newResolver(t)
	ms.PutStockItem(sales.StockItem{StoreID: store, Name: "Sugar"})

	got, err := r.Resolve(context.Background(), "p-x", "Mystery Box", store)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestResolve_TransportFailureIsResolutionError(t *testing.T) {
	r, ms := newResolver(t)
	ms.FailNext(memstore.OpActiveRecipe, 10, nil)

	_, err := r.Resolve(context.Background(), "p-latte", "Iced Latte", store)
	var re *sales.ResolutionError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "p-latte", re.ProductID)
	assert.Equal(t, sales.KindResolution, sales.KindOf(err))
	assert.Equal(t, 3, ms.Calls(memstore.OpActiveRecipe))
}

func TestResolve_TransientFailureIsRetried(t *testing.T) {
	r, ms := newResolver(t)
	it := ms.PutStockItem(sales.StockItem{StoreID: store, Name: "Donut"})
	ms.FailNext(memstore.OpFindStockItems, 1, nil)

	got, err := r.Resolve(context.Background(), "p-donut", "Donut", store)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, it.ID, got[0].StockItem.ID)
}

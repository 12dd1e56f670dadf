// Package recipe maps a sold product to the stock it consumes.
package recipe

import (
	"context"
	"strings"

	"github.com/ariefcatur/go-pos-reconciler/internal/retry"
	"github.com/ariefcatur/go-pos-reconciler/internal/sales"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Catalog is the read side of the stock ledger the resolver needs.
type Catalog interface {
	ActiveRecipe(ctx context.Context, productID, storeID string) (*sales.Recipe, error)
	StockItemsByID(ctx context.Context, storeID string, ids []string) (map[string]sales.StockItem, error)
	FindStockItemsByName(ctx context.Context, storeID, fragment string) ([]sales.StockItem, error)
}

// ResolvedIngredient is one entry to deduct per unit sold. StockItem is nil
// when the recipe ingredient has no usable stock reference.
type ResolvedIngredient struct {
	ProductID string
	Name      string
	Quantity  decimal.Decimal // per unit sold
	Unit      string
	StockItem *sales.StockItem
	Fallback  bool // came from the product-name match, not a recipe
}

func (r ResolvedIngredient) Resolved() bool { return r.StockItem != nil }

type Resolver struct {
	Catalog Catalog
	Retry   retry.Policy
	Log     logrus.FieldLogger
}

func NewResolver(c Catalog, p retry.Policy, log logrus.FieldLogger) *Resolver {
	return &Resolver{Catalog: c, Retry: p, Log: log}
}

// Resolve returns the ordered ingredient list for productID in storeID.
// Products without an active recipe fall back to a stock item whose name
// contains productName, one unit per unit sold. No match is an empty list,
// not an error; only read failures return a ResolutionError.
func (r *Resolver) Resolve(ctx context.Context, productID, productName, storeID string) ([]ResolvedIngredient, error) {
	rc, err := retry.Value(ctx, r.Retry, "get recipe", func(ctx context.Context) (*sales.Recipe, error) {
		return r.Catalog.ActiveRecipe(ctx, productID, storeID)
	})
	if err != nil {
		return nil, &sales.ResolutionError{ProductID: productID, Err: err}
	}
	if rc == nil {
		return r.fallback(ctx, productID, productName, storeID)
	}

	ids := make([]string, 0, len(rc.Ingredients))
	for _, ing := range rc.Ingredients {
		if ing.StockItemID != nil {
			ids = append(ids, *ing.StockItemID)
		}
	}
	items, err := retry.Value(ctx, r.Retry, "get stock items", func(ctx context.Context) (map[string]sales.StockItem, error) {
		return r.Catalog.StockItemsByID(ctx, storeID, ids)
	})
	if err != nil {
		return nil, &sales.ResolutionError{ProductID: productID, Err: err}
	}

	out := make([]ResolvedIngredient, 0, len(rc.Ingredients))
	for _, ing := range rc.Ingredients {
		ri := ResolvedIngredient{
			ProductID: productID,
			Name:      ing.Name,
			Quantity:  ing.Quantity,
			Unit:      ing.Unit,
		}
		if ing.StockItemID != nil {
			if it, ok := items[*ing.StockItemID]; ok {
				ri.StockItem = &it
			}
		}
		if ri.StockItem == nil && r.Log != nil {
			r.Log.WithFields(logrus.Fields{
				"product_id": productID,
				"store_id":   storeID,
				"ingredient": ing.Name,
			}).Warn("recipe ingredient has no stock item")
		}
		out = append(out, ri)
	}
	return out, nil
}

// fallback keeps the name heuristic: an exact case-insensitive name wins,
// otherwise the first substring match. Two items sharing a word can still
// resolve to the wrong one.
func (r *Resolver) fallback(ctx context.Context, productID, productName, storeID string) ([]ResolvedIngredient, error) {
	name := strings.TrimSpace(productName)
	if name == "" {
		return nil, nil
	}
	cands, err := retry.Value(ctx, r.Retry, "find stock items", func(ctx context.Context) ([]sales.StockItem, error) {
		return r.Catalog.FindStockItemsByName(ctx, storeID, name)
	})
	if err != nil {
		return nil, &sales.ResolutionError{ProductID: productID, Err: err}
	}
	if len(cands) == 0 {
		return nil, nil
	}
	pick := cands[0]
	for _, c := range cands {
		if strings.EqualFold(c.Name, name) {
			pick = c
			break
		}
	}
	return []ResolvedIngredient{{
		ProductID: productID,
		Name:      pick.Name,
		Quantity:  decimal.NewFromInt(1),
		Unit:      pick.Unit,
		StockItem: &pick,
		Fallback:  true,
	}}, nil
}

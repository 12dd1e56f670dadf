package sales

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// LedgerRepo is the stock ledger: stock items, recipes and the movement log.
type LedgerRepo struct{ DB *pgxpool.Pool }

type DecrementResult struct {
	Success  bool
	Previous Quantity
	New      Quantity
}

const stockItemCols = `id::text, store_id, name, unit, stock_quantity, fractional_stock::text,
	minimum_threshold::text, cost_per_unit::text, is_active, updated_at`

func scanStockItem(row pgx.Row) (StockItem, error) {
	var (
		it                  StockItem
		frac, minimum, cost string
	)
	if err := row.Scan(&it.ID, &it.StoreID, &it.Name, &it.Unit, &it.Quantity.Whole, &frac,
		&minimum, &cost, &it.Active, &it.UpdatedAt); err != nil {
		return StockItem{}, err
	}
	it.Quantity.Fractional = decimal.RequireFromString(frac)
	it.MinThreshold = decimal.RequireFromString(minimum)
	it.CostPerUnit = decimal.RequireFromString(cost)
	return it, nil
}

func (r *LedgerRepo) GetQuantity(ctx context.Context, stockItemID string) (Quantity, error) {
	var q Quantity
	var frac string
	err := r.DB.QueryRow(ctx, `
		SELECT stock_quantity, fractional_stock::text FROM stock_items WHERE id=$1`, stockItemID).
		Scan(&q.Whole, &frac)
	if errors.Is(err, pgx.ErrNoRows) {
		return Quantity{}, ErrStockItemNotFound
	}
	if err != nil {
		return Quantity{}, wrapPG("get quantity", err)
	}
	q.Fractional = decimal.RequireFromString(frac)
	return q, nil
}

// ConditionalDecrement subtracts amount in a single statement guarded by
// total >= amount. Zero affected rows means the stock was not there.
// opID makes it idempotent: the applied decrement is recorded under opID in
// the same statement, and a repeat call returns that record instead of
// decrementing again.
func (r *LedgerRepo) ConditionalDecrement(ctx context.Context, opID, stockItemID string, amount decimal.Decimal) (DecrementResult, error) {
	var newTotal string
	err := r.DB.QueryRow(ctx, `
		WITH prior AS (
			SELECT new_total FROM stock_decrements WHERE op_id = $3
		), upd AS (
			UPDATE stock_items
			SET stock_quantity   = floor((stock_quantity + fractional_stock) - $2::numeric)::integer,
			    fractional_stock = ((stock_quantity + fractional_stock) - $2::numeric)
			                       - floor((stock_quantity + fractional_stock) - $2::numeric),
			    updated_at       = now()
			WHERE id = $1 AND (stock_quantity + fractional_stock) >= $2::numeric
			  AND NOT EXISTS (SELECT 1 FROM prior)
			RETURNING stock_quantity + fractional_stock AS new_total
		), ins AS (
			INSERT INTO stock_decrements (op_id, stock_item_id, amount, new_total)
			SELECT $3, $1, $2::numeric, new_total FROM upd
			RETURNING new_total
		)
		SELECT new_total::text FROM ins
		UNION ALL
		SELECT new_total::text FROM prior`,
		stockItemID, amount.String(), opID).Scan(&newTotal)
	if errors.Is(err, pgx.ErrNoRows) {
		return DecrementResult{Success: false}, nil
	}
	if err != nil {
		return DecrementResult{}, wrapPG("conditional decrement", err)
	}
	post := decimal.RequireFromString(newTotal)
	return DecrementResult{
		Success:  true,
		Previous: SplitQuantity(post.Add(amount)),
		New:      SplitQuantity(post),
	}, nil
}

// Restock is the compensating increment used by rollback.
func (r *LedgerRepo) Restock(ctx context.Context, stockItemID string, amount decimal.Decimal) (Quantity, error) {
	var q Quantity
	var frac string
	err := r.DB.QueryRow(ctx, `
		UPDATE stock_items
		SET stock_quantity   = floor((stock_quantity + fractional_stock) + $2::numeric)::integer,
		    fractional_stock = ((stock_quantity + fractional_stock) + $2::numeric)
		                       - floor((stock_quantity + fractional_stock) + $2::numeric),
		    updated_at       = now()
		WHERE id = $1
		RETURNING stock_quantity, fractional_stock::text`,
		stockItemID, amount.String()).Scan(&q.Whole, &frac)
	if errors.Is(err, pgx.ErrNoRows) {
		return Quantity{}, ErrStockItemNotFound
	}
	if err != nil {
		return Quantity{}, wrapPG("restock", err)
	}
	q.Fractional = decimal.RequireFromString(frac)
	return q, nil
}

func (r *LedgerRepo) AppendMovement(ctx context.Context, m Movement) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	_, err := r.DB.Exec(ctx, `
		INSERT INTO movements(id, sale_id, store_id, stock_item_id, quantity_change, previous_quantity, new_quantity, reason)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8)`,
		m.ID, m.SaleID, m.StoreID, m.StockItemID,
		m.QuantityChange.String(), m.Previous.String(), m.New.String(), string(m.Reason),
	)
	return wrapPG("append movement", err)
}

// HasNetMovements reports whether the sale's movements still change stock.
// Deductions fully offset by sale_rollback movements do not count.
func (r *LedgerRepo) HasNetMovements(ctx context.Context, saleID string) (bool, error) {
	var moved bool
	err := r.DB.QueryRow(ctx, `SELECT COALESCE(SUM(quantity_change), 0) <> 0 FROM movements WHERE sale_id=$1`, saleID).Scan(&moved)
	return moved, wrapPG("has movements", err)
}

func (r *LedgerRepo) ListMovements(ctx context.Context, saleID string) ([]Movement, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id::text, sale_id, store_id, stock_item_id::text, quantity_change::text,
		       previous_quantity::text, new_quantity::text, reason, created_at
		FROM movements WHERE sale_id=$1 ORDER BY created_at, id`, saleID)
	if err != nil {
		return nil, wrapPG("list movements", err)
	}
	defer rows.Close()

	var out []Movement
	for rows.Next() {
		var m Movement
		var change, prev, next, reason string
		if err := rows.Scan(&m.ID, &m.SaleID, &m.StoreID, &m.StockItemID, &change, &prev, &next, &reason, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.QuantityChange = decimal.RequireFromString(change)
		m.Previous = decimal.RequireFromString(prev)
		m.New = decimal.RequireFromString(next)
		m.Reason = MovementReason(reason)
		out = append(out, m)
	}
	return out, wrapPG("list movements", rows.Err())
}

// ActiveRecipe returns nil, nil when the product has no active recipe in the store.
func (r *LedgerRepo) ActiveRecipe(ctx context.Context, productID, storeID string) (*Recipe, error) {
	var rc Recipe
	var serving string
	err := r.DB.QueryRow(ctx, `
		SELECT id::text, store_id, product_id, name, serving_size::text, is_active
		FROM recipes
		WHERE product_id=$1 AND store_id=$2 AND is_active`, productID, storeID).
		Scan(&rc.ID, &rc.StoreID, &rc.ProductID, &rc.Name, &serving, &rc.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapPG("get recipe", err)
	}
	rc.ServingSize = decimal.RequireFromString(serving)

	rows, err := r.DB.Query(ctx, `
		SELECT id::text, ingredient_name, quantity::text, unit, stock_item_id::text
		FROM recipe_ingredients WHERE recipe_id=$1 ORDER BY position`, rc.ID)
	if err != nil {
		return nil, wrapPG("list recipe ingredients", err)
	}
	defer rows.Close()
	for rows.Next() {
		ing := RecipeIngredient{RecipeID: rc.ID}
		var qty string
		if err := rows.Scan(&ing.ID, &ing.Name, &qty, &ing.Unit, &ing.StockItemID); err != nil {
			return nil, err
		}
		ing.Quantity = decimal.RequireFromString(qty)
		rc.Ingredients = append(rc.Ingredients, ing)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPG("list recipe ingredients", err)
	}
	return &rc, nil
}

func (r *LedgerRepo) StockItemsByID(ctx context.Context, storeID string, ids []string) (map[string]StockItem, error) {
	out := make(map[string]StockItem, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.DB.Query(ctx, `SELECT `+stockItemCols+`
		FROM stock_items WHERE store_id=$1 AND id::text = ANY($2)`, storeID, ids)
	if err != nil {
		return nil, wrapPG("get stock items", err)
	}
	defer rows.Close()
	for rows.Next() {
		it, err := scanStockItem(rows)
		if err != nil {
			return nil, err
		}
		out[it.ID] = it
	}
	return out, wrapPG("get stock items", rows.Err())
}

// FindStockItemsByName does a case-insensitive substring match within a store.
func (r *LedgerRepo) FindStockItemsByName(ctx context.Context, storeID, fragment string) ([]StockItem, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+stockItemCols+`
		FROM stock_items
		WHERE store_id=$1 AND is_active AND strpos(lower(name), lower($2)) > 0
		ORDER BY name, id`, storeID, fragment)
	if err != nil {
		return nil, wrapPG("find stock items", err)
	}
	defer rows.Close()

	var out []StockItem
	for rows.Next() {
		it, err := scanStockItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, wrapPG("find stock items", rows.Err())
}

// LinkUnresolvedIngredients points recipe ingredients without a stock
// reference at the same-store stock item carrying the same name.
func (r *LedgerRepo) LinkUnresolvedIngredients(ctx context.Context, storeID string) (int, error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE recipe_ingredients ri
		SET stock_item_id = si.id
		FROM recipes rc, stock_items si
		WHERE ri.recipe_id = rc.id
		  AND rc.store_id = $1
		  AND rc.is_active
		  AND ri.stock_item_id IS NULL
		  AND si.store_id = rc.store_id
		  AND si.is_active
		  AND lower(si.name) = lower(ri.ingredient_name)`, storeID)
	if err != nil {
		return 0, wrapPG("link ingredients", err)
	}
	return int(ct.RowsAffected()), nil
}

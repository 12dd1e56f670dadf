// Package memstore is an in-process implementation of the sale and ledger
// stores. It backs STORE_BACKEND=memory and the pipeline tests, and lets a
// caller inject transport failures and latency per operation.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ariefcatur/go-pos-reconciler/internal/sales"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Operation names accepted by FailNext and Delay.
const (
	OpAppendSale       = "append_sale"
	OpUpdateStatus     = "update_status"
	OpGetQuantity      = "get_quantity"
	OpDecrement        = "decrement"
	OpRestock          = "restock"
	OpAppendMovement   = "append_movement"
	OpActiveRecipe     = "active_recipe"
	OpStockItems       = "stock_items"
	OpFindStockItems   = "find_stock_items"
	OpInsertSync       = "insert_sync_attempt"
	OpInsertCompliance = "insert_compliance"
	OpDeleteAuditRows  = "delete_audit_rows"
	OpDeleteSaleLines  = "delete_sale_lines"
	OpDeleteSale       = "delete_sale"
	OpScanMissing      = "scan_missing"
	OpLinkIngredients  = "link_ingredients"
)

type fault struct {
	skip      int
	remaining int
	err       error
}

type Store struct {
	mu sync.Mutex

	sales      map[string]sales.Sale
	stock      map[string]sales.StockItem
	recipes    map[string]sales.Recipe // key: store|product
	movements  []sales.Movement
	decrements map[string]sales.DecrementResult // by op id
	syncs      []sales.SyncAttempt
	compliance map[string]sales.ComplianceRecord
	faults     map[string]*fault
	delays     map[string]time.Duration
	calls      map[string]int
	now        func() time.Time
}

func New() *Store {
	return &Store{
		sales:      map[string]sales.Sale{},
		stock:      map[string]sales.StockItem{},
		recipes:    map[string]sales.Recipe{},
		compliance: map[string]sales.ComplianceRecord{},
		decrements: map[string]sales.DecrementResult{},
		faults:     map[string]*fault{},
		delays:     map[string]time.Duration{},
		calls:      map[string]int{},
		now:        time.Now,
	}
}

// FailNext makes the next n calls of op return err. A nil err injects a
// TransportError.
func (s *Store) FailNext(op string, n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		err = &sales.TransportError{Op: op, Err: errors.New("connection reset by peer")}
	}
	s.faults[op] = &fault{remaining: n, err: err}
}

// FailAfter lets the next skip calls of op through, then fails n of them
// like FailNext.
func (s *Store) FailAfter(op string, skip, n int, err error) {
	s.FailNext(op, n, err)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op].skip = skip
}

// Delay makes every call of op wait d (or until ctx is done).
func (s *Store) Delay(op string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[op] = d
}

// Calls reports how many times op was invoked, failed calls included.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *Store) enter(ctx context.Context, op string) error {
	s.mu.Lock()
	s.calls[op]++
	d := s.delays[op]
	var injected error
	if f, ok := s.faults[op]; ok && f.skip > 0 {
		f.skip--
	} else if ok && f.remaining > 0 {
		f.remaining--
		injected = f.err
	}
	s.mu.Unlock()

	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return &sales.TransportError{Op: op, Err: ctx.Err()}
		case <-t.C:
		}
	}
	if injected != nil {
		return injected
	}
	if err := ctx.Err(); err != nil {
		return &sales.TransportError{Op: op, Err: err}
	}
	return nil
}

// ---- seeding ----

func (s *Store) PutStockItem(it sales.StockItem) sales.StockItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.Unit == "" {
		it.Unit = "pieces"
	}
	it.Active = true
	it.UpdatedAt = s.now()
	s.stock[it.ID] = it
	return it
}

func (s *Store) PutRecipe(rc sales.Recipe) sales.Recipe {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rc.ID == "" {
		rc.ID = uuid.NewString()
	}
	if rc.ServingSize.IsZero() {
		rc.ServingSize = decimal.NewFromInt(1)
	}
	for i := range rc.Ingredients {
		if rc.Ingredients[i].ID == "" {
			rc.Ingredients[i].ID = uuid.NewString()
		}
		rc.Ingredients[i].RecipeID = rc.ID
	}
	rc.Active = true
	s.recipes[rc.StoreID+"|"+rc.ProductID] = rc
	return rc
}

// PutSale stores a sale directly, bypassing AppendSale; used to seed history.
func (s *Store) PutSale(sl sales.Sale) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl.CreatedAt.IsZero() {
		sl.CreatedAt = s.now()
	}
	sl.UpdatedAt = sl.CreatedAt
	sl.Lines = append([]sales.SaleLine(nil), sl.Lines...)
	s.sales[sl.ID] = sl
}

// ---- inspection ----

func (s *Store) StockItem(id string) (sales.StockItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.stock[id]
	return it, ok
}

func (s *Store) Sale(id string) (sales.Sale, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.sales[id]
	return sl, ok
}

func (s *Store) Recipe(storeID, productID string) (sales.Recipe, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rc, ok := s.recipes[storeID+"|"+productID]
	return rc, ok
}

func (s *Store) Movements(saleID string) []sales.Movement {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sales.Movement
	for _, m := range s.movements {
		if m.SaleID == saleID {
			out = append(out, m)
		}
	}
	return out
}

func (s *Store) SyncAttempts(saleID string) []sales.SyncAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sales.SyncAttempt
	for _, a := range s.syncs {
		if a.SaleID == saleID {
			out = append(out, a)
		}
	}
	return out
}

func (s *Store) ComplianceRecord(saleID string) (sales.ComplianceRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.compliance[saleID]
	return c, ok
}

// ---- sale store ----

func (s *Store) AppendSale(ctx context.Context, sl sales.Sale) error {
	if err := s.enter(ctx, OpAppendSale); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sales[sl.ID]; ok {
		return sales.ErrSaleExists
	}
	if sl.Status == "" {
		sl.Status = sales.StatusPending
	}
	sl.CreatedAt = s.now()
	sl.UpdatedAt = sl.CreatedAt
	sl.Lines = append([]sales.SaleLine(nil), sl.Lines...)
	s.sales[sl.ID] = sl
	return nil
}

func (s *Store) GetSale(ctx context.Context, id string) (*sales.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.sales[id]
	if !ok {
		return nil, sales.ErrSaleNotFound
	}
	return &sl, nil
}

func (s *Store) UpdateSaleStatus(ctx context.Context, id string, from, to sales.SaleStatus) error {
	if err := s.enter(ctx, OpUpdateStatus); err != nil {
		return err
	}
	if !sales.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", sales.ErrInvalidTransition, from, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.sales[id]
	if !ok || sl.Status != from {
		return fmt.Errorf("%w: sale %s is not %s", sales.ErrInvalidTransition, id, from)
	}
	sl.Status = to
	sl.UpdatedAt = s.now()
	s.sales[id] = sl
	return nil
}

func (s *Store) InsertComplianceRecord(ctx context.Context, c sales.ComplianceRecord) error {
	if err := s.enter(ctx, OpInsertCompliance); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sales[c.SaleID]; !ok {
		return sales.ErrSaleNotFound
	}
	if _, ok := s.compliance[c.SaleID]; !ok {
		c.CreatedAt = s.now()
		s.compliance[c.SaleID] = c
	}
	return nil
}

// ---- audit store ----

func (s *Store) InsertSyncAttempt(ctx context.Context, a sales.SyncAttempt) error {
	if err := s.enter(ctx, OpInsertSync); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = s.now()
	s.syncs = append(s.syncs, a)
	return nil
}

func (s *Store) ListSyncAttempts(ctx context.Context, saleID string) ([]sales.SyncAttempt, error) {
	return s.SyncAttempts(saleID), nil
}

func (s *Store) DeleteAuditRows(ctx context.Context, saleID string) error {
	if err := s.enter(ctx, OpDeleteAuditRows); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.syncs[:0]
	for _, a := range s.syncs {
		if a.SaleID != saleID {
			kept = append(kept, a)
		}
	}
	s.syncs = kept
	delete(s.compliance, saleID)
	return nil
}

func (s *Store) DeleteSaleLines(ctx context.Context, saleID string) error {
	if err := s.enter(ctx, OpDeleteSaleLines); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.sales[saleID]; ok {
		sl.Lines = nil
		s.sales[saleID] = sl
	}
	return nil
}

func (s *Store) DeleteSale(ctx context.Context, saleID string) error {
	if err := s.enter(ctx, OpDeleteSale); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.sales[saleID]; ok && len(sl.Lines) > 0 {
		return fmt.Errorf("delete sale %s: sale lines still reference it", saleID)
	}
	if _, ok := s.compliance[saleID]; ok {
		return fmt.Errorf("delete sale %s: compliance record still references it", saleID)
	}
	delete(s.sales, saleID)
	return nil
}

// ---- ledger ----

func (s *Store) GetQuantity(ctx context.Context, stockItemID string) (sales.Quantity, error) {
	if err := s.enter(ctx, OpGetQuantity); err != nil {
		return sales.Quantity{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.stock[stockItemID]
	if !ok {
		return sales.Quantity{}, sales.ErrStockItemNotFound
	}
	return it.Quantity, nil
}

// ConditionalDecrement is atomic under the store mutex, like the single
// guarded UPDATE of the postgres ledger. A repeated opID returns the first
// result.
func (s *Store) ConditionalDecrement(ctx context.Context, opID, stockItemID string, amount decimal.Decimal) (sales.DecrementResult, error) {
	if err := s.enter(ctx, OpDecrement); err != nil {
		return sales.DecrementResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if res, ok := s.decrements[opID]; ok && opID != "" {
		return res, nil
	}
	it, ok := s.stock[stockItemID]
	if !ok || it.Quantity.Total().LessThan(amount) {
		return sales.DecrementResult{Success: false}, nil
	}
	prev := it.Quantity
	it.Quantity = sales.SplitQuantity(prev.Total().Sub(amount))
	it.UpdatedAt = s.now()
	s.stock[stockItemID] = it
	res := sales.DecrementResult{Success: true, Previous: prev, New: it.Quantity}
	if opID != "" {
		s.decrements[opID] = res
	}
	return res, nil
}

func (s *Store) Restock(ctx context.Context, stockItemID string, amount decimal.Decimal) (sales.Quantity, error) {
	if err := s.enter(ctx, OpRestock); err != nil {
		return sales.Quantity{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.stock[stockItemID]
	if !ok {
		return sales.Quantity{}, sales.ErrStockItemNotFound
	}
	it.Quantity = sales.SplitQuantity(it.Quantity.Total().Add(amount))
	it.UpdatedAt = s.now()
	s.stock[stockItemID] = it
	return it.Quantity, nil
}

func (s *Store) AppendMovement(ctx context.Context, m sales.Movement) error {
	if err := s.enter(ctx, OpAppendMovement); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.CreatedAt = s.now()
	s.movements = append(s.movements, m)
	return nil
}

func (s *Store) HasNetMovements(ctx context.Context, saleID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.netChange()[saleID].IsZero(), nil
}

// netChange sums quantity changes per sale. Caller holds mu.
func (s *Store) netChange() map[string]decimal.Decimal {
	net := map[string]decimal.Decimal{}
	for _, m := range s.movements {
		net[m.SaleID] = net[m.SaleID].Add(m.QuantityChange)
	}
	return net
}

func (s *Store) ListMovements(ctx context.Context, saleID string) ([]sales.Movement, error) {
	return s.Movements(saleID), nil
}

func (s *Store) ActiveRecipe(ctx context.Context, productID, storeID string) (*sales.Recipe, error) {
	if err := s.enter(ctx, OpActiveRecipe); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rc, ok := s.recipes[storeID+"|"+productID]
	if !ok || !rc.Active {
		return nil, nil
	}
	rc.Ingredients = append([]sales.RecipeIngredient(nil), rc.Ingredients...)
	return &rc, nil
}

func (s *Store) StockItemsByID(ctx context.Context, storeID string, ids []string) (map[string]sales.StockItem, error) {
	if err := s.enter(ctx, OpStockItems); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]sales.StockItem, len(ids))
	for _, id := range ids {
		if it, ok := s.stock[id]; ok && it.StoreID == storeID {
			out[id] = it
		}
	}
	return out, nil
}

func (s *Store) FindStockItemsByName(ctx context.Context, storeID, fragment string) ([]sales.StockItem, error) {
	if err := s.enter(ctx, OpFindStockItems); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	needle := strings.ToLower(fragment)
	var out []sales.StockItem
	for _, it := range s.stock {
		if it.StoreID == storeID && it.Active && strings.Contains(strings.ToLower(it.Name), needle) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ---- repair ----

func (s *Store) SalesMissingMovements(ctx context.Context, storeID string, since time.Time, limit int) ([]sales.Sale, error) {
	if err := s.enter(ctx, OpScanMissing); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	net := s.netChange()
	var out []sales.Sale
	for _, sl := range s.sales {
		if sl.StoreID != storeID || sl.Status != sales.StatusCompleted || !net[sl.ID].IsZero() || sl.CreatedAt.Before(since) {
			continue
		}
		sl.Lines = append([]sales.SaleLine(nil), sl.Lines...)
		out = append(out, sl)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) LinkUnresolvedIngredients(ctx context.Context, storeID string) (int, error) {
	if err := s.enter(ctx, OpLinkIngredients); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	linked := 0
	for key, rc := range s.recipes {
		if rc.StoreID != storeID || !rc.Active {
			continue
		}
		for i, ing := range rc.Ingredients {
			if ing.StockItemID != nil {
				continue
			}
			if id, ok := s.stockByExactName(storeID, ing.Name); ok {
				rc.Ingredients[i].StockItemID = &id
				linked++
			}
		}
		s.recipes[key] = rc
	}
	return linked, nil
}

func (s *Store) stockByExactName(storeID, name string) (string, bool) {
	var ids []string
	for _, it := range s.stock {
		if it.StoreID == storeID && it.Active && strings.EqualFold(it.Name, name) {
			ids = append(ids, it.ID)
		}
	}
	if len(ids) == 0 {
		return "", false
	}
	sort.Strings(ids)
	return ids[0], true
}

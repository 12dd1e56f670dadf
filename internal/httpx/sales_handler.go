package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	kafkax "github.com/ariefcatur/go-pos-reconciler/internal/kafka"
	"github.com/ariefcatur/go-pos-reconciler/internal/pipeline"
	"github.com/ariefcatur/go-pos-reconciler/internal/redisx"
	"github.com/ariefcatur/go-pos-reconciler/internal/repair"
	"github.com/ariefcatur/go-pos-reconciler/internal/sales"
	"github.com/ariefcatur/go-pos-reconciler/internal/tracker"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

type Committer interface {
	CommitSale(ctx context.Context, saleID string, lines []sales.SaleLine, storeID string) pipeline.CommitResult
	Reconciliation(ctx context.Context, saleID string) (tracker.State, error)
}

type Repairer interface {
	Run(ctx context.Context, req repair.Request) (repair.Summary, error)
}

type FallbackSource interface {
	Fallback() []sales.SyncAttempt
}

type SaleReader interface {
	GetSale(ctx context.Context, id string) (*sales.Sale, error)
}

type StockReader interface {
	StockItemsByID(ctx context.Context, storeID string, ids []string) (map[string]sales.StockItem, error)
}

type SalesHandler struct {
	Pipeline Committer
	Repair   Repairer
	Audit    FallbackSource
	Sales    SaleReader
	Stock    StockReader
	Redis    redis.Cmdable // optional read cache
}

type CommitSaleReq struct {
	StoreID string           `json:"store_id"`
	Lines   []sales.SaleLine `json:"lines"`
}

type RepairReq struct {
	ProcessHistoricalTransactions bool `json:"process_historical_transactions"`
}

type SaleStatusResp struct {
	SaleID     string           `json:"sale_id"`
	StoreID    string           `json:"store_id"`
	Status     sales.SaleStatus `json:"status"`
	TotalCents int64            `json:"total_cents"`
}

type StockLevelResp struct {
	StoreID     string          `json:"store_id"`
	StockItemID string          `json:"stock_item_id"`
	Whole       int64           `json:"whole"`
	Fractional  decimal.Decimal `json:"fractional"`
	Total       decimal.Decimal `json:"total"`
}

func (h *SalesHandler) Register(r *chi.Mux) {
	r.Post("/sales/{id}/commit", h.commitSale)
	r.Get("/sales/{id}", h.getSale)
	r.Get("/sales/{id}/reconciliation", h.getReconciliation)
	r.Get("/stores/{store}/stock/{item}", h.getStock)
	r.Post("/stores/{store}/repair", h.runRepair)
	r.Get("/audit/fallback", h.auditFallback)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func (h *SalesHandler) commitSale(w http.ResponseWriter, r *http.Request) {
	saleID := chi.URLParam(r, "id")
	var req CommitSaleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	// pipeline melepas ctx sendiri setelah sale tersimpan
	res := h.Pipeline.CommitSale(r.Context(), saleID, req.Lines, req.StoreID)
	writeJSON(w, commitStatus(res), res)
}

func commitStatus(res pipeline.CommitResult) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.Kind {
	case sales.KindValidation:
		return http.StatusBadRequest
	case sales.KindInsufficientStock:
		return http.StatusConflict
	case sales.KindResolution:
		return http.StatusUnprocessableEntity
	}
	if res.Duplicate {
		return http.StatusConflict
	}
	return http.StatusServiceUnavailable
}

func (h *SalesHandler) getSale(w http.ResponseWriter, r *http.Request) {
	saleID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	// 1) coba cache
	key := fmt.Sprintf(redisx.KeySaleStatus, saleID)
	if h.Redis != nil {
		if b, err := h.Redis.Get(ctx, key).Bytes(); err == nil && len(b) > 0 {
			writeRaw(w, b)
			return
		}
	}

	// 2) fallback DB
	sl, err := h.Sales.GetSale(ctx, saleID)
	if errors.Is(err, sales.ErrSaleNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	b := kafkax.MustMarshal(SaleStatusResp{SaleID: sl.ID, StoreID: sl.StoreID, Status: sl.Status, TotalCents: sl.TotalCents})
	// pending masih bisa berubah, jangan di-cache
	if h.Redis != nil && sl.Status != sales.StatusPending {
		_ = h.Redis.Set(ctx, key, b, redisx.TTLStatusCache).Err()
	}
	writeRaw(w, b)
}

func (h *SalesHandler) getReconciliation(w http.ResponseWriter, r *http.Request) {
	st, err := h.Pipeline.Reconciliation(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, tracker.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *SalesHandler) getStock(w http.ResponseWriter, r *http.Request) {
	storeID, itemID := chi.URLParam(r, "store"), chi.URLParam(r, "item")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	key := fmt.Sprintf(redisx.KeyStockLevel, storeID, itemID)
	if h.Redis != nil {
		if b, err := h.Redis.Get(ctx, key).Bytes(); err == nil && len(b) > 0 {
			writeRaw(w, b)
			return
		}
	}

	// scoped to the store in the path; another store's item is a 404
	items, err := h.Stock.StockItemsByID(ctx, storeID, []string{itemID})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	it, ok := items[itemID]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	q := it.Quantity
	b := kafkax.MustMarshal(StockLevelResp{
		StoreID:     storeID,
		StockItemID: itemID,
		Whole:       q.Whole,
		Fractional:  q.Fractional,
		Total:       q.Total(),
	})
	if h.Redis != nil {
		_ = h.Redis.Set(ctx, key, b, redisx.TTLStockCache).Err()
	}
	writeRaw(w, b)
}

func (h *SalesHandler) runRepair(w http.ResponseWriter, r *http.Request) {
	var body RepairReq
	// body boleh kosong, default tanpa historical
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	sum, err := h.Repair.Run(r.Context(), repair.Request{
		StoreID:                       chi.URLParam(r, "store"),
		ProcessHistoricalTransactions: body.ProcessHistoricalTransactions,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, sum)
	case errors.Is(err, redisx.ErrRepairRunning):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case sales.KindOf(err) == sales.KindValidation:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "summary": sum})
	}
}

func (h *SalesHandler) auditFallback(w http.ResponseWriter, r *http.Request) {
	rows := h.Audit.Fallback()
	if rows == nil {
		rows = []sales.SyncAttempt{}
	}
	writeJSON(w, http.StatusOK, rows)
}

package redisx

import "time"

const (
	// Optimistic reconciliation state: recon:{sale_id} -> tracker.State JSON
	KeyReconciliation = "recon:%s"

	// Cached stock level: stock:{store_id}:{stock_item_id} -> {"whole":..,"fractional":".."}
	KeyStockLevel = "stock:%s:%s"

	// Cached sale status: sale_status:{sale_id}
	KeySaleStatus = "sale_status:%s"

	// Dedup event processing: dedup:{service}:{id} (id = event_id)
	KeyDedup = "dedup:%s:%s"

	// Repair lock per store: lock:repair:{store_id}
	KeyRepairLock = "lock:repair:%s"
)

var (
	TTLPendingState = 1 * time.Hour // safety net kalau sale tidak pernah selesai
	TTLStatusCache  = 5 * time.Minute
	TTLStockCache   = 5 * time.Minute
	TTLDedup        = 48 * time.Hour
	TTLRepairLock   = 10 * time.Minute
)

package sales

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repo owns the sale, line, audit and compliance tables.
type Repo struct{ DB *pgxpool.Pool }

// AppendSale stores the sale and its lines in one transaction.
func (r *Repo) AppendSale(ctx context.Context, s Sale) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapPG("begin append sale", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if s.Status == "" {
		s.Status = StatusPending
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO sales(id, store_id, total_cents, status)
		VALUES ($1, $2, $3, $4)`, s.ID, s.StoreID, s.TotalCents, string(s.Status))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSaleExists
		}
		return wrapPG("insert sale", err)
	}
	for i, l := range s.Lines {
		if _, err := tx.Exec(ctx, `
			INSERT INTO sale_lines(sale_id, position, product_id, product_name, quantity, unit_price_cents)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			s.ID, i, l.ProductID, l.ProductName, l.Quantity, l.UnitPriceCents,
		); err != nil {
			return wrapPG("insert sale line", err)
		}
	}
	return wrapPG("commit append sale", tx.Commit(ctx))
}

func (r *Repo) GetSale(ctx context.Context, id string) (*Sale, error) {
	var s Sale
	var status string
	err := r.DB.QueryRow(ctx, `
		SELECT id, store_id, total_cents, status, created_at, updated_at
		FROM sales WHERE id=$1`, id).
		Scan(&s.ID, &s.StoreID, &s.TotalCents, &status, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSaleNotFound
	}
	if err != nil {
		return nil, wrapPG("get sale", err)
	}
	s.Status = SaleStatus(status)
	if s.Lines, err = r.saleLines(ctx, id); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repo) saleLines(ctx context.Context, saleID string) ([]SaleLine, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT product_id, product_name, quantity, unit_price_cents
		FROM sale_lines WHERE sale_id=$1 ORDER BY position`, saleID)
	if err != nil {
		return nil, wrapPG("list sale lines", err)
	}
	defer rows.Close()

	var out []SaleLine
	for rows.Next() {
		var l SaleLine
		if err := rows.Scan(&l.ProductID, &l.ProductName, &l.Quantity, &l.UnitPriceCents); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, wrapPG("list sale lines", rows.Err())
}

func (r *Repo) UpdateSaleStatus(ctx context.Context, id string, from, to SaleStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	ct, err := r.DB.Exec(ctx, `
		UPDATE sales SET status=$3, updated_at=now()
		WHERE id=$1 AND status=$2`, id, string(from), string(to))
	if err != nil {
		return wrapPG("update sale status", err)
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("%w: sale %s is not %s", ErrInvalidTransition, id, from)
	}
	return nil
}

func (r *Repo) DeleteAuditRows(ctx context.Context, saleID string) error {
	if _, err := r.DB.Exec(ctx, `DELETE FROM sync_attempts WHERE sale_id=$1`, saleID); err != nil {
		return wrapPG("delete sync attempts", err)
	}
	_, err := r.DB.Exec(ctx, `DELETE FROM compliance_records WHERE sale_id=$1`, saleID)
	return wrapPG("delete compliance records", err)
}

func (r *Repo) DeleteSaleLines(ctx context.Context, saleID string) error {
	_, err := r.DB.Exec(ctx, `DELETE FROM sale_lines WHERE sale_id=$1`, saleID)
	return wrapPG("delete sale lines", err)
}

func (r *Repo) DeleteSale(ctx context.Context, saleID string) error {
	_, err := r.DB.Exec(ctx, `DELETE FROM sales WHERE id=$1`, saleID)
	return wrapPG("delete sale", err)
}

func (r *Repo) InsertSyncAttempt(ctx context.Context, a SyncAttempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := r.DB.Exec(ctx, `
		INSERT INTO sync_attempts(id, sale_id, store_id, operation, status, items_processed, items_total, duration_ms, error_text)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.SaleID, a.StoreID, a.Operation, string(a.Status),
		a.ItemsProcessed, a.ItemsTotal, a.Duration.Milliseconds(), a.ErrorText,
	)
	return wrapPG("insert sync attempt", err)
}

func (r *Repo) ListSyncAttempts(ctx context.Context, saleID string) ([]SyncAttempt, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, sale_id, store_id, operation, status, items_processed, items_total, duration_ms, error_text, created_at
		FROM sync_attempts WHERE sale_id=$1 ORDER BY created_at`, saleID)
	if err != nil {
		return nil, wrapPG("list sync attempts", err)
	}
	defer rows.Close()

	var out []SyncAttempt
	for rows.Next() {
		var a SyncAttempt
		var status string
		var ms int64
		if err := rows.Scan(&a.ID, &a.SaleID, &a.StoreID, &a.Operation, &status,
			&a.ItemsProcessed, &a.ItemsTotal, &ms, &a.ErrorText, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Status = SyncStatus(status)
		a.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, a)
	}
	return out, wrapPG("list sync attempts", rows.Err())
}

func (r *Repo) InsertComplianceRecord(ctx context.Context, c ComplianceRecord) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO compliance_records(sale_id, store_id, total_cents, line_count)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (sale_id) DO NOTHING`, c.SaleID, c.StoreID, c.TotalCents, c.LineCount)
	return wrapPG("insert compliance record", err)
}

// SalesMissingMovements returns completed sales created since `since` whose
// movements net to zero (none at all, or compensated), oldest first.
func (r *Repo) SalesMissingMovements(ctx context.Context, storeID string, since time.Time, limit int) ([]Sale, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT s.id, s.store_id, s.total_cents, s.status, s.created_at, s.updated_at
		FROM sales s
		WHERE s.store_id = $1
		  AND s.status = 'completed'
		  AND s.created_at >= $2
		  AND COALESCE((SELECT SUM(m.quantity_change) FROM movements m WHERE m.sale_id = s.id), 0) = 0
		ORDER BY s.created_at
		LIMIT $3`, storeID, since, limit)
	if err != nil {
		return nil, wrapPG("scan sales missing movements", err)
	}
	var out []Sale
	for rows.Next() {
		var s Sale
		var status string
		if err := rows.Scan(&s.ID, &s.StoreID, &s.TotalCents, &status, &s.CreatedAt, &s.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		s.Status = SaleStatus(status)
		out = append(out, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapPG("scan sales missing movements", err)
	}

	for i := range out {
		if out[i].Lines, err = r.saleLines(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cursxzxc/meltowshop/internal/domain"
)

// SaveReservation persists a new reservation. The UNIQUE constraint on
// item_id backs the one-live-reservation-per-item invariant across
// restarts.
func (swdb *SingleWriterDB) SaveReservation(ctx context.Context, res *domain.Reservation) error {
	swdb.mu.Lock()
	defer swdb.mu.Unlock()

	_, err := swdb.db.ExecContext(ctx, `
		INSERT INTO reservations (id, item_id, kind, buyer_id, invoice_id, amount, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		res.ID, res.ItemID, string(res.Kind), res.BuyerID, res.InvoiceID,
		res.Amount.String(),
		res.CreatedAt.UTC().Format(time.RFC3339),
		res.ExpiresAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

// UpdateReservationInvoice records the issued invoice on a persisted
// reservation. Rows that never receive an invoice are expired at startup.
func (swdb *SingleWriterDB) UpdateReservationInvoice(ctx context.Context, itemID, invoiceID string) error {
	swdb.mu.Lock()
	defer swdb.mu.Unlock()

	result, err := swdb.db.ExecContext(ctx,
		`UPDATE reservations SET invoice_id = ? WHERE item_id = ?`, invoiceID, itemID)
	if err != nil {
		return fmt.Errorf("update reservation invoice: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("update reservation invoice: no reservation for item %s", itemID)
	}
	return nil
}

// DeleteReservation removes the reservation for an item once it reaches a
// terminal state. Deleting an absent reservation is a no-op.
func (swdb *SingleWriterDB) DeleteReservation(ctx context.Context, itemID string) error {
	swdb.mu.Lock()
	defer swdb.mu.Unlock()

	if _, err := swdb.db.ExecContext(ctx,
		`DELETE FROM reservations WHERE item_id = ?`, itemID); err != nil {
		return fmt.Errorf("delete reservation: %w", err)
	}
	return nil
}

// ActiveReservations returns every persisted reservation, for startup
// recovery. Expiry filtering is up to the caller.
func (swdb *SingleWriterDB) ActiveReservations(ctx context.Context) ([]domain.Reservation, error) {
	rows, err := swdb.db.QueryContext(ctx, `
		SELECT id, item_id, kind, buyer_id, invoice_id, amount, created_at, expires_at
		FROM reservations ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query reservations: %w", err)
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		var (
			res                  domain.Reservation
			kind                 string
			amount               string
			createdAt, expiresAt string
		)
		if err := rows.Scan(&res.ID, &res.ItemID, &kind, &res.BuyerID,
			&res.InvoiceID, &amount, &createdAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		res.Kind = domain.ItemKind(kind)
		if res.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse reservation amount: %w", err)
		}
		if res.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parse reservation created_at: %w", err)
		}
		if res.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt); err != nil {
			return nil, fmt.Errorf("parse reservation expires_at: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

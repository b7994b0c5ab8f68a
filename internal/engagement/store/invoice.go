package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/MrJamesThe3rd/gigflow/internal/engagement"
)

const selectInvoiceColumns = `
	i.id, i.engagement_id, i.invoice_number, i.amount, i.currency, i.status, i.created_at
`

func scanInvoice(s scanner) (*engagement.Invoice, error) {
	var (
		inv    engagement.Invoice
		status string
	)

	if err := s.Scan(
		&inv.ID, &inv.EngagementID, &inv.InvoiceNumber, &inv.Amount, &inv.Currency, &status, &inv.CreatedAt,
	); err != nil {
		return nil, err
	}

	inv.Status = engagement.InvoiceStatus(status)

	return &inv, nil
}

// CreateInvoice issues the engagement's invoice. The unique constraint on
// engagement_id is the authoritative guard: when an invoice already exists it
// is returned with created=false.
func (s *Store) CreateInvoice(ctx context.Context, engagementID uuid.UUID, amount int64, currency string) (*engagement.Invoice, bool, error) {
	query := `
		INSERT INTO invoices (id, engagement_id, invoice_number, amount, currency, status, created_at)
		VALUES (
			$1, $2,
			'INV-' || to_char(NOW(), 'YYYY') || '-' || lpad(nextval('invoice_number_seq')::text, 6, '0'),
			$3, $4, 'paid', NOW()
		)
		ON CONFLICT (engagement_id) DO NOTHING
		RETURNING ` + selectInvoiceColumnsUnaliased

	inv, err := scanInvoice(s.db.QueryRowContext(ctx, query, uuid.New(), engagementID, amount, currency))
	if err == nil {
		return inv, true, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("creating invoice: %w", err)
	}

	existing, err := s.GetInvoice(ctx, engagementID)
	if err != nil {
		return nil, false, err
	}

	return existing, false, nil
}

const selectInvoiceColumnsUnaliased = `
	id, engagement_id, invoice_number, amount, currency, status, created_at
`

func (s *Store) GetInvoice(ctx context.Context, engagementID uuid.UUID) (*engagement.Invoice, error) {
	query := `SELECT ` + selectInvoiceColumns + ` FROM invoices i WHERE i.engagement_id = $1`

	inv, err := scanInvoice(s.db.QueryRowContext(ctx, query, engagementID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, engagement.ErrNotFound
		}

		return nil, fmt.Errorf("getting invoice: %w", err)
	}

	return inv, nil
}

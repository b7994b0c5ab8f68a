package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/MrJamesThe3rd/gigflow/internal/engagement"
)

type settlementTx struct {
	tx         *sql.Tx
	payment    *engagement.PaymentRecord
	engagement *engagement.Engagement
}

// BeginSettlement locks the payment identified by the processor reference and
// then its engagement. It returns ErrPaymentNotFound for unknown references.
func (s *Store) BeginSettlement(ctx context.Context, reference string) (engagement.SettlementTx, error) {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning settlement tx: %w", err)
	}

	paymentQuery := `SELECT ` + selectPaymentColumns + `
		FROM payment_records p
		WHERE p.external_reference = $1
		FOR UPDATE`

	payment, err := scanPayment(dbTx.QueryRowContext(ctx, paymentQuery, reference))
	if err != nil {
		dbTx.Rollback()

		if errors.Is(err, sql.ErrNoRows) {
			return nil, engagement.ErrPaymentNotFound
		}

		return nil, fmt.Errorf("locking payment: %w", err)
	}

	engagementQuery := `SELECT ` + selectEngagementColumns + `
		FROM engagements e
		WHERE e.id = $1
		FOR UPDATE`

	e, err := scanEngagement(dbTx.QueryRowContext(ctx, engagementQuery, payment.EngagementID))
	if err != nil {
		dbTx.Rollback()
		return nil, fmt.Errorf("locking engagement: %w", err)
	}

	return &settlementTx{tx: dbTx, payment: payment, engagement: e}, nil
}

func (s *settlementTx) Payment() *engagement.PaymentRecord { return s.payment }
func (s *settlementTx) Engagement() *engagement.Engagement { return s.engagement }
func (s *settlementTx) Commit() error                      { return s.tx.Commit() }
func (s *settlementTx) Rollback() error                    { return s.tx.Rollback() }

func (s *settlementTx) Payments(ctx context.Context) ([]*engagement.PaymentRecord, error) {
	return listPayments(ctx, s.tx, s.engagement.ID)
}

// MarkPayment moves a pending payment to a terminal status. Terminal payments
// are never touched again.
func (s *settlementTx) MarkPayment(ctx context.Context, status engagement.PaymentStatus, at time.Time) error {
	var completedAt *time.Time
	if status == engagement.PaymentCompleted {
		completedAt = &at
	}

	query := `
		UPDATE payment_records
		SET status = $1, completed_at = $2
		WHERE id = $3 AND status = 'pending'
	`

	res, err := s.tx.ExecContext(ctx, query, status, completedAt, s.payment.ID)
	if err != nil {
		return fmt.Errorf("marking payment: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("marking payment: %w", err)
	}

	if n == 0 {
		return engagement.ErrConflict
	}

	s.payment.Status = status
	s.payment.CompletedAt = completedAt

	return nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"

	"github.com/MrJamesThe3rd/gigflow/internal/engagement"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const selectEngagementColumns = `
	e.id, e.provider_id, e.client_id, e.status, e.version, e.price, e.currency,
	e.deposit_required, e.deposit_amount, e.scheduled_start, e.scheduled_end,
	e.linked_conversation_id, e.created_at, e.updated_at
`

// scanEngagement reads an engagement row in selectEngagementColumns order.
func scanEngagement(s scanner) (*engagement.Engagement, error) {
	var (
		e            engagement.Engagement
		status       string
		conversation uuid.NullUUID
	)

	if err := s.Scan(
		&e.ID, &e.ProviderID, &e.ClientID, &status, &e.Version, &e.Price, &e.Currency,
		&e.DepositRequired, &e.DepositAmount, &e.ScheduledStart, &e.ScheduledEnd,
		&conversation, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return nil, err
	}

	e.Status = engagement.Status(status)

	if conversation.Valid {
		e.LinkedConversationID = &conversation.UUID
	}

	return &e, nil
}

const selectPaymentColumns = `
	p.id, p.engagement_id, p.amount, p.kind, p.status, p.external_reference, p.completed_at, p.created_at
`

func scanPayment(s scanner) (*engagement.PaymentRecord, error) {
	var (
		p            engagement.PaymentRecord
		kind, status string
	)

	if err := s.Scan(
		&p.ID, &p.EngagementID, &p.Amount, &kind, &status, &p.ExternalReference, &p.CompletedAt, &p.CreatedAt,
	); err != nil {
		return nil, err
	}

	p.Kind = engagement.PaymentKind(kind)
	p.Status = engagement.PaymentStatus(status)

	return &p, nil
}

const selectHistoryColumns = `
	h.id, h.engagement_id, h.from_status, h.to_status, h.actor_id, h.reason, h.metadata, h.created_at
`

func scanHistory(s scanner) (*engagement.HistoryEntry, error) {
	var (
		h        engagement.HistoryEntry
		from, to string
		metadata []byte
	)

	if err := s.Scan(
		&h.ID, &h.EngagementID, &from, &to, &h.ActorID, &h.Reason, &metadata, &h.CreatedAt,
	); err != nil {
		return nil, err
	}

	h.FromStatus = engagement.Status(from)
	h.ToStatus = engagement.Status(to)

	if len(metadata) > 0 {
		h.Metadata = json.RawMessage(metadata)
	}

	return &h, nil
}

func (s *Store) GetEngagement(ctx context.Context, id uuid.UUID) (*engagement.Engagement, error) {
	query := `SELECT ` + selectEngagementColumns + ` FROM engagements e WHERE e.id = $1`

	e, err := scanEngagement(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, engagement.ErrNotFound
		}

		return nil, fmt.Errorf("getting engagement: %w", err)
	}

	return e, nil
}

func (s *Store) ListPayments(ctx context.Context, engagementID uuid.UUID) ([]*engagement.PaymentRecord, error) {
	return listPayments(ctx, s.db, engagementID)
}

func listPayments(ctx context.Context, q querier, engagementID uuid.UUID) ([]*engagement.PaymentRecord, error) {
	query := `SELECT ` + selectPaymentColumns + `
		FROM payment_records p
		WHERE p.engagement_id = $1
		ORDER BY p.created_at ASC, p.id ASC`

	rows, err := q.QueryContext(ctx, query, engagementID)
	if err != nil {
		return nil, fmt.Errorf("listing payments: %w", err)
	}
	defer rows.Close()

	var payments []*engagement.PaymentRecord

	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning payment: %w", err)
		}

		payments = append(payments, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating payment rows: %w", err)
	}

	return payments, nil
}

// ListHistory returns the newest entries first.
func (s *Store) ListHistory(ctx context.Context, engagementID uuid.UUID, limit int) ([]*engagement.HistoryEntry, error) {
	query := `SELECT ` + selectHistoryColumns + `
		FROM status_history h
		WHERE h.engagement_id = $1
		ORDER BY h.seq DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, engagementID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	defer rows.Close()

	var entries []*engagement.HistoryEntry

	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning history: %w", err)
		}

		entries = append(entries, h)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history rows: %w", err)
	}

	return entries, nil
}

func (s *Store) CreatePayment(ctx context.Context, p *engagement.PaymentRecord) error {
	return insertPayment(ctx, s.db, p)
}

func insertPayment(ctx context.Context, q querier, p *engagement.PaymentRecord) error {
	query := `
		INSERT INTO payment_records (id, engagement_id, amount, kind, status, external_reference, completed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	if _, err := q.ExecContext(ctx, query,
		p.ID,
		p.EngagementID,
		p.Amount,
		p.Kind,
		p.Status,
		p.ExternalReference,
		p.CompletedAt,
		p.CreatedAt,
	); err != nil {
		return fmt.Errorf("creating payment: %w", err)
	}

	return nil
}

// ApplyTransition performs the optimistic update and appends the history entry
// in one database transaction.
func (s *Store) ApplyTransition(ctx context.Context, t *engagement.Transition) (*engagement.Engagement, *engagement.HistoryEntry, error) {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer dbTx.Rollback()

	updateQuery := `
		UPDATE engagements e
		SET status = $1, version = e.version + 1, updated_at = $2
		WHERE e.id = $3 AND e.status = $4 AND e.version = $5
		RETURNING ` + selectEngagementColumns

	updated, err := scanEngagement(dbTx.QueryRowContext(ctx, updateQuery,
		t.To, t.At, t.EngagementID, t.From, t.ExpectedVersion,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, engagement.ErrConflict
		}

		return nil, nil, fmt.Errorf("updating status: %w", err)
	}

	entry := &engagement.HistoryEntry{
		ID:           uuid.New(),
		EngagementID: t.EngagementID,
		FromStatus:   t.From,
		ToStatus:     t.To,
		ActorID:      t.ActorID,
		Reason:       t.Reason,
		Metadata:     t.Metadata,
		CreatedAt:    t.At,
	}

	historyQuery := `
		INSERT INTO status_history (id, engagement_id, seq, from_status, to_status, actor_id, reason, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)
	`
	if _, err := dbTx.ExecContext(ctx, historyQuery,
		entry.ID,
		entry.EngagementID,
		updated.Version,
		entry.FromStatus,
		entry.ToStatus,
		entry.ActorID,
		entry.Reason,
		nullableJSON(entry.Metadata),
		entry.CreatedAt,
	); err != nil {
		return nil, nil, fmt.Errorf("appending history: %w", err)
	}

	if err := dbTx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("committing transition: %w", err)
	}

	return updated, entry, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}

	return string(raw)
}

// providerLockKey maps a provider onto the advisory lock that serializes its bookings.
func providerLockKey(providerID uuid.UUID) int64 {
	h := fnv.New64a()
	h.Write([]byte("booking"))
	h.Write([]byte{0})
	h.Write(providerID[:])

	return int64(h.Sum64())
}

type bookingTx struct {
	tx *sql.Tx
}

// BeginBooking opens a transaction holding the provider's booking lock until
// commit or rollback, so overlap checks and inserts cannot interleave.
func (s *Store) BeginBooking(ctx context.Context, providerID uuid.UUID) (engagement.BookingTx, error) {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning booking tx: %w", err)
	}

	if _, err := dbTx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", providerLockKey(providerID)); err != nil {
		dbTx.Rollback()
		return nil, fmt.Errorf("acquiring booking lock: %w", err)
	}

	return &bookingTx{tx: dbTx}, nil
}

func (b *bookingTx) Commit() error   { return b.tx.Commit() }
func (b *bookingTx) Rollback() error { return b.tx.Rollback() }

func (b *bookingTx) FindOverlapping(ctx context.Context, providerID uuid.UUID, start, end time.Time) ([]*engagement.Engagement, error) {
	query := `SELECT ` + selectEngagementColumns + `
		FROM engagements e
		WHERE e.provider_id = $1
		  AND e.status IN ('proposed', 'accepted', 'confirmed')
		  AND e.scheduled_start < $3
		  AND e.scheduled_end > $2
		ORDER BY e.scheduled_start ASC`

	rows, err := b.tx.QueryContext(ctx, query, providerID, start, end)
	if err != nil {
		return nil, fmt.Errorf("finding overlapping engagements: %w", err)
	}
	defer rows.Close()

	var overlapping []*engagement.Engagement

	for rows.Next() {
		e, err := scanEngagement(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning engagement: %w", err)
		}

		overlapping = append(overlapping, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating overlapping rows: %w", err)
	}

	return overlapping, nil
}

func (b *bookingTx) CreateEngagement(ctx context.Context, e *engagement.Engagement) error {
	query := `
		INSERT INTO engagements (
			id, provider_id, client_id, status, version, price, currency,
			deposit_required, deposit_amount, scheduled_start, scheduled_end,
			linked_conversation_id, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	var conversation uuid.NullUUID
	if e.LinkedConversationID != nil {
		conversation = uuid.NullUUID{UUID: *e.LinkedConversationID, Valid: true}
	}

	if _, err := b.tx.ExecContext(ctx, query,
		e.ID,
		e.ProviderID,
		e.ClientID,
		e.Status,
		e.Version,
		e.Price,
		e.Currency,
		e.DepositRequired,
		e.DepositAmount,
		e.ScheduledStart,
		e.ScheduledEnd,
		conversation,
		e.CreatedAt,
		e.UpdatedAt,
	); err != nil {
		return fmt.Errorf("creating engagement: %w", err)
	}

	return nil
}

func (b *bookingTx) CreatePayment(ctx context.Context, p *engagement.PaymentRecord) error {
	return insertPayment(ctx, b.tx, p)
}

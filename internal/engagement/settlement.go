package engagement

import (
	"context"
	"time"
)

//go:generate mockgen -source=settlement.go -destination=settlement_mock.go -package=engagement

// SettlementTx holds a payment record and its engagement locked while a
// processor event is applied. Concurrent deliveries for the same reference
// queue behind it, so only the first one sees a pending payment.
type SettlementTx interface {
	Payment() *PaymentRecord
	Engagement() *Engagement
	Payments(ctx context.Context) ([]*PaymentRecord, error)
	MarkPayment(ctx context.Context, status PaymentStatus, at time.Time) error
	Commit() error
	Rollback() error
}

// PaymentEvent is handed to the dispatcher when a processor event settles a
// payment without moving the engagement.
type PaymentEvent struct {
	Engagement *Engagement
	Payment    *PaymentRecord
	Reason     string
	At         time.Time
}

// Package payments talks to the external payment processor: it opens payment
// intents, requests refunds and verifies the signature of processor webhooks.
package payments

import (
	"context"
	"errors"

	"github.com/MrJamesThe3rd/gigflow/internal/engagement"
)

var ErrNotConfigured = errors.New("payment processor not configured")

// Processor is the full processor contract. engagement.Service only needs
// CreatePaymentIntent; the side-effect dispatcher uses Refund.
type Processor interface {
	CreatePaymentIntent(ctx context.Context, req engagement.IntentRequest) (*engagement.PaymentIntent, error)
	Refund(ctx context.Context, reference string) error
}

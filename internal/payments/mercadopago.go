package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/mercadopago/sdk-go/pkg/config"
	"github.com/mercadopago/sdk-go/pkg/payment"
	"github.com/mercadopago/sdk-go/pkg/refund"

	"github.com/MrJamesThe3rd/gigflow/internal/engagement"
	"github.com/MrJamesThe3rd/gigflow/internal/money"
)

var ErrMissingAccessToken = errors.New("missing MERCADOPAGO_ACCESS_TOKEN")

// MercadoPago opens charges through the Mercado Pago payments API. The
// processor payment id is used as the payment's external reference.
type MercadoPago struct {
	payments payment.Client
	refunds  refund.Client
}

func NewMercadoPago(accessToken string) (*MercadoPago, error) {
	if accessToken == "" {
		return nil, ErrMissingAccessToken
	}

	cfg, err := config.New(accessToken)
	if err != nil {
		return nil, fmt.Errorf("creating mercado pago config: %w", err)
	}

	slog.Info("mercado pago client initialized")

	return &MercadoPago{
		payments: payment.NewClient(cfg),
		refunds:  refund.NewClient(cfg),
	}, nil
}

type mpRequest struct {
	TransactionAmount float64           `json:"transaction_amount"`
	Description       string            `json:"description"`
	ExternalReference string            `json:"external_reference"`
	Metadata          map[string]string `json:"metadata"`
}

func (m *MercadoPago) CreatePaymentIntent(ctx context.Context, req engagement.IntentRequest) (*engagement.PaymentIntent, error) {
	if m == nil || m.payments == nil {
		return nil, ErrNotConfigured
	}

	amount, err := money.FromMinor(req.Amount, req.Currency)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(mpRequest{
		TransactionAmount: amount.InexactFloat64(),
		Description:       req.Description,
		ExternalReference: req.PaymentID.String(),
		Metadata: map[string]string{
			"engagement_id": req.EngagementID.String(),
			"kind":          string(req.Kind),
			"currency":      req.Currency,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding payment request: %w", err)
	}

	var mpReq payment.Request
	if err := json.Unmarshal(body, &mpReq); err != nil {
		return nil, fmt.Errorf("decoding payment request: %w", err)
	}

	resp, err := m.payments.Create(ctx, mpReq)
	if err != nil {
		return nil, fmt.Errorf("mercado pago create payment: %w", err)
	}

	slog.Info("payment intent created",
		"engagement_id", req.EngagementID, "provider_payment_id", resp.ID, "provider_status", resp.Status)

	return &engagement.PaymentIntent{ID: fmt.Sprintf("%d", resp.ID)}, nil
}

func (m *MercadoPago) Refund(ctx context.Context, reference string) error {
	if m == nil || m.refunds == nil {
		return ErrNotConfigured
	}

	id, err := strconv.Atoi(reference)
	if err != nil {
		return fmt.Errorf("invalid mercado pago payment id %q: %w", reference, err)
	}

	if _, err := m.refunds.Create(ctx, id); err != nil {
		return fmt.Errorf("mercado pago refund: %w", err)
	}

	slog.Info("refund requested", "provider_payment_id", id)

	return nil
}

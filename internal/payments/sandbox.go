package payments

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/MrJamesThe3rd/gigflow/internal/engagement"
)

// Sandbox is an in-memory processor for local development. Payments are
// settled by posting signed events to the webhook endpoint.
type Sandbox struct {
	mu sync.Mutex
	// refunded by intent id
	intents map[string]bool
}

func NewSandbox() *Sandbox {
	slog.Info("sandbox payment processor enabled")

	return &Sandbox{intents: make(map[string]bool)}
}

func (s *Sandbox) CreatePaymentIntent(_ context.Context, req engagement.IntentRequest) (*engagement.PaymentIntent, error) {
	secret := make([]byte, 16)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}

	id := "pi_" + uuid.NewString()

	s.mu.Lock()
	s.intents[id] = false
	s.mu.Unlock()

	slog.Info("sandbox payment intent created", "intent_id", id, "amount", req.Amount, "currency", req.Currency)

	return &engagement.PaymentIntent{ID: id, ClientSecret: id + "_secret_" + hex.EncodeToString(secret)}, nil
}

func (s *Sandbox) Refund(_ context.Context, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	refunded, ok := s.intents[reference]
	if !ok {
		return engagement.ErrPaymentNotFound
	}

	if refunded {
		return nil
	}

	s.intents[reference] = true
	slog.Info("sandbox payment refunded", "intent_id", reference)

	return nil
}

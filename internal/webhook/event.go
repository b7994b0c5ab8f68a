package webhook

import (
	"encoding/json"
	"strings"

	"github.com/MrJamesThe3rd/gigflow/internal/engagement"
	"github.com/MrJamesThe3rd/gigflow/internal/money"
)

type EventType string

const (
	EventCheckoutCompleted EventType = "checkout.completed"
	EventPaymentSucceeded  EventType = "payment.succeeded"
	EventPaymentFailed     EventType = "payment.failed"
)

func (t EventType) succeeded() bool {
	return t == EventCheckoutCompleted || t == EventPaymentSucceeded
}

func (t EventType) known() bool {
	return t.succeeded() || t == EventPaymentFailed
}

// Event is a processor notification about one payment.
type Event struct {
	ID   string    `json:"id"`
	Type EventType `json:"type"`
	Data EventData `json:"data"`
}

type EventData struct {
	// Reference is the processor id stored as the payment's external reference.
	Reference string `json:"reference"`
	// Amount is a decimal string in major units, e.g. "50.00". Optional.
	Amount   string `json:"amount,omitempty"`
	Currency string `json:"currency,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// DecodeEvent parses a verified payload.
func DecodeEvent(raw []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, engagement.Validationf("malformed event payload: %v", err)
	}

	if ev.Type == "" {
		return nil, engagement.Validationf("event type is required")
	}

	if ev.Type.known() && strings.TrimSpace(ev.Data.Reference) == "" {
		return nil, engagement.Validationf("event %q has no payment reference", ev.ID)
	}

	return &ev, nil
}

// amountIn returns the reported amount in minor units of the engagement's
// currency. ok is false when the event carries no amount.
func (d EventData) amountIn(currency string) (amount int64, ok bool, err error) {
	if d.Amount == "" {
		return 0, false, nil
	}

	if d.Currency != "" && !strings.EqualFold(d.Currency, currency) {
		return 0, true, engagement.Validationf("event currency %s does not match %s", d.Currency, currency)
	}

	amount, err = money.ParseMinor(d.Amount, currency)
	if err != nil {
		return 0, true, engagement.Validationf("%v", err)
	}

	return amount, true, nil
}

// Package webhook applies payment processor events to engagements.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrJamesThe3rd/gigflow/internal/engagement"
)

var tracer = otel.Tracer("github.com/MrJamesThe3rd/gigflow/internal/webhook")

//go:generate mockgen -source=ingestor.go -destination=ingestor_mock.go -package=webhook
type PaymentStore interface {
	BeginSettlement(ctx context.Context, reference string) (engagement.SettlementTx, error)
}

type Transitioner interface {
	TransitionStatus(ctx context.Context, params engagement.TransitionParams) (*engagement.TransitionResult, error)
	SystemActor() uuid.UUID
}

type SignatureVerifier interface {
	Verify(payload []byte, header string) error
}

// Notifier receives payment outcomes that do not move the engagement.
type Notifier interface {
	PaymentFailed(ev engagement.PaymentEvent)
	PaymentRejected(ev engagement.PaymentEvent)
}

// Outcome says what an accepted event did.
type Outcome string

const (
	OutcomeSettled          Outcome = "settled"
	OutcomeTransitioned     Outcome = "transitioned"
	OutcomeReplay           Outcome = "replay"
	OutcomeFailed           Outcome = "failed"
	OutcomeRejected         Outcome = "rejected"
	OutcomeUnknownReference Outcome = "unknown_reference"
	OutcomeIgnored          Outcome = "ignored"
)

type Result struct {
	EventID string
	Outcome Outcome
	Status  engagement.Status
}

type Ingestor struct {
	store    PaymentStore
	service  Transitioner
	verifier SignatureVerifier
	notifier Notifier
	graph    *engagement.Graph
	gate     engagement.Gate
	now      func() time.Time
	backoff  func() backoff.BackOff
	maxTries uint
}

type Option func(*Ingestor)

func WithClock(now func() time.Time) Option {
	return func(i *Ingestor) { i.now = now }
}

// WithRetry sets the backoff used when a webhook-driven transition loses a
// concurrent update race.
func WithRetry(b func() backoff.BackOff, maxTries uint) Option {
	return func(i *Ingestor) {
		i.backoff = b
		i.maxTries = maxTries
	}
}

func NewIngestor(store PaymentStore, service Transitioner, verifier SignatureVerifier, notifier Notifier, opts ...Option) *Ingestor {
	i := &Ingestor{
		store:    store,
		service:  service,
		verifier: verifier,
		notifier: notifier,
		graph:    engagement.Lifecycle(),
		now:      time.Now,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = time.Second

			return b
		},
		maxTries: 4,
	}

	for _, opt := range opts {
		opt(i)
	}

	return i
}

// Handle verifies and applies one processor event. A signature failure is
// returned before anything is read or written. Once the signature holds,
// business mismatches are logged and the event is acknowledged. Store and
// service failures are returned so the processor redelivers the event.
func (i *Ingestor) Handle(ctx context.Context, payload []byte, signature string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "webhook.Handle")
	defer span.End()

	result, err := i.handle(ctx, payload, signature)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return nil, err
	}

	span.SetAttributes(
		attribute.String("webhook.event_id", result.EventID),
		attribute.String("webhook.outcome", string(result.Outcome)),
	)

	return result, nil
}

func (i *Ingestor) handle(ctx context.Context, payload []byte, signature string) (*Result, error) {
	if err := i.verifier.Verify(payload, signature); err != nil {
		slog.Warn("rejected webhook with invalid signature", "error", err)
		return nil, err
	}

	ev, err := DecodeEvent(payload)
	if err != nil {
		return nil, err
	}

	result := &Result{EventID: ev.ID}

	if !ev.Type.known() {
		slog.Info("ignoring webhook event type", "event_id", ev.ID, "type", ev.Type)
		result.Outcome = OutcomeIgnored

		return result, nil
	}

	stx, err := i.store.BeginSettlement(ctx, ev.Data.Reference)
	if err != nil {
		if errors.Is(err, engagement.ErrPaymentNotFound) {
			slog.Warn("webhook for unknown payment reference", "event_id", ev.ID, "payment_reference", ev.Data.Reference)
			result.Outcome = OutcomeUnknownReference

			return result, nil
		}

		return nil, fmt.Errorf("begin settlement: %w", err)
	}
	defer stx.Rollback()

	payment := stx.Payment()
	result.Status = stx.Engagement().Status

	if payment.Status.Terminal() {
		return i.replay(ctx, stx, ev, result)
	}

	if !ev.Type.succeeded() {
		return i.fail(ctx, stx, ev, result)
	}

	return i.settle(ctx, stx, ev, result)
}

func (i *Ingestor) fail(ctx context.Context, stx engagement.SettlementTx, ev *Event, result *Result) (*Result, error) {
	at := i.now().UTC()

	if err := stx.MarkPayment(ctx, engagement.PaymentFailed, at); err != nil {
		return nil, fmt.Errorf("mark payment failed: %w", err)
	}

	if err := stx.Commit(); err != nil {
		return nil, fmt.Errorf("commit settlement: %w", err)
	}

	reason := ev.Data.Reason
	if reason == "" {
		reason = "payment failed at processor"
	}

	i.notifier.PaymentFailed(engagement.PaymentEvent{
		Engagement: stx.Engagement(),
		Payment:    stx.Payment(),
		Reason:     reason,
		At:         at,
	})

	result.Outcome = OutcomeFailed

	return result, nil
}

func (i *Ingestor) settle(ctx context.Context, stx engagement.SettlementTx, ev *Event, result *Result) (*Result, error) {
	e := stx.Engagement()
	payment := stx.Payment()
	at := i.now().UTC()

	payments, err := stx.Payments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}

	if reason := i.admit(e, payment, payments, ev.Data); reason != "" {
		if err := stx.MarkPayment(ctx, engagement.PaymentFailed, at); err != nil {
			return nil, fmt.Errorf("mark payment rejected: %w", err)
		}

		if err := stx.Commit(); err != nil {
			return nil, fmt.Errorf("commit settlement: %w", err)
		}

		slog.Warn("rejected payment",
			"event_id", ev.ID, "engagement_id", e.ID, "payment_reference", payment.ExternalReference, "reason", reason)

		i.notifier.PaymentRejected(engagement.PaymentEvent{Engagement: e, Payment: payment, Reason: reason, At: at})
		result.Outcome = OutcomeRejected

		return result, nil
	}

	if err := stx.MarkPayment(ctx, engagement.PaymentCompleted, at); err != nil {
		return nil, fmt.Errorf("mark payment completed: %w", err)
	}

	// Re-read inside the transaction so the gate sees this payment as completed.
	payments, err = stx.Payments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}

	if err := stx.Commit(); err != nil {
		return nil, fmt.Errorf("commit settlement: %w", err)
	}

	result.Outcome = OutcomeSettled

	target, ok := i.target(e, payments, at)
	if !ok {
		slog.Info("payment settled without a status change",
			"event_id", ev.ID, "engagement_id", e.ID, "status", e.Status, "payment_reference", payment.ExternalReference)

		return result, nil
	}

	return i.transition(ctx, e, target, ev, result)
}

// replay acknowledges a redelivered event for a settled payment. A completed
// payment whose transition never landed gets it now.
func (i *Ingestor) replay(ctx context.Context, stx engagement.SettlementTx, ev *Event, result *Result) (*Result, error) {
	e := stx.Engagement()
	payment := stx.Payment()

	slog.Info("webhook replay for settled payment",
		"event_id", ev.ID, "payment_reference", payment.ExternalReference, "payment_status", payment.Status)

	result.Outcome = OutcomeReplay

	if payment.Status != engagement.PaymentCompleted {
		return result, nil
	}

	payments, err := stx.Payments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}

	target, ok := i.target(e, payments, i.now().UTC())
	if !ok {
		return result, nil
	}

	// The service locks the engagement row itself.
	if err := stx.Rollback(); err != nil {
		return nil, fmt.Errorf("release settlement: %w", err)
	}

	slog.Info("retrying webhook transition", "event_id", ev.ID, "engagement_id", e.ID, "from", e.Status, "to", target)

	return i.transition(ctx, e, target, ev, result)
}

// transition moves e to target on behalf of the settled payment. A transition
// the lifecycle no longer allows is logged and acknowledged. Anything else is
// returned so the processor redelivers the event.
func (i *Ingestor) transition(ctx context.Context, e *engagement.Engagement, target engagement.Status, ev *Event, result *Result) (*Result, error) {
	status, err := i.advance(ctx, e, target, ev)
	if err != nil {
		if stale(err) {
			slog.Warn("webhook transition skipped",
				"event_id", ev.ID, "engagement_id", e.ID, "from", e.Status, "to", target, "error", err)

			return result, nil
		}

		slog.Error("webhook transition failed",
			"event_id", ev.ID, "engagement_id", e.ID, "from", e.Status, "to", target, "error", err)

		return nil, fmt.Errorf("advance engagement %s to %s: %w", e.ID, target, err)
	}

	result.Outcome = OutcomeTransitioned
	result.Status = status

	return result, nil
}

// stale reports whether err means the engagement moved on and the transition
// no longer applies.
func stale(err error) bool {
	switch engagement.KindOf(err) {
	case engagement.KindInvalidTransition, engagement.KindForbidden, engagement.KindPaymentPrecondition, engagement.KindNotFound:
		return true
	}

	return false
}

// admit returns why a success event cannot be applied, or "" when it can.
func (i *Ingestor) admit(e *engagement.Engagement, payment *engagement.PaymentRecord, payments []*engagement.PaymentRecord, data EventData) string {
	amount, reported, err := data.amountIn(e.Currency)
	if err != nil {
		return err.Error()
	}

	if reported && amount != payment.Amount {
		return fmt.Sprintf("processor reported %d, expected %d", amount, payment.Amount)
	}

	if err := i.gate.Admit(e, payments, payment.Amount); err != nil {
		return err.Error()
	}

	return ""
}

// target picks the status a settled payment should move e to.
func (i *Ingestor) target(e *engagement.Engagement, payments []*engagement.PaymentRecord, at time.Time) (engagement.Status, bool) {
	var target engagement.Status

	switch e.Status {
	case engagement.StatusAccepted:
		if !i.gate.DepositSatisfied(e, payments) {
			return "", false
		}

		target = engagement.StatusConfirmed
	case engagement.StatusConfirmed:
		if !i.gate.FullySatisfied(e, payments) || e.ScheduledEnd.After(at) {
			return "", false
		}

		target = engagement.StatusCompleted
	case engagement.StatusProposed, engagement.StatusCompleted, engagement.StatusCancelled, engagement.StatusRescheduled:
		return "", false
	}

	return target, i.graph.Permits(e.Status, target, engagement.RoleSystem)
}

// advance asks the service for the transition, retrying while a concurrent
// update wins the version race.
func (i *Ingestor) advance(ctx context.Context, e *engagement.Engagement, target engagement.Status, ev *Event) (engagement.Status, error) {
	metadata, err := json.Marshal(map[string]string{
		"eventId":          ev.ID,
		"eventType":        string(ev.Type),
		"paymentReference": ev.Data.Reference,
	})
	if err != nil {
		return "", err
	}

	params := engagement.TransitionParams{
		EngagementID: e.ID,
		Target:       target,
		Actor:        engagement.Actor{ID: i.service.SystemActor()},
		Reason:       fmt.Sprintf("payment %s settled", ev.Data.Reference),
		Metadata:     metadata,
	}

	res, err := backoff.Retry(ctx, func() (*engagement.TransitionResult, error) {
		res, err := i.service.TransitionStatus(ctx, params)
		if err != nil && !errors.Is(err, engagement.ErrConflict) {
			return nil, backoff.Permanent(err)
		}

		return res, err
	}, backoff.WithBackOff(i.backoff()), backoff.WithMaxTries(i.maxTries))
	if err != nil {
		return "", err
	}

	return res.Engagement.Status, nil
}

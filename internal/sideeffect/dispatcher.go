// Package sideeffect delivers the consequences of committed engagement
// changes: conversation messages, notifications, invoices and refunds. Every
// effect is retried on its own and failures are only logged.
package sideeffect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrJamesThe3rd/gigflow/internal/engagement"
)

var ErrClosed = errors.New("side-effect dispatcher closed")

// Notification is delivered to one user.
type Notification struct {
	UserID       uuid.UUID
	EngagementID uuid.UUID
	Kind         string
	Title        string
	Body         string
}

//go:generate mockgen -source=dispatcher.go -destination=dispatcher_mock.go -package=sideeffect
type Messenger interface {
	SendToConversation(ctx context.Context, conversationID, senderID uuid.UUID, body string) error
	CreateNotification(ctx context.Context, n Notification) error
}

type Invoicer interface {
	ListPayments(ctx context.Context, engagementID uuid.UUID) ([]*engagement.PaymentRecord, error)
	CreateInvoice(ctx context.Context, engagementID uuid.UUID, amount int64, currency string) (*engagement.Invoice, bool, error)
}

type Refunder interface {
	Refund(ctx context.Context, reference string) error
}

type taskKind int

const (
	taskTransition taskKind = iota
	taskPaymentFailed
	taskPaymentRejected
)

type task struct {
	kind       taskKind
	transition engagement.TransitionEvent
	payment    engagement.PaymentEvent
}

type Config struct {
	Workers     int
	QueueSize   int
	MaxAttempts uint
}

type Dispatcher struct {
	messages  Messenger
	invoices  Invoicer
	refunds   Refunder
	templates *Templates
	gate      engagement.Gate
	cfg       Config
	backoff   func() backoff.BackOff

	mu     sync.RWMutex
	closed bool
	queue  chan task
}

type Option func(*Dispatcher)

// WithBackOff replaces the per-effect retry policy.
func WithBackOff(b func() backoff.BackOff) Option {
	return func(d *Dispatcher) { d.backoff = b }
}

func New(messages Messenger, invoices Invoicer, refunds Refunder, templates *Templates, cfg Config, opts ...Option) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}

	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}

	d := &Dispatcher{
		messages:  messages,
		invoices:  invoices,
		refunds:   refunds,
		templates: templates,
		cfg:       cfg,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second

			return b
		},
		queue: make(chan task, cfg.QueueSize),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

func (d *Dispatcher) TransitionCommitted(ev engagement.TransitionEvent) {
	d.enqueue(task{kind: taskTransition, transition: ev})
}

func (d *Dispatcher) PaymentFailed(ev engagement.PaymentEvent) {
	d.enqueue(task{kind: taskPaymentFailed, payment: ev})
}

func (d *Dispatcher) PaymentRejected(ev engagement.PaymentEvent) {
	d.enqueue(task{kind: taskPaymentRejected, payment: ev})
}

// enqueue never blocks the caller. A full or closed queue drops the task.
func (d *Dispatcher) enqueue(t task) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		slog.Error("dropping side effects", "error", ErrClosed, "engagement_id", t.engagementID())
		return
	}

	select {
	case d.queue <- t:
	default:
		slog.Error("side-effect queue full, dropping side effects", "engagement_id", t.engagementID())
	}
}

// Close stops accepting work. Run returns once the queue is drained.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	d.closed = true
	close(d.queue)
}

// Run processes queued effects until Close is called and the queue is empty.
// Cancelling ctx aborts pending retries.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for range d.cfg.Workers {
		g.Go(func() error {
			for t := range d.queue {
				d.process(ctx, t)
			}

			return nil
		})
	}

	return g.Wait()
}

func (d *Dispatcher) process(ctx context.Context, t task) {
	switch t.kind {
	case taskTransition:
		d.transitionEffects(ctx, t.transition)
	case taskPaymentFailed:
		d.paymentFailedEffects(ctx, t.payment)
	case taskPaymentRejected:
		d.paymentRejectedEffects(ctx, t.payment)
	}
}

func (d *Dispatcher) transitionEffects(ctx context.Context, ev engagement.TransitionEvent) {
	e := ev.Engagement
	log := slog.With("engagement_id", e.ID, "from", ev.From, "to", ev.To)

	msg, err := d.templates.Transition(ev)
	if err != nil {
		log.Error("rendering transition message", "error", err)
		return
	}

	if e.LinkedConversationID != nil {
		d.attempt(ctx, log, "conversation message", func(ctx context.Context) error {
			return d.messages.SendToConversation(ctx, *e.LinkedConversationID, ev.ActorID, msg.Body)
		})
	}

	d.attempt(ctx, log, "counterparty notification", func(ctx context.Context) error {
		return d.messages.CreateNotification(ctx, Notification{
			UserID:       e.Counterparty(ev.ActorRole),
			EngagementID: e.ID,
			Kind:         "engagement." + string(ev.To),
			Title:        msg.Title,
			Body:         msg.Body,
		})
	})

	if ev.To == engagement.StatusCompleted {
		d.attempt(ctx, log, "invoice", func(ctx context.Context) error {
			return d.invoice(ctx, log, e)
		})
	}
}

// invoice issues the engagement's invoice when completed payments cover the
// price. The store's uniqueness guard keeps it to one per engagement.
func (d *Dispatcher) invoice(ctx context.Context, log *slog.Logger, e *engagement.Engagement) error {
	payments, err := d.invoices.ListPayments(ctx, e.ID)
	if err != nil {
		return fmt.Errorf("list payments: %w", err)
	}

	if !d.gate.FullySatisfied(e, payments) {
		log.Warn("completed engagement is not fully paid, no invoice issued")
		return nil
	}

	inv, created, err := d.invoices.CreateInvoice(ctx, e.ID, d.gate.TotalCompleted(payments), e.Currency)
	if err != nil {
		return err
	}

	if created {
		log.Info("invoice issued", "invoice_number", inv.InvoiceNumber)
	} else {
		log.Info("invoice already issued", "invoice_number", inv.InvoiceNumber)
	}

	return nil
}

func (d *Dispatcher) paymentFailedEffects(ctx context.Context, ev engagement.PaymentEvent) {
	log := slog.With("engagement_id", ev.Engagement.ID, "payment_reference", ev.Payment.ExternalReference)
	d.notifyPayer(ctx, log, NoticePaymentFailed, ev)
}

func (d *Dispatcher) paymentRejectedEffects(ctx context.Context, ev engagement.PaymentEvent) {
	log := slog.With("engagement_id", ev.Engagement.ID, "payment_reference", ev.Payment.ExternalReference)

	d.attempt(ctx, log, "refund", func(ctx context.Context) error {
		return d.refunds.Refund(ctx, ev.Payment.ExternalReference)
	})

	d.notifyPayer(ctx, log, NoticePaymentRejected, ev)
}

func (d *Dispatcher) notifyPayer(ctx context.Context, log *slog.Logger, notice PaymentNotice, ev engagement.PaymentEvent) {
	msg, err := d.templates.Payment(notice, ev)
	if err != nil {
		log.Error("rendering payment message", "error", err)
		return
	}

	d.attempt(ctx, log, string(notice)+" notification", func(ctx context.Context) error {
		return d.messages.CreateNotification(ctx, Notification{
			UserID:       ev.Engagement.ClientID,
			EngagementID: ev.Engagement.ID,
			Kind:         "payment." + string(notice),
			Title:        msg.Title,
			Body:         msg.Body,
		})
	})
}

// attempt runs one effect with retries. The error is logged, never returned.
func (d *Dispatcher) attempt(ctx context.Context, log *slog.Logger, effect string, fn func(context.Context) error) {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, fn(ctx)
	},
		backoff.WithBackOff(d.backoff()),
		backoff.WithMaxTries(d.cfg.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("side effect failed, retrying", "effect", effect, "retry_in", next, "error", err)
		}),
	)
	if err != nil {
		log.Error("side effect abandoned", "effect", effect, "error", err)
	}
}

func (t task) engagementID() uuid.UUID {
	if t.kind == taskTransition && t.transition.Engagement != nil {
		return t.transition.Engagement.ID
	}

	if t.payment.Engagement != nil {
		return t.payment.Engagement.ID
	}

	return uuid.Nil
}

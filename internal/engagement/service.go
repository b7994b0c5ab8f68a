package engagement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/text/currency"
)

const (
	historyPreviewLimit = 10
	maxReasonLength     = 500
)

var tracer = otel.Tracer("github.com/MrJamesThe3rd/gigflow/internal/engagement")

//go:generate mockgen -source=service.go -destination=repository_mock.go -package=engagement
type Repository interface {
	GetEngagement(ctx context.Context, id uuid.UUID) (*Engagement, error)
	ListPayments(ctx context.Context, engagementID uuid.UUID) ([]*PaymentRecord, error)
	ListHistory(ctx context.Context, engagementID uuid.UUID, limit int) ([]*HistoryEntry, error)
	CreatePayment(ctx context.Context, p *PaymentRecord) error

	// ApplyTransition updates the status only if the stored version still
	// equals t.ExpectedVersion, appending the history entry in the same
	// database transaction. It returns ErrConflict when the update matched no row.
	ApplyTransition(ctx context.Context, t *Transition) (*Engagement, *HistoryEntry, error)

	BeginBooking(ctx context.Context, providerID uuid.UUID) (BookingTx, error)
}

// BookingTx serializes bookings for one provider until Commit or Rollback.
type BookingTx interface {
	FindOverlapping(ctx context.Context, providerID uuid.UUID, start, end time.Time) ([]*Engagement, error)
	CreateEngagement(ctx context.Context, e *Engagement) error
	CreatePayment(ctx context.Context, p *PaymentRecord) error
	Commit() error
	Rollback() error
}

// Directory resolves the platform role of a user.
type Directory interface {
	LookupRole(ctx context.Context, userID uuid.UUID) (Role, error)
}

// PaymentProcessor creates payment intents at the external processor.
type PaymentProcessor interface {
	CreatePaymentIntent(ctx context.Context, req IntentRequest) (*PaymentIntent, error)
}

// Dispatcher receives committed transitions for best-effort side effects.
type Dispatcher interface {
	TransitionCommitted(ev TransitionEvent)
}

// IntentRequest describes a charge to open at the processor.
type IntentRequest struct {
	EngagementID uuid.UUID
	PaymentID    uuid.UUID
	Amount       int64
	Currency     string
	Kind         PaymentKind
	Description  string
}

// Transition is a conditional status update plus its history entry.
type Transition struct {
	EngagementID    uuid.UUID
	From            Status
	To              Status
	ExpectedVersion int64
	ActorID         uuid.UUID
	Reason          string
	Metadata        json.RawMessage
	At              time.Time
}

// TransitionEvent is handed to the dispatcher after a transition commits.
type TransitionEvent struct {
	Engagement *Engagement
	From       Status
	To         Status
	ActorID    uuid.UUID
	ActorRole  Role
	Reason     string
	At         time.Time
}

type Service struct {
	repo      Repository
	directory Directory
	processor PaymentProcessor
	effects   Dispatcher
	graph     *Graph
	gate      Gate
	systemID  uuid.UUID
	now       func() time.Time
}

type Option func(*Service)

// WithSystemActor sets the actor id used by the platform itself.
func WithSystemActor(id uuid.UUID) Option {
	return func(s *Service) { s.systemID = id }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, directory Directory, processor PaymentProcessor, effects Dispatcher, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		directory: directory,
		processor: processor,
		effects:   effects,
		graph:     Lifecycle(),
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// SystemActor returns the actor id used for platform-initiated transitions.
func (s *Service) SystemActor() uuid.UUID { return s.systemID }

// Actor identifies who is calling. Admin is set only from an admin token.
type Actor struct {
	ID    uuid.UUID
	Admin bool
}

// resolveRole maps an actor onto its role for e. A party acts as that party
// even when it also holds an admin token.
func (s *Service) resolveRole(e *Engagement, actor Actor) (Role, error) {
	switch {
	case s.systemID != uuid.Nil && actor.ID == s.systemID:
		return RoleSystem, nil
	case actor.ID == e.ProviderID:
		return RoleProvider, nil
	case actor.ID == e.ClientID:
		return RoleClient, nil
	case actor.Admin:
		return RoleAdmin, nil
	}

	return "", forbidden(CodeNotAParty, "actor %s is not a party to engagement %s", actor.ID, e.ID)
}

// actingRole is the role used to move e to target. An admin party falls back
// to RoleAdmin only for edges its party role may not take.
func (s *Service) actingRole(e *Engagement, actor Actor, target Status) (Role, error) {
	role, err := s.resolveRole(e, actor)
	if err != nil {
		return "", err
	}

	if actor.Admin && !s.graph.Permits(e.Status, target, role) && s.graph.Permits(e.Status, target, RoleAdmin) {
		return RoleAdmin, nil
	}

	return role, nil
}

type CreateParams struct {
	ActorID         uuid.UUID
	ProviderID      uuid.UUID
	ClientID        uuid.UUID
	Price           int64
	Currency        string
	DepositRequired bool
	DepositAmount   int64
	ScheduledStart  time.Time
	ScheduledEnd    time.Time
	ConversationID  *uuid.UUID
}

type CreateResult struct {
	Engagement *Engagement
	Payment    *PaymentRecord
	Intent     *PaymentIntent
}

func (p *CreateParams) validate() error {
	switch {
	case p.ProviderID == uuid.Nil || p.ClientID == uuid.Nil:
		return Validationf("providerId and clientId are required")
	case p.ProviderID == p.ClientID:
		return Validationf("provider and client must be different users")
	case p.ActorID != p.ProviderID && p.ActorID != p.ClientID:
		return forbidden(CodeNotAParty, "only the provider or the client may propose an engagement")
	case p.Price <= 0:
		return Validationf("price must be positive")
	case p.ScheduledStart.IsZero() || p.ScheduledEnd.IsZero():
		return Validationf("scheduledStart and scheduledEnd are required")
	case !p.ScheduledStart.Before(p.ScheduledEnd):
		return Validationf("scheduledStart must be before scheduledEnd")
	}

	if p.DepositRequired && (p.DepositAmount <= 0 || p.DepositAmount > p.Price) {
		return Validationf("depositAmount must be between 1 and the price")
	}

	unit, err := currency.ParseISO(p.Currency)
	if err != nil {
		return Validationf("unknown currency %q", p.Currency)
	}

	p.Currency = unit.String()

	return nil
}

// Create proposes a new engagement. The overlap check, the engagement row, the
// initial payment record and the processor intent succeed or fail together.
func (s *Service) Create(ctx context.Context, params CreateParams) (*CreateResult, error) {
	ctx, span := tracer.Start(ctx, "engagement.Create")
	defer span.End()

	result, err := s.create(ctx, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return nil, err
	}

	span.SetAttributes(attribute.String("engagement.id", result.Engagement.ID.String()))

	return result, nil
}

func (s *Service) create(ctx context.Context, params CreateParams) (*CreateResult, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	if err := s.expectRole(ctx, params.ProviderID, RoleProvider); err != nil {
		return nil, err
	}

	if err := s.expectRole(ctx, params.ClientID, RoleClient); err != nil {
		return nil, err
	}

	btx, err := s.repo.BeginBooking(ctx, params.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("begin booking: %w", err)
	}
	defer btx.Rollback()

	overlapping, err := btx.FindOverlapping(ctx, params.ProviderID, params.ScheduledStart, params.ScheduledEnd)
	if err != nil {
		return nil, fmt.Errorf("find overlapping: %w", err)
	}

	if len(overlapping) > 0 {
		return nil, ErrSlotUnavailable
	}

	now := s.now().UTC()
	e := &Engagement{
		ID:                   uuid.New(),
		ProviderID:           params.ProviderID,
		ClientID:             params.ClientID,
		Status:               StatusProposed,
		Version:              1,
		Price:                params.Price,
		Currency:             params.Currency,
		DepositRequired:      params.DepositRequired,
		DepositAmount:        params.DepositAmount,
		ScheduledStart:       params.ScheduledStart.UTC(),
		ScheduledEnd:         params.ScheduledEnd.UTC(),
		LinkedConversationID: params.ConversationID,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if err := btx.CreateEngagement(ctx, e); err != nil {
		return nil, fmt.Errorf("create engagement: %w", err)
	}

	payment := &PaymentRecord{
		ID:           uuid.New(),
		EngagementID: e.ID,
		Amount:       e.Price,
		Kind:         PaymentKindFull,
		Status:       PaymentPending,
		CreatedAt:    now,
	}
	if e.DepositRequired {
		payment.Amount = e.DepositAmount
		payment.Kind = PaymentKindDeposit
	}

	intent, err := s.processor.CreatePaymentIntent(ctx, IntentRequest{
		EngagementID: e.ID,
		PaymentID:    payment.ID,
		Amount:       payment.Amount,
		Currency:     e.Currency,
		Kind:         payment.Kind,
		Description:  fmt.Sprintf("%s payment for engagement %s", payment.Kind, e.ID),
	})
	if err != nil {
		return nil, ExternalService("creating payment intent", err)
	}

	payment.ExternalReference = intent.ID

	if err := btx.CreatePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}

	if err := btx.Commit(); err != nil {
		slog.Error("booking commit failed, payment intent left orphaned",
			"engagement_id", e.ID, "payment_reference", intent.ID, "error", err)

		return nil, fmt.Errorf("commit booking: %w", err)
	}

	return &CreateResult{Engagement: e, Payment: payment, Intent: intent}, nil
}

func (s *Service) expectRole(ctx context.Context, userID uuid.UUID, want Role) error {
	role, err := s.directory.LookupRole(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrPartyNotFound) {
			return Validationf("%s %s does not exist", want, userID)
		}

		return fmt.Errorf("looking up %s: %w", want, err)
	}

	if role != want {
		return Validationf("user %s is not a %s", userID, want)
	}

	return nil
}

type TransitionParams struct {
	EngagementID uuid.UUID
	Target       Status
	Actor        Actor
	Reason       string
	Metadata     json.RawMessage
}

type TransitionResult struct {
	Engagement *Engagement
	Previous   Status
	History    *HistoryEntry
}

// TransitionStatus moves an engagement to params.Target. Validation, role,
// payment and conflict failures leave the engagement untouched. Side effects
// are handed to the dispatcher only after the change commits.
func (s *Service) TransitionStatus(ctx context.Context, params TransitionParams) (*TransitionResult, error) {
	ctx, span := tracer.Start(ctx, "engagement.TransitionStatus")
	defer span.End()

	span.SetAttributes(
		attribute.String("engagement.id", params.EngagementID.String()),
		attribute.String("engagement.target", string(params.Target)),
	)

	result, err := s.transition(ctx, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return nil, err
	}

	return result, nil
}

func (s *Service) transition(ctx context.Context, params TransitionParams) (*TransitionResult, error) {
	if _, err := ParseStatus(string(params.Target)); err != nil {
		return nil, err
	}

	if utf8.RuneCountInString(params.Reason) > maxReasonLength {
		return nil, Validationf("reason must be at most %d characters", maxReasonLength)
	}

	if len(params.Metadata) > 0 && !isJSONObject(params.Metadata) {
		return nil, Validationf("metadata must be a JSON object")
	}

	e, err := s.repo.GetEngagement(ctx, params.EngagementID)
	if err != nil {
		return nil, err
	}

	role, err := s.actingRole(e, params.Actor, params.Target)
	if err != nil {
		return nil, err
	}

	if err := s.graph.Check(e.Status, params.Target, role); err != nil {
		return nil, err
	}

	payments, err := s.repo.ListPayments(ctx, e.ID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}

	if err := s.gate.Require(params.Target, e, payments); err != nil {
		return nil, err
	}

	at := s.now().UTC()

	updated, entry, err := s.repo.ApplyTransition(ctx, &Transition{
		EngagementID:    e.ID,
		From:            e.Status,
		To:              params.Target,
		ExpectedVersion: e.Version,
		ActorID:         params.Actor.ID,
		Reason:          params.Reason,
		Metadata:        params.Metadata,
		At:              at,
	})
	if err != nil {
		return nil, err
	}

	s.effects.TransitionCommitted(TransitionEvent{
		Engagement: updated,
		From:       e.Status,
		To:         params.Target,
		ActorID:    params.Actor.ID,
		ActorRole:  role,
		Reason:     params.Reason,
		At:         at,
	})

	return &TransitionResult{Engagement: updated, Previous: e.Status, History: entry}, nil
}

// Get returns the engagement if the actor may see it.
func (s *Service) Get(ctx context.Context, id uuid.UUID, actor Actor) (*Engagement, error) {
	e, err := s.repo.GetEngagement(ctx, id)
	if err != nil {
		return nil, err
	}

	if _, err := s.resolveRole(e, actor); err != nil {
		return nil, err
	}

	return e, nil
}

type Overview struct {
	Engagement *Engagement
	Role       Role
	Next       []Status
	Payments   PaymentSummary
	History    []*HistoryEntry
}

// StatusOverview reports the current status, the moves open to the caller,
// the payment summary and the latest history entries.
func (s *Service) StatusOverview(ctx context.Context, id uuid.UUID, actor Actor) (*Overview, error) {
	e, err := s.repo.GetEngagement(ctx, id)
	if err != nil {
		return nil, err
	}

	role, err := s.resolveRole(e, actor)
	if err != nil {
		return nil, err
	}

	payments, err := s.repo.ListPayments(ctx, e.ID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}

	history, err := s.repo.ListHistory(ctx, e.ID, historyPreviewLimit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}

	return &Overview{
		Engagement: e,
		Role:       role,
		Next:       s.graph.NextFor(e.Status, role),
		Payments:   s.gate.Summary(e, payments),
		History:    history,
	}, nil
}

type BalanceResult struct {
	Payment *PaymentRecord
	Intent  *PaymentIntent
}

// RequestBalancePayment opens a payment for whatever the client still owes.
func (s *Service) RequestBalancePayment(ctx context.Context, id uuid.UUID, actor Actor) (*BalanceResult, error) {
	e, err := s.repo.GetEngagement(ctx, id)
	if err != nil {
		return nil, err
	}

	role, err := s.resolveRole(e, actor)
	if err != nil {
		return nil, err
	}

	if role != RoleClient {
		return nil, forbidden(CodeRoleNotPermitted, "only the client pays for an engagement")
	}

	if e.Status != StatusAccepted && e.Status != StatusConfirmed {
		return nil, Validationf("payments are open only while the engagement is accepted or confirmed, not %s", e.Status)
	}

	payments, err := s.repo.ListPayments(ctx, e.ID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}

	owed := s.gate.Outstanding(e, payments)
	if owed == 0 {
		return nil, ErrAlreadyPaid
	}

	// The deposit settles through its own record before any balance opens.
	if !s.gate.DepositSatisfied(e, payments) {
		return nil, ErrDepositMissing
	}

	payment := &PaymentRecord{
		ID:           uuid.New(),
		EngagementID: e.ID,
		Amount:       owed,
		Kind:         PaymentKindBalance,
		Status:       PaymentPending,
		CreatedAt:    s.now().UTC(),
	}

	intent, err := s.processor.CreatePaymentIntent(ctx, IntentRequest{
		EngagementID: e.ID,
		PaymentID:    payment.ID,
		Amount:       owed,
		Currency:     e.Currency,
		Kind:         PaymentKindBalance,
		Description:  fmt.Sprintf("balance payment for engagement %s", e.ID),
	})
	if err != nil {
		return nil, ExternalService("creating payment intent", err)
	}

	payment.ExternalReference = intent.ID

	if err := s.repo.CreatePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}

	return &BalanceResult{Payment: payment, Intent: intent}, nil
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "{") {
		return false
	}

	return json.Valid(raw)
}

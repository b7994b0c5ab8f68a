package engagement

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of an engagement.
type Status string

const (
	StatusProposed    Status = "proposed"
	StatusAccepted    Status = "accepted"
	StatusConfirmed   Status = "confirmed"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusRescheduled Status = "rescheduled"
)

// Statuses lists every lifecycle status in graph order.
var Statuses = []Status{
	StatusProposed,
	StatusAccepted,
	StatusConfirmed,
	StatusCompleted,
	StatusCancelled,
	StatusRescheduled,
}

// ParseStatus returns the status named by s or a validation error.
func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, nil
		}
	}

	return "", Validationf("unknown status %q", s)
}

// Active reports whether the engagement still occupies the provider's calendar.
func (s Status) Active() bool {
	switch s {
	case StatusProposed, StatusAccepted, StatusConfirmed:
		return true
	case StatusCompleted, StatusCancelled, StatusRescheduled:
		return false
	}

	return false
}

// Role is the capacity in which an actor acts on an engagement.
type Role string

const (
	RoleProvider Role = "provider"
	RoleClient   Role = "client"
	// RoleSystem is the payment webhook acting on behalf of the platform.
	RoleSystem Role = "system"
	// RoleAdmin is granted only through an admin token. A party holding one
	// acts as admin only on edges its party role cannot take.
	RoleAdmin Role = "admin"
)

// Engagement is a scheduled service agreement between a provider and a client.
type Engagement struct {
	ID                   uuid.UUID
	ProviderID           uuid.UUID
	ClientID             uuid.UUID
	Status               Status
	Version              int64
	Price                int64 // Amount in minor units
	Currency             string
	DepositRequired      bool
	DepositAmount        int64
	ScheduledStart       time.Time
	ScheduledEnd         time.Time
	LinkedConversationID *uuid.UUID
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Overlaps reports whether the engagement's window intersects [start, end).
func (e *Engagement) Overlaps(start, end time.Time) bool {
	return e.ScheduledStart.Before(end) && e.ScheduledEnd.After(start)
}

// Counterparty returns the party that did not act. Transitions made by the
// platform are reported to the provider.
func (e *Engagement) Counterparty(role Role) uuid.UUID {
	if role == RoleProvider {
		return e.ClientID
	}

	return e.ProviderID
}

// PaymentKind describes what part of the price a payment covers.
type PaymentKind string

const (
	PaymentKindDeposit PaymentKind = "deposit"
	PaymentKindFull    PaymentKind = "full"
	PaymentKindBalance PaymentKind = "balance"
)

// PaymentStatus is the settlement state of a payment record.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// Terminal reports whether the payment can no longer change.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentCompleted || s == PaymentFailed
}

// PaymentRecord is a single charge against an engagement.
type PaymentRecord struct {
	ID                uuid.UUID
	EngagementID      uuid.UUID
	Amount            int64 // Amount in minor units
	Kind              PaymentKind
	Status            PaymentStatus
	ExternalReference string
	CompletedAt       *time.Time
	CreatedAt         time.Time
}

// HistoryEntry is an immutable record of a status change.
type HistoryEntry struct {
	ID           uuid.UUID
	EngagementID uuid.UUID
	FromStatus   Status
	ToStatus     Status
	ActorID      uuid.UUID
	Reason       string
	Metadata     json.RawMessage
	CreatedAt    time.Time
}

// InvoiceStatus is always paid: invoices are issued only once the price is covered.
type InvoiceStatus string

const InvoicePaid InvoiceStatus = "paid"

// Invoice is issued at most once per engagement, after completion.
type Invoice struct {
	ID            uuid.UUID
	EngagementID  uuid.UUID
	InvoiceNumber string
	Amount        int64
	Currency      string
	Status        InvoiceStatus
	CreatedAt     time.Time
}

// PaymentIntent is the processor-side handle the client uses to pay.
type PaymentIntent struct {
	ID           string
	ClientSecret string
}

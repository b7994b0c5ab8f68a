package engagement

import (
	"errors"
	"fmt"
)

// Kind classifies an error so callers can explain precisely why an action failed.
type Kind string

const (
	KindValidation          Kind = "validation_error"
	KindNotFound            Kind = "not_found"
	KindForbidden           Kind = "forbidden"
	KindInvalidTransition   Kind = "invalid_transition"
	KindConflict            Kind = "conflict"
	KindPaymentPrecondition Kind = "payment_precondition"
	KindSlotUnavailable     Kind = "slot_unavailable"
	KindSignature           Kind = "signature_error"
	KindExternalService     Kind = "external_service_error"
)

// Machine-readable codes carried alongside the kind.
const (
	CodeInvalidInput         = "INVALID_INPUT"
	CodeNotFound             = "NOT_FOUND"
	CodePartyNotFound        = "PARTY_NOT_FOUND"
	CodePaymentNotFound      = "PAYMENT_NOT_FOUND"
	CodeNotAParty            = "NOT_A_PARTY"
	CodeRoleNotPermitted     = "ROLE_NOT_PERMITTED"
	CodeInvalidTransition    = "INVALID_TRANSITION"
	CodeVersionConflict      = "VERSION_CONFLICT"
	CodeDepositMissing       = "DEPOSIT_MISSING"
	CodeBalanceMissing       = "BALANCE_MISSING"
	CodeOverpayment          = "OVERPAYMENT"
	CodeAlreadyPaid          = "ALREADY_PAID"
	CodeSlotUnavailable      = "SLOT_UNAVAILABLE"
	CodeSignatureInvalid     = "SIGNATURE_INVALID"
	CodeProcessorUnavailable = "PROCESSOR_UNAVAILABLE"
)

// Error is the single error type returned by the engagement domain.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind, and on code when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	if t.Kind != e.Kind {
		return false
	}

	return t.Code == "" || t.Code == e.Code
}

var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrNotFound            = &Error{Kind: KindNotFound, Code: CodeNotFound, Message: "engagement not found"}
	ErrForbidden           = &Error{Kind: KindForbidden}
	ErrInvalidTransition   = &Error{Kind: KindInvalidTransition}
	ErrConflict            = &Error{Kind: KindConflict, Code: CodeVersionConflict, Message: "engagement was modified concurrently"}
	ErrPaymentPrecondition = &Error{Kind: KindPaymentPrecondition}
	ErrSlotUnavailable     = &Error{Kind: KindSlotUnavailable, Code: CodeSlotUnavailable, Message: "provider is already booked for this window"}
	ErrSignature           = &Error{Kind: KindSignature, Code: CodeSignatureInvalid, Message: "webhook signature verification failed"}
	ErrExternalService     = &Error{Kind: KindExternalService}

	ErrDepositMissing = &Error{Kind: KindPaymentPrecondition, Code: CodeDepositMissing, Message: "deposit not yet paid"}
	ErrBalanceMissing = &Error{Kind: KindPaymentPrecondition, Code: CodeBalanceMissing, Message: "full payment not yet received"}
	ErrOverpayment    = &Error{Kind: KindPaymentPrecondition, Code: CodeOverpayment, Message: "payment would exceed the agreed price"}
	ErrAlreadyPaid    = &Error{Kind: KindPaymentPrecondition, Code: CodeAlreadyPaid, Message: "nothing left to pay"}

	ErrPartyNotFound   = &Error{Kind: KindNotFound, Code: CodePartyNotFound, Message: "party not found"}
	ErrPaymentNotFound = &Error{Kind: KindNotFound, Code: CodePaymentNotFound, Message: "payment not found"}
)

// Validationf builds a validation error with a formatted message.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: CodeInvalidInput, Message: fmt.Sprintf(format, args...)}
}

func forbidden(code, format string, args ...any) *Error {
	return &Error{Kind: KindForbidden, Code: code, Message: fmt.Sprintf(format, args...)}
}

func invalidTransition(from, to Status) *Error {
	return &Error{
		Kind:    KindInvalidTransition,
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("cannot move from %s to %s", from, to),
	}
}

// ExternalService wraps a failure of an injected collaborator.
func ExternalService(message string, err error) *Error {
	return &Error{Kind: KindExternalService, Code: CodeProcessorUnavailable, Message: message, Err: err}
}

// KindOf returns the kind of err, or "" for infrastructure errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return ""
}

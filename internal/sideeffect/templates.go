package sideeffect

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"golang.org/x/text/language"

	"github.com/MrJamesThe3rd/gigflow/internal/engagement"
	"github.com/MrJamesThe3rd/gigflow/internal/money"
)

// Message is a rendered notification or conversation entry.
type Message struct {
	Title string
	Body  string
}

type messageTemplate struct {
	title *template.Template
	body  *template.Template
}

// PaymentNotice names the payment outcomes that produce a message.
type PaymentNotice string

const (
	NoticePaymentFailed   PaymentNotice = "payment_failed"
	NoticePaymentRejected PaymentNotice = "payment_rejected"
)

var paymentNotices = []PaymentNotice{NoticePaymentFailed, NoticePaymentRejected}

type transitionData struct {
	Engagement *engagement.Engagement
	From       engagement.Status
	To         engagement.Status
	ActorRole  engagement.Role
	Reason     string
}

type paymentData struct {
	Engagement *engagement.Engagement
	Payment    *engagement.PaymentRecord
	Reason     string
}

var defaultTransitionTemplates = map[engagement.Status][2]string{
	engagement.StatusProposed: {
		"New engagement proposal",
		`A {{role .ActorRole}} proposed an engagement on {{when .Engagement.ScheduledStart}} for {{money .Engagement.Price .Engagement.Currency}}.`,
	},
	engagement.StatusAccepted: {
		"Engagement accepted",
		`The engagement on {{when .Engagement.ScheduledStart}} was accepted.{{if .Engagement.DepositRequired}} A deposit of {{money .Engagement.DepositAmount .Engagement.Currency}} confirms the booking.{{end}}`,
	},
	engagement.StatusConfirmed: {
		"Engagement confirmed",
		`The engagement on {{when .Engagement.ScheduledStart}} is confirmed{{if eq .ActorRole "system"}} now that payment was received{{end}}.`,
	},
	engagement.StatusCompleted: {
		"Engagement completed",
		`The engagement on {{when .Engagement.ScheduledStart}} is complete. Thank you!`,
	},
	engagement.StatusCancelled: {
		"Engagement cancelled",
		`The engagement on {{when .Engagement.ScheduledStart}} was cancelled by the {{role .ActorRole}}.{{with .Reason}} Reason: {{.}}{{end}}`,
	},
	engagement.StatusRescheduled: {
		"Engagement needs a new time",
		`The {{role .ActorRole}} asked to reschedule the engagement on {{when .Engagement.ScheduledStart}}.{{with .Reason}} Reason: {{.}}{{end}}`,
	},
}

var defaultPaymentTemplates = map[PaymentNotice][2]string{
	NoticePaymentFailed: {
		"Payment failed",
		`Your {{.Payment.Kind}} payment of {{money .Payment.Amount .Engagement.Currency}} did not go through.{{with .Reason}} ({{.}}){{end}}`,
	},
	NoticePaymentRejected: {
		"Payment refunded",
		`Your {{.Payment.Kind}} payment of {{money .Payment.Amount .Engagement.Currency}} could not be applied and is being refunded.`,
	},
}

// Templates renders messages. There is exactly one template per target
// status and one per payment notice.
type Templates struct {
	transitions map[engagement.Status]messageTemplate
	payments    map[PaymentNotice]messageTemplate
}

// NewTemplates parses the built-in templates, formatting amounts for tag.
func NewTemplates(tag language.Tag) (*Templates, error) {
	funcs := template.FuncMap{
		"money": func(amount int64, currency string) string { return money.Format(amount, currency, tag) },
		"when":  func(t time.Time) string { return t.UTC().Format("Mon 2 Jan 2006 15:04 MST") },
		"role":  func(r engagement.Role) string { return strings.ToLower(string(r)) },
	}

	t := &Templates{
		transitions: make(map[engagement.Status]messageTemplate, len(engagement.Statuses)),
		payments:    make(map[PaymentNotice]messageTemplate, len(paymentNotices)),
	}

	for _, status := range engagement.Statuses {
		src, ok := defaultTransitionTemplates[status]
		if !ok {
			return nil, fmt.Errorf("no message template for status %s", status)
		}

		mt, err := parse(string(status), src, funcs)
		if err != nil {
			return nil, err
		}

		t.transitions[status] = mt
	}

	for _, notice := range paymentNotices {
		src, ok := defaultPaymentTemplates[notice]
		if !ok {
			return nil, fmt.Errorf("no message template for %s", notice)
		}

		mt, err := parse(string(notice), src, funcs)
		if err != nil {
			return nil, err
		}

		t.payments[notice] = mt
	}

	return t, nil
}

func parse(name string, src [2]string, funcs template.FuncMap) (messageTemplate, error) {
	title, err := template.New(name + ".title").Funcs(funcs).Option("missingkey=error").Parse(src[0])
	if err != nil {
		return messageTemplate{}, fmt.Errorf("parsing %s title: %w", name, err)
	}

	body, err := template.New(name + ".body").Funcs(funcs).Option("missingkey=error").Parse(src[1])
	if err != nil {
		return messageTemplate{}, fmt.Errorf("parsing %s body: %w", name, err)
	}

	return messageTemplate{title: title, body: body}, nil
}

func (t *Templates) Transition(ev engagement.TransitionEvent) (Message, error) {
	mt, ok := t.transitions[ev.To]
	if !ok {
		return Message{}, fmt.Errorf("no message template for status %s", ev.To)
	}

	return mt.render(transitionData{
		Engagement: ev.Engagement,
		From:       ev.From,
		To:         ev.To,
		ActorRole:  ev.ActorRole,
		Reason:     ev.Reason,
	})
}

func (t *Templates) Payment(notice PaymentNotice, ev engagement.PaymentEvent) (Message, error) {
	mt, ok := t.payments[notice]
	if !ok {
		return Message{}, fmt.Errorf("no message template for %s", notice)
	}

	return mt.render(paymentData{Engagement: ev.Engagement, Payment: ev.Payment, Reason: ev.Reason})
}

func (mt messageTemplate) render(data any) (Message, error) {
	var title, body strings.Builder

	if err := mt.title.Execute(&title, data); err != nil {
		return Message{}, fmt.Errorf("rendering title: %w", err)
	}

	if err := mt.body.Execute(&body, data); err != nil {
		return Message{}, fmt.Errorf("rendering body: %w", err)
	}

	return Message{Title: title.String(), Body: body.String()}, nil
}

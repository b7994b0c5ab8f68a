package engagement

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/MrJamesThe3rd/gigflow/internal/engagement"
)

type engagementResponse struct {
	ID                   uuid.UUID         `json:"id"`
	ProviderID           uuid.UUID         `json:"providerId"`
	ClientID             uuid.UUID         `json:"clientId"`
	Status               engagement.Status `json:"status"`
	Version              int64             `json:"version"`
	Price                int64             `json:"price"`
	Currency             string            `json:"currency"`
	DepositRequired      bool              `json:"depositRequired"`
	DepositAmount        int64             `json:"depositAmount"`
	ScheduledStart       time.Time         `json:"scheduledStart"`
	ScheduledEnd         time.Time         `json:"scheduledEnd"`
	LinkedConversationID *uuid.UUID        `json:"linkedConversationId,omitempty"`
	CreatedAt            time.Time         `json:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt"`
}

type paymentResponse struct {
	ID                uuid.UUID                `json:"id"`
	Amount            int64                    `json:"amount"`
	Kind              engagement.PaymentKind   `json:"kind"`
	Status            engagement.PaymentStatus `json:"status"`
	ExternalReference string                   `json:"externalReference"`
	CompletedAt       *time.Time               `json:"completedAt,omitempty"`
	CreatedAt         time.Time                `json:"createdAt"`
}

type intentResponse struct {
	ID           string `json:"id"`
	ClientSecret string `json:"clientSecret,omitempty"`
}

type historyResponse struct {
	ID         uuid.UUID         `json:"id"`
	FromStatus engagement.Status `json:"fromStatus"`
	ToStatus   engagement.Status `json:"toStatus"`
	ActorID    uuid.UUID         `json:"actorId"`
	Reason     string            `json:"reason,omitempty"`
	Metadata   json.RawMessage   `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

type createResponse struct {
	Engagement    engagementResponse `json:"engagement"`
	Payment       paymentResponse    `json:"payment"`
	PaymentIntent intentResponse     `json:"paymentIntent"`
}

type transitionResponse struct {
	Engagement     engagementResponse `json:"engagement"`
	PreviousStatus engagement.Status  `json:"previousStatus"`
	History        *historyResponse   `json:"history,omitempty"`
}

type statusResponse struct {
	Status       engagement.Status         `json:"status"`
	Version      int64                     `json:"version"`
	Role         engagement.Role           `json:"role"`
	NextStatuses []engagement.Status       `json:"nextStatuses"`
	Payments     engagement.PaymentSummary `json:"payments"`
	History      []historyResponse         `json:"history"`
}

type balanceResponse struct {
	Payment       paymentResponse `json:"payment"`
	PaymentIntent intentResponse  `json:"paymentIntent"`
}

func toEngagementResponse(e *engagement.Engagement) engagementResponse {
	return engagementResponse{
		ID:                   e.ID,
		ProviderID:           e.ProviderID,
		ClientID:             e.ClientID,
		Status:               e.Status,
		Version:              e.Version,
		Price:                e.Price,
		Currency:             e.Currency,
		DepositRequired:      e.DepositRequired,
		DepositAmount:        e.DepositAmount,
		ScheduledStart:       e.ScheduledStart,
		ScheduledEnd:         e.ScheduledEnd,
		LinkedConversationID: e.LinkedConversationID,
		CreatedAt:            e.CreatedAt,
		UpdatedAt:            e.UpdatedAt,
	}
}

func toPaymentResponse(p *engagement.PaymentRecord) paymentResponse {
	return paymentResponse{
		ID:                p.ID,
		Amount:            p.Amount,
		Kind:              p.Kind,
		Status:            p.Status,
		ExternalReference: p.ExternalReference,
		CompletedAt:       p.CompletedAt,
		CreatedAt:         p.CreatedAt,
	}
}

func toIntentResponse(i *engagement.PaymentIntent) intentResponse {
	return intentResponse{ID: i.ID, ClientSecret: i.ClientSecret}
}

func toHistoryResponse(h *engagement.HistoryEntry) historyResponse {
	return historyResponse{
		ID:         h.ID,
		FromStatus: h.FromStatus,
		ToStatus:   h.ToStatus,
		ActorID:    h.ActorID,
		Reason:     h.Reason,
		Metadata:   h.Metadata,
		CreatedAt:  h.CreatedAt,
	}
}

func toHistoryList(entries []*engagement.HistoryEntry) []historyResponse {
	list := make([]historyResponse, 0, len(entries))
	for _, h := range entries {
		list = append(list, toHistoryResponse(h))
	}

	return list
}

func toStatusResponse(o *engagement.Overview) statusResponse {
	next := o.Next
	if next == nil {
		next = []engagement.Status{}
	}

	return statusResponse{
		Status:       o.Engagement.Status,
		Version:      o.Engagement.Version,
		Role:         o.Role,
		NextStatuses: next,
		Payments:     o.Payments,
		History:      toHistoryList(o.History),
	}
}

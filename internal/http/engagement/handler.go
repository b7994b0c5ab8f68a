package engagement

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/MrJamesThe3rd/gigflow/internal/engagement"
	"github.com/MrJamesThe3rd/gigflow/internal/http/middleware"
	"github.com/MrJamesThe3rd/gigflow/internal/http/respond"
)

type Handler struct {
	svc *engagement.Service
}

func NewHandler(svc *engagement.Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/{id}", h.get)
	r.Get("/{id}/status", h.status)
	r.Patch("/{id}/status", h.updateStatus)
	r.Post("/{id}/payments", h.createPayment)
}

type createEngagementRequest struct {
	ProviderID      uuid.UUID  `json:"providerId"`
	ClientID        uuid.UUID  `json:"clientId"`
	Price           int64      `json:"price"`
	Currency        string     `json:"currency"`
	DepositRequired bool       `json:"depositRequired"`
	DepositAmount   int64      `json:"depositAmount"`
	ScheduledStart  time.Time  `json:"scheduledStart"`
	ScheduledEnd    time.Time  `json:"scheduledEnd"`
	ConversationID  *uuid.UUID `json:"conversationId"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFrom(r.Context())
	if !ok {
		respond.Error(w, r, engagement.Validationf("missing caller identity"))
		return
	}

	var req createEngagementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, r, engagement.Validationf("invalid request body: %v", err))
		return
	}

	res, err := h.svc.Create(r.Context(), engagement.CreateParams{
		ActorID:         actor.ID,
		ProviderID:      req.ProviderID,
		ClientID:        req.ClientID,
		Price:           req.Price,
		Currency:        req.Currency,
		DepositRequired: req.DepositRequired,
		DepositAmount:   req.DepositAmount,
		ScheduledStart:  req.ScheduledStart,
		ScheduledEnd:    req.ScheduledEnd,
		ConversationID:  req.ConversationID,
	})
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	respond.JSON(w, http.StatusCreated, createResponse{
		Engagement:    toEngagementResponse(res.Engagement),
		Payment:       toPaymentResponse(res.Payment),
		PaymentIntent: toIntentResponse(res.Intent),
	})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := target(w, r)
	if !ok {
		return
	}

	e, err := h.svc.Get(r.Context(), id, actor)
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	respond.JSON(w, http.StatusOK, toEngagementResponse(e))
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := target(w, r)
	if !ok {
		return
	}

	overview, err := h.svc.StatusOverview(r.Context(), id, actor)
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	respond.JSON(w, http.StatusOK, toStatusResponse(overview))
}

type updateStatusRequest struct {
	Status   engagement.Status `json:"status"`
	Reason   string            `json:"reason"`
	Metadata json.RawMessage   `json:"metadata"`
}

func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := target(w, r)
	if !ok {
		return
	}

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, r, engagement.Validationf("invalid request body: %v", err))
		return
	}

	if req.Status == "" {
		respond.Error(w, r, engagement.Validationf("status is required"))
		return
	}

	res, err := h.svc.TransitionStatus(r.Context(), engagement.TransitionParams{
		EngagementID: id,
		Target:       req.Status,
		Actor:        actor,
		Reason:       req.Reason,
		Metadata:     req.Metadata,
	})
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	resp := transitionResponse{
		Engagement:     toEngagementResponse(res.Engagement),
		PreviousStatus: res.Previous,
	}

	if res.History != nil {
		history := toHistoryResponse(res.History)
		resp.History = &history
	}

	respond.JSON(w, http.StatusOK, resp)
}

func (h *Handler) createPayment(w http.ResponseWriter, r *http.Request) {
	id, actor, ok := target(w, r)
	if !ok {
		return
	}

	res, err := h.svc.RequestBalancePayment(r.Context(), id, actor)
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	respond.JSON(w, http.StatusCreated, balanceResponse{
		Payment:       toPaymentResponse(res.Payment),
		PaymentIntent: toIntentResponse(res.Intent),
	})
}

// target reads the engagement id and the caller, writing the error response
// itself when either is missing.
func target(w http.ResponseWriter, r *http.Request) (uuid.UUID, engagement.Actor, bool) {
	actor, ok := middleware.ActorFrom(r.Context())
	if !ok {
		respond.Error(w, r, engagement.Validationf("missing caller identity"))
		return uuid.Nil, engagement.Actor{}, false
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respond.Error(w, r, engagement.Validationf("invalid engagement id"))
		return uuid.Nil, engagement.Actor{}, false
	}

	return id, actor, true
}

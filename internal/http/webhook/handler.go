package webhook

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MrJamesThe3rd/gigflow/internal/engagement"
	"github.com/MrJamesThe3rd/gigflow/internal/http/respond"
	"github.com/MrJamesThe3rd/gigflow/internal/payments"
	"github.com/MrJamesThe3rd/gigflow/internal/webhook"
)

const maxPayloadBytes = 1 << 20

type Handler struct {
	ingestor *webhook.Ingestor
}

func NewHandler(ingestor *webhook.Ingestor) *Handler {
	return &Handler{ingestor: ingestor}
}

func (h *Handler) Routes(r chi.Router) {
	r.Post("/payments", h.payments)
}

type ackResponse struct {
	Received bool            `json:"received"`
	EventID  string          `json:"eventId,omitempty"`
	Outcome  webhook.Outcome `json:"outcome"`
}

func (h *Handler) payments(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		respond.Error(w, r, engagement.Validationf("reading payload: %v", err))
		return
	}

	res, err := h.ingestor.Handle(r.Context(), payload, r.Header.Get(payments.SignatureHeader))
	if err != nil {
		respond.Error(w, r, err)
		return
	}

	respond.JSON(w, http.StatusOK, ackResponse{Received: true, EventID: res.EventID, Outcome: res.Outcome})
}

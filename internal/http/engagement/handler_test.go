package engagement_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/sync/errgroup"

	"github.com/MrJamesThe3rd/gigflow/internal/engagement"
	handler "github.com/MrJamesThe3rd/gigflow/internal/http/engagement"
	"github.com/MrJamesThe3rd/gigflow/internal/http/middleware"
)

var (
	now        = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	providerID = uuid.New()
	clientID   = uuid.New()
	strangerID = uuid.New()
)

type mocks struct {
	repo      *engagement.MockRepository
	directory *engagement.MockDirectory
	processor *engagement.MockPaymentProcessor
	effects   *engagement.MockDispatcher
}

type server struct {
	router http.Handler
	auth   *middleware.Authenticator
	m      mocks
}

func newServer(t *testing.T) *server {
	t.Helper()

	ctrl := gomock.NewController(t)
	m := mocks{
		repo:      engagement.NewMockRepository(ctrl),
		directory: engagement.NewMockDirectory(ctrl),
		processor: engagement.NewMockPaymentProcessor(ctrl),
		effects:   engagement.NewMockDispatcher(ctrl),
	}

	svc := engagement.NewService(m.repo, m.directory, m.processor, m.effects,
		engagement.WithClock(func() time.Time { return now }),
	)

	auth := middleware.NewAuthenticator("test-secret")

	r := chi.NewRouter()
	r.Route("/engagements", func(r chi.Router) {
		r.Use(auth.Handler)
		handler.NewHandler(svc).Routes(r)
	})

	return &server{router: r, auth: auth, m: m}
}

func (s *server) do(t *testing.T, actor uuid.UUID, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	if actor != uuid.Nil {
		token, err := s.auth.Issue(actor, false, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	return rec
}

type errorResponse struct {
	Error struct {
		Kind    string `json:"kind"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()

	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	return body
}

func stored(status engagement.Status) *engagement.Engagement {
	return &engagement.Engagement{
		ID:              uuid.New(),
		ProviderID:      providerID,
		ClientID:        clientID,
		Status:          status,
		Version:         3,
		Price:           20000,
		Currency:        "EUR",
		DepositRequired: true,
		DepositAmount:   5000,
		ScheduledStart:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		ScheduledEnd:    time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
	}
}

func completed(kind engagement.PaymentKind, amount int64) *engagement.PaymentRecord {
	return &engagement.PaymentRecord{ID: uuid.New(), Kind: kind, Status: engagement.PaymentCompleted, Amount: amount}
}

func apply(e *engagement.Engagement) func(context.Context, *engagement.Transition) (*engagement.Engagement, *engagement.HistoryEntry, error) {
	return func(_ context.Context, tr *engagement.Transition) (*engagement.Engagement, *engagement.HistoryEntry, error) {
		updated := *e
		updated.Status = tr.To
		updated.Version = tr.ExpectedVersion + 1

		return &updated, &engagement.HistoryEntry{
			ID:           uuid.New(),
			EngagementID: e.ID,
			FromStatus:   tr.From,
			ToStatus:     tr.To,
			ActorID:      tr.ActorID,
			Reason:       tr.Reason,
			CreatedAt:    tr.At,
		}, nil
	}
}

func TestHandler_Create(t *testing.T) {
	body := map[string]any{
		"providerId":      providerID,
		"clientId":        clientID,
		"price":           20000,
		"currency":        "EUR",
		"depositRequired": true,
		"depositAmount":   5000,
		"scheduledStart":  "2026-03-10T10:00:00Z",
		"scheduledEnd":    "2026-03-10T11:00:00Z",
	}

	expectParties := func(m mocks) {
		m.directory.EXPECT().LookupRole(gomock.Any(), providerID).Return(engagement.RoleProvider, nil)
		m.directory.EXPECT().LookupRole(gomock.Any(), clientID).Return(engagement.RoleClient, nil)
	}

	t.Run("created", func(t *testing.T) {
		s := newServer(t)
		btx := engagement.NewMockBookingTx(gomock.NewController(t))

		expectParties(s.m)
		s.m.repo.EXPECT().BeginBooking(gomock.Any(), providerID).Return(btx, nil)
		btx.EXPECT().FindOverlapping(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, nil)
		btx.EXPECT().CreateEngagement(gomock.Any(), gomock.Any()).Return(nil)
		s.m.processor.EXPECT().
			CreatePaymentIntent(gomock.Any(), gomock.Any()).
			Return(&engagement.PaymentIntent{ID: "pi_1", ClientSecret: "pi_1_secret"}, nil)
		btx.EXPECT().CreatePayment(gomock.Any(), gomock.Any()).Return(nil)
		btx.EXPECT().Commit().Return(nil)
		btx.EXPECT().Rollback().Return(nil)

		rec := s.do(t, clientID, http.MethodPost, "/engagements/", body)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		var resp struct {
			Engagement struct {
				Status engagement.Status `json:"status"`
				Price  int64             `json:"price"`
			} `json:"engagement"`
			Payment struct {
				Kind   engagement.PaymentKind `json:"kind"`
				Amount int64                  `json:"amount"`
			} `json:"payment"`
			PaymentIntent struct {
				ID           string `json:"id"`
				ClientSecret string `json:"clientSecret"`
			} `json:"paymentIntent"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

		assert.Equal(t, engagement.StatusProposed, resp.Engagement.Status)
		assert.Equal(t, int64(20000), resp.Engagement.Price)
		assert.Equal(t, engagement.PaymentKindDeposit, resp.Payment.Kind)
		assert.Equal(t, int64(5000), resp.Payment.Amount)
		assert.Equal(t, "pi_1", resp.PaymentIntent.ID)
		assert.Equal(t, "pi_1_secret", resp.PaymentIntent.ClientSecret)
	})

	t.Run("slot unavailable", func(t *testing.T) {
		s := newServer(t)
		btx := engagement.NewMockBookingTx(gomock.NewController(t))

		expectParties(s.m)
		s.m.repo.EXPECT().BeginBooking(gomock.Any(), providerID).Return(btx, nil)
		btx.EXPECT().
			FindOverlapping(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return([]*engagement.Engagement{stored(engagement.StatusProposed)}, nil)
		btx.EXPECT().Rollback().Return(nil)

		rec := s.do(t, clientID, http.MethodPost, "/engagements/", body)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, engagement.CodeSlotUnavailable, decodeError(t, rec).Error.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		s := newServer(t)

		rec := s.do(t, clientID, http.MethodPost, "/engagements/", "not an object")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, string(engagement.KindValidation), decodeError(t, rec).Error.Kind)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		s := newServer(t)

		rec := s.do(t, uuid.Nil, http.MethodPost, "/engagements/", body)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestHandler_UpdateStatus(t *testing.T) {
	tests := []struct {
		name       string
		status     engagement.Status
		actor      uuid.UUID
		target     engagement.Status
		payments   []*engagement.PaymentRecord
		wantStatus int
		wantCode   string
	}{
		{
			name:       "client accepts",
			status:     engagement.StatusProposed,
			actor:      clientID,
			target:     engagement.StatusAccepted,
			wantStatus: http.StatusOK,
		},
		{
			name:       "not an edge",
			status:     engagement.StatusProposed,
			actor:      providerID,
			target:     engagement.StatusCompleted,
			wantStatus: http.StatusBadRequest,
			wantCode:   engagement.CodeInvalidTransition,
		},
		{
			name:       "provider may not accept",
			status:     engagement.StatusProposed,
			actor:      providerID,
			target:     engagement.StatusAccepted,
			wantStatus: http.StatusForbidden,
			wantCode:   engagement.CodeRoleNotPermitted,
		},
		{
			name:       "stranger",
			status:     engagement.StatusProposed,
			actor:      strangerID,
			target:     engagement.StatusCancelled,
			wantStatus: http.StatusForbidden,
			wantCode:   engagement.CodeNotAParty,
		},
		{
			name:       "deposit missing",
			status:     engagement.StatusAccepted,
			actor:      providerID,
			target:     engagement.StatusConfirmed,
			wantStatus: http.StatusBadRequest,
			wantCode:   engagement.CodeDepositMissing,
		},
		{
			name:       "deposit paid",
			status:     engagement.StatusAccepted,
			actor:      providerID,
			target:     engagement.StatusConfirmed,
			payments:   []*engagement.PaymentRecord{completed(engagement.PaymentKindDeposit, 5000)},
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newServer(t)
			e := stored(tt.status)

			s.m.repo.EXPECT().GetEngagement(gomock.Any(), e.ID).Return(e, nil)
			s.m.repo.EXPECT().ListPayments(gomock.Any(), e.ID).Return(tt.payments, nil).MaxTimes(1)

			if tt.wantStatus == http.StatusOK {
				s.m.repo.EXPECT().ApplyTransition(gomock.Any(), gomock.Any()).DoAndReturn(apply(e))
				s.m.effects.EXPECT().TransitionCommitted(gomock.Any())
			}

			rec := s.do(t, tt.actor, http.MethodPatch, "/engagements/"+e.ID.String()+"/status", map[string]any{
				"status": tt.target,
				"reason": "because",
			})
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, decodeError(t, rec).Error.Code)
				return
			}

			var resp struct {
				Engagement struct {
					Status  engagement.Status `json:"status"`
					Version int64             `json:"version"`
				} `json:"engagement"`
				PreviousStatus engagement.Status `json:"previousStatus"`
				History        struct {
					Reason string `json:"reason"`
				} `json:"history"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

			assert.Equal(t, tt.target, resp.Engagement.Status)
			assert.Equal(t, int64(4), resp.Engagement.Version)
			assert.Equal(t, tt.status, resp.PreviousStatus)
			assert.Equal(t, "because", resp.History.Reason)
		})
	}
}

func TestHandler_UpdateStatus_BadRequest(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, clientID, http.MethodPatch, "/engagements/not-a-uuid/status", map[string]any{"status": "accepted"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, clientID, http.MethodPatch, "/engagements/"+uuid.NewString()+"/status", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, clientID, http.MethodPatch, "/engagements/"+uuid.NewString()+"/status", map[string]any{"status": "paid"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// Two completion requests race on the same version: one wins, one gets 409.
func TestHandler_UpdateStatus_ConcurrentCompletion(t *testing.T) {
	s := newServer(t)
	e := stored(engagement.StatusConfirmed)

	var (
		mu      sync.Mutex
		version = e.Version
		reads   sync.WaitGroup
	)

	reads.Add(2)

	s.m.repo.EXPECT().
		GetEngagement(gomock.Any(), e.ID).
		DoAndReturn(func(context.Context, uuid.UUID) (*engagement.Engagement, error) {
			snapshot := *e

			reads.Done()
			reads.Wait()

			return &snapshot, nil
		}).
		Times(2)
	s.m.repo.EXPECT().
		ListPayments(gomock.Any(), e.ID).
		Return([]*engagement.PaymentRecord{completed(engagement.PaymentKindFull, 20000)}, nil).
		Times(2)
	s.m.repo.EXPECT().
		ApplyTransition(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, tr *engagement.Transition) (*engagement.Engagement, *engagement.HistoryEntry, error) {
			mu.Lock()
			defer mu.Unlock()

			if tr.ExpectedVersion != version {
				return nil, nil, engagement.ErrConflict
			}

			version++

			return apply(e)(ctx, tr)
		}).
		Times(2)
	s.m.effects.EXPECT().TransitionCommitted(gomock.Any()).Times(1)

	codes := make([]int, 2)

	var g errgroup.Group
	for i := range codes {
		g.Go(func() error {
			codes[i] = s.do(t, providerID, http.MethodPatch, "/engagements/"+e.ID.String()+"/status",
				map[string]any{"status": engagement.StatusCompleted}).Code

			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.ElementsMatch(t, []int{http.StatusOK, http.StatusConflict}, codes)
}

func TestHandler_Status(t *testing.T) {
	s := newServer(t)
	e := stored(engagement.StatusAccepted)

	s.m.repo.EXPECT().GetEngagement(gomock.Any(), e.ID).Return(e, nil)
	s.m.repo.EXPECT().
		ListPayments(gomock.Any(), e.ID).
		Return([]*engagement.PaymentRecord{completed(engagement.PaymentKindDeposit, 5000)}, nil)
	s.m.repo.EXPECT().
		ListHistory(gomock.Any(), e.ID, 10).
		Return([]*engagement.HistoryEntry{{ID: uuid.New(), FromStatus: engagement.StatusProposed, ToStatus: engagement.StatusAccepted, ActorID: clientID}}, nil)

	rec := s.do(t, providerID, http.MethodGet, "/engagements/"+e.ID.String()+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Status       engagement.Status   `json:"status"`
		Role         engagement.Role     `json:"role"`
		NextStatuses []engagement.Status `json:"nextStatuses"`
		Payments     struct {
			DepositPaid bool  `json:"depositPaid"`
			FullyPaid   bool  `json:"fullyPaid"`
			TotalPaid   int64 `json:"totalPaid"`
		} `json:"payments"`
		History []struct {
			ToStatus engagement.Status `json:"toStatus"`
		} `json:"history"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.Equal(t, engagement.StatusAccepted, resp.Status)
	assert.Equal(t, engagement.RoleProvider, resp.Role)
	assert.ElementsMatch(t, []engagement.Status{engagement.StatusConfirmed, engagement.StatusCancelled}, resp.NextStatuses)
	assert.True(t, resp.Payments.DepositPaid)
	assert.False(t, resp.Payments.FullyPaid)
	assert.Equal(t, int64(5000), resp.Payments.TotalPaid)
	require.Len(t, resp.History, 1)
	assert.Equal(t, engagement.StatusAccepted, resp.History[0].ToStatus)
}

func TestHandler_Get(t *testing.T) {
	t.Run("party", func(t *testing.T) {
		s := newServer(t)
		e := stored(engagement.StatusProposed)

		s.m.repo.EXPECT().GetEngagement(gomock.Any(), e.ID).Return(e, nil)

		rec := s.do(t, clientID, http.MethodGet, "/engagements/"+e.ID.String(), nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("stranger", func(t *testing.T) {
		s := newServer(t)
		e := stored(engagement.StatusProposed)

		s.m.repo.EXPECT().GetEngagement(gomock.Any(), e.ID).Return(e, nil)

		rec := s.do(t, strangerID, http.MethodGet, "/engagements/"+e.ID.String(), nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("unknown", func(t *testing.T) {
		s := newServer(t)
		id := uuid.New()

		s.m.repo.EXPECT().GetEngagement(gomock.Any(), id).Return(nil, engagement.ErrNotFound)

		rec := s.do(t, clientID, http.MethodGet, "/engagements/"+id.String(), nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, engagement.CodeNotFound, decodeError(t, rec).Error.Code)
	})
}

func TestHandler_CreatePayment(t *testing.T) {
	t.Run("balance requested", func(t *testing.T) {
		s := newServer(t)
		e := stored(engagement.StatusConfirmed)

		s.m.repo.EXPECT().GetEngagement(gomock.Any(), e.ID).Return(e, nil)
		s.m.repo.EXPECT().
			ListPayments(gomock.Any(), e.ID).
			Return([]*engagement.PaymentRecord{completed(engagement.PaymentKindDeposit, 5000)}, nil)
		s.m.processor.EXPECT().
			CreatePaymentIntent(gomock.Any(), gomock.Any()).
			Return(&engagement.PaymentIntent{ID: "pi_balance", ClientSecret: "secret"}, nil)
		s.m.repo.EXPECT().CreatePayment(gomock.Any(), gomock.Any()).Return(nil)

		rec := s.do(t, clientID, http.MethodPost, "/engagements/"+e.ID.String()+"/payments", nil)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		var resp struct {
			Payment struct {
				Amount int64                  `json:"amount"`
				Kind   engagement.PaymentKind `json:"kind"`
			} `json:"payment"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, int64(15000), resp.Payment.Amount)
		assert.Equal(t, engagement.PaymentKindBalance, resp.Payment.Kind)
	})

	t.Run("deposit pending", func(t *testing.T) {
		s := newServer(t)
		e := stored(engagement.StatusAccepted)

		s.m.repo.EXPECT().GetEngagement(gomock.Any(), e.ID).Return(e, nil)
		s.m.repo.EXPECT().ListPayments(gomock.Any(), e.ID).Return(nil, nil)

		rec := s.do(t, clientID, http.MethodPost, "/engagements/"+e.ID.String()+"/payments", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, engagement.CodeDepositMissing, decodeError(t, rec).Error.Code)
	})

	t.Run("processor down", func(t *testing.T) {
		s := newServer(t)
		e := stored(engagement.StatusConfirmed)

		s.m.repo.EXPECT().GetEngagement(gomock.Any(), e.ID).Return(e, nil)
		s.m.repo.EXPECT().
			ListPayments(gomock.Any(), e.ID).
			Return([]*engagement.PaymentRecord{completed(engagement.PaymentKindDeposit, 5000)}, nil)
		s.m.processor.EXPECT().CreatePaymentIntent(gomock.Any(), gomock.Any()).Return(nil, context.DeadlineExceeded)

		rec := s.do(t, clientID, http.MethodPost, "/engagements/"+e.ID.String()+"/payments", nil)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Equal(t, engagement.CodeProcessorUnavailable, decodeError(t, rec).Error.Code)
	})
}

package engagement_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/sync/errgroup"

	"github.com/MrJamesThe3rd/gigflow/internal/engagement"
)

var fixedNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type mocks struct {
	repo      *engagement.MockRepository
	directory *engagement.MockDirectory
	processor *engagement.MockPaymentProcessor
	effects   *engagement.MockDispatcher
}

func newService(t *testing.T) (*engagement.Service, mocks) {
	t.Helper()

	ctrl := gomock.NewController(t)

	m := mocks{
		repo:      engagement.NewMockRepository(ctrl),
		directory: engagement.NewMockDirectory(ctrl),
		processor: engagement.NewMockPaymentProcessor(ctrl),
		effects:   engagement.NewMockDispatcher(ctrl),
	}

	svc := engagement.NewService(m.repo, m.directory, m.processor, m.effects,
		engagement.WithClock(func() time.Time { return fixedNow }),
		engagement.WithSystemActor(systemID),
	)

	return svc, m
}

var (
	providerID = uuid.MustParse("7b0c3a3e-0d0e-4b8f-9d51-2f1f8f1a0001")
	clientID   = uuid.MustParse("7b0c3a3e-0d0e-4b8f-9d51-2f1f8f1a0002")
	systemID   = uuid.MustParse("7b0c3a3e-0d0e-4b8f-9d51-2f1f8f1a00ff")
	strangerID = uuid.MustParse("7b0c3a3e-0d0e-4b8f-9d51-2f1f8f1a0003")
)

func validCreateParams() engagement.CreateParams {
	return engagement.CreateParams{
		ActorID:         clientID,
		ProviderID:      providerID,
		ClientID:        clientID,
		Price:           20000,
		Currency:        "eur",
		DepositRequired: true,
		DepositAmount:   5000,
		ScheduledStart:  time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC),
		ScheduledEnd:    time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC),
	}
}

func expectParties(m mocks) {
	m.directory.EXPECT().LookupRole(gomock.Any(), providerID).Return(engagement.RoleProvider, nil)
	m.directory.EXPECT().LookupRole(gomock.Any(), clientID).Return(engagement.RoleClient, nil)
}

func TestService_Create(t *testing.T) {
	svc, m := newService(t)
	btx := engagement.NewMockBookingTx(gomock.NewController(t))

	params := validCreateParams()
	conversationID := uuid.New()
	params.ConversationID = &conversationID

	expectParties(m)
	m.repo.EXPECT().BeginBooking(gomock.Any(), providerID).Return(btx, nil)
	btx.EXPECT().FindOverlapping(gomock.Any(), providerID, params.ScheduledStart, params.ScheduledEnd).Return(nil, nil)
	btx.EXPECT().CreateEngagement(gomock.Any(), gomock.Any()).Return(nil)
	m.processor.EXPECT().
		CreatePaymentIntent(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req engagement.IntentRequest) (*engagement.PaymentIntent, error) {
			assert.Equal(t, int64(5000), req.Amount)
			assert.Equal(t, "EUR", req.Currency)
			assert.Equal(t, engagement.PaymentKindDeposit, req.Kind)

			return &engagement.PaymentIntent{ID: "pi_123", ClientSecret: "pi_123_secret"}, nil
		})
	btx.EXPECT().
		CreatePayment(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, p *engagement.PaymentRecord) error {
			assert.Equal(t, "pi_123", p.ExternalReference)
			assert.Equal(t, engagement.PaymentPending, p.Status)
			return nil
		})
	btx.EXPECT().Commit().Return(nil)
	btx.EXPECT().Rollback().Return(nil)

	got, err := svc.Create(context.Background(), params)
	require.NoError(t, err)

	assert.Equal(t, engagement.StatusProposed, got.Engagement.Status)
	assert.Equal(t, "EUR", got.Engagement.Currency)
	assert.Equal(t, &conversationID, got.Engagement.LinkedConversationID)
	assert.Equal(t, engagement.PaymentKindDeposit, got.Payment.Kind)
	assert.Equal(t, got.Engagement.ID, got.Payment.EngagementID)
	assert.Equal(t, "pi_123_secret", got.Intent.ClientSecret)
}

func TestService_Create_FullPaymentWithoutDeposit(t *testing.T) {
	svc, m := newService(t)
	btx := engagement.NewMockBookingTx(gomock.NewController(t))

	params := validCreateParams()
	params.DepositRequired = false
	params.DepositAmount = 0

	expectParties(m)
	m.repo.EXPECT().BeginBooking(gomock.Any(), providerID).Return(btx, nil)
	btx.EXPECT().FindOverlapping(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, nil)
	btx.EXPECT().CreateEngagement(gomock.Any(), gomock.Any()).Return(nil)
	m.processor.EXPECT().CreatePaymentIntent(gomock.Any(), gomock.Any()).Return(&engagement.PaymentIntent{ID: "pi_full"}, nil)
	btx.EXPECT().CreatePayment(gomock.Any(), gomock.Any()).Return(nil)
	btx.EXPECT().Commit().Return(nil)
	btx.EXPECT().Rollback().Return(nil)

	got, err := svc.Create(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, engagement.PaymentKindFull, got.Payment.Kind)
	assert.Equal(t, int64(20000), got.Payment.Amount)
}

func TestService_Create_SlotUnavailable(t *testing.T) {
	svc, m := newService(t)
	btx := engagement.NewMockBookingTx(gomock.NewController(t))

	params := validCreateParams()
	existing := &engagement.Engagement{
		ID:             uuid.New(),
		ProviderID:     providerID,
		Status:         engagement.StatusProposed,
		ScheduledStart: time.Date(2026, 3, 10, 10, 30, 0, 0, time.UTC),
		ScheduledEnd:   time.Date(2026, 3, 10, 11, 30, 0, 0, time.UTC),
	}

	expectParties(m)
	m.repo.EXPECT().BeginBooking(gomock.Any(), providerID).Return(btx, nil)
	btx.EXPECT().FindOverlapping(gomock.Any(), providerID, params.ScheduledStart, params.ScheduledEnd).
		Return([]*engagement.Engagement{existing}, nil)
	btx.EXPECT().Rollback().Return(nil)

	got, err := svc.Create(context.Background(), params)
	assert.ErrorIs(t, err, engagement.ErrSlotUnavailable)
	assert.Nil(t, got)
}

func TestService_Create_ProcessorUnavailable(t *testing.T) {
	svc, m := newService(t)
	btx := engagement.NewMockBookingTx(gomock.NewController(t))

	expectParties(m)
	m.repo.EXPECT().BeginBooking(gomock.Any(), providerID).Return(btx, nil)
	btx.EXPECT().FindOverlapping(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, nil)
	btx.EXPECT().CreateEngagement(gomock.Any(), gomock.Any()).Return(nil)
	m.processor.EXPECT().CreatePaymentIntent(gomock.Any(), gomock.Any()).Return(nil, errors.New("connection refused"))
	btx.EXPECT().Rollback().Return(nil)

	got, err := svc.Create(context.Background(), validCreateParams())
	assert.ErrorIs(t, err, engagement.ErrExternalService)
	assert.Nil(t, got)
}

func TestService_Create_Validation(t *testing.T) {
	type testCase struct {
		name    string
		mutate  func(p *engagement.CreateParams)
		wantErr error
	}

	tests := []testCase{
		{
			name:    "same provider and client",
			mutate:  func(p *engagement.CreateParams) { p.ClientID = providerID },
			wantErr: engagement.ErrValidation,
		},
		{
			name:    "actor is not a party",
			mutate:  func(p *engagement.CreateParams) { p.ActorID = strangerID },
			wantErr: engagement.ErrForbidden,
		},
		{
			name:    "non positive price",
			mutate:  func(p *engagement.CreateParams) { p.Price = 0 },
			wantErr: engagement.ErrValidation,
		},
		{
			name:    "end before start",
			mutate:  func(p *engagement.CreateParams) { p.ScheduledEnd = p.ScheduledStart.Add(-time.Hour) },
			wantErr: engagement.ErrValidation,
		},
		{
			name:    "deposit above price",
			mutate:  func(p *engagement.CreateParams) { p.DepositAmount = 20001 },
			wantErr: engagement.ErrValidation,
		},
		{
			name:    "unknown currency",
			mutate:  func(p *engagement.CreateParams) { p.Currency = "XYZW" },
			wantErr: engagement.ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newService(t)

			params := validCreateParams()
			tt.mutate(&params)

			got, err := svc.Create(context.Background(), params)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, got)
		})
	}
}

func TestService_Create_PartyRoles(t *testing.T) {
	t.Run("unknown provider", func(t *testing.T) {
		svc, m := newService(t)
		m.directory.EXPECT().LookupRole(gomock.Any(), providerID).Return(engagement.Role(""), engagement.ErrPartyNotFound)

		_, err := svc.Create(context.Background(), validCreateParams())
		assert.ErrorIs(t, err, engagement.ErrValidation)
	})

	t.Run("client holds provider role", func(t *testing.T) {
		svc, m := newService(t)
		m.directory.EXPECT().LookupRole(gomock.Any(), providerID).Return(engagement.RoleProvider, nil)
		m.directory.EXPECT().LookupRole(gomock.Any(), clientID).Return(engagement.RoleProvider, nil)

		_, err := svc.Create(context.Background(), validCreateParams())
		assert.ErrorIs(t, err, engagement.ErrValidation)
	})
}

func stored(status engagement.Status) *engagement.Engagement {
	return &engagement.Engagement{
		ID:              uuid.MustParse("0c9a1f0e-7d2b-4c55-9a38-5d8f3c2e0001"),
		ProviderID:      providerID,
		ClientID:        clientID,
		Status:          status,
		Version:         3,
		Price:           20000,
		Currency:        "EUR",
		DepositRequired: true,
		DepositAmount:   5000,
		ScheduledStart:  time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC),
		ScheduledEnd:    time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC),
	}
}

func applied(e *engagement.Engagement) func(context.Context, *engagement.Transition) (*engagement.Engagement, *engagement.HistoryEntry, error) {
	return func(_ context.Context, tr *engagement.Transition) (*engagement.Engagement, *engagement.HistoryEntry, error) {
		next := *e
		next.Status = tr.To
		next.Version = tr.ExpectedVersion + 1

		return &next, &engagement.HistoryEntry{
			ID:           uuid.New(),
			EngagementID: tr.EngagementID,
			FromStatus:   tr.From,
			ToStatus:     tr.To,
			ActorID:      tr.ActorID,
			Reason:       tr.Reason,
			CreatedAt:    tr.At,
		}, nil
	}
}

func TestService_TransitionStatus(t *testing.T) {
	depositPaid := []*engagement.PaymentRecord{
		payment(engagement.PaymentKindDeposit, engagement.PaymentCompleted, 5000),
	}

	type testCase struct {
		name      string
		current   engagement.Status
		target    engagement.Status
		actor     engagement.Actor
		payments  []*engagement.PaymentRecord
		applyErr  error
		wantErr   error
		wantApply bool
	}

	tests := []testCase{
		{
			name:      "client accepts proposal",
			current:   engagement.StatusProposed,
			target:    engagement.StatusAccepted,
			actor:     engagement.Actor{ID: clientID},
			wantApply: true,
		},
		{
			name:      "provider confirms once deposit is paid",
			current:   engagement.StatusAccepted,
			target:    engagement.StatusConfirmed,
			actor:     engagement.Actor{ID: providerID},
			payments:  depositPaid,
			wantApply: true,
		},
		{
			name:    "provider cannot confirm without deposit",
			current: engagement.StatusAccepted,
			target:  engagement.StatusConfirmed,
			actor:   engagement.Actor{ID: providerID},
			wantErr: engagement.ErrDepositMissing,
		},
		{
			name:     "provider cannot complete without balance",
			current:  engagement.StatusConfirmed,
			target:   engagement.StatusCompleted,
			actor:    engagement.Actor{ID: providerID},
			payments: depositPaid,
			wantErr:  engagement.ErrBalanceMissing,
		},
		{
			name:    "provider may not accept",
			current: engagement.StatusProposed,
			target:  engagement.StatusAccepted,
			actor:   engagement.Actor{ID: providerID},
			wantErr: engagement.ErrForbidden,
		},
		{
			name:    "stranger is not a party",
			current: engagement.StatusProposed,
			target:  engagement.StatusCancelled,
			actor:   engagement.Actor{ID: strangerID},
			wantErr: engagement.ErrForbidden,
		},
		{
			name:    "skipping ahead is invalid",
			current: engagement.StatusProposed,
			target:  engagement.StatusConfirmed,
			actor:   engagement.Actor{ID: providerID},
			wantErr: engagement.ErrInvalidTransition,
		},
		{
			name:    "parties cannot cancel a completed engagement",
			current: engagement.StatusCompleted,
			target:  engagement.StatusCancelled,
			actor:   engagement.Actor{ID: clientID},
			wantErr: engagement.ErrForbidden,
		},
		{
			name:      "admin cancels a completed engagement",
			current:   engagement.StatusCompleted,
			target:    engagement.StatusCancelled,
			actor:     engagement.Actor{ID: strangerID, Admin: true},
			wantApply: true,
		},
		{
			name:      "admin provider keeps provider moves",
			current:   engagement.StatusProposed,
			target:    engagement.StatusCancelled,
			actor:     engagement.Actor{ID: providerID, Admin: true},
			wantApply: true,
		},
		{
			name:      "admin provider cancels a completed engagement",
			current:   engagement.StatusCompleted,
			target:    engagement.StatusCancelled,
			actor:     engagement.Actor{ID: providerID, Admin: true},
			wantApply: true,
		},
		{
			name:      "lost race is a conflict",
			current:   engagement.StatusProposed,
			target:    engagement.StatusCancelled,
			actor:     engagement.Actor{ID: providerID},
			applyErr:  engagement.ErrConflict,
			wantErr:   engagement.ErrConflict,
			wantApply: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, m := newService(t)
			e := stored(tt.current)

			m.repo.EXPECT().GetEngagement(gomock.Any(), e.ID).Return(e, nil)
			m.repo.EXPECT().ListPayments(gomock.Any(), e.ID).Return(tt.payments, nil).MaxTimes(1)

			if tt.wantApply {
				call := m.repo.EXPECT().ApplyTransition(gomock.Any(), gomock.Any())
				if tt.applyErr != nil {
					call.Return(nil, nil, tt.applyErr)
				} else {
					call.DoAndReturn(applied(e))
				}
			}

			if tt.wantErr == nil {
				m.effects.EXPECT().
					TransitionCommitted(gomock.Any()).
					Do(func(ev engagement.TransitionEvent) {
						assert.Equal(t, tt.current, ev.From)
						assert.Equal(t, tt.target, ev.To)
						assert.Equal(t, tt.target, ev.Engagement.Status)
					})
			}

			got, err := svc.TransitionStatus(context.Background(), engagement.TransitionParams{
				EngagementID: e.ID,
				Target:       tt.target,
				Actor:        tt.actor,
				Reason:       "because",
			})

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, got)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.current, got.Previous)
			assert.Equal(t, tt.target, got.Engagement.Status)
			assert.Equal(t, e.Version+1, got.Engagement.Version)
			assert.Equal(t, "because", got.History.Reason)
		})
	}
}

func TestService_TransitionStatus_RejectsBadInput(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.TransitionStatus(context.Background(), engagement.TransitionParams{
		EngagementID: uuid.New(),
		Target:       engagement.Status("paid"),
		Actor:        engagement.Actor{ID: providerID},
	})
	assert.ErrorIs(t, err, engagement.ErrValidation)

	_, err = svc.TransitionStatus(context.Background(), engagement.TransitionParams{
		EngagementID: uuid.New(),
		Target:       engagement.StatusCancelled,
		Actor:        engagement.Actor{ID: providerID},
		Metadata:     json.RawMessage(`[1,2]`),
	})
	assert.ErrorIs(t, err, engagement.ErrValidation)
}

func TestService_TransitionStatus_ReasonLengthCountsCharacters(t *testing.T) {
	svc, m := newService(t)
	id := uuid.New()

	_, err := svc.TransitionStatus(context.Background(), engagement.TransitionParams{
		EngagementID: id,
		Target:       engagement.StatusCancelled,
		Actor:        engagement.Actor{ID: providerID},
		Reason:       strings.Repeat("é", 501),
	})
	assert.ErrorIs(t, err, engagement.ErrValidation)

	// 500 two-byte characters pass validation and reach the store.
	m.repo.EXPECT().GetEngagement(gomock.Any(), id).Return(nil, engagement.ErrNotFound)

	_, err = svc.TransitionStatus(context.Background(), engagement.TransitionParams{
		EngagementID: id,
		Target:       engagement.StatusCancelled,
		Actor:        engagement.Actor{ID: providerID},
		Reason:       strings.Repeat("é", 500),
	})
	assert.ErrorIs(t, err, engagement.ErrNotFound)
}

func TestService_TransitionStatus_NotFound(t *testing.T) {
	svc, m := newService(t)
	id := uuid.New()

	m.repo.EXPECT().GetEngagement(gomock.Any(), id).Return(nil, engagement.ErrNotFound)

	_, err := svc.TransitionStatus(context.Background(), engagement.TransitionParams{
		EngagementID: id,
		Target:       engagement.StatusCancelled,
		Actor:        engagement.Actor{ID: providerID},
	})
	assert.ErrorIs(t, err, engagement.ErrNotFound)
}

func TestService_TransitionStatus_NonEdgesNeverWrite(t *testing.T) {
	g := engagement.Lifecycle()

	for _, from := range engagement.Statuses {
		for _, to := range engagement.Statuses {
			if g.CanTransition(from, to) {
				continue
			}

			svc, m := newService(t)
			e := stored(from)

			// No ApplyTransition or dispatcher expectation: any write fails the test.
			m.repo.EXPECT().GetEngagement(gomock.Any(), e.ID).Return(e, nil)

			_, err := svc.TransitionStatus(context.Background(), engagement.TransitionParams{
				EngagementID: e.ID,
				Target:       to,
				Actor:        engagement.Actor{ID: providerID},
			})
			assert.ErrorIs(t, err, engagement.ErrInvalidTransition, "%s -> %s", from, to)
		}
	}
}

// Two requests read the same CONFIRMED engagement before either writes. The
// repository's conditional update lets exactly one through.
func TestService_TransitionStatus_ConcurrentCompletion(t *testing.T) {
	svc, m := newService(t)
	e := stored(engagement.StatusConfirmed)

	var (
		mu      sync.Mutex
		version = e.Version
		reads   sync.WaitGroup
	)

	reads.Add(2)

	m.repo.EXPECT().
		GetEngagement(gomock.Any(), e.ID).
		DoAndReturn(func(context.Context, uuid.UUID) (*engagement.Engagement, error) {
			snapshot := *e

			reads.Done()
			reads.Wait()

			return &snapshot, nil
		}).
		Times(2)
	m.repo.EXPECT().
		ListPayments(gomock.Any(), e.ID).
		Return([]*engagement.PaymentRecord{
			payment(engagement.PaymentKindDeposit, engagement.PaymentCompleted, 5000),
			payment(engagement.PaymentKindBalance, engagement.PaymentCompleted, 15000),
		}, nil).
		Times(2)
	m.repo.EXPECT().
		ApplyTransition(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, tr *engagement.Transition) (*engagement.Engagement, *engagement.HistoryEntry, error) {
			mu.Lock()
			defer mu.Unlock()

			if tr.ExpectedVersion != version {
				return nil, nil, engagement.ErrConflict
			}

			version++

			return applied(e)(ctx, tr)
		}).
		Times(2)
	m.effects.EXPECT().TransitionCommitted(gomock.Any()).Times(1)

	results := make([]error, 2)

	var g errgroup.Group
	for i := range results {
		g.Go(func() error {
			_, results[i] = svc.TransitionStatus(context.Background(), engagement.TransitionParams{
				EngagementID: e.ID,
				Target:       engagement.StatusCompleted,
				Actor:        engagement.Actor{ID: providerID},
			})

			return nil
		})
	}
	require.NoError(t, g.Wait())

	var ok, conflicts int

	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, engagement.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)
}

func TestService_StatusOverview(t *testing.T) {
	svc, m := newService(t)
	e := stored(engagement.StatusAccepted)

	history := []*engagement.HistoryEntry{
		{ID: uuid.New(), FromStatus: engagement.StatusProposed, ToStatus: engagement.StatusAccepted},
	}

	m.repo.EXPECT().GetEngagement(gomock.Any(), e.ID).Return(e, nil)
	m.repo.EXPECT().ListPayments(gomock.Any(), e.ID).Return([]*engagement.PaymentRecord{
		payment(engagement.PaymentKindDeposit, engagement.PaymentCompleted, 5000),
	}, nil)
	m.repo.EXPECT().ListHistory(gomock.Any(), e.ID, 10).Return(history, nil)

	got, err := svc.StatusOverview(context.Background(), e.ID, engagement.Actor{ID: clientID})
	require.NoError(t, err)

	assert.Equal(t, engagement.RoleClient, got.Role)
	assert.Equal(t, []engagement.Status{engagement.StatusCancelled}, got.Next)
	assert.Equal(t, engagement.PaymentSummary{DepositPaid: true, TotalPaid: 5000}, got.Payments)
	assert.Equal(t, history, got.History)
}

func TestService_StatusOverview_Stranger(t *testing.T) {
	svc, m := newService(t)
	e := stored(engagement.StatusAccepted)

	m.repo.EXPECT().GetEngagement(gomock.Any(), e.ID).Return(e, nil)

	_, err := svc.StatusOverview(context.Background(), e.ID, engagement.Actor{ID: strangerID})
	assert.ErrorIs(t, err, engagement.ErrForbidden)
}

func TestService_RequestBalancePayment(t *testing.T) {
	t.Run("opens a payment for the outstanding amount", func(t *testing.T) {
		svc, m := newService(t)
		e := stored(engagement.StatusConfirmed)

		m.repo.EXPECT().GetEngagement(gomock.Any(), e.ID).Return(e, nil)
		m.repo.EXPECT().ListPayments(gomock.Any(), e.ID).Return([]*engagement.PaymentRecord{
			payment(engagement.PaymentKindDeposit, engagement.PaymentCompleted, 5000),
		}, nil)
		m.processor.EXPECT().CreatePaymentIntent(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, req engagement.IntentRequest) (*engagement.PaymentIntent, error) {
				assert.Equal(t, int64(15000), req.Amount)
				assert.Equal(t, engagement.PaymentKindBalance, req.Kind)

				return &engagement.PaymentIntent{ID: "pi_balance"}, nil
			})
		m.repo.EXPECT().CreatePayment(gomock.Any(), gomock.Any()).Return(nil)

		got, err := svc.RequestBalancePayment(context.Background(), e.ID, engagement.Actor{ID: clientID})
		require.NoError(t, err)
		assert.Equal(t, "pi_balance", got.Payment.ExternalReference)
		assert.Equal(t, int64(15000), got.Payment.Amount)
	})

	t.Run("nothing owed", func(t *testing.T) {
		svc, m := newService(t)
		e := stored(engagement.StatusConfirmed)

		m.repo.EXPECT().GetEngagement(gomock.Any(), e.ID).Return(e, nil)
		m.repo.EXPECT().ListPayments(gomock.Any(), e.ID).Return([]*engagement.PaymentRecord{
			payment(engagement.PaymentKindFull, engagement.PaymentCompleted, 20000),
		}, nil)

		_, err := svc.RequestBalancePayment(context.Background(), e.ID, engagement.Actor{ID: clientID})
		assert.ErrorIs(t, err, engagement.ErrAlreadyPaid)
	})

	t.Run("deposit still pending", func(t *testing.T) {
		svc, m := newService(t)
		e := stored(engagement.StatusAccepted)

		m.repo.EXPECT().GetEngagement(gomock.Any(), e.ID).Return(e, nil)
		m.repo.EXPECT().ListPayments(gomock.Any(), e.ID).Return([]*engagement.PaymentRecord{
			payment(engagement.PaymentKindDeposit, engagement.PaymentPending, 5000),
		}, nil)

		_, err := svc.RequestBalancePayment(context.Background(), e.ID, engagement.Actor{ID: clientID})
		assert.ErrorIs(t, err, engagement.ErrDepositMissing)
	})

	t.Run("no deposit required", func(t *testing.T) {
		svc, m := newService(t)
		e := stored(engagement.StatusAccepted)
		e.DepositRequired = false
		e.DepositAmount = 0

		m.repo.EXPECT().GetEngagement(gomock.Any(), e.ID).Return(e, nil)
		m.repo.EXPECT().ListPayments(gomock.Any(), e.ID).Return([]*engagement.PaymentRecord{
			payment(engagement.PaymentKindFull, engagement.PaymentFailed, 20000),
		}, nil)
		m.processor.EXPECT().CreatePaymentIntent(gomock.Any(), gomock.Any()).
			Return(&engagement.PaymentIntent{ID: "pi_retry"}, nil)
		m.repo.EXPECT().CreatePayment(gomock.Any(), gomock.Any()).Return(nil)

		got, err := svc.RequestBalancePayment(context.Background(), e.ID, engagement.Actor{ID: clientID})
		require.NoError(t, err)
		assert.Equal(t, int64(20000), got.Payment.Amount)
	})

	t.Run("provider does not pay", func(t *testing.T) {
		svc, m := newService(t)
		e := stored(engagement.StatusConfirmed)

		m.repo.EXPECT().GetEngagement(gomock.Any(), e.ID).Return(e, nil)

		_, err := svc.RequestBalancePayment(context.Background(), e.ID, engagement.Actor{ID: providerID})
		assert.ErrorIs(t, err, engagement.ErrForbidden)
	})
}

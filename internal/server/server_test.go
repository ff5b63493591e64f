package server

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/creditledger/internal/clock"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	"github.com/smallbiznis/creditledger/internal/observability"
	ownerdomain "github.com/smallbiznis/creditledger/internal/owner/domain"
	"github.com/smallbiznis/creditledger/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type mockCreditService struct {
	mock.Mock
}

func (m *mockCreditService) Grant(ctx context.Context, req creditdomain.GrantRequest) (*creditdomain.GrantResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*creditdomain.GrantResult)
	return res, args.Error(1)
}

func (m *mockCreditService) GrantTx(ctx context.Context, tx *gorm.DB, req creditdomain.GrantRequest) (*creditdomain.GrantResult, error) {
	args := m.Called(ctx, tx, req)
	res, _ := args.Get(0).(*creditdomain.GrantResult)
	return res, args.Error(1)
}

func (m *mockCreditService) Consume(ctx context.Context, req creditdomain.ConsumeRequest) (*creditdomain.ConsumeResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*creditdomain.ConsumeResult)
	return res, args.Error(1)
}

func (m *mockCreditService) Reserve(ctx context.Context, req creditdomain.ReserveRequest) (*creditdomain.Reservation, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*creditdomain.Reservation)
	return res, args.Error(1)
}

func (m *mockCreditService) Release(ctx context.Context, id snowflake.ID) (*creditdomain.Reservation, error) {
	args := m.Called(ctx, id)
	res, _ := args.Get(0).(*creditdomain.Reservation)
	return res, args.Error(1)
}

func (m *mockCreditService) Commit(ctx context.Context, id snowflake.ID) (*creditdomain.ConsumeResult, error) {
	args := m.Called(ctx, id)
	res, _ := args.Get(0).(*creditdomain.ConsumeResult)
	return res, args.Error(1)
}

func (m *mockCreditService) GetReservation(ctx context.Context, id snowflake.ID) (*creditdomain.Reservation, error) {
	args := m.Called(ctx, id)
	res, _ := args.Get(0).(*creditdomain.Reservation)
	return res, args.Error(1)
}

func (m *mockCreditService) GetAvailable(ctx context.Context, owner ownerdomain.Ref, featureKey *string) (*creditdomain.Available, error) {
	args := m.Called(ctx, owner, featureKey)
	res, _ := args.Get(0).(*creditdomain.Available)
	return res, args.Error(1)
}

func (m *mockCreditService) GetBalance(ctx context.Context, owner ownerdomain.Ref) (*creditdomain.CreditBalance, error) {
	args := m.Called(ctx, owner)
	res, _ := args.Get(0).(*creditdomain.CreditBalance)
	return res, args.Error(1)
}

func (m *mockCreditService) Sweep(ctx context.Context) (*creditdomain.SweepResult, error) {
	args := m.Called(ctx)
	res, _ := args.Get(0).(*creditdomain.SweepResult)
	return res, args.Error(1)
}

func (m *mockCreditService) ExpireReservations(ctx context.Context) (*creditdomain.ExpireReservationsResult, error) {
	args := m.Called(ctx)
	res, _ := args.Get(0).(*creditdomain.ExpireReservationsResult)
	return res, args.Error(1)
}

func (m *mockCreditService) Reconcile(ctx context.Context, owner ownerdomain.Ref, repair bool) (*creditdomain.ReconcileResult, error) {
	args := m.Called(ctx, owner, repair)
	res, _ := args.Get(0).(*creditdomain.ReconcileResult)
	return res, args.Error(1)
}

func (m *mockCreditService) ListTransactions(ctx context.Context, req creditdomain.ListTransactionsRequest) (*creditdomain.ListTransactionsResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*creditdomain.ListTransactionsResult)
	return res, args.Error(1)
}

func (m *mockCreditService) WithOwner(ctx context.Context, owner ownerdomain.Ref, operation string, fn func(tx *gorm.DB) error) error {
	args := m.Called(ctx, owner, operation)
	return args.Error(0)
}

func newMockServer(t *testing.T, credit creditdomain.Service) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := NewEngine(observability.Config{}, nil)
	s := NewServer(Params{
		Log:       zap.NewNop(),
		Clock:     clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
		CreditSvc: credit,
	})
	s.RegisterRoutes(r)
	return r
}

func doJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error
}

func TestConsume_InsufficientCreditsIsPaymentRequired(t *testing.T) {
	credit := &mockCreditService{}
	owner := ownerdomain.Ref{Type: ownerdomain.TypeUser, ID: 11}
	credit.On("Consume", mock.Anything, mock.MatchedBy(func(req creditdomain.ConsumeRequest) bool {
		return req.Owner == owner && req.Amount == 7 && req.ActionType == "assessment"
	})).Return(nil, creditdomain.ErrInsufficientCredits)

	r := newMockServer(t, credit)
	w := doJSON(r, http.MethodPost, "/v1/owners/user/11/consume", gin.H{"amount": 7, "action_type": "assessment"})

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "insufficient_credits", decodeError(t, w).Type)
	credit.AssertExpectations(t)
}

func TestConsume_ReturnsDraws(t *testing.T) {
	credit := &mockCreditService{}
	credit.On("Consume", mock.Anything, mock.Anything).Return(&creditdomain.ConsumeResult{
		BatchesDrawn:  []creditdomain.Draw{{BatchID: 1, Amount: 5}, {BatchID: 2, Amount: 2}},
		TransactionID: 99,
		BalanceAfter:  8,
	}, nil)

	r := newMockServer(t, credit)
	w := doJSON(r, http.MethodPost, "/v1/owners/organization/5/consume", gin.H{"amount": 7, "action_type": "export"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data creditdomain.ConsumeResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Data.BatchesDrawn, 2)
	assert.Equal(t, snowflake.ID(99), resp.Data.TransactionID)
}

func TestConsume_RateLimitedPerOwner(t *testing.T) {
	credit := &mockCreditService{}
	credit.On("Consume", mock.Anything, mock.Anything).Return(&creditdomain.ConsumeResult{TransactionID: 1}, nil)

	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	limiter, err := ratelimit.NewOwnerLimiter(ratelimit.NewMemoryBucket(clk), 1, 1)
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	r := NewEngine(observability.Config{}, nil)
	NewServer(Params{
		Log:       zap.NewNop(),
		Clock:     clk,
		CreditSvc: credit,
		Limiter:   limiter,
	}).RegisterRoutes(r)

	body := gin.H{"amount": 1, "action_type": "export"}
	w := doJSON(r, http.MethodPost, "/v1/owners/user/8/consume", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))

	w = doJSON(r, http.MethodPost, "/v1/owners/user/8/consume", body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limited", decodeError(t, w).Type)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	w = doJSON(r, http.MethodPost, "/v1/owners/user/9/consume", body)
	assert.Equal(t, http.StatusOK, w.Code)
	credit.AssertNumberOfCalls(t, "Consume", 2)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		typ    string
	}{
		{"invalid amount", creditdomain.ErrInvalidAmount, http.StatusBadRequest, "validation_error"},
		{"unknown owner", creditdomain.ErrUnknownOwner, http.StatusNotFound, "not_found"},
		{"reservation invalid", creditdomain.ErrReservationInvalid, http.StatusConflict, "reservation_invalid"},
		{"conflict", creditdomain.ErrConcurrencyConflict, http.StatusConflict, "concurrency_conflict"},
		{"unexpected", assert.AnError, http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			credit := &mockCreditService{}
			credit.On("Grant", mock.Anything, mock.Anything).Return(nil, tc.err)

			r := newMockServer(t, credit)
			w := doJSON(r, http.MethodPost, "/v1/owners/user/3/grants", gin.H{
				"amount":      10,
				"source_type": "purchase",
				"expires_at":  "2025-06-01T00:00:00Z",
			})
			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.typ, decodeError(t, w).Type)
		})
	}
}

func TestOwnerPathIsValidated(t *testing.T) {
	credit := &mockCreditService{}
	r := newMockServer(t, credit)

	w := doJSON(r, http.MethodGet, "/v1/owners/team/3/balance", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	payload := decodeError(t, w)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "invalid_owner", payload.Errors[0].Code)
	credit.AssertNotCalled(t, "GetBalance", mock.Anything, mock.Anything)
}

func TestCommit_BadReservationID(t *testing.T) {
	credit := &mockCreditService{}
	r := newMockServer(t, credit)

	w := doJSON(r, http.MethodPost, "/v1/reservations/not-an-id/commit", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	credit.AssertNotCalled(t, "Commit", mock.Anything, mock.Anything)
}

func TestGetAvailable_PassesFeatureKey(t *testing.T) {
	credit := &mockCreditService{}
	credit.On("GetAvailable", mock.Anything, ownerdomain.Ref{Type: ownerdomain.TypeUser, ID: 4}, mock.MatchedBy(func(fk *string) bool {
		return fk != nil && *fk == "assessments"
	})).Return(&creditdomain.Available{TotalAvailable: 12, Batches: []creditdomain.CreditBatch{}}, nil)

	r := newMockServer(t, credit)
	w := doJSON(r, http.MethodGet, "/v1/owners/user/4/available?feature_key=assessments", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total_available":12`)
	credit.AssertExpectations(t)
}

func TestSweep_ReportsSummaryDespiteOwnerFailures(t *testing.T) {
	credit := &mockCreditService{}
	credit.On("Sweep", mock.Anything).Return(&creditdomain.SweepResult{ExpiredCount: 2, OwnersFailed: 1}, assert.AnError)

	r := newMockServer(t, credit)
	w := doJSON(r, http.MethodPost, "/v1/admin/sweep", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"expired_count":2`)
}

func TestHealth(t *testing.T) {
	r := newMockServer(t, &mockCreditService{})
	w := doJSON(r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReserve_RejectsTTLBeyondDuration(t *testing.T) {
	credit := &mockCreditService{}
	r := newMockServer(t, credit)

	// 18446744074s wraps to under a second when multiplied out
	w := doJSON(r, http.MethodPost, "/v1/owners/user/6/reservations", gin.H{
		"amount":      3,
		"ttl_seconds": int64(18446744074),
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	payload := decodeError(t, w)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "invalid_ttl", payload.Errors[0].Code)
	credit.AssertNotCalled(t, "Reserve", mock.Anything, mock.Anything)
}

func TestHoldTTL(t *testing.T) {
	ttl, err := holdTTL(600)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, ttl)

	ttl, err = holdTTL(0)
	require.NoError(t, err)
	assert.Zero(t, ttl)

	for _, seconds := range []int64{-1, 18446744074, math.MaxInt64} {
		_, err := holdTTL(seconds)
		assert.ErrorIs(t, err, creditdomain.ErrInvalidTTL, "seconds=%d", seconds)
	}
}

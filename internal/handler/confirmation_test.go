package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripcrew/confirmation/internal/domain"
	"github.com/tripcrew/confirmation/internal/handler"
	"github.com/tripcrew/confirmation/internal/service"
)

// mockConfirmationServicer is a test double for handler.ConfirmationServicer.
// Set only the method fields your test needs.
type mockConfirmationServicer struct {
	initiate       func(ctx context.Context, p service.InitiateParams) (domain.ConfirmedTrip, error)
	confirm        func(ctx context.Context, tripID, userID string) (domain.ConfirmedTrip, error)
	cancel         func(ctx context.Context, tripID, userID, reason string) (domain.ConfirmedTrip, error)
	status         func(ctx context.Context, confirmedTripID uuid.UUID, userID string) (service.StatusView, error)
	statusByTripID func(ctx context.Context, tripID, userID string) (service.StatusView, error)
	listUserTrips  func(ctx context.Context, userID, status string, p domain.PaginationParams) ([]service.StatusView, int64, error)
}

func (m *mockConfirmationServicer) Initiate(ctx context.Context, p service.InitiateParams) (domain.ConfirmedTrip, error) {
	return m.initiate(ctx, p)
}
func (m *mockConfirmationServicer) Confirm(ctx context.Context, tripID, userID string) (domain.ConfirmedTrip, error) {
	return m.confirm(ctx, tripID, userID)
}
func (m *mockConfirmationServicer) Cancel(ctx context.Context, tripID, userID, reason string) (domain.ConfirmedTrip, error) {
	return m.cancel(ctx, tripID, userID, reason)
}
func (m *mockConfirmationServicer) Status(ctx context.Context, confirmedTripID uuid.UUID, userID string) (service.StatusView, error) {
	return m.status(ctx, confirmedTripID, userID)
}
func (m *mockConfirmationServicer) StatusByTripID(ctx context.Context, tripID, userID string) (service.StatusView, error) {
	return m.statusByTripID(ctx, tripID, userID)
}
func (m *mockConfirmationServicer) ListUserTrips(ctx context.Context, userID, status string, p domain.PaginationParams) ([]service.StatusView, int64, error) {
	return m.listUserTrips(ctx, userID, status, p)
}

// compile-time check: the mock must satisfy handler.ConfirmationServicer.
var _ handler.ConfirmationServicer = (*mockConfirmationServicer)(nil)

// ---- helpers ---------------------------------------------------------------

// newHTTPHandler wires a Server with the given mocks into a chi router, the
// same way main.go wires it in production.
func newHTTPHandler(c handler.ConfirmationServicer, p handler.PaymentServicer) http.Handler {
	r := chi.NewRouter()
	handler.NewServer(c, p, nil).Routes(r)
	return r
}

func tripFixture() domain.ConfirmedTrip {
	start := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	return domain.ConfirmedTrip{
		ID:            uuid.New(),
		GroupID:       "group-1",
		TripID:        "trip-1",
		CreatorUserID: "user-a",
		TripName:      "Ella Hike",
		MemberIDs:     []string{"user-a", "user-b", "user-c"},
		MinMembers:    2,
		Status:        domain.StatusPendingConfirmation,
		Confirmations: []domain.MemberConfirmation{
			{UserID: "user-a", Confirmed: true},
			{UserID: "user-b"},
			{UserID: "user-c"},
		},
		ConfirmationDeadline: start.AddDate(0, 0, -20),
		TripStartDate:        start,
		TripEndDate:          start.AddDate(0, 0, 4),
		Version:              1,
	}
}

func jsonBody(t *testing.T, v any) *bytes.Buffer {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewBuffer(b)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body *bytes.Buffer) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, body)
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// errorCode extracts the machine-readable code from an error envelope.
func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp handler.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp.Error.Code
}

func initiateBody() map[string]any {
	return map[string]any{
		"tripId":         "trip-1",
		"groupId":        "group-1",
		"userId":         "user-a",
		"minMembers":     2,
		"maxMembers":     6,
		"tripStartDate":  "2026-10-01T09:00:00Z",
		"tripEndDate":    "2026-10-05T09:00:00Z",
		"pricePerPerson": 5000,
		"currency":       "LKR",
	}
}

// ---- POST /initiate --------------------------------------------------------

func TestInitiate_201(t *testing.T) {
	fixture := tripFixture()
	svc := &mockConfirmationServicer{
		initiate: func(_ context.Context, p service.InitiateParams) (domain.ConfirmedTrip, error) {
			assert.Equal(t, "group-1", p.GroupID)
			assert.Equal(t, int64(5000), p.PricePerPerson)
			return fixture, nil
		},
	}

	rec := doJSON(t, newHTTPHandler(svc, nil),
		http.MethodPost, "/api/v1/confirmations/initiate", jsonBody(t, initiateBody()))

	assert.Equal(t, http.StatusCreated, rec.Code)

	var resp service.StatusView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, fixture.ID, resp.ID)
	assert.Equal(t, 3, resp.CurrentMemberCount)
	assert.Equal(t, 1, resp.ConfirmedCount)
}

func TestInitiate_400_MissingField(t *testing.T) {
	svc := &mockConfirmationServicer{} // must not be reached

	body := initiateBody()
	delete(body, "userId")

	rec := doJSON(t, newHTTPHandler(svc, nil),
		http.MethodPost, "/api/v1/confirmations/initiate", jsonBody(t, body))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", errorCode(t, rec))
}

func TestInitiate_400_PriceWithoutCurrency(t *testing.T) {
	svc := &mockConfirmationServicer{}

	body := initiateBody()
	delete(body, "currency")

	rec := doJSON(t, newHTTPHandler(svc, nil),
		http.MethodPost, "/api/v1/confirmations/initiate", jsonBody(t, body))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInitiate_400_UnknownField(t *testing.T) {
	svc := &mockConfirmationServicer{}

	body := initiateBody()
	body["extra"] = "nope"

	rec := doJSON(t, newHTTPHandler(svc, nil),
		http.MethodPost, "/api/v1/confirmations/initiate", jsonBody(t, body))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInitiate_409_AlreadyInitiated(t *testing.T) {
	svc := &mockConfirmationServicer{
		initiate: func(_ context.Context, _ service.InitiateParams) (domain.ConfirmedTrip, error) {
			return domain.ConfirmedTrip{}, fmt.Errorf("%w: confirmation already initiated", domain.ErrConflict)
		},
	}

	rec := doJSON(t, newHTTPHandler(svc, nil),
		http.MethodPost, "/api/v1/confirmations/initiate", jsonBody(t, initiateBody()))

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", errorCode(t, rec))
}

func TestInitiate_403_NotCreator(t *testing.T) {
	svc := &mockConfirmationServicer{
		initiate: func(_ context.Context, _ service.InitiateParams) (domain.ConfirmedTrip, error) {
			return domain.ConfirmedTrip{}, fmt.Errorf("%w: only the group creator may initiate confirmation", domain.ErrUnauthorized)
		},
	}

	rec := doJSON(t, newHTTPHandler(svc, nil),
		http.MethodPost, "/api/v1/confirmations/initiate", jsonBody(t, initiateBody()))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "unauthorized", errorCode(t, rec))
}

// ---- POST /{tripID}/confirm ------------------------------------------------

func TestConfirm_200(t *testing.T) {
	fixture := tripFixture()
	fixture.Confirmations[1].Confirmed = true
	svc := &mockConfirmationServicer{
		confirm: func(_ context.Context, tripID, userID string) (domain.ConfirmedTrip, error) {
			assert.Equal(t, "trip-1", tripID)
			assert.Equal(t, "user-b", userID)
			return fixture, nil
		},
	}

	rec := doJSON(t, newHTTPHandler(svc, nil),
		http.MethodPost, "/api/v1/confirmations/trip-1/confirm",
		jsonBody(t, map[string]any{"userId": "user-b"}))

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp service.StatusView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 2, resp.ConfirmedCount)
	assert.False(t, resp.AllMembersConfirmed)
}

func TestConfirm_403_NotAMember(t *testing.T) {
	svc := &mockConfirmationServicer{
		confirm: func(_ context.Context, _, _ string) (domain.ConfirmedTrip, error) {
			return domain.ConfirmedTrip{}, fmt.Errorf("%w: user stranger is not a member of this trip", domain.ErrUnauthorized)
		},
	}

	rec := doJSON(t, newHTTPHandler(svc, nil),
		http.MethodPost, "/api/v1/confirmations/trip-1/confirm",
		jsonBody(t, map[string]any{"userId": "stranger"}))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "unauthorized", errorCode(t, rec))
}

func TestConfirm_410_DeadlinePassed(t *testing.T) {
	svc := &mockConfirmationServicer{
		confirm: func(_ context.Context, _, _ string) (domain.ConfirmedTrip, error) {
			return domain.ConfirmedTrip{}, fmt.Errorf("%w: confirmation deadline passed", domain.ErrDeadlineExpired)
		},
	}

	rec := doJSON(t, newHTTPHandler(svc, nil),
		http.MethodPost, "/api/v1/confirmations/trip-1/confirm",
		jsonBody(t, map[string]any{"userId": "user-b"}))

	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, "deadline_expired", errorCode(t, rec))
}

func TestConfirm_404_UnknownTrip(t *testing.T) {
	svc := &mockConfirmationServicer{
		confirm: func(_ context.Context, _, _ string) (domain.ConfirmedTrip, error) {
			return domain.ConfirmedTrip{}, fmt.Errorf("service.ConfirmationService.Confirm: %w", domain.ErrNotFound)
		},
	}

	rec := doJSON(t, newHTTPHandler(svc, nil),
		http.MethodPost, "/api/v1/confirmations/ghost/confirm",
		jsonBody(t, map[string]any{"userId": "user-b"}))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", errorCode(t, rec))
}

// ---- POST /{tripID}/cancel -------------------------------------------------

func TestCancel_200(t *testing.T) {
	fixture := tripFixture()
	fixture.Status = domain.StatusCancelled
	svc := &mockConfirmationServicer{
		cancel: func(_ context.Context, tripID, userID, reason string) (domain.ConfirmedTrip, error) {
			assert.Equal(t, "user-a", userID)
			assert.Equal(t, "plans changed", reason)
			return fixture, nil
		},
	}

	rec := doJSON(t, newHTTPHandler(svc, nil),
		http.MethodPost, "/api/v1/confirmations/trip-1/cancel",
		jsonBody(t, map[string]any{"userId": "user-a", "reason": "plans changed"}))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCancel_400_MissingReason(t *testing.T) {
	svc := &mockConfirmationServicer{}

	rec := doJSON(t, newHTTPHandler(svc, nil),
		http.MethodPost, "/api/v1/confirmations/trip-1/cancel",
		jsonBody(t, map[string]any{"userId": "user-a"}))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancel_409_PaymentAlreadyCompleted(t *testing.T) {
	svc := &mockConfirmationServicer{
		cancel: func(_ context.Context, _, _, _ string) (domain.ConfirmedTrip, error) {
			return domain.ConfirmedTrip{}, fmt.Errorf("%w: trip is payment_completed", domain.ErrConflict)
		},
	}

	rec := doJSON(t, newHTTPHandler(svc, nil),
		http.MethodPost, "/api/v1/confirmations/trip-1/cancel",
		jsonBody(t, map[string]any{"userId": "user-a", "reason": "too late"}))

	assert.Equal(t, http.StatusConflict, rec.Code)
}

// ---- GET status / listings ---------------------------------------------------

func TestStatus_200(t *testing.T) {
	fixture := tripFixture()
	svc := &mockConfirmationServicer{
		status: func(_ context.Context, id uuid.UUID, userID string) (service.StatusView, error) {
			assert.Equal(t, fixture.ID, id)
			assert.Equal(t, "user-b", userID)
			return service.NewStatusView(fixture), nil
		},
	}

	rec := doJSON(t, newHTTPHandler(svc, nil),
		http.MethodGet, "/api/v1/confirmations/"+fixture.ID.String()+"/status?userId=user-b", nil)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp service.StatusView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.HasEnoughMembers)
}

func TestStatus_400_BadUUID(t *testing.T) {
	svc := &mockConfirmationServicer{}

	rec := doJSON(t, newHTTPHandler(svc, nil),
		http.MethodGet, "/api/v1/confirmations/not-a-uuid/status?userId=user-b", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatus_400_MissingUserID(t *testing.T) {
	svc := &mockConfirmationServicer{}

	rec := doJSON(t, newHTTPHandler(svc, nil),
		http.MethodGet, "/api/v1/confirmations/"+uuid.NewString()+"/status", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusByTrip_403_NotAMember(t *testing.T) {
	svc := &mockConfirmationServicer{
		statusByTripID: func(_ context.Context, _, _ string) (service.StatusView, error) {
			return service.StatusView{}, fmt.Errorf("%w: user stranger is not a member of this trip", domain.ErrUnauthorized)
		},
	}

	rec := doJSON(t, newHTTPHandler(svc, nil),
		http.MethodGet, "/api/v1/confirmations/trip/trip-1/status?userId=stranger", nil)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestUserTrips_200(t *testing.T) {
	fixture := tripFixture()
	svc := &mockConfirmationServicer{
		listUserTrips: func(_ context.Context, userID, status string, p domain.PaginationParams) ([]service.StatusView, int64, error) {
			assert.Equal(t, "user-b", userID)
			assert.Equal(t, "pending_confirmation", status)
			assert.Equal(t, 2, p.Page)
			assert.Equal(t, 5, p.Limit)
			return []service.StatusView{service.NewStatusView(fixture)}, 11, nil
		},
	}

	rec := doJSON(t, newHTTPHandler(svc, nil),
		http.MethodGet, "/api/v1/confirmations/user/user-b/trips?status=pending_confirmation&page=2&limit=5", nil)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data  []service.StatusView `json:"data"`
		Page  int                  `json:"page"`
		Limit int                  `json:"limit"`
		Total int64                `json:"total"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Len(t, resp.Data, 1)
	assert.Equal(t, 2, resp.Page)
	assert.Equal(t, int64(11), resp.Total)
}

func TestUserTrips_200_EmptyList(t *testing.T) {
	svc := &mockConfirmationServicer{
		listUserTrips: func(_ context.Context, _, _ string, _ domain.PaginationParams) ([]service.StatusView, int64, error) {
			return nil, 0, nil
		},
	}

	rec := doJSON(t, newHTTPHandler(svc, nil),
		http.MethodGet, "/api/v1/confirmations/user/user-b/trips", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	// nil slices must serialize as [], not null.
	assert.Contains(t, rec.Body.String(), `"data":[]`)
}

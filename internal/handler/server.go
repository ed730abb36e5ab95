// Package handler implements the HTTP handlers for the confirmation service.
// All handlers are methods on Server. Methods are split into domain-specific
// files (confirmation.go, payment.go, health.go) but all share the same
// Server struct so they can access its dependencies.
package handler

import (
	"context"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/tripcrew/confirmation/internal/domain"
	"github.com/tripcrew/confirmation/internal/service"
)

// ConfirmationServicer defines the orchestrator operations the handlers
// depend on. Defining the interface here (in the consumer package) follows
// the Go convention: "accept interfaces, return concrete types". It lets
// handler tests inject a mock without touching the database or service layer.
type ConfirmationServicer interface {
	Initiate(ctx context.Context, p service.InitiateParams) (domain.ConfirmedTrip, error)
	Confirm(ctx context.Context, tripID, userID string) (domain.ConfirmedTrip, error)
	Cancel(ctx context.Context, tripID, userID, reason string) (domain.ConfirmedTrip, error)
	Status(ctx context.Context, confirmedTripID uuid.UUID, userID string) (service.StatusView, error)
	StatusByTripID(ctx context.Context, tripID, userID string) (service.StatusView, error)
	ListUserTrips(ctx context.Context, userID, status string, p domain.PaginationParams) ([]service.StatusView, int64, error)
}

// PaymentServicer defines the payment workflow operations the handlers use.
type PaymentServicer interface {
	CompletePayment(ctx context.Context, tripID, userID, orderID string) (domain.ConfirmedTrip, error)
	SubmitDecision(ctx context.Context, tripID, userID string, decision domain.Decision) (domain.ConfirmedTrip, error)
}

// Pinger reports storage reachability for the health endpoint.
// *pgxpool.Pool satisfies it directly.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the handler dependencies. Wire it in main.go via Routes.
type Server struct {
	confirmations ConfirmationServicer
	payments      PaymentServicer
	db            Pinger
	validate      *validator.Validate
}

// NewServer constructs the Server with all its dependencies.
func NewServer(confirmations ConfirmationServicer, payments PaymentServicer, db Pinger) *Server {
	return &Server{
		confirmations: confirmations,
		payments:      payments,
		db:            db,
		validate:      validator.New(),
	}
}

// Routes registers every endpoint on r. The confirmation API lives under a
// versioned base path; health stays at the root for load balancers.
func (s *Server) Routes(r chi.Router) {
	r.Route("/api/v1/confirmations", func(r chi.Router) {
		r.Post("/initiate", s.handleInitiate)
		r.Post("/{tripID}/confirm", s.handleConfirm)
		r.Post("/{tripID}/cancel", s.handleCancel)
		r.Post("/{tripID}/complete-payment", s.handleCompletePayment)
		r.Post("/{tripID}/decision", s.handleDecision)
		r.Get("/{confirmedTripID}/status", s.handleStatus)
		r.Get("/trip/{tripID}/status", s.handleStatusByTrip)
		r.Get("/user/{userID}/trips", s.handleUserTrips)
	})
	r.Get("/health", s.handleHealth)
}

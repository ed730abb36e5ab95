package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tripcrew/confirmation/internal/domain"
	"github.com/tripcrew/confirmation/internal/service"
)

// completePaymentRequest is the POST /{tripId}/complete-payment body: the
// generic "payment succeeded for order X" callback contract.
type completePaymentRequest struct {
	UserID  string `json:"userId" validate:"required"`
	OrderID string `json:"orderId" validate:"required"`
}

// decisionRequest is the POST /{tripId}/decision body.
type decisionRequest struct {
	UserID   string `json:"userId" validate:"required"`
	Decision string `json:"decision" validate:"required,oneof=continue cancel"`
}

// handleCompletePayment handles POST /api/v1/confirmations/{tripID}/complete-payment.
func (s *Server) handleCompletePayment(w http.ResponseWriter, r *http.Request) {
	var req completePaymentRequest
	if !s.decode(w, r, &req) {
		return
	}

	trip, err := s.payments.CompletePayment(r.Context(), chi.URLParam(r, "tripID"), req.UserID, req.OrderID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, service.NewStatusView(trip))
}

// handleDecision handles POST /api/v1/confirmations/{tripID}/decision.
func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !s.decode(w, r, &req) {
		return
	}

	trip, err := s.payments.SubmitDecision(r.Context(), chi.URLParam(r, "tripID"), req.UserID, domain.Decision(req.Decision))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, service.NewStatusView(trip))
}

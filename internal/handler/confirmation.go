package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/tripcrew/confirmation/internal/domain"
	"github.com/tripcrew/confirmation/internal/service"
)

// initiateRequest is the POST /initiate body.
type initiateRequest struct {
	TripID            string            `json:"tripId" validate:"required"`
	GroupID           string            `json:"groupId" validate:"required"`
	UserID            string            `json:"userId" validate:"required"`
	MinMembers        int               `json:"minMembers" validate:"required,min=1"`
	MaxMembers        int               `json:"maxMembers" validate:"omitempty,gtefield=MinMembers"`
	TripStartDate     time.Time         `json:"tripStartDate" validate:"required"`
	TripEndDate       time.Time         `json:"tripEndDate" validate:"required"`
	ConfirmationHours int               `json:"confirmationHours" validate:"omitempty,min=1,max=720"`
	TotalAmount       int64             `json:"totalAmount" validate:"min=0"`
	PricePerPerson    int64             `json:"pricePerPerson" validate:"min=0"`
	Currency          string            `json:"currency" validate:"required_with=PricePerPerson,omitempty,len=3,alpha"`
	TripDetails       map[string]string `json:"tripDetails"`
}

// userRequest is the common {userId} body for member-scoped actions.
type userRequest struct {
	UserID string `json:"userId" validate:"required"`
}

// cancelRequest is the POST /{tripId}/cancel body.
type cancelRequest struct {
	UserID string `json:"userId" validate:"required"`
	Reason string `json:"reason" validate:"required,max=500"`
}

// listResponse is the paged envelope for trip listings.
type listResponse struct {
	Data  []service.StatusView `json:"data"`
	Page  int                  `json:"page"`
	Limit int                  `json:"limit"`
	Total int64                `json:"total"`
}

// handleInitiate handles POST /api/v1/confirmations/initiate.
func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if !s.decode(w, r, &req) {
		return
	}

	trip, err := s.confirmations.Initiate(r.Context(), service.InitiateParams{
		GroupID:           req.GroupID,
		TripID:            req.TripID,
		UserID:            req.UserID,
		MinMembers:        req.MinMembers,
		MaxMembers:        req.MaxMembers,
		TripStartDate:     req.TripStartDate,
		TripEndDate:       req.TripEndDate,
		ConfirmationHours: req.ConfirmationHours,
		TotalAmount:       req.TotalAmount,
		PricePerPerson:    req.PricePerPerson,
		Currency:          req.Currency,
		TripDetails:       req.TripDetails,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, service.NewStatusView(trip))
}

// handleConfirm handles POST /api/v1/confirmations/{tripID}/confirm.
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !s.decode(w, r, &req) {
		return
	}

	trip, err := s.confirmations.Confirm(r.Context(), chi.URLParam(r, "tripID"), req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, service.NewStatusView(trip))
}

// handleCancel handles POST /api/v1/confirmations/{tripID}/cancel.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !s.decode(w, r, &req) {
		return
	}

	trip, err := s.confirmations.Cancel(r.Context(), chi.URLParam(r, "tripID"), req.UserID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, service.NewStatusView(trip))
}

// handleStatus handles GET /api/v1/confirmations/{confirmedTripID}/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "confirmedTripID"))
	if err != nil {
		writeValidation(w, "confirmedTripId must be a UUID")
		return
	}
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeValidation(w, "userId query parameter is required")
		return
	}

	view, err := s.confirmations.Status(r.Context(), id, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleStatusByTrip handles GET /api/v1/confirmations/trip/{tripID}/status.
func (s *Server) handleStatusByTrip(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeValidation(w, "userId query parameter is required")
		return
	}

	view, err := s.confirmations.StatusByTripID(r.Context(), chi.URLParam(r, "tripID"), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleUserTrips handles GET /api/v1/confirmations/user/{userID}/trips.
// Supports ?status= and ?page=/?limit= (defaults: page=1, limit=20, max=100).
func (s *Server) handleUserTrips(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := domain.ParsePaginationParams(q.Get("page"), q.Get("limit"))

	views, total, err := s.confirmations.ListUserTrips(r.Context(), chi.URLParam(r, "userID"), q.Get("status"), params)
	if err != nil {
		writeError(w, err)
		return
	}
	if views == nil {
		views = []service.StatusView{}
	}

	writeJSON(w, http.StatusOK, listResponse{
		Data:  views,
		Page:  params.Page,
		Limit: params.Limit,
		Total: total,
	})
}

// decode parses and validates a JSON request body, writing the 400 response
// itself when the body is rejected.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeValidation(w, "invalid JSON body: "+err.Error())
		return false
	}

	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeValidation(w, "invalid field "+verrs[0].Field())
			return false
		}
		writeValidation(w, "invalid request body")
		return false
	}
	return true
}

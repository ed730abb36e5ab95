package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/tripcrew/confirmation/internal/domain"
)

// ErrorResponse is the JSON error envelope: a machine-readable code plus a
// human-readable message. Internal diagnostics never leak into it.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the error kind and message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError maps a domain error to its HTTP status code and writes the JSON
// envelope. The mapping is total over the domain error kinds and classifies
// with errors.Is — never by matching message text.
func writeError(w http.ResponseWriter, err error) {
	var (
		status int
		code   string
	)
	switch {
	case errors.Is(err, domain.ErrValidation):
		status, code = http.StatusBadRequest, "validation_error"
	case errors.Is(err, domain.ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrDeadlineExpired):
		status, code = http.StatusGone, "deadline_expired"
	case errors.Is(err, domain.ErrExternal):
		status, code = http.StatusBadGateway, "external_error"
	default:
		// Unknown errors stay opaque to the caller.
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error: ErrorDetail{Code: "internal", Message: "internal server error"},
		})
		return
	}

	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: userMessage(err)}})
}

// writeValidation writes a 400 for a request rejected before reaching the
// service layer (malformed body, missing fields).
func writeValidation(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error: ErrorDetail{Code: "validation_error", Message: message},
	})
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// userMessage strips the layered "pkg.Type.Method: " diagnostic prefixes that
// services and repos add for logs, leaving the human-readable tail.
// e.g. "service.ConfirmationService.Confirm: repo.ConfirmedTripRepo.GetByTripID: not found" → "not found".
func userMessage(err error) string {
	msg := err.Error()
	for {
		i := strings.Index(msg, ": ")
		if i < 0 {
			return msg
		}
		head := msg[:i]
		if strings.HasPrefix(head, "service.") || strings.HasPrefix(head, "repo.") || strings.HasPrefix(head, "client.") {
			msg = msg[i+2:]
			continue
		}
		return msg
	}
}

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ekaya-inc/sqlrest-gateway/pkg/apperrors"
)

// ErrorBody is the payload of every error response.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

// ErrorEnvelope wraps ErrorBody as {"error": {...}}.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message, requestID string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(ErrorEnvelope{Error: ErrorBody{
		Code:      errorCode,
		Message:   message,
		RequestID: requestID,
	}})
}

// WriteError maps err onto its status and code and writes the error envelope.
// Refused admissions also get a Retry-After header. Messages of internal
// errors are not exposed. Returns the status written.
func WriteError(w http.ResponseWriter, err error, requestID string) (int, error) {
	status := apperrors.HTTPStatus(err)

	var limitErr *apperrors.LimitError
	if errors.As(err, &limitErr) {
		w.Header().Set("Retry-After", strconv.FormatInt(limitErr.RetryAfterSeconds(), 10))
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal server error"
	}
	return status, ErrorResponse(w, status, apperrors.Code(err), message, requestID)
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

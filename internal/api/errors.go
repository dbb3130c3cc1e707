package api

import (
	"encoding/json"
	"net/http"

	"github.com/tag-anchor/internal/errors"
	"github.com/tag-anchor/internal/logging"
	"github.com/tag-anchor/internal/types"
)

// ErrorResponse represents an API error response. Mutating endpoints also
// report the outcome and whatever partial result the operation produced.
type ErrorResponse struct {
	Error   types.ServiceError `json:"error"`
	Outcome types.Outcome      `json:"outcome,omitempty"`
	Result  interface{}        `json:"result,omitempty"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	respondJSON(w, statusCode, ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			logging.WithError(err).Warn("Failed to encode response")
		}
	}
}

// parseJSONBody parses JSON request body.
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// Common error codes
const (
	ErrCodeInvalidInput      = errors.CodeInvalidInput
	ErrCodeInternalError     = errors.CodeInternalError
	ErrCodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
)

// respondServiceError maps a service error to its status code and body.
// Internal errors hide their cause from the caller.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	catErr := errors.Categorize(err)
	logServiceError(r, catErr)

	svcErr := catErr.ToServiceError()
	if catErr.Category == errors.CategorySystem {
		svcErr = &types.ServiceError{Code: ErrCodeInternalError, Message: "An internal error occurred"}
	}
	respondJSON(w, catErr.StatusCode, ErrorResponse{Error: *svcErr})
}

// respondOutcomeError is respondServiceError for mutating endpoints
func respondOutcomeError(w http.ResponseWriter, r *http.Request, err error, result interface{}) {
	catErr := errors.Categorize(err)
	logServiceError(r, catErr)

	svcErr := catErr.ToServiceError()
	if catErr.Category == errors.CategorySystem {
		svcErr = &types.ServiceError{Code: ErrCodeInternalError, Message: "An internal error occurred"}
	}
	respondJSON(w, catErr.StatusCode, ErrorResponse{
		Error:   *svcErr,
		Outcome: errors.Outcome(err),
		Result:  result,
	})
}

func logServiceError(r *http.Request, catErr *errors.CategorizedError) {
	logger := logging.FromContext(r.Context()).WithFields(map[string]interface{}{
		"code":     catErr.Code,
		"category": catErr.Category,
		"path":     r.URL.Path,
	})
	if catErr.Cause != nil {
		logger = logger.WithError(catErr.Cause)
	}
	switch {
	case catErr.StatusCode >= 500:
		logger.Error(catErr.Message)
	case catErr.Category == errors.CategoryAmbiguous:
		logger.Warn(catErr.Message)
	default:
		logger.Debug(catErr.Message)
	}
}

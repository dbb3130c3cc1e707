package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/tag-anchor/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryUserInput represents malformed requests (4xx)
	CategoryUserInput ErrorCategory = "user_input"
	// CategoryValidation represents rejected input such as empty or duplicate batches
	CategoryValidation ErrorCategory = "validation"
	// CategoryNotFound represents missing tags or batches
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents state machine violations and races
	CategoryConflict ErrorCategory = "conflict"
	// CategoryDependency represents a non-critical external failure (degraded, not aborted)
	CategoryDependency ErrorCategory = "dependency"
	// CategoryCritical represents a failure that aborted a batch or mint
	CategoryCritical ErrorCategory = "critical"
	// CategoryAmbiguous represents an unknown outcome that must be reconciled
	CategoryAmbiguous ErrorCategory = "ambiguous"
	// CategoryDatabase represents ledger store errors
	CategoryDatabase ErrorCategory = "database"
	// CategorySystem represents unexpected internal errors (5xx)
	CategorySystem ErrorCategory = "system"
)

// Error codes surfaced to API callers
const (
	CodeInvalidInput        = "INVALID_INPUT"
	CodeEmptyBatch          = "EMPTY_BATCH"
	CodeBatchTooLarge       = "BATCH_TOO_LARGE"
	CodeDuplicateIdentifier = "DUPLICATE_IDENTIFIER"
	CodeInvalidTransition   = "INVALID_TRANSITION"
	CodeNotFound            = "NOT_FOUND"
	CodeConflict            = "CONFLICT"
	CodeNotBatchAnchored    = "NOT_BATCH_ANCHORED"
	CodeInvalidProof        = "INVALID_PROOF"
	CodeAnchorFailed        = "ANCHOR_FAILED"
	CodeInsertFailed        = "INSERT_FAILED"
	CodeMintFailed          = "MINT_FAILED"
	CodeTokenIDMismatch     = "TOKEN_ID_MISMATCH"
	CodeUnknownOutcome      = "UNKNOWN_OUTCOME"
	CodeNotYetMinted        = "NOT_YET_MINTED"
	CodePinFailed           = "PIN_FAILED"
	CodeChainUnavailable    = "CHAIN_UNAVAILABLE"
	CodeDatabaseError       = "DATABASE_ERROR"
	CodeInternalError       = "INTERNAL_ERROR"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// Input errors: rejected before any external call, never retried automatically.

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUserInput,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidInput,
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewEmptyBatchError creates an empty batch error
func NewEmptyBatchError() *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeEmptyBatch,
		Message:    "batch must contain at least one tag",
	}
}

// NewBatchTooLargeError creates a batch size limit error
func NewBatchTooLargeError(size, limit int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeBatchTooLarge,
		Message:    fmt.Sprintf("batch size %d exceeds limit %d", size, limit),
		Details: map[string]interface{}{
			"size":  size,
			"limit": limit,
		},
	}
}

// NewDuplicateIdentifierError creates a duplicate identifier error
func NewDuplicateIdentifierError(cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeDuplicateIdentifier,
		Message:    "batch contains a duplicate tag identifier",
		Cause:      cause,
	}
}

// NewInvalidTransitionError creates a state machine violation error
func NewInvalidTransitionError(tagCode string, from, to types.TagStatus) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeInvalidTransition,
		Message:    fmt.Sprintf("tag %s cannot move from %s to %s", tagCode, from, to),
		Details: map[string]interface{}{
			"tagCode": tagCode,
			"from":    from,
			"to":      to,
		},
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewConflictError creates a conflict error
func NewConflictError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeConflict,
		Message:    message,
	}
}

// NewNotBatchAnchoredError is returned when a proof is requested for a legacy tag
func NewNotBatchAnchoredError(tagCode string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       CodeNotBatchAnchored,
		Message:    fmt.Sprintf("tag %s is not batch-anchored", tagCode),
		Details: map[string]interface{}{
			"tagCode": tagCode,
		},
	}
}

// NewInvalidProofError is returned when local verification rejects a proof
func NewInvalidProofError(tagCode string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       CodeInvalidProof,
		Message:    fmt.Sprintf("stored proof for tag %s does not match the anchored root", tagCode),
		Details: map[string]interface{}{
			"tagCode": tagCode,
		},
	}
}

// Critical dependency failures: the batch or mint is aborted with a terminal status.

// NewAnchorFailedError creates an anchor transaction failure
func NewAnchorFailedError(batchID string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryCritical,
		StatusCode: http.StatusBadGateway,
		Code:       CodeAnchorFailed,
		Message:    fmt.Sprintf("anchor transaction failed for batch %s", batchID),
		Cause:      cause,
		Details: map[string]interface{}{
			"batchId": batchID,
		},
	}
}

// NewInsertFailedError creates a bulk insert failure
func NewInsertFailedError(batchID string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryCritical,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInsertFailed,
		Message:    fmt.Sprintf("tag insert failed for anchored batch %s", batchID),
		Cause:      cause,
		Details: map[string]interface{}{
			"batchId": batchID,
		},
	}
}

// NewMintFailedError creates a reverted or rejected mint error
func NewMintFailedError(tagCode string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryCritical,
		StatusCode: http.StatusBadGateway,
		Code:       CodeMintFailed,
		Message:    fmt.Sprintf("mint failed for tag %s", tagCode),
		Cause:      cause,
		Details: map[string]interface{}{
			"tagCode": tagCode,
		},
	}
}

// NewTokenIDMismatchError is returned when the activation event disagrees
// with the deterministic token id derivation.
func NewTokenIDMismatchError(tagCode, fromEvent, derived string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryCritical,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeTokenIDMismatch,
		Message:    fmt.Sprintf("token id mismatch for tag %s", tagCode),
		Details: map[string]interface{}{
			"tagCode":   tagCode,
			"fromEvent": fromEvent,
			"derived":   derived,
		},
	}
}

// NewPinFailedError is returned when content pinning is required and fails
func NewPinFailedError(cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDependency,
		StatusCode: http.StatusBadGateway,
		Code:       CodePinFailed,
		Message:    "content store pin failed",
		Cause:      cause,
	}
}

// NewChainUnavailableError is returned when a read-only chain call fails
func NewChainUnavailableError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDependency,
		StatusCode: http.StatusBadGateway,
		Code:       CodeChainUnavailable,
		Message:    fmt.Sprintf("chain call %s failed", operation),
		Details:    map[string]interface{}{"operation": operation},
		Cause:      cause,
	}
}

// Ambiguous outcomes: never failures, always resolved by reconciliation.

// NewUnknownOutcomeError creates an unknown outcome error for a submitted transaction
func NewUnknownOutcomeError(operation string, txHash string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAmbiguous,
		StatusCode: http.StatusAccepted,
		Code:       CodeUnknownOutcome,
		Message:    fmt.Sprintf("%s submitted but not yet confirmed; reconcile later", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
			"txHash":    txHash,
		},
	}
}

// NewNotYetMintedError is returned by reconciliation when no mint exists yet
func NewNotYetMintedError(tagCode string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAmbiguous,
		StatusCode: http.StatusAccepted,
		Code:       CodeNotYetMinted,
		Message:    fmt.Sprintf("tag %s has not been minted yet", tagCode),
		Details: map[string]interface{}{
			"tagCode": tagCode,
		},
	}
}

// System errors (5xx)

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInternalError,
		Message:    message,
		Cause:      cause,
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeDatabaseError,
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return &CategorizedError{
			Category:   CategorySystem,
			StatusCode: http.StatusInternalServerError,
			Code:       svcErr.Code,
			Message:    svcErr.Message,
			Details:    svcErr.Details,
		}
	}

	return NewInternalError("unexpected error", err)
}

// Is reports whether err carries the given error code
func Is(err error, code string) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Code == code
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// Outcome maps an operation error to what the caller should do next.
// nil is success; ambiguous and transient infrastructure errors are pending;
// everything else is a permanent failure.
func Outcome(err error) types.Outcome {
	if err == nil {
		return types.OutcomeSuccess
	}
	if IsRetryable(err) {
		return types.OutcomePending
	}
	return types.OutcomeFailed
}

// IsRetryable determines if retrying the same call is safe and may succeed
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryAmbiguous, CategoryDatabase, CategoryDependency:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
	default:
		return false
	}
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}

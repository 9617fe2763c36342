package orcherrors

import (
	"errors"
	"net/http"

	"github.com/stackplane/stackplane-internal/internal/common/apperrors"
)

// Error taxonomy for tenant stack operations. Every failure surfaced by the
// orchestrator is rooted in exactly one of these sentinels so callers (and
// the API layer) can classify it without string matching.
var (
	// ErrValidation: bad input, rejected before any side effect, never retried.
	ErrValidation apperrors.Error = apperrors.New("validation error").SetStatusCode(http.StatusBadRequest)
	// ErrConflict: an operation is already in flight for the tenant, or the
	// requested transition is invalid for the current state.
	ErrConflict apperrors.Error = apperrors.New("conflicting operation").SetStatusCode(http.StatusConflict)
	// ErrNotFound: unknown tenant, backup or operation handle.
	ErrNotFound apperrors.Error = apperrors.New("not found").SetStatusCode(http.StatusNotFound)
	// ErrTransient: infrastructure failure eligible for retry with backoff.
	ErrTransient apperrors.Error = apperrors.New("transient infrastructure error").SetStatusCode(http.StatusServiceUnavailable)
	// ErrConsistency: runtime state contradicts the state store. Never
	// resolved automatically; requires a reconciliation pass.
	ErrConsistency apperrors.Error = apperrors.New("state inconsistency detected").SetStatusCode(http.StatusInternalServerError)
	// ErrOperationFailed: terminal outcome of an operation after retries are
	// exhausted or a non-transient step failed.
	ErrOperationFailed apperrors.Error = apperrors.New("operation failed").SetStatusCode(http.StatusInternalServerError)
)

var (
	ErrUnknownTier       = ErrValidation.New("unknown resource tier")
	ErrUnknownVersion    = ErrValidation.New("no stack template for version")
	ErrInvalidTenantID   = ErrValidation.New("invalid tenant id")
	ErrInvalidState      = ErrConflict.New("operation not allowed in current state")
	ErrOperationInFlight = ErrConflict.New("conflicting operation in progress")
	ErrTenantNotFound    = ErrNotFound.New("tenant not found")
	ErrBackupNotFound    = ErrNotFound.New("backup not found")
	ErrRevisionConflict  = ErrConflict.New("state record was concurrently modified")
)

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsConflict reports whether err is a per-tenant serialization conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

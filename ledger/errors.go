/*
errors.go - Centralized error types for the ledger core

ERROR TAXONOMY (three disjoint classes, each with a helper):
  1. Validation errors - malformed input, rejected before any mutation
     (IsValidation). Never partially applied.
  2. Conflict errors - the caller's view of the world is stale
     (IsConflict): AlreadyReconciled, NotReconciled, AccountNotFound,
     precondition failures during idempotent repair. Recoverable by
     re-querying; never retried automatically.
  3. Transient storage errors - connection loss, timeout (IsRetryable).
     Retried with bounded backoff for read-only operations only; mutating
     operations must be re-invoked by the caller, which is safe because
     apply is idempotent by construction.

Anomaly DETECTION is not an error; only failure to complete a scan is
(ErrScanFailed).
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrAccountNotFound is returned when a code resolves to no account.
	// Callers decide whether that is fatal (posting) or informational
	// (reporting).
	ErrAccountNotFound = errors.New("account not found")

	// ErrEntryNotFound is returned when a referenced journal entry does not exist.
	ErrEntryNotFound = errors.New("journal entry not found")

	// ErrTransactionNotFound is returned when a bank transaction id is unknown.
	ErrTransactionNotFound = errors.New("bank transaction not found")

	// ErrAlreadyReconciled is returned when reconciling a transaction that
	// already links to a different journal entry.
	ErrAlreadyReconciled = errors.New("transaction already reconciled")

	// ErrNotReconciled is returned when unreconciling an unreconciled transaction.
	ErrNotReconciled = errors.New("transaction not reconciled")

	// ErrDuplicateEntry is returned when inserting an entry whose natural key
	// (source, reference id, competence) already exists.
	ErrDuplicateEntry = errors.New("duplicate journal entry")

	// ErrPreconditionFailed is returned when a repair action's precondition no
	// longer holds at apply time. Expected on re-runs; the action is skipped.
	ErrPreconditionFailed = errors.New("repair precondition failed")

	// ErrScanFailed is returned when a data-access failure aborts an
	// invariant scan. Scans never return partial results silently.
	ErrScanFailed = errors.New("invariant scan failed")

	// ErrInvalidPeriod is returned when a period is malformed (end before start).
	ErrInvalidPeriod = errors.New("invalid period: end before start")

	// ErrLockHeld is returned when the per-tenant advisory lock is taken by
	// another mutating run.
	ErrLockHeld = errors.New("tenant lock held by another operation")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError rejects malformed input before any mutation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// AccountNotFoundError reports the code that failed to resolve.
type AccountNotFoundError struct {
	Code string
}

func (e *AccountNotFoundError) Error() string {
	return fmt.Sprintf("account not found: %q", e.Code)
}

func (e *AccountNotFoundError) Unwrap() error { return ErrAccountNotFound }

// AlreadyReconciledError reports the existing link that blocked a reconcile.
type AlreadyReconciledError struct {
	TransactionID TransactionID
	LinkedEntry   EntryID
}

func (e *AlreadyReconciledError) Error() string {
	return fmt.Sprintf("transaction %s already reconciled to entry %s", e.TransactionID, e.LinkedEntry)
}

func (e *AlreadyReconciledError) Unwrap() error { return ErrAlreadyReconciled }

// ScanError wraps the storage failure that aborted a scan, with the stage
// reached so reruns are diagnosable.
type ScanError struct {
	Stage string // "entries", "lines", "accounts"
	Err   error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("invariant scan failed at %s: %v", e.Stage, e.Err)
}

func (e *ScanError) Unwrap() error { return ErrScanFailed }

// TransientError marks a storage failure as retryable (connection loss,
// timeout, lock contention inside the driver). Store implementations wrap
// such failures; everything else is treated as permanent.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient storage error: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsValidation reports whether the error is a rejected-input error.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsConflict reports whether the error means the caller's view is stale and
// a re-query is needed before retrying.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyReconciled) ||
		errors.Is(err, ErrNotReconciled) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrEntryNotFound) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrDuplicateEntry) ||
		errors.Is(err, ErrPreconditionFailed)
}

// IsRetryable reports whether the error might succeed on retry.
func IsRetryable(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

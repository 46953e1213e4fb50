package certificate

import (
	"errors"
	"fmt"
)

var (
	// ErrLedgerUnavailable means the ledger could not be reached. Retryable.
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	// ErrLedgerRejected means the ledger refused the input. Permanent for that input.
	ErrLedgerRejected = errors.New("ledger rejected")
	// ErrDuplicateFingerprint is a rejection caused by an existing record for the
	// same fingerprint. It matches ErrLedgerRejected as well.
	ErrDuplicateFingerprint = fmt.Errorf("%w: duplicate fingerprint", ErrLedgerRejected)
	// ErrLedgerTimeout means an append was submitted but its confirmation was not
	// observed. The outcome is unknown until the ledger is queried again.
	ErrLedgerTimeout = errors.New("ledger confirmation timeout")
	// ErrArchiveUnavailable means the archive store failed. Retryable, nothing was
	// recorded on the ledger.
	ErrArchiveUnavailable = errors.New("archive unavailable")
	// ErrIndexWrite is a local index write failure. Never fatal for an issuance.
	ErrIndexWrite = errors.New("index write failed")
	// ErrInvalidFingerprint is returned for malformed fingerprint input.
	ErrInvalidFingerprint = errors.New("invalid fingerprint")
)

// IssueError describes a failed issuance attempt.
type IssueError struct {
	AttemptID   string
	Fingerprint Fingerprint
	// State is the last state the attempt reached before failing.
	State State
	// Archive is set when the artifact was archived before the failure.
	Archive *ArchiveEntry
	// TxRef identifies the submitted ledger transaction, if any.
	TxRef string
	Err   error
}

func (e *IssueError) Error() string {
	return fmt.Sprintf("issue %s failed after %s: %v", e.Fingerprint, e.State, e.Err)
}

func (e *IssueError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the caller may safely retry the whole issuance.
func IsRetryable(err error) bool {
	if IsAmbiguous(err) {
		return false
	}
	return errors.Is(err, ErrLedgerUnavailable) || errors.Is(err, ErrArchiveUnavailable)
}

// IsAmbiguous reports whether the ledger outcome is unknown and needs a
// reconciliation read before anything else is attempted.
func IsAmbiguous(err error) bool {
	return errors.Is(err, ErrLedgerTimeout)
}

// TxError annotates a ledger error with the transaction it concerns.
type TxError struct {
	TxRef string
	Err   error
}

func (e *TxError) Error() string {
	return fmt.Sprintf("tx %s: %v", e.TxRef, e.Err)
}

func (e *TxError) Unwrap() error {
	return e.Err
}

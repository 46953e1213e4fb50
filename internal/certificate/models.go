package certificate

import (
	"time"
)

// LedgerRecord is the authoritative certificate record as committed on the ledger.
type LedgerRecord struct {
	Fingerprint Fingerprint `json:"hash"`
	IssuedTo    string      `json:"issuedTo"`
	IssuedBy    string      `json:"issuedBy"`
	Timestamp   int64       `json:"timestamp"`
	// Revoked is set when the ledger marks the record as soft-invalidated.
	Revoked bool `json:"-"`
}

// ArchiveEntry is the result of storing an artifact in the archive.
type ArchiveEntry struct {
	ContentAddress string `json:"cid"`
	RetrievalURL   string `json:"ipfs_url"`
}

// IndexRecord is local, non-authoritative metadata for a fingerprint.
type IndexRecord struct {
	Fingerprint      Fingerprint `json:"-"`
	ContentAddress   string      `json:"cid"`
	RetrievalURL     string      `json:"ipfs_url"`
	OriginalFilename string      `json:"filename"`
	RecordedAt       time.Time   `json:"pinnedAt"`
}

// EnrichedRecord is a listing entry: a ledger record merged with its index metadata.
type EnrichedRecord struct {
	LedgerRecord
	IssuedAt       time.Time  `json:"issuedAt"`
	ContentAddress string     `json:"cid"`
	RetrievalURL   string     `json:"ipfs_url"`
	Filename       string     `json:"filename"`
	RecordedAt     *time.Time `json:"pinnedAt"`
}

// Outcome is the terminal, non-error result of an issuance attempt.
type Outcome string

const (
	OutcomeIssued        Outcome = "issued"
	OutcomeAlreadyIssued Outcome = "already_issued"
)

// IssuanceResult is returned by Service.Issue when the attempt did not fail.
type IssuanceResult struct {
	AttemptID   string
	Outcome     Outcome
	Fingerprint Fingerprint
	Record      LedgerRecord
	// Archive is zero when Outcome is OutcomeAlreadyIssued and the conflict was
	// detected before archiving.
	Archive ArchiveEntry
	// IndexErr is the non-fatal error from the local index write, if any.
	IndexErr error
}

// VerificationResult is the answer to a verify query.
type VerificationResult struct {
	Valid       bool
	Fingerprint Fingerprint
	Record      *LedgerRecord
}

// PendingIssuance is an attempt whose ledger append outcome is unknown.
type PendingIssuance struct {
	AttemptID   string
	Fingerprint Fingerprint
	IssuedTo    string
	Filename    string
	Archive     ArchiveEntry
	TxRef       string
	CreatedAt   time.Time
}

// Resolution values recorded when a pending issuance is settled.
const (
	ResolutionConfirmed = "confirmed"
	ResolutionAbandoned = "abandoned"
)

// TxStatus is the ledger's view of one submitted transaction.
type TxStatus int

const (
	TxNotFound TxStatus = iota
	TxCommitted
	TxReverted
)

package certificate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Ledger is the authoritative, append-only certificate record store.
type Ledger interface {
	// Exists reports whether a record for fp is committed. A query failure is
	// returned as ErrLedgerUnavailable and never reported as absence.
	Exists(ctx context.Context, fp Fingerprint) (LedgerRecord, bool, error)
	// Append blocks until the ledger confirms the record is durable.
	Append(ctx context.Context, fp Fingerprint, issuedTo, issuedBy string) (LedgerRecord, error)
	// ReplayAll returns every committed record in ledger order.
	ReplayAll(ctx context.Context) ([]LedgerRecord, error)
}

// TxLookup is implemented by ledgers that can report on a single submission.
// Reconciliation uses it to tell this attempt's commit from another's.
type TxLookup interface {
	TxStatus(ctx context.Context, txRef string) (TxStatus, error)
}

// RecipientValidator is implemented by ledgers that restrict issuedTo. It is
// consulted before anything is archived.
type RecipientValidator interface {
	ValidateRecipient(issuedTo string) error
}

// Archive stores artifact bytes and returns a content address. Stores are not
// assumed to be idempotent.
type Archive interface {
	Store(ctx context.Context, filename string, data []byte) (ArchiveEntry, error)
	URL(contentAddress string) string
}

// Index is the local metadata index. It is never consulted for existence.
type Index interface {
	Get(ctx context.Context, fp Fingerprint) (IndexRecord, bool, error)
	Put(ctx context.Context, rec IndexRecord) error
	All(ctx context.Context) (map[Fingerprint]IndexRecord, error)
}

// PendingStore keeps issuance attempts with an ambiguous ledger outcome.
type PendingStore interface {
	AddPending(ctx context.Context, p PendingIssuance) error
	ListPending(ctx context.Context) ([]PendingIssuance, error)
	ResolvePending(ctx context.Context, attemptID, resolution string) error
}

// Observer receives operational measurements.
type Observer interface {
	ObserveIssuance(outcome string, elapsed time.Duration)
	ObserveListing(size int)
	ObserveReconcile(pending, duplicates int)
}

// ServiceConfig holds the coordinator settings.
type ServiceConfig struct {
	// Issuer is the identity recorded as issuedBy and the default issuedTo.
	Issuer string
	// PendingGrace is how long an ambiguous attempt may stay unresolved before
	// it is abandoned.
	PendingGrace time.Duration
	// Now overrides the wall clock, mainly for tests.
	Now func() time.Time
}

// Option configures optional collaborators of a Service.
type Option func(*Service)

// WithPendingStore enables persistence of ambiguous issuances.
func WithPendingStore(p PendingStore) Option {
	return func(s *Service) { s.pending = p }
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

// Service coordinates issuance, verification and listing of certificates.
type Service struct {
	cfg      ServiceConfig
	ledger   Ledger
	archive  Archive
	index    Index
	pending  PendingStore
	observer Observer
}

// NewService creates a new certificate service.
func NewService(cfg ServiceConfig, ledger Ledger, archive Archive, index Index, opts ...Option) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PendingGrace <= 0 {
		cfg.PendingGrace = 30 * time.Minute
	}
	s := &Service{
		cfg:     cfg,
		ledger:  ledger,
		archive: archive,
		index:   index,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issuer returns the configured issuing identity.
func (s *Service) Issuer() string {
	return s.cfg.Issuer
}

// ArchiveURL returns the retrieval URL for a content address.
func (s *Service) ArchiveURL(contentAddress string) string {
	return s.archive.URL(contentAddress)
}

// Archive stores data without touching the ledger or the index.
func (s *Service) Archive(ctx context.Context, filename string, data []byte) (ArchiveEntry, error) {
	entry, err := s.archive.Store(ctx, filename, data)
	if err != nil {
		return ArchiveEntry{}, asKind(err, ErrArchiveUnavailable)
	}
	return entry, nil
}

type attempt struct {
	id      string
	fp      Fingerprint
	state   State
	archive *ArchiveEntry
	started time.Time
	log     *slog.Logger
}

func (a *attempt) advance(next State) {
	a.log.Debug("issuance state", "from", a.state, "to", next)
	a.state = next
}

// Issue runs one issuance attempt: fingerprint, dedup check, archive, ledger
// append and index update. A conflict is reported as OutcomeAlreadyIssued with
// a nil error. Failures are returned as *IssueError.
func (s *Service) Issue(ctx context.Context, data []byte, filename, issuedTo string) (*IssuanceResult, error) {
	if issuedTo == "" {
		issuedTo = s.cfg.Issuer
	}
	a := &attempt{id: uuid.NewString(), state: StateStart, started: s.cfg.Now()}

	a.fp = FingerprintOf(data)
	a.log = slog.With("attempt", a.id, "hash", a.fp)
	a.log.Info("issuing certificate", "filename", filename, "size", len(data), "issuedTo", issuedTo)
	a.advance(StateFingerprinted)

	if v, ok := s.ledger.(RecipientValidator); ok {
		if err := v.ValidateRecipient(issuedTo); err != nil {
			return nil, s.fail(a, asKind(err, ErrLedgerRejected), "")
		}
	}

	existing, found, err := s.ledger.Exists(ctx, a.fp)
	if err != nil {
		return nil, s.fail(a, asKind(err, ErrLedgerUnavailable), "")
	}
	if found {
		a.log.Info("certificate already present on ledger, skipping issue")
		return s.conflict(a, existing), nil
	}
	a.advance(StateDedupChecked)

	entry, err := s.archive.Store(ctx, filename, data)
	if err != nil {
		return nil, s.fail(a, asKind(err, ErrArchiveUnavailable), "")
	}
	a.archive = &entry
	a.log.Info("archived artifact", "cid", entry.ContentAddress)
	a.advance(StateArchived)

	// A submitted append is never retracted, so it outlives the caller's context.
	appendCtx := context.WithoutCancel(ctx)
	rec, err := s.ledger.Append(appendCtx, a.fp, issuedTo, s.cfg.Issuer)
	if err != nil {
		txRef := txRefOf(err)
		switch {
		case errors.Is(err, ErrDuplicateFingerprint):
			a.log.Warn("lost issuance race, archive entry is orphaned", "cid", entry.ContentAddress)
			existing, found, lookupErr := s.ledger.Exists(appendCtx, a.fp)
			if lookupErr != nil || !found {
				existing = LedgerRecord{Fingerprint: a.fp}
			}
			res := s.conflict(a, existing)
			res.Archive = entry
			return res, nil
		case IsAmbiguous(err):
			s.recordPending(appendCtx, a, issuedTo, filename, txRef)
		case !errors.Is(err, ErrLedgerRejected):
			err = asKind(err, ErrLedgerUnavailable)
		}
		return nil, s.fail(a, err, txRef)
	}
	a.log.Info("certificate recorded on ledger", "timestamp", rec.Timestamp)
	a.advance(StateLedgerAppended)

	res := &IssuanceResult{
		AttemptID:   a.id,
		Outcome:     OutcomeIssued,
		Fingerprint: a.fp,
		Record:      rec,
		Archive:     entry,
	}
	if err := s.writeIndex(appendCtx, a.fp, entry, filename); err != nil {
		a.log.Error("index write failed, certificate remains valid on ledger", "err", err)
		res.IndexErr = err
	} else {
		a.advance(StateIndexed)
	}
	a.advance(StateDone)
	s.observe(string(OutcomeIssued), a.started)
	return res, nil
}

// Verify answers purely from the ledger.
func (s *Service) Verify(ctx context.Context, fp Fingerprint) (VerificationResult, error) {
	rec, found, err := s.ledger.Exists(ctx, fp)
	if err != nil {
		return VerificationResult{}, asKind(err, ErrLedgerUnavailable)
	}
	res := VerificationResult{Fingerprint: fp}
	if found {
		res.Record = &rec
		res.Valid = !rec.Revoked
	}
	slog.Info("verification result", "hash", fp, "valid", res.Valid)
	return res, nil
}

func (s *Service) conflict(a *attempt, existing LedgerRecord) *IssuanceResult {
	s.observe(string(OutcomeAlreadyIssued), a.started)
	return &IssuanceResult{
		AttemptID:   a.id,
		Outcome:     OutcomeAlreadyIssued,
		Fingerprint: a.fp,
		Record:      existing,
	}
}

func (s *Service) fail(a *attempt, err error, txRef string) error {
	a.log.Error("issuance failed", "state", a.state, "tx", txRef, "err", err)
	s.observe(failureOutcome(err), a.started)
	return &IssueError{
		AttemptID:   a.id,
		Fingerprint: a.fp,
		State:       a.state,
		Archive:     a.archive,
		TxRef:       txRef,
		Err:         err,
	}
}

func (s *Service) writeIndex(ctx context.Context, fp Fingerprint, entry ArchiveEntry, filename string) error {
	err := s.index.Put(ctx, IndexRecord{
		Fingerprint:      fp,
		ContentAddress:   entry.ContentAddress,
		RetrievalURL:     entry.RetrievalURL,
		OriginalFilename: filename,
		RecordedAt:       s.cfg.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIndexWrite, err)
	}
	return nil
}

func (s *Service) recordPending(ctx context.Context, a *attempt, issuedTo, filename, txRef string) {
	p := PendingIssuance{
		AttemptID:   a.id,
		Fingerprint: a.fp,
		IssuedTo:    issuedTo,
		Filename:    filename,
		TxRef:       txRef,
		CreatedAt:   s.cfg.Now().UTC(),
	}
	if a.archive != nil {
		p.Archive = *a.archive
	}
	if s.pending == nil {
		a.log.Error("ambiguous ledger outcome and no pending store configured, manual reconciliation required", "tx", txRef)
		return
	}
	if err := s.pending.AddPending(ctx, p); err != nil {
		a.log.Error("failed to record pending issuance", "tx", txRef, "err", err)
	}
}

func (s *Service) observe(outcome string, started time.Time) {
	if s.observer != nil {
		s.observer.ObserveIssuance(outcome, s.cfg.Now().Sub(started))
	}
}

// asKind wraps err with kind unless it already carries one of the taxonomy errors.
func asKind(err, kind error) error {
	for _, known := range []error{ErrLedgerUnavailable, ErrLedgerRejected, ErrLedgerTimeout, ErrArchiveUnavailable} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", kind, err)
}

func txRefOf(err error) string {
	var txErr *TxError
	if errors.As(err, &txErr) {
		return txErr.TxRef
	}
	return ""
}

func failureOutcome(err error) string {
	switch {
	case errors.Is(err, ErrLedgerTimeout):
		return "ledger_timeout"
	case errors.Is(err, ErrLedgerRejected):
		return "ledger_rejected"
	case errors.Is(err, ErrArchiveUnavailable):
		return "archive_unavailable"
	default:
		return "ledger_unavailable"
	}
}

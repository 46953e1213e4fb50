package certificate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

type fakeLedger struct {
	mu            sync.Mutex
	records       []LedgerRecord
	enforceUnique bool
	clock         int64

	existsErr error
	appendErr error
	replayErr error
	// existsHook runs before every Exists lookup.
	existsHook func()
	// txs answers TxStatus; unknown references are TxNotFound.
	txs   map[string]TxStatus
	txErr error
	// rejectRecipient, when set, fails ValidateRecipient for that value.
	rejectRecipient string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{clock: 1_700_000_000}
}

func (l *fakeLedger) Exists(ctx context.Context, fp Fingerprint) (LedgerRecord, bool, error) {
	if l.existsHook != nil {
		l.existsHook()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.existsErr != nil {
		return LedgerRecord{}, false, l.existsErr
	}
	for _, rec := range l.records {
		if rec.Fingerprint == fp {
			return rec, true, nil
		}
	}
	return LedgerRecord{}, false, nil
}

func (l *fakeLedger) Append(ctx context.Context, fp Fingerprint, issuedTo, issuedBy string) (LedgerRecord, error) {
	if err := ctx.Err(); err != nil {
		return LedgerRecord{}, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.appendErr != nil {
		return LedgerRecord{}, l.appendErr
	}
	if l.enforceUnique {
		for _, rec := range l.records {
			if rec.Fingerprint == fp {
				return LedgerRecord{}, fmt.Errorf("%w: %s", ErrDuplicateFingerprint, fp)
			}
		}
	}
	l.clock++
	rec := LedgerRecord{Fingerprint: fp, IssuedTo: issuedTo, IssuedBy: issuedBy, Timestamp: l.clock}
	l.records = append(l.records, rec)
	return rec, nil
}

func (l *fakeLedger) ReplayAll(ctx context.Context) ([]LedgerRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.replayErr != nil {
		return nil, l.replayErr
	}
	return append([]LedgerRecord(nil), l.records...), nil
}

func (l *fakeLedger) TxStatus(ctx context.Context, txRef string) (TxStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.txErr != nil {
		return TxNotFound, l.txErr
	}
	return l.txs[txRef], nil
}

func (l *fakeLedger) ValidateRecipient(issuedTo string) error {
	if l.rejectRecipient != "" && issuedTo == l.rejectRecipient {
		return fmt.Errorf("%w: issuedTo %q is not an address", ErrLedgerRejected, issuedTo)
	}
	return nil
}

func (l *fakeLedger) setTx(txRef string, status TxStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.txs == nil {
		l.txs = make(map[string]TxStatus)
	}
	l.txs[txRef] = status
}

func (l *fakeLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

func (l *fakeLedger) setRecord(rec LedgerRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
}

type fakeArchive struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (a *fakeArchive) Store(ctx context.Context, filename string, data []byte) (ArchiveEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return ArchiveEntry{}, a.err
	}
	cid := fmt.Sprintf("cid-%d", a.calls)
	return ArchiveEntry{ContentAddress: cid, RetrievalURL: a.URL(cid)}, nil
}

func (a *fakeArchive) URL(cid string) string {
	return "https://gateway.test/ipfs/" + cid
}

func (a *fakeArchive) storeCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type fakeIndex struct {
	mu      sync.Mutex
	records map[Fingerprint]IndexRecord
	putErr  error
	allErr  error
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{records: make(map[Fingerprint]IndexRecord)}
}

func (i *fakeIndex) Get(ctx context.Context, fp Fingerprint) (IndexRecord, bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	rec, ok := i.records[fp]
	return rec, ok, nil
}

func (i *fakeIndex) Put(ctx context.Context, rec IndexRecord) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.putErr != nil {
		return i.putErr
	}
	i.records[rec.Fingerprint] = rec
	return nil
}

func (i *fakeIndex) All(ctx context.Context) (map[Fingerprint]IndexRecord, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.allErr != nil {
		return nil, i.allErr
	}
	out := make(map[Fingerprint]IndexRecord, len(i.records))
	for k, v := range i.records {
		out[k] = v
	}
	return out, nil
}

type fakePending struct {
	mu       sync.Mutex
	entries  []PendingIssuance
	resolved map[string]string
}

func newFakePending() *fakePending {
	return &fakePending{resolved: make(map[string]string)}
}

func (p *fakePending) AddPending(ctx context.Context, e PendingIssuance) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, e)
	return nil
}

func (p *fakePending) ListPending(ctx context.Context) ([]PendingIssuance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []PendingIssuance
	for _, e := range p.entries {
		if _, done := p.resolved[e.AttemptID]; !done {
			out = append(out, e)
		}
	}
	return out, nil
}

func (p *fakePending) ResolvePending(ctx context.Context, attemptID, resolution string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.AttemptID == attemptID {
			p.resolved[attemptID] = resolution
			return nil
		}
	}
	return errors.New("unknown attempt")
}

type fakeObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *fakeObserver) ObserveIssuance(outcome string, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func (o *fakeObserver) ObserveListing(size int)                  {}
func (o *fakeObserver) ObserveReconcile(pending, duplicates int) {}

const testIssuer = "0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1"

type harness struct {
	ledger   *fakeLedger
	archive  *fakeArchive
	index    *fakeIndex
	pending  *fakePending
	observer *fakeObserver
	now      time.Time
	service  *Service
}

func newHarness() *harness {
	h := &harness{
		ledger:   newFakeLedger(),
		archive:  &fakeArchive{},
		index:    newFakeIndex(),
		pending:  newFakePending(),
		observer: &fakeObserver{},
		now:      time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	h.service = NewService(
		ServiceConfig{
			Issuer:       testIssuer,
			PendingGrace: 10 * time.Minute,
			Now:          func() time.Time { return h.now },
		},
		h.ledger, h.archive, h.index,
		WithPendingStore(h.pending),
		WithObserver(h.observer),
	)
	return h
}

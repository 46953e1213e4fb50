package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gateway-fm/doc-certificate-registry/internal/certificate"
)

// MemoryConfig configures an in-process ledger.
type MemoryConfig struct {
	// EnforceUnique makes Append reject a fingerprint that is already recorded.
	// When false, duplicates are appended like on a ledger without a uniqueness
	// constraint.
	EnforceUnique bool
	Now           func() time.Time
}

// MemoryLedger is an append-only ledger held in memory. It is meant for
// development setups and tests.
type MemoryLedger struct {
	cfg     MemoryConfig
	mu      sync.RWMutex
	records []certificate.LedgerRecord
	first   map[certificate.Fingerprint]int
	revoked map[certificate.Fingerprint]bool
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger(cfg MemoryConfig) *MemoryLedger {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &MemoryLedger{
		cfg:     cfg,
		first:   make(map[certificate.Fingerprint]int),
		revoked: make(map[certificate.Fingerprint]bool),
	}
}

func (l *MemoryLedger) Exists(ctx context.Context, fp certificate.Fingerprint) (certificate.LedgerRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return certificate.LedgerRecord{}, false, fmt.Errorf("%w: %v", certificate.ErrLedgerUnavailable, err)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	idx, ok := l.first[fp]
	if !ok {
		return certificate.LedgerRecord{}, false, nil
	}
	rec := l.records[idx]
	rec.Revoked = l.revoked[fp]
	return rec, true, nil
}

func (l *MemoryLedger) Append(ctx context.Context, fp certificate.Fingerprint, issuedTo, issuedBy string) (certificate.LedgerRecord, error) {
	if err := ctx.Err(); err != nil {
		return certificate.LedgerRecord{}, fmt.Errorf("%w: %v", certificate.ErrLedgerUnavailable, err)
	}
	if fp == "" || issuedTo == "" || issuedBy == "" {
		return certificate.LedgerRecord{}, fmt.Errorf("%w: hash, issuedTo and issuedBy are required", certificate.ErrLedgerRejected)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, exists := l.first[fp]
	if exists && l.cfg.EnforceUnique {
		return certificate.LedgerRecord{}, fmt.Errorf("%w: %s", certificate.ErrDuplicateFingerprint, fp)
	}

	rec := certificate.LedgerRecord{
		Fingerprint: fp,
		IssuedTo:    issuedTo,
		IssuedBy:    issuedBy,
		Timestamp:   l.cfg.Now().Unix(),
	}
	l.records = append(l.records, rec)
	if !exists {
		l.first[fp] = len(l.records) - 1
	}
	return rec, nil
}

func (l *MemoryLedger) ReplayAll(ctx context.Context) ([]certificate.LedgerRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", certificate.ErrLedgerUnavailable, err)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]certificate.LedgerRecord, len(l.records))
	for i, rec := range l.records {
		rec.Revoked = l.revoked[rec.Fingerprint]
		out[i] = rec
	}
	return out, nil
}

// Revoke soft-invalidates every record of fp. Records are kept.
func (l *MemoryLedger) Revoke(fp certificate.Fingerprint) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.first[fp]; !ok {
		return fmt.Errorf("no record for %s", fp)
	}
	l.revoked[fp] = true
	return nil
}

// Ping always succeeds.
func (l *MemoryLedger) Ping(ctx context.Context) error {
	return ctx.Err()
}

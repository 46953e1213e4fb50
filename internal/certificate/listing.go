package certificate

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

// List replays the ledger and merges it with the local index. The result holds
// one entry per fingerprint, newest first. Nothing is persisted; every call
// recomputes the view from a fresh replay.
func (s *Service) List(ctx context.Context) ([]EnrichedRecord, error) {
	records, err := s.ledger.ReplayAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to replay ledger: %w", asKind(err, ErrLedgerUnavailable))
	}

	meta, err := s.index.All(ctx)
	if err != nil {
		slog.Warn("listing without index metadata", "err", err)
		meta = nil
	}

	listing := mergeListing(records, meta)
	slog.Info("returning certificates", "count", len(listing), "replayed", len(records))
	if s.observer != nil {
		s.observer.ObserveListing(len(listing))
	}
	return listing, nil
}

// mergeListing keeps the first ledger occurrence of every fingerprint, drops
// revoked records, attaches index metadata and sorts by timestamp descending.
// Records sharing a timestamp keep ledger order.
func mergeListing(records []LedgerRecord, meta map[Fingerprint]IndexRecord) []EnrichedRecord {
	seen := make(map[Fingerprint]struct{}, len(records))
	out := make([]EnrichedRecord, 0, len(records))
	for _, rec := range records {
		if _, dup := seen[rec.Fingerprint]; dup {
			continue
		}
		seen[rec.Fingerprint] = struct{}{}
		if rec.Revoked {
			continue
		}

		entry := EnrichedRecord{
			LedgerRecord: rec,
			IssuedAt:     time.Unix(rec.Timestamp, 0).UTC(),
		}
		if m, ok := meta[rec.Fingerprint]; ok {
			entry.ContentAddress = m.ContentAddress
			entry.RetrievalURL = m.RetrievalURL
			entry.Filename = m.OriginalFilename
			if !m.RecordedAt.IsZero() {
				recordedAt := m.RecordedAt
				entry.RecordedAt = &recordedAt
			}
		}
		out = append(out, entry)
	}

	slices.SortStableFunc(out, func(a, b EnrichedRecord) int {
		return cmp.Compare(b.Timestamp, a.Timestamp)
	})
	return out
}

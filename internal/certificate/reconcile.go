package certificate

import (
	"context"
	"fmt"
	"log/slog"
)

// ReconcileReport summarises one reconciliation pass.
type ReconcileReport struct {
	Confirmed    int           `json:"confirmed"`
	Abandoned    int           `json:"abandoned"`
	StillPending int           `json:"stillPending"`
	Duplicates   []Fingerprint `json:"duplicates"`
}

// Reconcile settles ambiguous issuances by re-querying the ledger and scans the
// ledger history for fingerprints recorded more than once.
func (s *Service) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	if s.pending != nil {
		if err := s.resolvePending(ctx, &report); err != nil {
			return report, err
		}
	}

	dups, err := s.FindDuplicates(ctx)
	if err != nil {
		return report, err
	}
	report.Duplicates = dups

	if s.observer != nil {
		s.observer.ObserveReconcile(report.StillPending, len(dups))
	}
	slog.Info("reconciliation finished",
		"confirmed", report.Confirmed,
		"abandoned", report.Abandoned,
		"pending", report.StillPending,
		"duplicates", len(dups))
	return report, nil
}

func (s *Service) resolvePending(ctx context.Context, report *ReconcileReport) error {
	pending, err := s.pending.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending issuances: %w", err)
	}

	for _, p := range pending {
		log := slog.With("attempt", p.AttemptID, "hash", p.Fingerprint, "tx", p.TxRef)

		_, found, err := s.ledger.Exists(ctx, p.Fingerprint)
		if err != nil {
			log.Warn("ledger unavailable while reconciling, will retry", "err", err)
			report.StillPending++
			continue
		}

		if !found {
			if s.cfg.Now().Sub(p.CreatedAt) < s.cfg.PendingGrace {
				report.StillPending++
				continue
			}
			if err := s.pending.ResolvePending(ctx, p.AttemptID, ResolutionAbandoned); err != nil {
				log.Error("failed to resolve pending issuance", "err", err)
				report.StillPending++
				continue
			}
			log.Warn("ambiguous issuance never reached the ledger, archive entry is orphaned", "cid", p.Archive.ContentAddress)
			report.Abandoned++
			continue
		}

		if p.TxRef != "" {
			ours, err := s.committedBy(ctx, p.TxRef)
			if err != nil {
				log.Warn("transaction lookup failed while reconciling, will retry", "err", err)
				report.StillPending++
				continue
			}
			if !ours {
				if err := s.pending.ResolvePending(ctx, p.AttemptID, ResolutionAbandoned); err != nil {
					log.Error("failed to resolve pending issuance", "err", err)
					report.StillPending++
					continue
				}
				log.Warn("fingerprint was committed by another attempt, archive entry is orphaned", "cid", p.Archive.ContentAddress)
				report.Abandoned++
				continue
			}
		}

		// Another attempt may already have indexed this fingerprint.
		_, indexed, err := s.index.Get(ctx, p.Fingerprint)
		if err != nil {
			log.Warn("index lookup failed while reconciling", "err", err)
		}
		if !indexed {
			if err := s.writeIndex(ctx, p.Fingerprint, p.Archive, p.Filename); err != nil {
				log.Error("index write failed while reconciling, will retry", "err", err)
				report.StillPending++
				continue
			}
		}
		if err := s.pending.ResolvePending(ctx, p.AttemptID, ResolutionConfirmed); err != nil {
			log.Error("failed to resolve pending issuance", "err", err)
			report.StillPending++
			continue
		}
		log.Info("ambiguous issuance confirmed on ledger")
		report.Confirmed++
	}
	return nil
}

// committedBy reports whether txRef is the transaction that committed the
// record. Ledgers without per-transaction lookup are taken at their word.
func (s *Service) committedBy(ctx context.Context, txRef string) (bool, error) {
	lookup, ok := s.ledger.(TxLookup)
	if !ok {
		return true, nil
	}
	status, err := lookup.TxStatus(ctx, txRef)
	if err != nil {
		return false, err
	}
	return status == TxCommitted, nil
}

// FindDuplicates returns fingerprints that appear more than once in the ledger
// history, in order of first appearance.
func (s *Service) FindDuplicates(ctx context.Context) ([]Fingerprint, error) {
	records, err := s.ledger.ReplayAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to replay ledger: %w", asKind(err, ErrLedgerUnavailable))
	}

	counts := make(map[Fingerprint]int, len(records))
	var order []Fingerprint
	for _, rec := range records {
		if counts[rec.Fingerprint] == 0 {
			order = append(order, rec.Fingerprint)
		}
		counts[rec.Fingerprint]++
	}

	var dups []Fingerprint
	for _, fp := range order {
		if n := counts[fp]; n > 1 {
			slog.Warn("fingerprint recorded more than once on ledger", "hash", fp, "count", n)
			dups = append(dups, fp)
		}
	}
	return dups, nil
}

package metrics

import (
	"context"
	"log/slog"

	"github.com/gateway-fm/doc-certificate-registry/internal/certificate"
)

// Lister produces the current certificate listing.
type Lister interface {
	List(ctx context.Context) ([]certificate.EnrichedRecord, error)
}

// Updater refreshes listing gauges in the background.
type Updater struct {
	lister Lister
	// buffered channel to avoid blocking and all we need to know is that "something"
	// has happened whilst we were busy
	trigger chan struct{}
}

func NewUpdater(lister Lister) *Updater {
	return &Updater{
		lister:  lister,
		trigger: make(chan struct{}, 1),
	}
}

func (u *Updater) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-u.trigger:
				u.UpdateMetrics(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (u *Updater) Trigger() {
	select {
	case u.trigger <- struct{}{}:
	default:
		// channel is full, so we don't need to do anything
	}
}

// UpdateMetrics recomputes the listing; the service reports its size.
func (u *Updater) UpdateMetrics(ctx context.Context) {
	listing, err := u.lister.List(ctx)
	if err != nil {
		slog.Warn("failed to refresh listing metrics", "err", err)
		return
	}
	slog.Debug("updated listing metrics", "count", len(listing))
}

package health

import (
	"context"
	"time"
)

// Probe checks a dependency and returns nil when it is reachable.
type Probe func(ctx context.Context) error

type Service struct {
	ctx    context.Context
	cancel context.CancelFunc
	ledger Probe
}

// NewService derives its lifetime from parent; ledger may be nil.
func NewService(parent context.Context, ledger Probe) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		ctx:    ctx,
		cancel: cancel,
		ledger: ledger,
	}
}

func (s *Service) Shutdown() {
	s.cancel()
}

func (s *Service) IsShuttingDown() bool {
	select {
	case <-s.ctx.Done():
		return true
	default:
		return false
	}
}

// CheckLedger runs the ledger probe with a short timeout.
func (s *Service) CheckLedger(ctx context.Context) error {
	if s.ledger == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.ledger(ctx)
}

package admin

import (
	"log/slog"
	"sync"
	"time"
)

// Config holds the admin lockout configuration.
type Config struct {
	Window    time.Duration // Period in which failures are counted
	Threshold int           // Failures within Window that trigger a lockout
	Lockout   time.Duration // How long admin requests are refused once locked
	Now       func() time.Time
}

// Guard locks the admin API after repeated failed key checks.
type Guard struct {
	cfg         Config
	mu          sync.Mutex
	failures    []time.Time
	lockedUntil time.Time
}

// New creates a new Guard with the given config.
func New(cfg Config) *Guard {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	if cfg.Lockout <= 0 {
		cfg.Lockout = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Guard{cfg: cfg}
}

// Locked reports whether admin requests are currently refused.
func (g *Guard) Locked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg.Now().Before(g.lockedUntil)
}

// RegisterFailure records a failed key check. If the threshold is met, the
// guard locks.
func (g *Guard) RegisterFailure() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.cfg.Now()
	cutoff := now.Add(-g.cfg.Window)
	filtered := g.failures[:0]
	for _, t := range g.failures {
		if t.After(cutoff) {
			filtered = append(filtered, t)
		}
	}
	g.failures = append(filtered, now)
	if len(g.failures) >= g.cfg.Threshold {
		g.lockedUntil = now.Add(g.cfg.Lockout)
		g.failures = g.failures[:0]
		slog.Warn("admin API locked after repeated failed key checks", "until", g.lockedUntil)
	}
}

// Reset clears recorded failures after a successful key check.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = g.failures[:0]
}

package gateway

import (
	"context"
	"log/slog"
	"time"
)

const defaultSweepInterval = 5 * time.Minute

// Sweeper periodically removes expired cache entries and their dependency
// edges. Expired entries are already invisible to lookups; the sweeper only
// reclaims the storage they occupy.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper wires a sweeper to the manager. A non-positive interval falls
// back to five minutes.
func NewSweeper(logger *slog.Logger, manager *Manager, interval time.Duration) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{
		manager:  manager,
		interval: interval,
		logger:   logger.With(slog.String("component", "sweeper")),
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.manager.Cleanup(ctx); err != nil {
				s.logger.Warn("expired entry sweep failed", slog.Any("error", err))
			}
		}
	}
}

package session

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// Sweeper periodically purges expired, never-claimed sessions from a
// Registry. It runs until its context is cancelled.
type Sweeper struct {
	reg      *Registry
	interval time.Duration
	log      *slog.Logger
}

func NewSweeper(reg *Registry, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Sweeper{reg: reg, interval: interval, log: logger}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.reg.SweepExpired(); n > 0 {
				s.log.Info("sweep purged expired sessions", "count", n)
			}
		}
	}
}

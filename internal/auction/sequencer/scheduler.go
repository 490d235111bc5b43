package sequencer

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Scheduler drives CheckExpirations on a fixed interval.
type Scheduler struct {
	manager  *Manager
	interval time.Duration
	logger   *zap.Logger
}

func NewScheduler(m *Manager, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{manager: m, interval: interval, logger: logger}
}

// Run ticks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one expiration pass.
func (s *Scheduler) Tick(ctx context.Context) {
	finals, err := s.manager.CheckExpirations(ctx)
	for _, f := range finals {
		s.logger.Info("Auction expired",
			zap.String("auction_id", f.Snapshot.AuctionID),
			zap.String("winner_id", f.WinnerID),
			zap.Bool("sold", f.Sold))
	}
	if err != nil {
		s.logger.Warn("Expiration pass incomplete", zap.Error(err))
	}
}

package worker

import (
	"context"
	"log/slog"
	"time"

	service "github.com/honeynil/ZenLearnPayments/internal/services"
)

const defaultBatchSize = 100

type OverdueExpirer interface {
	ExpireOverdue(ctx context.Context, limit int) (*service.ExpiryResult, error)
}

// ExpirySweeper periodically cancels or re-checks pending payments past their expiry.
type ExpirySweeper struct {
	expirer   OverdueExpirer
	interval  time.Duration
	batchSize int
}

func NewExpirySweeper(expirer OverdueExpirer, interval time.Duration) *ExpirySweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ExpirySweeper{expirer: expirer, interval: interval, batchSize: defaultBatchSize}
}

// Run blocks until ctx is cancelled.
func (s *ExpirySweeper) Run(ctx context.Context) {
	slog.Info("expiry sweeper started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.sweep(ctx)
		select {
		case <-ctx.Done():
			slog.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}

func (s *ExpirySweeper) sweep(ctx context.Context) {
	for {
		res, err := s.expirer.ExpireOverdue(ctx, s.batchSize)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("expiry sweep failed", "error", err)
			}
			return
		}
		// A full batch of cancellations means more may be waiting. Enqueued payments stay
		// pending until a worker reconciles them, so they do not trigger another pass.
		if res.Cancelled < s.batchSize {
			return
		}
	}
}

package retention

import (
	"context"
	"log/slog"
	"time"
)

// Interval between pruning runs.
const Interval = 6 * time.Hour

type Pruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) error
}

type Service struct {
	repo          Pruner
	retentionDays int
	log           *slog.Logger
	now           func() time.Time
}

func NewService(repo Pruner, days int, logger *slog.Logger) *Service {
	if days <= 0 {
		days = 14
	}
	return &Service{repo: repo, retentionDays: days, log: logger, now: time.Now}
}

// Run prunes reading history, closed operations and the alarm journal once.
func (s *Service) Run(ctx context.Context) {
	cutoff := s.now().UTC().AddDate(0, 0, -s.retentionDays)
	if err := s.repo.DeleteOlderThan(ctx, cutoff); err != nil {
		s.log.Error("retention cleanup failed", "err", err)
	} else {
		s.log.Info("retention cleanup completed", "cutoff", cutoff)
	}
}

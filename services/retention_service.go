package services

import (
	"context"
	"fmt"
	"time"

	"waitlist-campaign/config"
	"waitlist-campaign/metrics"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

type RetentionStore interface {
	DeleteSyntheticWinsBefore(ctx context.Context, t time.Time) (int64, error)
	DeleteFraudSignalsBefore(ctx context.Context, t time.Time) (int64, error)
}

type RetentionReport struct {
	SyntheticWins int64 `json:"synthetic_wins"`
	FraudSignals  int64 `json:"fraud_signals"`
}

// RetentionService purges aged display data and audit records.
type RetentionService struct {
	store   RetentionStore
	clock   clockwork.Clock
	rules   config.ScheduleRules
	metrics *metrics.CampaignMetrics
	logger  *zap.Logger
}

func NewRetentionService(st RetentionStore, clock clockwork.Clock, rules config.ScheduleRules, m *metrics.CampaignMetrics, logger *zap.Logger) *RetentionService {
	return &RetentionService{store: st, clock: clock, rules: rules, metrics: m, logger: logger}
}

func (s *RetentionService) Purge(ctx context.Context) (RetentionReport, error) {
	var report RetentionReport
	now := s.clock.Now()

	n, err := s.store.DeleteSyntheticWinsBefore(ctx, now.Add(-s.rules.SyntheticWinMaxAge.Duration))
	if err != nil {
		return report, fmt.Errorf("failed to purge synthetic wins: %w", err)
	}
	report.SyntheticWins = n
	s.metrics.RetentionDeleted.WithLabelValues("synthetic_wins").Add(float64(n))

	n, err = s.store.DeleteFraudSignalsBefore(ctx, now.Add(-s.rules.FraudSignalMaxAge.Duration))
	if err != nil {
		return report, fmt.Errorf("failed to purge fraud signals: %w", err)
	}
	report.FraudSignals = n
	s.metrics.RetentionDeleted.WithLabelValues("fraud_signals").Add(float64(n))

	s.logger.Info("retention purge finished",
		zap.Int64("synthetic_wins", report.SyntheticWins),
		zap.Int64("fraud_signals", report.FraudSignals))
	return report, nil
}

package services

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"waitlist-campaign/config"
	"waitlist-campaign/metrics"
	"waitlist-campaign/models"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// LeaderboardStore is the persistence the compiler needs.
type LeaderboardStore interface {
	EligibleTallies(ctx context.Context) ([]models.ReferralTally, error)
	CreateSnapshot(ctx context.Context, s *models.LeaderboardSnapshot) error
	LatestSnapshot(ctx context.Context) (*models.LeaderboardSnapshot, error)
	PruneSnapshots(ctx context.Context, keep int) (int64, error)
}

// LeaderboardService compiles and serves ranked snapshots.
type LeaderboardService struct {
	store    LeaderboardStore
	archiver Archiver
	clock    clockwork.Clock
	rules    config.LeaderboardRules
	metrics  *metrics.CampaignMetrics
	logger   *zap.Logger
}

// NewLeaderboardService builds the compiler. archiver may be nil.
func NewLeaderboardService(st LeaderboardStore, archiver Archiver, clock clockwork.Clock, rules config.LeaderboardRules, m *metrics.CampaignMetrics, logger *zap.Logger) *LeaderboardService {
	return &LeaderboardService{store: st, archiver: archiver, clock: clock, rules: rules, metrics: m, logger: logger}
}

// RankTallies orders by eligible count desc, signup time asc, then account id
// so that equal inputs always yield equal rankings.
func RankTallies(tallies []models.ReferralTally, rules config.LeaderboardRules) []models.LeaderboardRow {
	ranked := slices.Clone(tallies)
	ranked = slices.DeleteFunc(ranked, func(t models.ReferralTally) bool { return t.Count <= 0 })
	slices.SortFunc(ranked, func(a, b models.ReferralTally) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.AccountID, b.AccountID)
	})
	if len(ranked) > rules.Size {
		ranked = ranked[:rules.Size]
	}

	rows := make([]models.LeaderboardRow, len(ranked))
	for i, t := range ranked {
		rank := i + 1
		rows[i] = models.LeaderboardRow{
			AccountID:      t.AccountID,
			MaskedName:     MaskName(displayName(t.DisplayName, t.Contact)),
			MaskedContact:  MaskContact(t.Contact),
			ValidReferrals: t.Count,
			Rank:           rank,
			Prize:          rules.PrizeFor(rank),
		}
	}
	return rows
}

// GenerateSnapshot persists a new snapshot from current eligible counts and
// prunes history beyond the retention window.
func (s *LeaderboardService) GenerateSnapshot(ctx context.Context) (*models.LeaderboardSnapshot, error) {
	tallies, err := s.store.EligibleTallies(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to tally eligible referrals: %w", err)
	}

	snap := &models.LeaderboardSnapshot{
		ID:        models.NewID(),
		Rows:      RankTallies(tallies, s.rules),
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.CreateSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("failed to persist snapshot: %w", err)
	}
	pruned, err := s.store.PruneSnapshots(ctx, s.rules.SnapshotRetention)
	if err != nil {
		return nil, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	s.metrics.SnapshotRows.Set(float64(len(snap.Rows)))

	if s.archiver != nil {
		s.archive(ctx, snap)
	}

	s.logger.Info("leaderboard snapshot generated",
		zap.String("snapshot_id", snap.ID),
		zap.Int("rows", len(snap.Rows)),
		zap.Int64("pruned", pruned))
	return snap, nil
}

func (s *LeaderboardService) archive(ctx context.Context, snap *models.LeaderboardSnapshot) {
	body, err := json.Marshal(snap)
	if err != nil {
		s.logger.Warn("snapshot archive encode failed", zap.Error(err))
		return
	}
	key := archiveKey("leaderboard", "snapshot "+snap.ID, snap.CreatedAt, "json")
	url, err := s.archiver.Put(ctx, key, body, "application/json")
	if err != nil {
		s.logger.Warn("snapshot archive upload failed", zap.String("key", key), zap.Error(err))
		return
	}
	s.logger.Info("snapshot archived", zap.String("url", url))
}

// TopN returns the first n rows of the newest snapshot. Stored ranks and
// prizes are returned as-is. No snapshot yet yields an empty list.
func (s *LeaderboardService) TopN(ctx context.Context, n int) ([]models.LeaderboardRow, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: n must be positive", models.ErrValidation)
	}
	snap, err := s.store.LatestSnapshot(ctx)
	if errors.Is(err, models.ErrNotFound) {
		return []models.LeaderboardRow{}, nil
	}
	if err != nil {
		return nil, err
	}
	if n > len(snap.Rows) {
		n = len(snap.Rows)
	}
	return snap.Rows[:n], nil
}

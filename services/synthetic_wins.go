package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"waitlist-campaign/config"
	"waitlist-campaign/kv"
	"waitlist-campaign/metrics"
	"waitlist-campaign/models"
	"waitlist-campaign/store"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

var syntheticUsernames = []string{
	"CryptoWolf", "Juan232", "AvaX", "SolKing", "MemeLord", "Luna88", "DragonHodl",
	"Khalid7", "RashidQ", "NinoX", "SatoshiLite", "BitMaster", "EthereumKing", "DogeCoin",
	"ToTheMoon", "DiamondHands", "PaperHands", "HODL4Life", "CryptoNinja", "BlockchainBoss",
	"NFTCollector",
}

var syntheticCountries = []string{
	"United States", "Canada", "United Kingdom", "Germany", "France", "Australia", "Japan",
	"South Korea", "Brazil", "Mexico", "Netherlands", "Sweden", "Norway", "Switzerland", "Austria",
}

var followUpAmounts = WeightedTable[int64]{{10, 0.80}, {25, 0.20}}

const (
	keyLastMegaWin = "synthetic:last_mega_win"
	keyLastBigWin  = "synthetic:last_big_win"
)

func recentUsernameKey(name string) string { return "synthetic:recent_username:" + name }

// Deferrer runs fn once after d. The scheduler provides the production one.
type Deferrer interface {
	After(d time.Duration, name string, fn func(ctx context.Context)) error
}

// SyntheticWinStore is the persistence the wins feed needs.
type SyntheticWinStore interface {
	CreateSyntheticWin(ctx context.Context, w *models.SyntheticWin) error
	LatestSyntheticWins(ctx context.Context, limit int) ([]models.SyntheticWin, error)
	SyntheticWinsAfter(ctx context.Context, after store.WinCursor, limit int) ([]models.SyntheticWin, error)
	TrimSyntheticWins(ctx context.Context, keep int) (int64, error)
}

// SyntheticWinService produces the display-only wins feed. Nothing here
// touches balances or the referral ledger.
type SyntheticWinService struct {
	store    SyntheticWinStore
	kv       kv.Store
	rng      Rand
	clock    clockwork.Clock
	rules    config.SyntheticRules
	deferrer Deferrer
	metrics  *metrics.CampaignMetrics
	logger   *zap.Logger
}

func NewSyntheticWinService(st SyntheticWinStore, kvs kv.Store, rng Rand, clock clockwork.Clock, rules config.SyntheticRules, m *metrics.CampaignMetrics, logger *zap.Logger) *SyntheticWinService {
	return &SyntheticWinService{store: st, kv: kvs, rng: rng, clock: clock, rules: rules, metrics: m, logger: logger}
}

// SetDeferrer wires follow-up scheduling. Without one, bursts are skipped.
func (s *SyntheticWinService) SetDeferrer(d Deferrer) { s.deferrer = d }

// GenerateSyntheticWin publishes one win, or returns nil when the drawn
// amount is suppressed by a recent big or mega win.
func (s *SyntheticWinService) GenerateSyntheticWin(ctx context.Context) (*models.SyntheticWin, error) {
	amount, err := SyntheticAmountTable.Draw(s.rng)
	if err != nil {
		return nil, err
	}

	if rule, err := s.suppressedBy(ctx, amount); err != nil {
		return nil, err
	} else if rule != "" {
		s.metrics.SyntheticSuppressed.WithLabelValues(rule).Inc()
		s.logger.Debug("synthetic win suppressed", zap.Int64("amount", amount), zap.String("rule", rule))
		return nil, nil
	}

	win, err := s.publish(ctx, amount)
	if err != nil {
		return nil, err
	}

	if amount >= s.rules.MegaWinThreshold {
		if err := s.kv.Set(ctx, keyLastMegaWin, win.ID, s.rules.MegaWinCooldown.Duration); err != nil {
			return win, fmt.Errorf("failed to arm mega-win window: %w", err)
		}
	}
	if amount >= s.rules.BigWinThreshold {
		if err := s.kv.Set(ctx, keyLastBigWin, win.ID, s.rules.BigWinCooldown.Duration); err != nil {
			return win, fmt.Errorf("failed to arm big-win window: %w", err)
		}
		// The big display class starts lower; only real big wins burst.
		s.scheduleFollowUps()
	}
	return win, nil
}

func (s *SyntheticWinService) suppressedBy(ctx context.Context, amount int64) (string, error) {
	if amount >= s.rules.MegaWinThreshold {
		active, err := s.kv.Exists(ctx, keyLastMegaWin)
		if err != nil {
			return "", fmt.Errorf("failed to read mega-win window: %w", err)
		}
		if active {
			return "mega", nil
		}
	}
	if amount >= s.rules.BigWinThreshold {
		active, err := s.kv.Exists(ctx, keyLastBigWin)
		if err != nil {
			return "", fmt.Errorf("failed to read big-win window: %w", err)
		}
		if active {
			return "big", nil
		}
	}
	return "", nil
}

func (s *SyntheticWinService) publish(ctx context.Context, amount int64) (*models.SyntheticWin, error) {
	username, err := s.pickUsername(ctx)
	if err != nil {
		return nil, err
	}
	class := models.WinSmall
	if amount >= s.rules.BigClassThreshold {
		class = models.WinBig
	}
	win := &models.SyntheticWin{
		ID:        models.NewID(),
		Username:  username,
		Country:   syntheticCountries[s.rng.IntN(len(syntheticCountries))],
		Amount:    amount,
		Class:     class,
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.CreateSyntheticWin(ctx, win); err != nil {
		return nil, fmt.Errorf("failed to store synthetic win: %w", err)
	}
	if _, err := s.store.TrimSyntheticWins(ctx, s.rules.Retention); err != nil {
		s.logger.Warn("synthetic win trim failed", zap.Error(err))
	}
	s.metrics.SyntheticWins.WithLabelValues(string(class)).Inc()
	return win, nil
}

// pickUsername avoids names shown inside the reuse window, falling back to a
// numeric suffix once the attempts run out.
func (s *SyntheticWinService) pickUsername(ctx context.Context) (string, error) {
	ttl := s.rules.UsernameReuse.Duration
	for i := 0; i < s.rules.UsernameAttempts; i++ {
		name := syntheticUsernames[s.rng.IntN(len(syntheticUsernames))]
		fresh, err := s.kv.SetNX(ctx, recentUsernameKey(name), "1", ttl)
		if err != nil {
			return "", fmt.Errorf("failed to reserve username: %w", err)
		}
		if fresh {
			return name, nil
		}
	}
	name := syntheticUsernames[s.rng.IntN(len(syntheticUsernames))] + strconv.Itoa(s.rng.IntN(1000))
	if err := s.kv.Set(ctx, recentUsernameKey(name), "1", ttl); err != nil {
		return "", fmt.Errorf("failed to reserve username: %w", err)
	}
	return name, nil
}

func (s *SyntheticWinService) scheduleFollowUps() {
	if s.deferrer == nil {
		return
	}
	n := s.rules.FollowUpMin + s.rng.IntN(s.rules.FollowUpMax-s.rules.FollowUpMin+1)
	for i := 0; i < n; i++ {
		delay := time.Duration(i+1) * s.rules.FollowUpSpacing.Duration
		name := fmt.Sprintf("synthetic-follow-up-%d", i)
		if err := s.deferrer.After(delay, name, s.publishFollowUp); err != nil {
			s.logger.Warn("failed to schedule follow-up win", zap.Int("index", i), zap.Error(err))
		}
	}
}

func (s *SyntheticWinService) publishFollowUp(ctx context.Context) {
	amount, err := followUpAmounts.Draw(s.rng)
	if err != nil {
		s.logger.Error("follow-up draw failed", zap.Error(err))
		return
	}
	if _, err := s.publish(ctx, amount); err != nil {
		s.logger.Warn("follow-up win failed", zap.Error(err))
	}
}

// Latest returns the newest wins first.
func (s *SyntheticWinService) Latest(ctx context.Context, limit int) ([]models.SyntheticWin, error) {
	return s.store.LatestSyntheticWins(ctx, limit)
}

// After returns wins past the cursor in (created_at, id) order.
func (s *SyntheticWinService) After(ctx context.Context, after store.WinCursor, limit int) ([]models.SyntheticWin, error) {
	return s.store.SyntheticWinsAfter(ctx, after, limit)
}

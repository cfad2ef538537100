package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"waitlist-campaign/config"
	"waitlist-campaign/kv"
	"waitlist-campaign/metrics"
	"waitlist-campaign/models"
	"waitlist-campaign/store"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ChestResult is returned by a successful OpenChest.
type ChestResult struct {
	Amount         decimal.Decimal `json:"amount"`
	NewBalance     decimal.Decimal `json:"new_balance"`
	NextEligibleAt time.Time       `json:"next_eligible_at"`
	FirstOpen      bool            `json:"first_open"`
}

// ChestService grants the daily randomized reward.
type ChestService struct {
	store   store.AccountStore
	kv      kv.Store
	rng     Rand
	clock   clockwork.Clock
	rules   config.ChestRules
	metrics *metrics.CampaignMetrics
	logger  *zap.Logger
}

func NewChestService(st store.AccountStore, kvs kv.Store, rng Rand, clock clockwork.Clock, rules config.ChestRules, m *metrics.CampaignMetrics, logger *zap.Logger) *ChestService {
	return &ChestService{store: st, kv: kvs, rng: rng, clock: clock, rules: rules, metrics: m, logger: logger}
}

func cooldownKey(accountID string) string { return "chest_cooldown:" + accountID }

// OpenChest draws and credits a reward. The verification checks, the cooldown
// check and the balance write happen under one per-account lock, so two
// concurrent calls grant at most one reward.
func (s *ChestService) OpenChest(ctx context.Context, accountID string) (*ChestResult, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: account id required", models.ErrValidation)
	}

	if next, ok := s.advisoryCooldown(ctx, accountID); ok {
		s.metrics.ChestRejections.WithLabelValues(models.ErrCooldownActive.Code).Inc()
		return nil, &models.CooldownError{NextEligibleAt: next}
	}

	var result ChestResult
	err := s.store.ChestTx(ctx, accountID, func(a *models.Account) (*models.ChestOpen, error) {
		if !a.EmailVerified {
			return nil, models.ErrEmailUnverified
		}
		if !a.ChannelVerified {
			return nil, models.ErrChannelUnverified
		}
		now := s.clock.Now()
		if a.LastRewardAt != nil {
			if next := a.LastRewardAt.Add(s.rules.Cooldown.Duration); now.Before(next) {
				return nil, &models.CooldownError{NextEligibleAt: next}
			}
		}

		first := !a.FirstRewardConsumed
		amount, err := DrawReward(s.rng, first)
		if err != nil {
			return nil, err
		}

		a.CreditBalance = a.CreditBalance.Add(amount)
		a.FirstRewardConsumed = true
		a.LastRewardAt = &now

		result = ChestResult{
			Amount:         amount,
			NewBalance:     a.CreditBalance,
			NextEligibleAt: now.Add(s.rules.Cooldown.Duration),
			FirstOpen:      first,
		}
		source := models.ChestSourceRegular
		if first {
			source = models.ChestSourceFirst
		}
		return &models.ChestOpen{
			ID:        models.NewID(),
			AccountID: a.ID,
			Amount:    amount,
			Source:    source,
			CreatedAt: now,
		}, nil
	})
	if err != nil {
		s.metrics.ChestRejections.WithLabelValues(models.CodeOf(err)).Inc()
		var cd *models.CooldownError
		if errors.As(err, &cd) {
			s.rememberCooldown(ctx, accountID, cd.NextEligibleAt)
		}
		return nil, err
	}

	source := string(models.ChestSourceRegular)
	if result.FirstOpen {
		source = string(models.ChestSourceFirst)
	}
	s.metrics.ChestOpens.WithLabelValues(source).Inc()
	s.metrics.CreditsAwarded.Add(result.Amount.InexactFloat64())
	s.rememberCooldown(ctx, accountID, result.NextEligibleAt)

	s.logger.Info("chest opened",
		zap.String("account_id", accountID),
		zap.String("amount", result.Amount.StringFixed(2)),
		zap.Bool("first_open", result.FirstOpen))
	return &result, nil
}

// advisoryCooldown is a fast-path rejection. The transactional check remains
// authoritative; key-value failures only cost the shortcut.
func (s *ChestService) advisoryCooldown(ctx context.Context, accountID string) (time.Time, bool) {
	raw, ok, err := s.kv.Get(ctx, cooldownKey(accountID))
	if err != nil {
		s.logger.Warn("cooldown lookup failed", zap.String("account_id", accountID), zap.Error(err))
		return time.Time{}, false
	}
	if !ok {
		return time.Time{}, false
	}
	next, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil || !s.clock.Now().Before(next) {
		return time.Time{}, false
	}
	return next, true
}

func (s *ChestService) rememberCooldown(ctx context.Context, accountID string, next time.Time) {
	ttl := next.Sub(s.clock.Now())
	if ttl <= 0 {
		return
	}
	if err := s.kv.Set(ctx, cooldownKey(accountID), next.UTC().Format(time.RFC3339Nano), ttl); err != nil {
		s.logger.Warn("cooldown write failed", zap.String("account_id", accountID), zap.Error(err))
	}
}

// NextChestAt returns when the account may next open a chest; zero if now.
func NextChestAt(a *models.Account, cooldown time.Duration, now time.Time) time.Time {
	if a.LastRewardAt == nil {
		return time.Time{}
	}
	next := a.LastRewardAt.Add(cooldown)
	if !now.Before(next) {
		return time.Time{}
	}
	return next
}

package services

import (
	"context"
	"time"

	"waitlist-campaign/config"
	"waitlist-campaign/models"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
)

const recentChestLimit = 10

type ProfileStore interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	ListChestOpens(ctx context.Context, accountID string, limit int) ([]models.ChestOpen, error)
	CountReferralsByStatus(ctx context.Context, referrerID string) (models.ReferralStats, error)
}

type Profile struct {
	Account          *models.Account      `json:"account"`
	CanOpenChest     bool                 `json:"can_open_chest"`
	NextChestAt      *time.Time           `json:"next_chest_at"`
	CountdownSeconds int64                `json:"countdown_seconds"`
	ChestsOpened     int                  `json:"chests_opened"`
	ChestCredits     decimal.Decimal      `json:"chest_credits"`
	RecentChests     []models.ChestOpen   `json:"recent_chests"`
	Referrals        models.ReferralStats `json:"referrals"`
}

type ProfileService struct {
	store ProfileStore
	clock clockwork.Clock
	rules config.ChestRules
}

func NewProfileService(st ProfileStore, clock clockwork.Clock, rules config.ChestRules) *ProfileService {
	return &ProfileService{store: st, clock: clock, rules: rules}
}

// Get assembles the account view. The chest totals cover the recent history
// window only.
func (s *ProfileService) Get(ctx context.Context, accountID string) (*Profile, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	chests, err := s.store.ListChestOpens(ctx, accountID, recentChestLimit)
	if err != nil {
		return nil, err
	}
	stats, err := s.store.CountReferralsByStatus(ctx, accountID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	p := &Profile{
		Account:      acct,
		ChestsOpened: len(chests),
		ChestCredits: decimal.Zero,
		RecentChests: chests,
		Referrals:    stats,
	}
	for _, c := range chests {
		p.ChestCredits = p.ChestCredits.Add(c.Amount)
	}
	if next := NextChestAt(acct, s.rules.Cooldown.Duration, now); !next.IsZero() {
		p.NextChestAt = &next
		p.CountdownSeconds = int64(next.Sub(now).Seconds())
	}
	p.CanOpenChest = acct.EmailVerified && acct.ChannelVerified && p.NextChestAt == nil
	return p, nil
}

// Referrals returns only the referral counts.
func (s *ProfileService) Referrals(ctx context.Context, accountID string) (models.ReferralStats, error) {
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return models.ReferralStats{}, err
	}
	return s.store.CountReferralsByStatus(ctx, accountID)
}

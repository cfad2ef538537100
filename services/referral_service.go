package services

import (
	"context"
	"fmt"
	"strings"

	"waitlist-campaign/config"
	"waitlist-campaign/metrics"
	"waitlist-campaign/models"
	"waitlist-campaign/store"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// ReferralStore is the persistence the referral ledger needs.
type ReferralStore interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	GetAccountByReferralCode(ctx context.Context, code string) (*models.Account, error)
	GetAccountsByIDs(ctx context.Context, ids []string) (map[string]*models.Account, error)
	CreateReferral(ctx context.Context, r *models.Referral) error
	ListReferralsByStatus(ctx context.Context, statuses ...models.ReferralStatus) ([]models.Referral, error)
	UpdateReferralStatus(ctx context.Context, t store.ReferralTransition) (bool, error)
	CountReferralsByStatus(ctx context.Context, referrerID string) (models.ReferralStats, error)
	CreateFraudSignal(ctx context.Context, s *models.FraudSignal) error
}

// AdvanceReport summarises one eligibility pass.
type AdvanceReport struct {
	Scanned     int `json:"scanned"`
	Promoted    int `json:"promoted"`
	Invalidated int `json:"invalidated"`
	Waiting     int `json:"waiting"`
}

// ReferralService owns the referral ledger and its status transitions.
type ReferralService struct {
	store   ReferralStore
	signals signalWriter
	clock   clockwork.Clock
	rules   config.ReferralRules
	metrics *metrics.CampaignMetrics
	logger  *zap.Logger
}

func NewReferralService(st ReferralStore, clock clockwork.Clock, rules config.ReferralRules, m *metrics.CampaignMetrics, logger *zap.Logger) *ReferralService {
	return &ReferralService{
		store:   st,
		signals: signalWriter{store: st, clock: clock, metrics: m},
		clock:   clock,
		rules:   rules,
		metrics: m,
		logger:  logger,
	}
}

// RecordReferral creates a pending referral from the owner of referrerCode to
// the referred account.
func (s *ReferralService) RecordReferral(ctx context.Context, referrerCode, referredAccountID string) (*models.Referral, error) {
	referrerCode = strings.TrimSpace(referrerCode)
	if referrerCode == "" || referredAccountID == "" {
		return nil, fmt.Errorf("%w: referral code and referred account required", models.ErrValidation)
	}

	referrer, err := s.store.GetAccountByReferralCode(ctx, referrerCode)
	if err != nil {
		return nil, err
	}
	referred, err := s.store.GetAccount(ctx, referredAccountID)
	if err != nil {
		return nil, err
	}
	if referrer.ID == referred.ID && !s.rules.AllowSelfReferral {
		return nil, models.ErrSelfReferral
	}
	if referred.ReferredBy != nil {
		return nil, models.ErrAlreadyReferred
	}

	now := s.clock.Now()
	ref := &models.Referral{
		ID:               models.NewID(),
		ReferrerID:       referrer.ID,
		ReferredID:       referred.ID,
		ReferralCodeUsed: referrer.ReferralCode,
		Status:           models.ReferralPending,
	}
	ref.CreatedAt = now
	ref.UpdatedAt = now
	if err := s.store.CreateReferral(ctx, ref); err != nil {
		return nil, err
	}
	s.metrics.ReferralTransitions.WithLabelValues(string(models.ReferralPending)).Inc()
	s.logger.Info("referral recorded",
		zap.String("referral_id", ref.ID),
		zap.String("referrer_id", referrer.ID),
		zap.String("referred_id", referred.ID))
	return ref, nil
}

// AdvanceEligible promotes pending referrals whose referred account reached
// every milestone and passes the pairwise check; failures become invalid.
// Transitions are compare-and-set on pending, so re-running is a no-op.
func (s *ReferralService) AdvanceEligible(ctx context.Context) (AdvanceReport, error) {
	var report AdvanceReport

	pending, err := s.store.ListReferralsByStatus(ctx, models.ReferralPending)
	if err != nil {
		return report, fmt.Errorf("failed to load pending referrals: %w", err)
	}
	report.Scanned = len(pending)
	if len(pending) == 0 {
		return report, nil
	}

	ids := make([]string, 0, 2*len(pending))
	for _, r := range pending {
		ids = append(ids, r.ReferrerID, r.ReferredID)
	}
	accounts, err := s.store.GetAccountsByIDs(ctx, ids)
	if err != nil {
		return report, fmt.Errorf("failed to load referral accounts: %w", err)
	}

	for _, r := range pending {
		referred, okReferred := accounts[r.ReferredID]
		referrer, okReferrer := accounts[r.ReferrerID]
		if !okReferred || !okReferrer {
			s.logger.Warn("referral references a missing account", zap.String("referral_id", r.ID))
			report.Waiting++
			continue
		}
		if !referred.MilestonesMet() {
			report.Waiting++
			continue
		}

		dimension, reason, ok := CheckPair(referrer, referred)
		if ok {
			changed, err := s.transition(ctx, r.ID, models.ReferralEligible, nil)
			if err != nil {
				return report, err
			}
			if changed {
				report.Promoted++
			}
			continue
		}

		changed, err := s.transition(ctx, r.ID, models.ReferralInvalid, &reason)
		if err != nil {
			return report, err
		}
		if !changed {
			continue
		}
		report.Invalidated++
		if err := s.signals.write(ctx, referrer.ID, models.CategoryClustering, models.SharedIdentity(models.SharedIdentityDetail{
			ReferralID: r.ID,
			ReferrerID: referrer.ID,
			ReferredID: referred.ID,
			Dimension:  dimension,
			Reason:     reason,
		})); err != nil {
			return report, err
		}
	}

	s.logger.Info("eligibility pass finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("promoted", report.Promoted),
		zap.Int("invalidated", report.Invalidated),
		zap.Int("waiting", report.Waiting))
	return report, nil
}

func (s *ReferralService) transition(ctx context.Context, id string, to models.ReferralStatus, reason *string) (bool, error) {
	changed, err := s.store.UpdateReferralStatus(ctx, store.ReferralTransition{
		ID:     id,
		To:     to,
		Reason: reason,
		From:   []models.ReferralStatus{models.ReferralPending},
		At:     s.clock.Now(),
	})
	if err != nil {
		return false, fmt.Errorf("failed to move referral %s to %s: %w", id, to, err)
	}
	if changed {
		s.metrics.ReferralTransitions.WithLabelValues(string(to)).Inc()
	}
	return changed, nil
}

// Stats returns the account's referral counts by status.
func (s *ReferralService) Stats(ctx context.Context, accountID string) (models.ReferralStats, error) {
	return s.store.CountReferralsByStatus(ctx, accountID)
}

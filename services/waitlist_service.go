package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"waitlist-campaign/config"
	"waitlist-campaign/metrics"
	"waitlist-campaign/models"
	"waitlist-campaign/store"

	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
)

var validate = validator.New()

const codeAttempts = 5

type JoinRequest struct {
	Contact      string `json:"contact" validate:"required,email,max=254"`
	DisplayName  string `json:"display_name" validate:"omitempty,max=64"`
	ReferralCode string `json:"referral_code" validate:"omitempty,alphanum,max=16"`

	// Filled from the request, never from the body.
	IP                string `json:"-" validate:"omitempty,ip"`
	DeviceFingerprint string `json:"-" validate:"omitempty,max=128"`
}

type JoinResult struct {
	Account  *models.Account  `json:"account"`
	Referral *models.Referral `json:"referral,omitempty"`
}

type WaitlistStore interface {
	CreateAccount(ctx context.Context, a *models.Account) error
	GetAccountByContact(ctx context.Context, contact string) (*models.Account, error)
	CountSignupsSince(ctx context.Context, kind models.TraitKind, value string, since time.Time) (int64, error)
	CreateFraudSignal(ctx context.Context, s *models.FraudSignal) error
}

// WaitlistService admits new accounts and attaches their referral.
type WaitlistService struct {
	store     WaitlistStore
	referrals *ReferralService
	signals   signalWriter
	clock     clockwork.Clock
	rules     config.ReferralRules
	metrics   *metrics.CampaignMetrics
	logger    *zap.Logger
}

func NewWaitlistService(st WaitlistStore, referrals *ReferralService, clock clockwork.Clock, rules config.ReferralRules, m *metrics.CampaignMetrics, logger *zap.Logger) *WaitlistService {
	return &WaitlistService{
		store:     st,
		referrals: referrals,
		signals:   signalWriter{store: st, clock: clock, metrics: m},
		clock:     clock,
		rules:     rules,
		metrics:   m,
		logger:    logger,
	}
}

// NormalizeContact trims and case-folds an e-mail address.
func NormalizeContact(contact string) string {
	return cases.Fold().String(strings.TrimSpace(contact))
}

// Join creates an account. A referral code that is unknown or self-owned is
// ignored; the signup still succeeds.
func (s *WaitlistService) Join(ctx context.Context, req JoinRequest) (*JoinResult, error) {
	req.Contact = NormalizeContact(req.Contact)
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	req.ReferralCode = strings.TrimSpace(req.ReferralCode)
	req.IP = strings.TrimSpace(req.IP)
	req.DeviceFingerprint = strings.TrimSpace(req.DeviceFingerprint)

	if err := validate.Struct(req); err != nil {
		s.reject(models.ErrValidation)
		return nil, fmt.Errorf("%w: %s", models.ErrValidation, err.Error())
	}

	if _, err := s.store.GetAccountByContact(ctx, req.Contact); err == nil {
		s.reject(models.ErrDuplicateContact)
		return nil, models.ErrDuplicateContact
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	if err := s.checkLimits(ctx, req); err != nil {
		s.reject(err)
		return nil, err
	}

	acct, err := s.create(ctx, req)
	if err != nil {
		s.reject(err)
		return nil, err
	}
	s.metrics.Signups.Inc()
	s.logger.Info("account joined waitlist",
		zap.String("account_id", acct.ID),
		zap.Bool("has_referral_code", req.ReferralCode != ""))

	result := &JoinResult{Account: acct}
	if req.ReferralCode == "" {
		return result, nil
	}

	ref, err := s.referrals.RecordReferral(ctx, req.ReferralCode, acct.ID)
	switch {
	case err == nil:
		result.Referral = ref
	case errors.Is(err, models.ErrSelfReferral), errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrAlreadyReferred):
		s.logger.Info("referral code ignored at signup",
			zap.String("account_id", acct.ID),
			zap.String("code", models.CodeOf(err)))
	default:
		// The account exists; a failed referral write is not worth failing the signup.
		s.logger.Warn("failed to record referral at signup", zap.String("account_id", acct.ID), zap.Error(err))
	}
	return result, nil
}

func (s *WaitlistService) checkLimits(ctx context.Context, req JoinRequest) error {
	since := s.clock.Now().Add(-s.rules.SignupWindow.Duration)
	checks := []struct {
		kind     models.TraitKind
		value    string
		limit    int
		category models.FraudCategory
	}{
		{models.TraitIP, req.IP, s.rules.MaxSignupsPerIP, models.CategoryRateLimit},
		{models.TraitDevice, req.DeviceFingerprint, s.rules.MaxSignupsPerDevice, models.CategoryDeviceLimit},
	}
	for _, c := range checks {
		if c.value == "" || c.limit <= 0 {
			continue
		}
		n, err := s.store.CountSignupsSince(ctx, c.kind, c.value, since)
		if err != nil {
			return fmt.Errorf("failed to count signups: %w", err)
		}
		if n < int64(c.limit) {
			continue
		}
		value := c.value
		if c.kind == models.TraitDevice {
			value = fingerprintPrefix(value)
		}
		if err := s.signals.write(ctx, "", c.category, models.SignupLimit(models.SignupLimitDetail{
			Dimension: string(c.kind),
			Value:     value,
			Count:     n,
			Limit:     c.limit,
		})); err != nil {
			s.logger.Warn("failed to record signup limit signal", zap.Error(err))
		}
		return models.ErrSignupLimit
	}
	return nil
}

// create retries on code collisions; a contact collision means a concurrent
// join won the race.
func (s *WaitlistService) create(ctx context.Context, req JoinRequest) (*models.Account, error) {
	for attempt := 0; attempt < codeAttempts; attempt++ {
		refCode, err := NewReferralCode()
		if err != nil {
			return nil, err
		}
		claimCode, err := NewClaimCode(s.rules.ClaimCodePrefix)
		if err != nil {
			return nil, err
		}

		now := s.clock.Now()
		acct := &models.Account{
			ID:           models.NewID(),
			Contact:      req.Contact,
			DisplayName:  req.DisplayName,
			ReferralCode: refCode,
			ClaimCode:    claimCode,
		}
		acct.AddIP(req.IP)
		acct.AddDevice(req.DeviceFingerprint)
		acct.CreatedAt = now
		acct.UpdatedAt = now

		err = s.store.CreateAccount(ctx, acct)
		if err == nil {
			return acct, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		if _, lookupErr := s.store.GetAccountByContact(ctx, req.Contact); lookupErr == nil {
			return nil, models.ErrDuplicateContact
		}
	}
	return nil, fmt.Errorf("%w: could not allocate unique account codes", models.ErrTransient)
}

func (s *WaitlistService) reject(err error) {
	s.metrics.SignupRejections.WithLabelValues(models.CodeOf(err)).Inc()
}

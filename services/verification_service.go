package services

import (
	"context"
	"errors"
	"fmt"

	"waitlist-campaign/metrics"
	"waitlist-campaign/models"
	"waitlist-campaign/store"

	"go.uber.org/zap"
)

type VerificationStore interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	UpdateVerification(ctx context.Context, id string, u store.VerificationUpdate) (*models.Account, error)
	AppendTraits(ctx context.Context, id, ip, device string) error
}

const maxFingerprintLen = 128

// VerificationService sets the e-mail and channel flags that gate the chest.
type VerificationService struct {
	store   VerificationStore
	checker ChannelChecker
	metrics *metrics.CampaignMetrics
	logger  *zap.Logger
}

// NewVerificationService builds the service. checker may be nil when no bot
// token is configured; channel verification then reports Transient.
func NewVerificationService(st VerificationStore, checker ChannelChecker, m *metrics.CampaignMetrics, logger *zap.Logger) *VerificationService {
	return &VerificationService{store: st, checker: checker, metrics: m, logger: logger}
}

// RecordClient adds the caller's IP and device to the account's historical
// sets so later fraud checks see them. Failures are logged, not returned: an
// authenticated request never fails over this bookkeeping.
func (s *VerificationService) RecordClient(ctx context.Context, accountID, ip, device string) {
	if len(device) > maxFingerprintLen {
		device = ""
	}
	if ip == "" && device == "" {
		return
	}
	err := s.store.AppendTraits(ctx, accountID, ip, device)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrNotFound):
		s.logger.Debug("client traits for unknown account", zap.String("account_id", accountID))
	default:
		s.logger.Warn("failed to record client traits", zap.String("account_id", accountID), zap.Error(err))
	}
}

// VerifyEmail records that the gateway confirmed the account's address.
func (s *VerificationService) VerifyEmail(ctx context.Context, accountID string) (*models.Account, error) {
	verified := true
	acct, err := s.store.UpdateVerification(ctx, accountID, store.VerificationUpdate{EmailVerified: &verified})
	if err != nil {
		return nil, err
	}
	s.logger.Info("email verified", zap.String("account_id", accountID))
	return acct, nil
}

// VerifyChannel links a Telegram user to the account once membership is confirmed.
func (s *VerificationService) VerifyChannel(ctx context.Context, accountID string, telegramID int64) (*models.Account, error) {
	if telegramID <= 0 {
		return nil, fmt.Errorf("%w: telegram_id must be positive", models.ErrValidation)
	}
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	if s.checker == nil {
		return nil, fmt.Errorf("%w: channel verification is not configured", models.ErrTransient)
	}

	member, err := s.checker.IsMember(ctx, telegramID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, models.ErrChannelUnverified
	}

	verified := true
	acct, err := s.store.UpdateVerification(ctx, accountID, store.VerificationUpdate{
		ChannelVerified: &verified,
		TelegramID:      &telegramID,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("channel membership verified",
		zap.String("account_id", accountID),
		zap.Int64("telegram_id", telegramID))
	return acct, nil
}

// Apply writes flags reported by the external profile service.
func (s *VerificationService) Apply(ctx context.Context, accountID string, u store.VerificationUpdate) error {
	if _, err := s.store.UpdateVerification(ctx, accountID, u); err != nil {
		return err
	}
	s.metrics.VerificationSynced.Inc()
	return nil
}

package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"waitlist-campaign/metrics"
	"waitlist-campaign/models"
	"waitlist-campaign/store"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	exportPageSize   = 200
	maxSnapshotsRead = 30
)

type AdminStore interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	ListAccounts(ctx context.Context, q store.AccountQuery) ([]models.Account, string, error)
	ListReferrals(ctx context.Context, q store.ReferralQuery) ([]models.Referral, string, error)
	ListFraudSignals(ctx context.Context, q store.SignalQuery) ([]models.FraudSignal, string, error)
	CreateFraudSignal(ctx context.Context, s *models.FraudSignal) error
	ListSnapshots(ctx context.Context, limit int) ([]models.LeaderboardSnapshot, error)
}

type FlagRequest struct {
	AccountID string `json:"account_id" validate:"required,uuid"`
	Note      string `json:"note" validate:"required,max=500"`
}

// AdminService backs the audit and export endpoints.
type AdminService struct {
	store    AdminStore
	archiver Archiver
	signals  signalWriter
	clock    clockwork.Clock
	logger   *zap.Logger
}

func NewAdminService(st AdminStore, archiver Archiver, clock clockwork.Clock, m *metrics.CampaignMetrics, logger *zap.Logger) *AdminService {
	return &AdminService{
		store:    st,
		archiver: archiver,
		signals:  signalWriter{store: st, clock: clock, metrics: m},
		clock:    clock,
		logger:   logger,
	}
}

func (s *AdminService) Accounts(ctx context.Context, q store.AccountQuery) ([]models.Account, string, error) {
	return s.store.ListAccounts(ctx, q)
}

func (s *AdminService) Referrals(ctx context.Context, q store.ReferralQuery) ([]models.Referral, string, error) {
	if q.Status != "" && !q.Status.Valid() {
		return nil, "", fmt.Errorf("%w: unknown status %q", models.ErrValidation, q.Status)
	}
	return s.store.ListReferrals(ctx, q)
}

func (s *AdminService) FraudSignals(ctx context.Context, q store.SignalQuery) ([]models.FraudSignal, string, error) {
	return s.store.ListFraudSignals(ctx, q)
}

// Snapshots returns the retained leaderboard snapshots, newest first.
func (s *AdminService) Snapshots(ctx context.Context, limit int) ([]models.LeaderboardSnapshot, error) {
	if limit < 1 || limit > maxSnapshotsRead {
		return nil, fmt.Errorf("%w: limit must be between 1 and %d", models.ErrValidation, maxSnapshotsRead)
	}
	return s.store.ListSnapshots(ctx, limit)
}

// Flag records a manual_flag signal against an account.
func (s *AdminService) Flag(ctx context.Context, req FlagRequest, flaggedBy string) error {
	req.Note = strings.TrimSpace(req.Note)
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %s", models.ErrValidation, err.Error())
	}
	if _, err := s.store.GetAccount(ctx, req.AccountID); err != nil {
		return err
	}
	if err := s.signals.write(ctx, req.AccountID, models.CategoryManualFlag, models.ManualFlag(models.ManualFlagDetail{
		FlaggedBy: flaggedBy,
		Note:      req.Note,
	})); err != nil {
		return err
	}
	s.logger.Info("account flagged", zap.String("account_id", req.AccountID), zap.String("flagged_by", flaggedBy))
	return nil
}

// ExportClaimCodes writes every account's claim code as CSV, oldest first.
func (s *AdminService) ExportClaimCodes(ctx context.Context, w io.Writer) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"account_id", "contact", "display_name", "claim_code", "referral_code", "credit_balance", "created_at"}); err != nil {
		return 0, err
	}

	rows := 0
	q := store.AccountQuery{Page: store.Page{Limit: exportPageSize}}
	for {
		accounts, next, err := s.store.ListAccounts(ctx, q)
		if err != nil {
			return rows, fmt.Errorf("failed to page accounts: %w", err)
		}
		for _, a := range accounts {
			if err := cw.Write([]string{
				a.ID,
				a.Contact,
				a.DisplayName,
				a.ClaimCode,
				a.ReferralCode,
				a.CreditBalance.StringFixed(2),
				a.CreatedAt.UTC().Format(time.RFC3339),
			}); err != nil {
				return rows, err
			}
			rows++
		}
		if next == "" {
			break
		}
		q.Cursor = next
	}
	cw.Flush()
	return rows, cw.Error()
}

// ArchiveClaimCodes uploads the export and returns its public URL. Empty when
// no archiver is configured.
func (s *AdminService) ArchiveClaimCodes(ctx context.Context) (string, error) {
	if s.archiver == nil {
		return "", nil
	}
	var buf bytes.Buffer
	n, err := s.ExportClaimCodes(ctx, &buf)
	if err != nil {
		return "", err
	}
	key := archiveKey("exports", "claim-codes", s.clock.Now(), "csv")
	url, err := s.archiver.Put(ctx, key, buf.Bytes(), "text/csv")
	if err != nil {
		return "", err
	}
	s.logger.Info("claim codes archived", zap.String("url", url), zap.Int("rows", n))
	return url, nil
}

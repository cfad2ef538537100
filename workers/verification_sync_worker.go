// workers/verification_sync_worker.go
package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"waitlist-campaign/config"
	"waitlist-campaign/kv"
	"waitlist-campaign/models"
	"waitlist-campaign/store"

	"go.uber.org/zap"
)

const syncCursorKey = "verification_sync:since"

// RemoteVerification is one record from the profile service's change feed.
type RemoteVerification struct {
	Contact         string    `json:"contact"`
	EmailVerified   *bool     `json:"email_verified,omitempty"`
	ChannelVerified *bool     `json:"channel_verified,omitempty"`
	TelegramID      *int64    `json:"telegram_id,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type GetVerificationChangesResponse struct {
	Verifications []RemoteVerification `json:"verifications"`
}

type AccountLookup interface {
	GetAccountByContact(ctx context.Context, contact string) (*models.Account, error)
}

type VerificationApplier interface {
	Apply(ctx context.Context, accountID string, u store.VerificationUpdate) error
}

// VerificationSyncWorker polls the profile service for verification changes
// and mirrors them onto campaign accounts. The since-cursor lives in the
// key-value store so restarts and other instances resume from it.
type VerificationSyncWorker struct {
	accounts     AccountLookup
	applier      VerificationApplier
	kv           kv.Store
	interval     time.Duration
	baseURL      string
	endpointPath string
	serviceToken string
	httpClient   *http.Client
	logger       *zap.Logger
}

func NewVerificationSyncWorker(accounts AccountLookup, applier VerificationApplier, kvs kv.Store, cfg config.ProfileSyncConfig, interval time.Duration, logger *zap.Logger) *VerificationSyncWorker {
	return &VerificationSyncWorker{
		accounts:     accounts,
		applier:      applier,
		kv:           kvs,
		interval:     interval,
		baseURL:      cfg.BaseURL,
		endpointPath: cfg.EndpointPath,
		serviceToken: cfg.ServiceToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.Named("verification_sync"),
	}
}

func (w *VerificationSyncWorker) Start(ctx context.Context) {
	w.logger.Info("starting verification sync worker", zap.Duration("interval", w.interval))
	go w.run(ctx)
}

func (w *VerificationSyncWorker) run(ctx context.Context) {
	if _, err := w.SyncOnce(ctx); err != nil {
		w.logger.Warn("initial verification sync failed", zap.Error(err))
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := w.SyncOnce(ctx); err != nil {
				w.logger.Error("verification sync batch failed", zap.Error(err))
			}
		case <-ctx.Done():
			w.logger.Info("verification sync worker stopped")
			return
		}
	}
}

func (w *VerificationSyncWorker) cursor(ctx context.Context) time.Time {
	raw, ok, err := w.kv.Get(ctx, syncCursorKey)
	if err != nil || !ok {
		return time.Unix(0, 0).UTC()
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Unix(0, 0).UTC()
	}
	return t
}

// SyncOnce pulls one batch and returns how many accounts were updated.
func (w *VerificationSyncWorker) SyncOnce(ctx context.Context) (int, error) {
	since := w.cursor(ctx)
	batch, err := w.fetch(ctx, since)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		w.logger.Debug("no verification changes", zap.Time("since", since))
		return 0, nil
	}

	applied, skipped := 0, 0
	latest := since
	for _, rv := range batch {
		if rv.UpdatedAt.After(latest) {
			latest = rv.UpdatedAt
		}
		acct, err := w.accounts.GetAccountByContact(ctx, strings.ToLower(strings.TrimSpace(rv.Contact)))
		if errors.Is(err, models.ErrNotFound) {
			skipped++
			continue
		}
		if err != nil {
			return applied, fmt.Errorf("failed to look up %q: %w", rv.Contact, err)
		}
		err = w.applier.Apply(ctx, acct.ID, store.VerificationUpdate{
			EmailVerified:   rv.EmailVerified,
			ChannelVerified: rv.ChannelVerified,
			TelegramID:      rv.TelegramID,
		})
		if err != nil {
			// A conflicting telegram id on one account should not stall the feed.
			skipped++
			w.logger.Warn("failed to apply verification", zap.String("account_id", acct.ID), zap.Error(err))
			continue
		}
		applied++
	}

	if err := w.kv.Set(ctx, syncCursorKey, latest.UTC().Format(time.RFC3339Nano), 0); err != nil {
		return applied, fmt.Errorf("failed to store sync cursor: %w", err)
	}
	w.logger.Info("verification batch synced",
		zap.Int("received", len(batch)),
		zap.Int("applied", applied),
		zap.Int("skipped", skipped),
		zap.Time("latest", latest))
	return applied, nil
}

func (w *VerificationSyncWorker) fetch(ctx context.Context, since time.Time) ([]RemoteVerification, error) {
	base, err := url.Parse(w.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base sync service URL '%s': %w", w.baseURL, err)
	}
	endpointURL := base.JoinPath(w.endpointPath)
	q := endpointURL.Query()
	q.Set("since", since.UTC().Format(time.RFC3339))
	endpointURL.RawQuery = q.Encode()
	finalURL := endpointURL.String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, finalURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request to %s: %w", finalURL, err)
	}
	req.Header.Set("X-Service-Token", w.serviceToken)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request to sync service failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("sync service non-200 response: %d %s", resp.StatusCode, string(body))
	}

	var out GetVerificationChangesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode sync service response: %w", err)
	}
	return out.Verifications, nil
}

// Package store persists campaign state. GormStore targets Postgres; MemoryStore
// backs tests and single-node demos. Both honour the same contracts.
package store

import (
	"context"
	"time"

	"waitlist-campaign/models"
)

// ErrConflict reports a unique-constraint violation not mapped to a domain error.
var ErrConflict = &models.CodedError{Code: "CONFLICT", Kind: models.KindPrecondition, Message: "unique constraint violated"}

// ChestFunc mutates a locked account and returns the ledger entry to write.
// Returning an error aborts the transaction with nothing persisted.
type ChestFunc func(a *models.Account) (*models.ChestOpen, error)

type Page struct {
	Cursor string
	Limit  int
}

type AccountQuery struct {
	Search string
	Page
}

type ReferralQuery struct {
	Status     models.ReferralStatus
	ReferrerID string
	Page
}

type SignalQuery struct {
	AccountID string
	Category  models.FraudCategory
	Page
}

// VerificationUpdate sets only the non-nil fields.
type VerificationUpdate struct {
	EmailVerified   *bool
	ChannelVerified *bool
	TelegramID      *int64
}

// ReferralTransition is a compare-and-set on referral status: it applies only
// while the current status is one of From.
type ReferralTransition struct {
	ID     string
	To     models.ReferralStatus
	Reason *string
	From   []models.ReferralStatus
	At     time.Time
}

type AccountStore interface {
	CreateAccount(ctx context.Context, a *models.Account) error
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	GetAccountByContact(ctx context.Context, contact string) (*models.Account, error)
	GetAccountByReferralCode(ctx context.Context, code string) (*models.Account, error)
	GetAccountsByIDs(ctx context.Context, ids []string) (map[string]*models.Account, error)
	AccountsCreatedSince(ctx context.Context, since time.Time) ([]models.Account, error)
	CountSignupsSince(ctx context.Context, kind models.TraitKind, value string, since time.Time) (int64, error)
	AppendTraits(ctx context.Context, id, ip, device string) error
	UpdateVerification(ctx context.Context, id string, u VerificationUpdate) (*models.Account, error)
	ChestTx(ctx context.Context, id string, fn ChestFunc) error
	ListChestOpens(ctx context.Context, accountID string, limit int) ([]models.ChestOpen, error)
	ListAccounts(ctx context.Context, q AccountQuery) ([]models.Account, string, error)
}

type ReferralStore interface {
	CreateReferral(ctx context.Context, r *models.Referral) error
	ListReferralsByStatus(ctx context.Context, statuses ...models.ReferralStatus) ([]models.Referral, error)
	UpdateReferralStatus(ctx context.Context, t ReferralTransition) (bool, error)
	CountReferralsByStatus(ctx context.Context, referrerID string) (models.ReferralStats, error)
	EligibleTallies(ctx context.Context) ([]models.ReferralTally, error)
	ListReferrals(ctx context.Context, q ReferralQuery) ([]models.Referral, string, error)
}

type FraudSignalStore interface {
	CreateFraudSignal(ctx context.Context, s *models.FraudSignal) error
	ListFraudSignals(ctx context.Context, q SignalQuery) ([]models.FraudSignal, string, error)
	DeleteFraudSignalsBefore(ctx context.Context, t time.Time) (int64, error)
}

type SnapshotStore interface {
	CreateSnapshot(ctx context.Context, s *models.LeaderboardSnapshot) error
	LatestSnapshot(ctx context.Context) (*models.LeaderboardSnapshot, error)
	ListSnapshots(ctx context.Context, limit int) ([]models.LeaderboardSnapshot, error)
	PruneSnapshots(ctx context.Context, keep int) (int64, error)
}

// WinCursor is a position in the (created_at, id) order of synthetic wins.
type WinCursor struct {
	At time.Time
	ID string
}

// WinCursorOf positions a cursor just past w.
func WinCursorOf(w models.SyntheticWin) WinCursor { return WinCursor{At: w.CreatedAt, ID: w.ID} }

type SyntheticWinStore interface {
	CreateSyntheticWin(ctx context.Context, w *models.SyntheticWin) error
	LatestSyntheticWins(ctx context.Context, limit int) ([]models.SyntheticWin, error)
	SyntheticWinsAfter(ctx context.Context, after WinCursor, limit int) ([]models.SyntheticWin, error)
	TrimSyntheticWins(ctx context.Context, keep int) (int64, error)
	DeleteSyntheticWinsBefore(ctx context.Context, t time.Time) (int64, error)
}

// Store is everything the service needs from persistence.
type Store interface {
	AccountStore
	ReferralStore
	FraudSignalStore
	SnapshotStore
	SyntheticWinStore
	Ping(ctx context.Context) error
}

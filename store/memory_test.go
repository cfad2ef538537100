package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"waitlist-campaign/models"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newAccount(n int, ips ...string) *models.Account {
	return &models.Account{
		ID:           models.NewID(),
		Contact:      fmt.Sprintf("user%d@example.com", n),
		ReferralCode: fmt.Sprintf("REF%05d", n),
		ClaimCode:    fmt.Sprintf("WL-%08d", n),
		SignupIPs:    ips,
	}
}

func TestCreateAccountUniqueness(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(clockwork.NewFakeClockAt(epoch))

	a := newAccount(1)
	require.NoError(t, s.CreateAccount(ctx, a))
	assert.Equal(t, epoch, a.CreatedAt)

	dup := newAccount(2)
	dup.Contact = a.Contact
	err := s.CreateAccount(ctx, dup)
	require.ErrorIs(t, err, ErrConflict)

	dup = newAccount(3)
	dup.ReferralCode = a.ReferralCode
	require.ErrorIs(t, s.CreateAccount(ctx, dup), ErrConflict)

	got, err := s.GetAccountByReferralCode(ctx, a.ReferralCode)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	_, err = s.GetAccount(ctx, "missing")
	assert.Equal(t, models.KindNotFound, models.KindOf(err))
}

func TestReturnedAccountsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(clockwork.NewFakeClockAt(epoch))
	a := newAccount(1, "1.1.1.1")
	require.NoError(t, s.CreateAccount(ctx, a))

	got, err := s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	got.SignupIPs[0] = "9.9.9.9"
	got.EmailVerified = true

	again, err := s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"1.1.1.1"}, again.SignupIPs)
	assert.False(t, again.EmailVerified)
}

func TestCountSignupsSince(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	s := NewMemoryStore(clock)

	require.NoError(t, s.CreateAccount(ctx, newAccount(1, "5.5.5.5")))
	clock.Advance(25 * time.Hour)
	require.NoError(t, s.CreateAccount(ctx, newAccount(2, "5.5.5.5")))
	require.NoError(t, s.CreateAccount(ctx, newAccount(3, "5.5.5.5")))

	n, err := s.CountSignupsSince(ctx, models.TraitIP, "5.5.5.5", clock.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestChestTxSerializesPerAccount(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(clockwork.NewFakeClockAt(epoch))
	a := newAccount(1)
	require.NoError(t, s.CreateAccount(ctx, a))

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.ChestTx(ctx, a.ID, func(acct *models.Account) (*models.ChestOpen, error) {
				if acct.FirstRewardConsumed {
					return nil, models.ErrCooldownActive
				}
				acct.FirstRewardConsumed = true
				acct.CreditBalance = acct.CreditBalance.Add(decimal.NewFromInt(1))
				return &models.ChestOpen{ID: models.NewID(), AccountID: acct.ID, Amount: decimal.NewFromInt(1)}, nil
			})
			if err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, granted)
	got, err := s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.CreditBalance.Equal(decimal.NewFromInt(1)))
	opens, err := s.ListChestOpens(ctx, a.ID, 10)
	require.NoError(t, err)
	assert.Len(t, opens, 1)
}

func TestChestTxErrorPersistsNothing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(clockwork.NewFakeClockAt(epoch))
	a := newAccount(1)
	require.NoError(t, s.CreateAccount(ctx, a))

	err := s.ChestTx(ctx, a.ID, func(acct *models.Account) (*models.ChestOpen, error) {
		acct.CreditBalance = decimal.NewFromInt(100)
		return nil, errors.New("abort")
	})
	require.Error(t, err)
	got, _ := s.GetAccount(ctx, a.ID)
	assert.True(t, got.CreditBalance.IsZero())
}

func TestReferralTransitions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(clockwork.NewFakeClockAt(epoch))
	referrer, referred := newAccount(1), newAccount(2)
	require.NoError(t, s.CreateAccount(ctx, referrer))
	require.NoError(t, s.CreateAccount(ctx, referred))

	r := &models.Referral{ID: models.NewID(), ReferrerID: referrer.ID, ReferredID: referred.ID,
		ReferralCodeUsed: referrer.ReferralCode, Status: models.ReferralPending}
	require.NoError(t, s.CreateReferral(ctx, r))

	again := *r
	again.ID = models.NewID()
	require.ErrorIs(t, s.CreateReferral(ctx, &again), models.ErrAlreadyReferred)

	got, _ := s.GetAccount(ctx, referred.ID)
	require.NotNil(t, got.ReferredBy)
	assert.Equal(t, referrer.ReferralCode, *got.ReferredBy)

	reason := "Shared IP address detected"
	ok, err := s.UpdateReferralStatus(ctx, ReferralTransition{ID: r.ID, To: models.ReferralInvalid,
		Reason: &reason, From: []models.ReferralStatus{models.ReferralPending}, At: epoch})
	require.NoError(t, err)
	assert.True(t, ok)

	// compare-and-set: the prior status no longer matches
	ok, err = s.UpdateReferralStatus(ctx, ReferralTransition{ID: r.ID, To: models.ReferralEligible,
		From: []models.ReferralStatus{models.ReferralPending}, At: epoch})
	require.NoError(t, err)
	assert.False(t, ok)

	// invalid is terminal
	_, err = s.UpdateReferralStatus(ctx, ReferralTransition{ID: r.ID, To: models.ReferralPending,
		From: []models.ReferralStatus{models.ReferralInvalid}, At: epoch})
	assert.Equal(t, models.KindInvariant, models.KindOf(err))

	// reason iff invalid
	_, err = s.UpdateReferralStatus(ctx, ReferralTransition{ID: r.ID, To: models.ReferralInvalid,
		From: []models.ReferralStatus{models.ReferralPending}, At: epoch})
	assert.Equal(t, models.KindInvariant, models.KindOf(err))

	stats, err := s.CountReferralsByStatus(ctx, referrer.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReferralStats{Total: 1, Invalid: 1}, stats)
}

func TestEligibleTallies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(clockwork.NewFakeClockAt(epoch))
	referrer := newAccount(0)
	require.NoError(t, s.CreateAccount(ctx, referrer))
	for i := 1; i <= 3; i++ {
		acct := newAccount(i)
		require.NoError(t, s.CreateAccount(ctx, acct))
		r := &models.Referral{ID: models.NewID(), ReferrerID: referrer.ID, ReferredID: acct.ID, Status: models.ReferralPending}
		require.NoError(t, s.CreateReferral(ctx, r))
		if i < 3 {
			_, err := s.UpdateReferralStatus(ctx, ReferralTransition{ID: r.ID, To: models.ReferralEligible,
				From: []models.ReferralStatus{models.ReferralPending}, At: epoch})
			require.NoError(t, err)
		}
	}
	tallies, err := s.EligibleTallies(ctx)
	require.NoError(t, err)
	require.Len(t, tallies, 1)
	assert.Equal(t, referrer.ID, tallies[0].AccountID)
	assert.Equal(t, 2, tallies[0].Count)
}

func TestListAccountsPagination(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	s := NewMemoryStore(clock)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.CreateAccount(ctx, newAccount(i)))
		clock.Advance(time.Second)
	}

	first, next, err := s.ListAccounts(ctx, AccountQuery{Page: Page{Limit: 2}})
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.NotEmpty(t, next)

	second, next, err := s.ListAccounts(ctx, AccountQuery{Page: Page{Limit: 2, Cursor: next}})
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.True(t, second[0].CreatedAt.After(first[1].CreatedAt))

	third, next, err := s.ListAccounts(ctx, AccountQuery{Page: Page{Limit: 2, Cursor: next}})
	require.NoError(t, err)
	assert.Len(t, third, 1)
	assert.Empty(t, next)

	_, _, err = s.ListAccounts(ctx, AccountQuery{Page: Page{Cursor: "!!"}})
	assert.Equal(t, models.KindValidation, models.KindOf(err))

	hits, _, err := s.ListAccounts(ctx, AccountQuery{Search: "USER3@"})
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestSnapshotRetention(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	s := NewMemoryStore(clock)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.CreateSnapshot(ctx, &models.LeaderboardSnapshot{ID: models.NewID(),
			Rows: []models.LeaderboardRow{{Rank: 1, ValidReferrals: i + 1}}}))
		clock.Advance(time.Hour)
	}
	n, err := s.PruneSnapshots(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	latest, err := s.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, latest.Rows[0].ValidReferrals)

	all, err := s.ListSnapshots(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSyntheticWinRetention(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	s := NewMemoryStore(clock)
	for i := 0; i < 4; i++ {
		require.NoError(t, s.CreateSyntheticWin(ctx, &models.SyntheticWin{ID: models.NewID(), Amount: int64(i)}))
		clock.Advance(time.Minute)
	}
	after, err := s.SyntheticWinsAfter(ctx, WinCursor{At: epoch.Add(time.Minute)}, 10)
	require.NoError(t, err)
	assert.Len(t, after, 3)

	n, err := s.TrimSyntheticWins(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	latest, err := s.LatestSyntheticWins(ctx, 10)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, int64(3), latest[0].Amount)

	n, err = s.DeleteSyntheticWinsBefore(ctx, epoch.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestFraudSignalsValidatedAndPurged(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	s := NewMemoryStore(clock)

	bad := &models.FraudSignal{ID: models.NewID(), Category: models.CategoryManualFlag, Detail: models.FraudDetail{Kind: models.DetailManualFlag}}
	assert.Equal(t, models.KindInvariant, models.KindOf(s.CreateFraudSignal(ctx, bad)))

	ok := &models.FraudSignal{ID: models.NewID(), Category: models.CategoryManualFlag,
		Detail: models.ManualFlag(models.ManualFlagDetail{FlaggedBy: "ops", Note: "test"})}
	require.NoError(t, s.CreateFraudSignal(ctx, ok))

	clock.Advance(31 * 24 * time.Hour)
	n, err := s.DeleteFraudSignalsBefore(ctx, clock.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCancelledContextIsTransient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewMemoryStore(nil)
	_, err := s.GetAccount(ctx, "x")
	assert.Equal(t, models.KindTransient, models.KindOf(err))
}

func TestTranslate(t *testing.T) {
	assert.Nil(t, translate(nil))
	assert.Equal(t, models.KindNotFound, models.KindOf(translate(gorm.ErrRecordNotFound)))
	assert.ErrorIs(t, translate(gorm.ErrDuplicatedKey), ErrConflict)
	assert.Equal(t, models.KindTransient, models.KindOf(translate(fmt.Errorf("q: %w", context.DeadlineExceeded))))
	assert.ErrorIs(t, translate(models.ErrAlreadyReferred), models.ErrAlreadyReferred)
	plain := errors.New("syntax error")
	assert.Equal(t, plain, translate(plain))
}

func TestSyntheticWinsAfterBreaksTiesOnID(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	s := NewMemoryStore(clock)
	ids := []string{"c0000000-0000-0000-0000-000000000000", "a0000000-0000-0000-0000-000000000000", "b0000000-0000-0000-0000-000000000000"}
	for _, id := range ids {
		require.NoError(t, s.CreateSyntheticWin(ctx, &models.SyntheticWin{ID: id, Amount: 10}))
	}

	latest, err := s.LatestSyntheticWins(ctx, 1)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, ids[0], latest[0].ID)

	// A reader that already saw "a" at this instant must still get "b" and "c".
	rest, err := s.SyntheticWinsAfter(ctx, WinCursor{At: epoch, ID: ids[1]}, 10)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, ids[2], rest[0].ID)
	assert.Equal(t, ids[0], rest[1].ID)

	none, err := s.SyntheticWinsAfter(ctx, WinCursorOf(latest[0]), 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

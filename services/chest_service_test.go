package services

import (
	"errors"
	"sync"
	"testing"
	"time"

	"waitlist-campaign/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newChestService(f *fixture, r Rand) *ChestService {
	return NewChestService(f.store, f.kv, r, f.clock, f.rules.Chest, f.metrics, f.logger)
}

func TestOpenChestTwiceWithinCooldown(t *testing.T) {
	f := newFixture(t)
	acct := f.account(t, chestReady)
	svc := newChestService(f, &fixedRand{f: 0})

	first, err := svc.OpenChest(f.ctx, acct.ID)
	require.NoError(t, err)
	assert.True(t, first.FirstOpen)
	assert.Equal(t, "0.10", first.Amount.StringFixed(2))
	assert.Equal(t, epoch.Add(24*time.Hour), first.NextEligibleAt)

	f.clock.Advance(23 * time.Hour)
	_, err = svc.OpenChest(f.ctx, acct.ID)
	require.ErrorIs(t, err, models.ErrCooldownActive)
	var cd *models.CooldownError
	require.True(t, errors.As(err, &cd))
	assert.Equal(t, first.NextEligibleAt, cd.NextEligibleAt)

	got, err := f.store.GetAccount(f.ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "0.10", got.CreditBalance.StringFixed(2))

	opens, err := f.store.ListChestOpens(f.ctx, acct.ID, 10)
	require.NoError(t, err)
	assert.Len(t, opens, 1)
}

func TestOpenChestAfterCooldownUsesRegularTable(t *testing.T) {
	f := newFixture(t)
	acct := f.account(t, chestReady)
	r := &fixedRand{f: 0}
	svc := newChestService(f, r)

	_, err := svc.OpenChest(f.ctx, acct.ID)
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)
	r.set(0.5)
	second, err := svc.OpenChest(f.ctx, acct.ID)
	require.NoError(t, err)
	assert.False(t, second.FirstOpen)
	assert.Equal(t, "0.10", second.Amount.StringFixed(2))
	assert.Equal(t, "0.20", second.NewBalance.StringFixed(2))

	got, err := f.store.GetAccount(f.ctx, acct.ID)
	require.NoError(t, err)
	assert.True(t, got.FirstRewardConsumed)
	require.NotNil(t, got.LastRewardAt)
	assert.Equal(t, epoch.Add(24*time.Hour), *got.LastRewardAt)
}

func TestOpenChestRequiresVerification(t *testing.T) {
	f := newFixture(t)
	svc := newChestService(f, &fixedRand{})

	noEmail := f.account(t)
	_, err := svc.OpenChest(f.ctx, noEmail.ID)
	assert.ErrorIs(t, err, models.ErrEmailUnverified)

	noChannel := f.account(t, func(a *models.Account) { a.EmailVerified = true })
	_, err = svc.OpenChest(f.ctx, noChannel.ID)
	assert.ErrorIs(t, err, models.ErrChannelUnverified)

	got, err := f.store.GetAccount(f.ctx, noChannel.ID)
	require.NoError(t, err)
	assert.True(t, got.CreditBalance.IsZero())
	assert.False(t, got.FirstRewardConsumed)

	_, err = svc.OpenChest(f.ctx, "")
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = svc.OpenChest(f.ctx, models.NewID())
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestOpenChestConcurrentCallsGrantOnce(t *testing.T) {
	f := newFixture(t)
	acct := f.account(t, chestReady)
	svc := newChestService(f, NewRand(1))

	const callers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted, cooled := 0, 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.OpenChest(f.ctx, acct.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				granted++
			case errors.Is(err, models.ErrCooldownActive):
				cooled++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, granted)
	assert.Equal(t, callers-1, cooled)

	opens, err := f.store.ListChestOpens(f.ctx, acct.ID, 50)
	require.NoError(t, err)
	require.Len(t, opens, 1)

	got, err := f.store.GetAccount(f.ctx, acct.ID)
	require.NoError(t, err)
	assert.True(t, got.CreditBalance.Equal(opens[0].Amount))
}

func TestNextChestAt(t *testing.T) {
	a := &models.Account{}
	assert.True(t, NextChestAt(a, 24*time.Hour, epoch).IsZero())

	last := epoch
	a.LastRewardAt = &last
	assert.Equal(t, epoch.Add(24*time.Hour), NextChestAt(a, 24*time.Hour, epoch.Add(time.Hour)))
	assert.True(t, NextChestAt(a, 24*time.Hour, epoch.Add(24*time.Hour)).IsZero())
}

func TestDrawRewardFirstOpenAmounts(t *testing.T) {
	low, err := DrawReward(&fixedRand{f: 0.69}, true)
	require.NoError(t, err)
	assert.True(t, low.Equal(decimal.RequireFromString("0.10")))

	high, err := DrawReward(&fixedRand{f: 0.71}, true)
	require.NoError(t, err)
	assert.True(t, high.Equal(decimal.RequireFromString("0.20")))
}

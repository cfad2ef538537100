package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"waitlist-campaign/config"
	"waitlist-campaign/kv"
	"waitlist-campaign/metrics"
	"waitlist-campaign/models"
	"waitlist-campaign/store"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var epoch = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	ctx     context.Context
	clock   *clockwork.FakeClock
	store   *store.MemoryStore
	kv      *kv.Memory
	metrics *metrics.CampaignMetrics
	rules   config.Rules
	logger  *zap.Logger
	seq     int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	return &fixture{
		ctx:     context.Background(),
		clock:   clock,
		store:   store.NewMemoryStore(clock),
		kv:      kv.NewMemory(clock),
		metrics: metrics.New(prometheus.NewRegistry()),
		rules:   config.DefaultRules(),
		logger:  zap.NewNop(),
	}
}

type accountOpt func(*models.Account)

func withIPs(ips ...string) accountOpt {
	return func(a *models.Account) { a.SignupIPs = ips }
}

func withDevices(fps ...string) accountOpt {
	return func(a *models.Account) { a.DeviceFingerprints = fps }
}

// verified marks every eligibility milestone as reached.
func verified(a *models.Account) {
	a.EmailVerified = true
	a.ChannelVerified = true
	a.FirstRewardConsumed = true
}

func chestReady(a *models.Account) {
	a.EmailVerified = true
	a.ChannelVerified = true
}

func (f *fixture) account(t *testing.T, opts ...accountOpt) *models.Account {
	t.Helper()
	f.seq++
	a := &models.Account{
		ID:           models.NewID(),
		Contact:      fmt.Sprintf("player%d@example.com", f.seq),
		ReferralCode: fmt.Sprintf("CODE%04d", f.seq),
		ClaimCode:    fmt.Sprintf("WL-%08d", f.seq),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.CreatedAt = f.clock.Now().Add(time.Duration(f.seq) * time.Millisecond)
	require.NoError(t, f.store.CreateAccount(f.ctx, a))
	return a
}

func (f *fixture) referral(t *testing.T, referrer, referred *models.Account, status models.ReferralStatus) *models.Referral {
	t.Helper()
	r := &models.Referral{
		ID:               models.NewID(),
		ReferrerID:       referrer.ID,
		ReferredID:       referred.ID,
		ReferralCodeUsed: referrer.ReferralCode,
		Status:           models.ReferralPending,
	}
	require.NoError(t, f.store.CreateReferral(f.ctx, r))
	if status != models.ReferralPending {
		var reason *string
		if status == models.ReferralInvalid {
			s := "test"
			reason = &s
		}
		ok, err := f.store.UpdateReferralStatus(f.ctx, store.ReferralTransition{
			ID: r.ID, To: status, Reason: reason,
			From: []models.ReferralStatus{models.ReferralPending},
			At:   f.clock.Now(),
		})
		require.NoError(t, err)
		require.True(t, ok)
	}
	return r
}

func (f *fixture) referralStatus(t *testing.T, id string) models.Referral {
	t.Helper()
	refs, _, err := f.store.ListReferrals(f.ctx, store.ReferralQuery{Page: store.Page{Limit: 200}})
	require.NoError(t, err)
	for _, r := range refs {
		if r.ID == id {
			return r
		}
	}
	t.Fatalf("referral %s not found", id)
	return models.Referral{}
}

func (f *fixture) signals(t *testing.T, category models.FraudCategory) []models.FraudSignal {
	t.Helper()
	list, _, err := f.store.ListFraudSignals(f.ctx, store.SignalQuery{Category: category, Page: store.Page{Limit: 200}})
	require.NoError(t, err)
	return list
}

// fixedRand returns the same values on every call.
type fixedRand struct {
	mu sync.Mutex
	f  float64
	n  int
}

func (r *fixedRand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f
}

func (r *fixedRand) IntN(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n >= n {
		return n - 1
	}
	return r.n
}

func (r *fixedRand) set(f float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.f = f
}

type deferredCall struct {
	delay time.Duration
	name  string
	fn    func(ctx context.Context)
}

type recordingDeferrer struct {
	calls []deferredCall
}

func (d *recordingDeferrer) After(delay time.Duration, name string, fn func(ctx context.Context)) error {
	d.calls = append(d.calls, deferredCall{delay: delay, name: name, fn: fn})
	return nil
}

type putCall struct {
	key         string
	body        []byte
	contentType string
}

type recordingArchiver struct {
	mu   sync.Mutex
	puts []putCall
}

func (a *recordingArchiver) Put(_ context.Context, key string, body []byte, contentType string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.puts = append(a.puts, putCall{key: key, body: body, contentType: contentType})
	return "https://cdn.example.com/" + key, nil
}

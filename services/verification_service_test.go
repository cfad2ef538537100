package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"waitlist-campaign/config"
	"waitlist-campaign/models"
	"waitlist-campaign/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChecker struct {
	member bool
	err    error
	asked  []int64
}

func (s *stubChecker) IsMember(_ context.Context, id int64) (bool, error) {
	s.asked = append(s.asked, id)
	return s.member, s.err
}

func TestVerifyEmailAndChannel(t *testing.T) {
	f := newFixture(t)
	checker := &stubChecker{member: true}
	svc := NewVerificationService(f.store, checker, f.metrics, f.logger)
	acct := f.account(t)

	got, err := svc.VerifyEmail(f.ctx, acct.ID)
	require.NoError(t, err)
	assert.True(t, got.EmailVerified)
	assert.False(t, got.ChannelVerified)

	got, err = svc.VerifyChannel(f.ctx, acct.ID, 4242)
	require.NoError(t, err)
	assert.True(t, got.ChannelVerified)
	require.NotNil(t, got.TelegramID)
	assert.Equal(t, int64(4242), *got.TelegramID)
	assert.Equal(t, []int64{4242}, checker.asked)

	other := f.account(t)
	_, err = svc.VerifyChannel(f.ctx, other.ID, 4242)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestVerifyChannelRejections(t *testing.T) {
	f := newFixture(t)
	acct := f.account(t)

	svc := NewVerificationService(f.store, &stubChecker{member: false}, f.metrics, f.logger)
	_, err := svc.VerifyChannel(f.ctx, acct.ID, 7)
	assert.ErrorIs(t, err, models.ErrChannelUnverified)

	_, err = svc.VerifyChannel(f.ctx, acct.ID, 0)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = svc.VerifyChannel(f.ctx, models.NewID(), 7)
	assert.ErrorIs(t, err, models.ErrNotFound)

	unconfigured := NewVerificationService(f.store, nil, f.metrics, f.logger)
	_, err = unconfigured.VerifyChannel(f.ctx, acct.ID, 7)
	assert.ErrorIs(t, err, models.ErrTransient)

	got, err := f.store.GetAccount(f.ctx, acct.ID)
	require.NoError(t, err)
	assert.False(t, got.ChannelVerified)
	assert.Nil(t, got.TelegramID)
}

func TestTelegramClientIsMember(t *testing.T) {
	statuses := map[string]string{
		"1": `{"ok":true,"result":{"status":"member"}}`,
		"2": `{"ok":true,"result":{"status":"left"}}`,
		"3": `{"ok":true,"result":{"status":"restricted","is_member":true}}`,
		"4": `{"ok":false,"description":"Bad Request: user not found"}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botsecret/getChatMember", r.URL.Path)
		assert.Equal(t, "@campaign", r.URL.Query().Get("chat_id"))
		body := statuses[r.URL.Query().Get("user_id")]
		if body == statuses["4"] {
			w.WriteHeader(http.StatusBadRequest)
		}
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	client := NewTelegramClient(config.TelegramConfig{BotToken: "secret", ChannelID: "@campaign", APIBase: srv.URL})
	ctx := context.Background()

	for id, want := range map[int64]bool{1: true, 2: false, 3: true, 4: false} {
		got, err := client.IsMember(ctx, id)
		require.NoError(t, err, "user %d", id)
		assert.Equal(t, want, got, "user %d", id)
	}
}

func TestTelegramClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"ok":false}`))
	}))
	defer srv.Close()

	client := NewTelegramClient(config.TelegramConfig{BotToken: "t", ChannelID: "c", APIBase: srv.URL})
	_, err := client.IsMember(context.Background(), 1)
	assert.ErrorIs(t, err, models.ErrTransient)
}

func TestRecordClientFeedsPairwiseCheck(t *testing.T) {
	f := newFixture(t)
	svc := NewVerificationService(f.store, nil, f.metrics, f.logger)
	referrer := f.account(t, withIPs("203.0.113.7"))
	referred := f.account(t, withIPs("198.51.100.20"), verified)
	r := f.referral(t, referrer, referred, models.ReferralPending)

	// The referred account later shows up from the referrer's address.
	svc.RecordClient(f.ctx, referred.ID, "203.0.113.7", "device-abc")
	svc.RecordClient(f.ctx, referred.ID, "203.0.113.7", "")
	svc.RecordClient(f.ctx, models.NewID(), "192.0.2.1", "")

	got, err := f.store.GetAccount(f.ctx, referred.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"198.51.100.20", "203.0.113.7"}, got.SignupIPs)
	assert.Equal(t, []string{"device-abc"}, got.DeviceFingerprints)

	report, err := newReferralService(f).AdvanceEligible(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Invalidated)
	assert.Equal(t, models.ReferralInvalid, f.referralStatus(t, r.ID).Status)
}

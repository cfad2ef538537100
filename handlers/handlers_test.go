package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"waitlist-campaign/config"
	"waitlist-campaign/kv"
	"waitlist-campaign/metrics"
	"waitlist-campaign/models"
	"waitlist-campaign/services"
	"waitlist-campaign/store"

	"github.com/gofiber/fiber/v2"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const token = "gateway-token"

type testEnv struct {
	app   *fiber.App
	store *store.MemoryStore
	clock *clockwork.FakeClock
}

type alwaysMember struct{}

func (alwaysMember) IsMember(context.Context, int64) (bool, error) { return true, nil }

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	timeNow = clock.Now
	t.Cleanup(func() { timeNow = time.Now })

	st := store.NewMemoryStore(clock)
	kvs := kv.NewMemory(clock)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	rules := config.DefaultRules()
	logger := zap.NewNop()

	referrals := services.NewReferralService(st, clock, rules.Referral, m, logger)
	fraud := services.NewFraudService(st, clock, rules.Fraud, m, logger)
	leaderboard := services.NewLeaderboardService(st, nil, clock, rules.Leaderboard, m, logger)
	wins := services.NewSyntheticWinService(st, kvs, services.NewRand(5), clock, rules.Synthetic, m, logger)

	app := NewApp(AppConfig{GatewayToken: token, AllowedOrigins: []string{"http://localhost:3000"}}, Deps{
		Waitlist:    services.NewWaitlistService(st, referrals, clock, rules.Referral, m, logger),
		Leaderboard: leaderboard,
		Wins:        wins,
		Account: AccountServices{
			Chest:        services.NewChestService(st, kvs, services.NewRand(9), clock, rules.Chest, m, logger),
			Profiles:     services.NewProfileService(st, clock, rules.Chest),
			Verification: services.NewVerificationService(st, alwaysMember{}, m, logger),
		},
		Admin:       services.NewAdminService(st, nil, clock, m, logger),
		Pipeline:    services.NewCampaignPipeline(referrals, fraud, leaderboard, services.NewJobLocks(), nil, clock, m, logger),
		Health:      map[string]Pinger{"store": st, "kv": kvs},
		Gatherer:    reg,
		StreamEvery: time.Second,
		Logger:      logger,
	})
	return &testEnv{app: app, store: st, clock: clock}
}

type reqOpt func(*http.Request)

func asUser(id string, roles ...string) reqOpt {
	return func(r *http.Request) {
		r.Header.Set("X-User-ID", id)
		if len(roles) > 0 {
			r.Header.Set("X-User-Roles", strings.Join(roles, ","))
		}
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string, opts ...reqOpt) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Authorization", "Bearer "+token)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, o := range opts {
		o(req)
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") && len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func TestRequiresGatewayToken(t *testing.T) {
	e := newTestEnv(t)
	req := httptest.NewRequest("GET", "/health", nil)
	resp, err := e.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	resp, body := e.do(t, "GET", "/health", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, _ = e.do(t, "GET", "/metrics", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestWaitlistSignup(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.do(t, "POST", "/waitlist", `{"contact":"Neo@Matrix.io","display_name":"Neo"}`,
		func(r *http.Request) { r.Header.Set("X-Forwarded-For", "203.0.113.50") })
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	assert.Equal(t, "neo@matrix.io", body["contact"])
	assert.Equal(t, false, body["referred"])

	acct, err := e.store.GetAccountByContact(context.Background(), "neo@matrix.io")
	require.NoError(t, err)
	assert.Equal(t, []string{"203.0.113.50"}, acct.SignupIPs)

	resp, body = e.do(t, "POST", "/waitlist", `{"contact":"neo@matrix.io"}`)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
	assert.Equal(t, "DUPLICATE_CONTACT", body["error"])

	resp, body = e.do(t, "POST", "/waitlist", `{"contact":"nope"}`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION", body["error"])

	resp, _ = e.do(t, "POST", "/waitlist", `{"contact":"trinity@matrix.io","referral_code":"`+acct.ReferralCode+`"}`)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
}

func TestChestFlow(t *testing.T) {
	e := newTestEnv(t)
	_, body := e.do(t, "POST", "/waitlist", `{"contact":"morpheus@matrix.io"}`)
	id := body["account_id"].(string)

	resp, _ := e.do(t, "POST", "/chest/open", "")
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	resp, body = e.do(t, "POST", "/chest/open", "", asUser(id))
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "EMAIL_UNVERIFIED", body["error"])

	resp, _ = e.do(t, "POST", "/verify/email", "", asUser(id), func(r *http.Request) {
		r.Header.Set("X-Forwarded-For", "198.51.100.9, 10.0.0.1")
		r.Header.Set("X-Device-Fingerprint", "fp-morpheus")
	})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	acct, err := e.store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	assert.Contains(t, acct.SignupIPs, "198.51.100.9")
	assert.Equal(t, []string{"fp-morpheus"}, acct.DeviceFingerprints)
	resp, body = e.do(t, "POST", "/verify/channel", `{"telegram_id":1001}`, asUser(id))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["channel_verified"])

	resp, body = e.do(t, "POST", "/chest/open", "", asUser(id))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["first_open"])

	resp, body = e.do(t, "POST", "/chest/open", "", asUser(id))
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
	assert.Equal(t, "COOLDOWN_ACTIVE", body["error"])
	assert.Equal(t, "86400", resp.Header.Get("Retry-After"))

	resp, body = e.do(t, "GET", "/me", "", asUser(id))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(86400), body["countdown_seconds"])

	resp, _ = e.do(t, "GET", "/me", "", asUser(models.NewID()))
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestPublicReads(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.do(t, "GET", "/leaderboard/top10", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{}, body["entries"])

	resp, _ = e.do(t, "GET", "/leaderboard/top?n=0", "")
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, "GET", "/wins/latest?limit=51", "")
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, "GET", "/wins/latest", "")
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestAdminRoutes(t *testing.T) {
	e := newTestEnv(t)
	adminID := models.NewID()
	for i := 0; i < 3; i++ {
		resp, _ := e.do(t, "POST", "/waitlist", fmt.Sprintf(`{"contact":"user%d@example.com"}`, i))
		require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	}

	resp, _ := e.do(t, "GET", "/admin/accounts", "", asUser(adminID))
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	resp, body := e.do(t, "GET", "/admin/accounts?limit=2", "", asUser(adminID, "admin"))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Len(t, body["items"], 2)
	assert.NotEmpty(t, body["next_cursor"])

	resp, _ = e.do(t, "GET", "/admin/accounts?cursor=!!!", "", asUser(adminID, "admin"))
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, "GET", "/admin/exports/claim-codes.csv", "", asUser(adminID, "admin"))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))

	resp, body = e.do(t, "POST", "/admin/pipeline/run", "", asUser(adminID, "admin"))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["completed"])

	resp, body = e.do(t, "GET", "/admin/leaderboard/snapshots", "", asUser(adminID, "admin"))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Len(t, body["items"], 1)

	resp, _ = e.do(t, "GET", "/admin/leaderboard/snapshots?limit=31", "", asUser(adminID, "admin"))
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, "GET", "/admin/referrals?status=bogus", "", asUser(adminID, "admin"))
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		models.ErrValidation:                             fiber.StatusBadRequest,
		models.ErrNotFound:                               fiber.StatusNotFound,
		models.ErrCooldownActive:                         fiber.StatusConflict,
		&models.CooldownError{NextEligibleAt: time.Now()}: fiber.StatusConflict,
		models.ErrSignupLimit:                            fiber.StatusTooManyRequests,
		models.ErrEmailUnverified:                        fiber.StatusForbidden,
		models.ErrTransient:                              fiber.StatusServiceUnavailable,
		models.ErrInvariant:                              fiber.StatusInternalServerError,
		errors.New("boom"):                               fiber.StatusInternalServerError,
		fmt.Errorf("wrapped: %w", models.ErrNotFound):    fiber.StatusNotFound,
	}
	for err, want := range cases {
		assert.Equal(t, want, StatusFor(err), err.Error())
	}
}

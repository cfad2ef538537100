package middleware

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGatewayAuth(t *testing.T) {
	app := fiber.New()
	app.Use(GatewayAuthMiddleware("s3cret", zap.NewNop()))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })

	for header, want := range map[string]int{
		"":              fiber.StatusUnauthorized,
		"Bearer wrong":  fiber.StatusUnauthorized,
		"Bearer s3cret": fiber.StatusOK,
		"s3cret":        fiber.StatusOK,
	} {
		req := httptest.NewRequest("GET", "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, want, resp.StatusCode, "header %q", header)
	}
}

func TestUserContextAndRoles(t *testing.T) {
	app := fiber.New()
	app.Use(UserContextMiddleware(zap.NewNop()))
	app.Get("/me", RequireUser(), func(c *fiber.Ctx) error { return c.SendString(UserID(c)) })
	app.Get("/admin", RequireUser(), RequireRole(RoleAdmin), func(c *fiber.Ctx) error { return c.SendString("admin") })

	const id = "0190a8c2-7d3e-7a6b-9c1d-2e3f4a5b6c7d"

	req := httptest.NewRequest("GET", "/me", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	req = httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("X-User-ID", "not-a-uuid")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	req = httptest.NewRequest("GET", "/me", nil)
	req.Header.Set("X-User-ID", id)
	resp, err = app.Test(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, id, string(body))

	req = httptest.NewRequest("GET", "/admin", nil)
	req.Header.Set("X-User-ID", id)
	req.Header.Set("X-User-Roles", "user")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	req = httptest.NewRequest("GET", "/admin", nil)
	req.Header.Set("X-User-ID", id)
	req.Header.Set("X-User-Roles", "user, admin")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestClientContext(t *testing.T) {
	app := fiber.New()
	app.Use(ClientContextMiddleware())
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"ip": ClientIP(c), "fp": DeviceFingerprint(c)})
	})

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	req.Header.Set(HeaderDeviceFingerprint, " fp-123 ")
	resp, err := app.Test(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"ip":"203.0.113.9","fp":"fp-123"}`, string(body))
}

// middleware/client.go
package middleware

import (
	"net"
	"strings"

	"github.com/gofiber/fiber/v2"
)

const (
	LocalClientIP = "client_ip"
	LocalDeviceFP = "device_fp"

	HeaderDeviceFingerprint = "X-Device-Fingerprint"
)

// ClientContextMiddleware records the caller's IP and device fingerprint for
// signup limits and fraud checks. The Gateway is trusted to set
// X-Forwarded-For; the first hop is the client.
func ClientContextMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Locals(LocalClientIP, clientIP(c))
		c.Locals(LocalDeviceFP, strings.TrimSpace(c.Get(HeaderDeviceFingerprint)))
		return c.Next()
	}
}

func clientIP(c *fiber.Ctx) string {
	if fwd := c.Get(fiber.HeaderXForwardedFor); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	if ip := net.ParseIP(strings.TrimSpace(c.Get("X-Real-IP"))); ip != nil {
		return ip.String()
	}
	return c.IP()
}

func ClientIP(c *fiber.Ctx) string {
	ip, _ := c.Locals(LocalClientIP).(string)
	return ip
}

func DeviceFingerprint(c *fiber.Ctx) string {
	fp, _ := c.Locals(LocalDeviceFP).(string)
	return fp
}

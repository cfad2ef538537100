// handlers/errors.go
package handlers

import (
	"errors"
	"strconv"
	"time"

	"waitlist-campaign/models"

	"github.com/gofiber/fiber/v2"
)

var timeNow = time.Now

// StatusFor maps an error's kind (and a few specific codes) to HTTP.
func StatusFor(err error) int {
	switch models.CodeOf(err) {
	case models.ErrSignupLimit.Code:
		return fiber.StatusTooManyRequests
	case models.ErrEmailUnverified.Code, models.ErrChannelUnverified.Code:
		return fiber.StatusForbidden
	}
	switch models.KindOf(err) {
	case models.KindValidation:
		return fiber.StatusBadRequest
	case models.KindNotFound:
		return fiber.StatusNotFound
	case models.KindPrecondition:
		return fiber.StatusConflict
	case models.KindTransient:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func respondError(c *fiber.Ctx, err error) error {
	status := StatusFor(err)
	body := fiber.Map{
		"error": models.CodeOf(err),
		"cause": err.Error(),
	}
	if status >= fiber.StatusInternalServerError && status != fiber.StatusServiceUnavailable {
		body["cause"] = "internal error"
	}

	var cd *models.CooldownError
	if errors.As(err, &cd) {
		body["next_eligible_at"] = cd.NextEligibleAt
		retry := int(cd.NextEligibleAt.Sub(timeNow()).Seconds())
		if retry > 0 {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retry))
		}
	}
	return c.Status(status).JSON(body)
}

func badRequest(c *fiber.Ctx, msg string, err error) error {
	body := fiber.Map{"error": models.ErrValidation.Code, "cause": msg}
	if err != nil {
		body["cause"] = msg + ": " + err.Error()
	}
	return c.Status(fiber.StatusBadRequest).JSON(body)
}

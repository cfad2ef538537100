package store

import (
	"encoding/base64"
	"fmt"
	"slices"
	"strings"
	"time"

	"waitlist-campaign/models"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

func pageLimit(l int) int {
	switch {
	case l <= 0:
		return defaultPageSize
	case l > maxPageSize:
		return maxPageSize
	}
	return l
}

// cursor is an opaque (created_at, id) position for keyset pagination.
type cursor struct {
	At time.Time
	ID string
}

func encodeCursor(at time.Time, id string) string {
	raw := at.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(s string) (*cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed cursor", models.ErrValidation)
	}
	at, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return nil, fmt.Errorf("%w: malformed cursor", models.ErrValidation)
	}
	t, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed cursor", models.ErrValidation)
	}
	return &cursor{At: t, ID: id}, nil
}

func (c *cursor) before(at time.Time, id string) bool {
	if c == nil {
		return true
	}
	if at.Equal(c.At) {
		return id > c.ID
	}
	return at.After(c.At)
}

func validateTransition(t ReferralTransition) error {
	if !t.To.Valid() {
		return fmt.Errorf("%w: unknown referral status %q", models.ErrInvariant, t.To)
	}
	if len(t.From) == 0 {
		return fmt.Errorf("%w: referral transition needs a prior status", models.ErrInvariant)
	}
	if slices.Contains(t.From, models.ReferralInvalid) {
		return fmt.Errorf("%w: invalid referrals are terminal", models.ErrInvariant)
	}
	if (t.To == models.ReferralInvalid) != (t.Reason != nil) {
		return fmt.Errorf("%w: reason must be set iff status is invalid", models.ErrInvariant)
	}
	return nil
}

func traitsFor(a *models.Account) []models.AccountTrait {
	var out []models.AccountTrait
	for _, ip := range a.SignupIPs {
		out = append(out, models.AccountTrait{AccountID: a.ID, Kind: models.TraitIP, Value: ip})
	}
	for _, fp := range a.DeviceFingerprints {
		out = append(out, models.AccountTrait{AccountID: a.ID, Kind: models.TraitDevice, Value: fp})
	}
	return out
}

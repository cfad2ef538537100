package models

import "time"

// ReferralStatus is the lifecycle state of a Referral. Invalid is terminal.
type ReferralStatus string

const (
	ReferralPending  ReferralStatus = "pending"
	ReferralEligible ReferralStatus = "eligible"
	ReferralInvalid  ReferralStatus = "invalid"
)

// Valid reports whether s is a known status.
func (s ReferralStatus) Valid() bool {
	switch s {
	case ReferralPending, ReferralEligible, ReferralInvalid:
		return true
	}
	return false
}

// Referral links a referrer to the account that signed up with its code.
// A referred account has at most one Referral.
type Referral struct {
	ID               string         `gorm:"primaryKey;type:uuid" json:"id"`
	ReferrerID       string         `gorm:"type:uuid;index;not null" json:"referrer_id"`
	ReferredID       string         `gorm:"type:uuid;uniqueIndex;not null" json:"referred_id"`
	ReferralCodeUsed string         `gorm:"size:16;not null" json:"referral_code_used"`
	Status           ReferralStatus `gorm:"size:16;index;not null;default:'pending'" json:"status"`
	Reason           *string        `json:"reason,omitempty"` // set iff Status is invalid
	EligibleAt       *time.Time     `json:"eligible_at,omitempty"`

	Timestamps
}

// ReferralTally is an eligible-referral count per referrer.
type ReferralTally struct {
	AccountID   string    `json:"account_id"`
	Contact     string    `json:"contact"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
	Count       int       `json:"count"`
}

// ReferralStats summarises an account's referrals by status.
type ReferralStats struct {
	Total    int64 `json:"total"`
	Pending  int64 `json:"pending"`
	Eligible int64 `json:"eligible"`
	Invalid  int64 `json:"invalid"`
}

package models

import (
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Account is a waitlist participant. Referral and claim codes are assigned
// at signup and never change; signup IPs and device fingerprints only grow.
type Account struct {
	ID           string  `gorm:"primaryKey;type:uuid" json:"id"`
	Contact      string  `gorm:"uniqueIndex;not null" json:"contact"`
	DisplayName  string  `gorm:"size:64" json:"display_name,omitempty"`
	ReferralCode string  `gorm:"uniqueIndex;size:16;not null" json:"referral_code"`
	ClaimCode    string  `gorm:"uniqueIndex;size:32;not null" json:"claim_code"`
	ReferredBy   *string `gorm:"index;size:16" json:"referred_by,omitempty"`

	SignupIPs          []string `gorm:"serializer:json;type:jsonb" json:"-"`
	DeviceFingerprints []string `gorm:"serializer:json;type:jsonb" json:"-"`

	EmailVerified   bool   `gorm:"not null;default:false" json:"email_verified"`
	ChannelVerified bool   `gorm:"not null;default:false" json:"channel_verified"`
	TelegramID      *int64 `gorm:"uniqueIndex" json:"telegram_id,omitempty"`

	CreditBalance       decimal.Decimal `gorm:"type:numeric(12,2);not null;default:0" json:"credit_balance"`
	LastRewardAt        *time.Time      `json:"last_reward_at,omitempty"`
	FirstRewardConsumed bool            `gorm:"not null;default:false" json:"first_reward_consumed"`

	Timestamps
}

// HasIP reports whether ip was ever seen for the account.
func (a *Account) HasIP(ip string) bool {
	return slices.Contains(a.SignupIPs, ip)
}

// HasDevice reports whether fp was ever seen for the account.
func (a *Account) HasDevice(fp string) bool {
	return slices.Contains(a.DeviceFingerprints, fp)
}

// AddIP appends ip when it is new. Returns true if the set changed.
func (a *Account) AddIP(ip string) bool {
	ip = strings.TrimSpace(ip)
	if ip == "" || a.HasIP(ip) {
		return false
	}
	a.SignupIPs = append(a.SignupIPs, ip)
	return true
}

// AddDevice appends fp when it is new. Returns true if the set changed.
func (a *Account) AddDevice(fp string) bool {
	fp = strings.TrimSpace(fp)
	if fp == "" || a.HasDevice(fp) {
		return false
	}
	a.DeviceFingerprints = append(a.DeviceFingerprints, fp)
	return true
}

// MilestonesMet is the eligibility predicate for a referred account.
func (a *Account) MilestonesMet() bool {
	return a.EmailVerified && a.ChannelVerified && a.FirstRewardConsumed
}

// Clone returns a deep copy safe to mutate.
func (a *Account) Clone() *Account {
	c := *a
	c.SignupIPs = slices.Clone(a.SignupIPs)
	c.DeviceFingerprints = slices.Clone(a.DeviceFingerprints)
	if a.ReferredBy != nil {
		v := *a.ReferredBy
		c.ReferredBy = &v
	}
	if a.TelegramID != nil {
		v := *a.TelegramID
		c.TelegramID = &v
	}
	if a.LastRewardAt != nil {
		v := *a.LastRewardAt
		c.LastRewardAt = &v
	}
	return &c
}

// TraitKind names the dimension of an AccountTrait.
type TraitKind string

const (
	TraitIP     TraitKind = "ip"
	TraitDevice TraitKind = "device"
)

// AccountTrait indexes account IPs and device fingerprints so signup limits
// can be counted without scanning the accounts table.
type AccountTrait struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID string    `gorm:"type:uuid;not null;uniqueIndex:idx_trait_account_kind_value" json:"account_id"`
	Kind      TraitKind `gorm:"size:16;not null;uniqueIndex:idx_trait_account_kind_value;index:idx_trait_kind_value" json:"kind"`
	Value     string    `gorm:"size:255;not null;uniqueIndex:idx_trait_account_kind_value;index:idx_trait_kind_value" json:"value"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

package models

import (
	"fmt"
	"time"
)

// FraudCategory classifies a FraudSignal.
type FraudCategory string

const (
	CategoryRateLimit   FraudCategory = "rate_limit"
	CategoryDeviceLimit FraudCategory = "device_limit"
	CategoryClustering  FraudCategory = "clustering"
	CategoryManualFlag  FraudCategory = "manual_flag"
)

// DetailKind tags the payload carried by a FraudDetail.
type DetailKind string

const (
	DetailSharedIdentity   DetailKind = "shared_identity"
	DetailIPClustering     DetailKind = "ip_clustering"
	DetailDeviceClustering DetailKind = "device_clustering"
	DetailSignupBurst      DetailKind = "signup_burst"
	DetailSignupLimit      DetailKind = "signup_limit"
	DetailManualFlag       DetailKind = "manual_flag"
)

// SharedIdentityDetail records a referrer/referred pair that share an IP or device.
type SharedIdentityDetail struct {
	ReferralID string `json:"referral_id"`
	ReferrerID string `json:"referrer_id"`
	ReferredID string `json:"referred_id"`
	Dimension  string `json:"dimension"`
	Reason     string `json:"reason"`
}

// IPClusteringDetail records a referrer cohort concentrated in one subnet.
type IPClusteringDetail struct {
	ReferrerID  string   `json:"referrer_id"`
	Prefix      string   `json:"prefix"`
	Count       int      `json:"count"`
	CohortSize  int      `json:"cohort_size"`
	Share       float64  `json:"share"`
	Invalidated []string `json:"invalidated,omitempty"`
}

// DeviceClusteringDetail records a referrer cohort concentrated on one device.
// Only a short fingerprint prefix is kept.
type DeviceClusteringDetail struct {
	ReferrerID        string  `json:"referrer_id"`
	FingerprintPrefix string  `json:"fingerprint_prefix"`
	Count             int     `json:"count"`
	CohortSize        int     `json:"cohort_size"`
	Share             float64 `json:"share"`
}

// SignupBurstDetail lists accounts created from one IP inside the burst window.
type SignupBurstDetail struct {
	IP         string   `json:"ip"`
	AccountIDs []string `json:"account_ids"`
	Window     string   `json:"window"`
}

// SignupLimitDetail records a signup rejected by a per-IP or per-device limit.
type SignupLimitDetail struct {
	Dimension string `json:"dimension"`
	Value     string `json:"value"`
	Count     int64  `json:"count"`
	Limit     int    `json:"limit"`
}

// ManualFlagDetail records an operator flag.
type ManualFlagDetail struct {
	FlaggedBy string `json:"flagged_by"`
	Note      string `json:"note"`
}

// FraudDetail is a tagged union: Kind selects exactly one populated payload.
type FraudDetail struct {
	Kind             DetailKind              `json:"kind"`
	SharedIdentity   *SharedIdentityDetail   `json:"shared_identity,omitempty"`
	IPClustering     *IPClusteringDetail     `json:"ip_clustering,omitempty"`
	DeviceClustering *DeviceClusteringDetail `json:"device_clustering,omitempty"`
	SignupBurst      *SignupBurstDetail      `json:"signup_burst,omitempty"`
	SignupLimit      *SignupLimitDetail      `json:"signup_limit,omitempty"`
	ManualFlag       *ManualFlagDetail       `json:"manual_flag,omitempty"`
}

func SharedIdentity(d SharedIdentityDetail) FraudDetail {
	return FraudDetail{Kind: DetailSharedIdentity, SharedIdentity: &d}
}

func IPClustering(d IPClusteringDetail) FraudDetail {
	return FraudDetail{Kind: DetailIPClustering, IPClustering: &d}
}

func DeviceClustering(d DeviceClusteringDetail) FraudDetail {
	return FraudDetail{Kind: DetailDeviceClustering, DeviceClustering: &d}
}

func SignupBurst(d SignupBurstDetail) FraudDetail {
	return FraudDetail{Kind: DetailSignupBurst, SignupBurst: &d}
}

func SignupLimit(d SignupLimitDetail) FraudDetail {
	return FraudDetail{Kind: DetailSignupLimit, SignupLimit: &d}
}

func ManualFlag(d ManualFlagDetail) FraudDetail {
	return FraudDetail{Kind: DetailManualFlag, ManualFlag: &d}
}

// Validate checks that exactly the payload named by Kind is set.
func (d FraudDetail) Validate() error {
	set := map[DetailKind]bool{
		DetailSharedIdentity:   d.SharedIdentity != nil,
		DetailIPClustering:     d.IPClustering != nil,
		DetailDeviceClustering: d.DeviceClustering != nil,
		DetailSignupBurst:      d.SignupBurst != nil,
		DetailSignupLimit:      d.SignupLimit != nil,
		DetailManualFlag:       d.ManualFlag != nil,
	}
	if _, known := set[d.Kind]; !known {
		return fmt.Errorf("%w: unknown fraud detail kind %q", ErrInvariant, d.Kind)
	}
	for kind, present := range set {
		if present != (kind == d.Kind) {
			return fmt.Errorf("%w: fraud detail %q has mismatched payload %q", ErrInvariant, d.Kind, kind)
		}
	}
	return nil
}

// FraudSignal is a write-once audit record.
type FraudSignal struct {
	ID        string        `gorm:"primaryKey;type:uuid" json:"id"`
	AccountID *string       `gorm:"type:uuid;index" json:"account_id,omitempty"`
	Category  FraudCategory `gorm:"size:32;index;not null" json:"category"`
	Detail    FraudDetail   `gorm:"serializer:json;type:jsonb" json:"detail"`
	CreatedAt time.Time     `gorm:"index" json:"created_at"`
}

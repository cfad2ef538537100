package services

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sort"
	"time"

	"waitlist-campaign/config"
	"waitlist-campaign/metrics"
	"waitlist-campaign/models"
	"waitlist-campaign/store"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	ReasonSharedIP     = "Shared IP address detected"
	ReasonSharedDevice = "Shared device fingerprint detected"
	ReasonIPClustering = "IP clustering detected"
)

// CheckPair rejects a referral whose two accounts share an IP or a device
// fingerprint. ok is false when a shared identity was found.
func CheckPair(referrer, referred *models.Account) (dimension, reason string, ok bool) {
	for _, ip := range referred.SignupIPs {
		if referrer.HasIP(ip) {
			return "ip", ReasonSharedIP, false
		}
	}
	for _, fp := range referred.DeviceFingerprints {
		if referrer.HasDevice(fp) {
			return "device", ReasonSharedDevice, false
		}
	}
	return "", "", true
}

// SubnetOf returns the /24 (IPv4) or /48 (IPv6) prefix containing ip.
func SubnetOf(ip string) (string, bool) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", false
	}
	addr = addr.Unmap()
	bits := 48
	if addr.Is4() {
		bits = 24
	}
	p, err := addr.Prefix(bits)
	if err != nil {
		return "", false
	}
	return p.String(), true
}

func fingerprintPrefix(fp string) string {
	r := []rune(fp)
	if len(r) > 8 {
		r = r[:8]
	}
	return string(r) + "..."
}

// SignalCreator is the one store call signalWriter needs.
type SignalCreator interface {
	CreateFraudSignal(ctx context.Context, sig *models.FraudSignal) error
}

// signalWriter appends FraudSignals and counts them.
type signalWriter struct {
	store   SignalCreator
	clock   clockwork.Clock
	metrics *metrics.CampaignMetrics
}

func (w signalWriter) write(ctx context.Context, accountID string, category models.FraudCategory, detail models.FraudDetail) error {
	sig := &models.FraudSignal{
		ID:        models.NewID(),
		Category:  category,
		Detail:    detail,
		CreatedAt: w.clock.Now(),
	}
	if accountID != "" {
		sig.AccountID = &accountID
	}
	if err := w.store.CreateFraudSignal(ctx, sig); err != nil {
		return fmt.Errorf("failed to write fraud signal: %w", err)
	}
	w.metrics.FraudSignals.WithLabelValues(string(category)).Inc()
	return nil
}

// FraudStore is the persistence the fraud engine reads and writes.
type FraudStore interface {
	ListReferralsByStatus(ctx context.Context, statuses ...models.ReferralStatus) ([]models.Referral, error)
	GetAccountsByIDs(ctx context.Context, ids []string) (map[string]*models.Account, error)
	AccountsCreatedSince(ctx context.Context, since time.Time) ([]models.Account, error)
	UpdateReferralStatus(ctx context.Context, t store.ReferralTransition) (bool, error)
	CreateFraudSignal(ctx context.Context, s *models.FraudSignal) error
}

// SweepReport summarises one cohort sweep.
type SweepReport struct {
	Cohorts     int `json:"cohorts"`
	SubnetFlags int `json:"subnet_flags"`
	DeviceFlags int `json:"device_flags"`
	Invalidated int `json:"invalidated"`
	Bursts      int `json:"bursts"`
}

type subnetHit struct {
	prefix    string
	count     int
	share     float64
	referrals []string
}

type deviceHit struct {
	fingerprint string
	count       int
	share       float64
}

type cohortFinding struct {
	referrerID string
	size       int
	subnets    []subnetHit
	devices    []deviceHit
}

// FraudService runs cohort-level heuristics over referral graphs.
type FraudService struct {
	store   FraudStore
	signals signalWriter
	clock   clockwork.Clock
	rules   config.FraudRules
	metrics *metrics.CampaignMetrics
	logger  *zap.Logger
}

func NewFraudService(st FraudStore, clock clockwork.Clock, rules config.FraudRules, m *metrics.CampaignMetrics, logger *zap.Logger) *FraudService {
	return &FraudService{
		store:   st,
		signals: signalWriter{store: st, clock: clock, metrics: m},
		clock:   clock,
		rules:   rules,
		metrics: m,
		logger:  logger,
	}
}

// CohortSweep evaluates every referrer with enough live referrals. Cohorts are
// evaluated in parallel; invalidations and signals are written afterwards, one
// at a time. Invalid referrals are never part of a cohort.
func (s *FraudService) CohortSweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	refs, err := s.store.ListReferralsByStatus(ctx, models.ReferralPending, models.ReferralEligible)
	if err != nil {
		return report, fmt.Errorf("failed to load referrals: %w", err)
	}

	byReferrer := make(map[string][]models.Referral)
	for _, r := range refs {
		byReferrer[r.ReferrerID] = append(byReferrer[r.ReferrerID], r)
	}
	var cohorts [][]models.Referral
	var referredIDs []string
	for _, group := range byReferrer {
		if len(group) < s.rules.CohortMinReferrals {
			continue
		}
		cohorts = append(cohorts, group)
		for _, r := range group {
			referredIDs = append(referredIDs, r.ReferredID)
		}
	}
	slices.SortFunc(cohorts, func(a, b []models.Referral) int { return cmp.Compare(a[0].ReferrerID, b[0].ReferrerID) })
	report.Cohorts = len(cohorts)

	if len(cohorts) > 0 {
		accounts, err := s.store.GetAccountsByIDs(ctx, referredIDs)
		if err != nil {
			return report, fmt.Errorf("failed to load referred accounts: %w", err)
		}
		findings, err := s.evaluate(ctx, cohorts, accounts)
		if err != nil {
			return report, err
		}
		for _, f := range findings {
			if err := s.apply(ctx, f, &report); err != nil {
				return report, err
			}
		}
	}

	bursts, err := s.detectBursts(ctx)
	if err != nil {
		return report, err
	}
	report.Bursts = bursts

	s.logger.Info("cohort sweep finished",
		zap.Int("cohorts", report.Cohorts),
		zap.Int("subnet_flags", report.SubnetFlags),
		zap.Int("device_flags", report.DeviceFlags),
		zap.Int("invalidated", report.Invalidated),
		zap.Int("bursts", report.Bursts))
	return report, nil
}

func (s *FraudService) evaluate(ctx context.Context, cohorts [][]models.Referral, accounts map[string]*models.Account) ([]cohortFinding, error) {
	results := make([]cohortFinding, len(cohorts))

	pool := pond.NewPool(s.rules.SweepWorkers)
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for i, cohort := range cohorts {
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			results[i] = evaluateCohort(cohort, accounts, s.rules)
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, pond.ErrGroupStopped) {
		return nil, fmt.Errorf("%w: cohort evaluation: %w", models.ErrTransient, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrTransient, err)
	}
	return results, nil
}

// evaluateCohort is pure: it only reads the referral list and account map.
func evaluateCohort(cohort []models.Referral, accounts map[string]*models.Account, rules config.FraudRules) cohortFinding {
	f := cohortFinding{referrerID: cohort[0].ReferrerID, size: len(cohort)}

	subnetAccounts := make(map[string][]string) // prefix -> referral ids
	deviceCounts := make(map[string]int)
	for _, r := range cohort {
		a, ok := accounts[r.ReferredID]
		if !ok {
			continue
		}
		seen := make(map[string]bool)
		for _, ip := range a.SignupIPs {
			if p, ok := SubnetOf(ip); ok && !seen[p] {
				seen[p] = true
				subnetAccounts[p] = append(subnetAccounts[p], r.ID)
			}
		}
		for _, fp := range a.DeviceFingerprints {
			deviceCounts[fp]++
		}
	}

	size := float64(f.size)
	for prefix, ids := range subnetAccounts {
		share := float64(len(ids)) / size
		if share > rules.SubnetShare && len(ids) > rules.SubnetMinCount {
			f.subnets = append(f.subnets, subnetHit{prefix: prefix, count: len(ids), share: share, referrals: ids})
		}
	}
	for fp, n := range deviceCounts {
		share := float64(n) / size
		if share > rules.DeviceShare && n > rules.DeviceMinCount {
			f.devices = append(f.devices, deviceHit{fingerprint: fp, count: n, share: share})
		}
	}
	sort.Slice(f.subnets, func(i, j int) bool { return f.subnets[i].prefix < f.subnets[j].prefix })
	sort.Slice(f.devices, func(i, j int) bool { return f.devices[i].fingerprint < f.devices[j].fingerprint })
	return f
}

func (s *FraudService) apply(ctx context.Context, f cohortFinding, report *SweepReport) error {
	reason := ReasonIPClustering
	done := make(map[string]bool)
	for _, hit := range f.subnets {
		var invalidated []string
		for _, id := range hit.referrals {
			if done[id] {
				continue
			}
			done[id] = true
			changed, err := s.store.UpdateReferralStatus(ctx, store.ReferralTransition{
				ID:     id,
				To:     models.ReferralInvalid,
				Reason: &reason,
				From:   []models.ReferralStatus{models.ReferralPending, models.ReferralEligible},
				At:     s.clock.Now(),
			})
			if err != nil {
				return fmt.Errorf("failed to invalidate referral %s: %w", id, err)
			}
			if changed {
				invalidated = append(invalidated, id)
				s.metrics.ReferralTransitions.WithLabelValues(string(models.ReferralInvalid)).Inc()
			}
		}
		report.SubnetFlags++
		report.Invalidated += len(invalidated)
		if err := s.signals.write(ctx, f.referrerID, models.CategoryClustering, models.IPClustering(models.IPClusteringDetail{
			ReferrerID:  f.referrerID,
			Prefix:      hit.prefix,
			Count:       hit.count,
			CohortSize:  f.size,
			Share:       hit.share,
			Invalidated: invalidated,
		})); err != nil {
			return err
		}
		s.logger.Warn("ip clustering detected",
			zap.String("referrer_id", f.referrerID),
			zap.String("prefix", hit.prefix),
			zap.Int("invalidated", len(invalidated)))
	}

	for _, hit := range f.devices {
		report.DeviceFlags++
		if err := s.signals.write(ctx, f.referrerID, models.CategoryClustering, models.DeviceClustering(models.DeviceClusteringDetail{
			ReferrerID:        f.referrerID,
			FingerprintPrefix: fingerprintPrefix(hit.fingerprint),
			Count:             hit.count,
			CohortSize:        f.size,
			Share:             hit.share,
		})); err != nil {
			return err
		}
	}
	return nil
}

// detectBursts flags signup IPs with too many recent accounts. Informational.
func (s *FraudService) detectBursts(ctx context.Context) (int, error) {
	window := s.rules.BurstWindow.Duration
	recent, err := s.store.AccountsCreatedSince(ctx, s.clock.Now().Add(-window))
	if err != nil {
		return 0, fmt.Errorf("failed to load recent accounts: %w", err)
	}
	byIP := make(map[string][]string)
	for _, a := range recent {
		if len(a.SignupIPs) == 0 {
			continue
		}
		byIP[a.SignupIPs[0]] = append(byIP[a.SignupIPs[0]], a.ID)
	}
	ips := make([]string, 0, len(byIP))
	for ip := range byIP {
		ips = append(ips, ip)
	}
	slices.Sort(ips)

	bursts := 0
	for _, ip := range ips {
		ids := byIP[ip]
		if len(ids) < s.rules.BurstThreshold {
			continue
		}
		slices.Sort(ids)
		if err := s.signals.write(ctx, "", models.CategoryRateLimit, models.SignupBurst(models.SignupBurstDetail{
			IP:         ip,
			AccountIDs: ids,
			Window:     window.String(),
		})); err != nil {
			return bursts, err
		}
		bursts++
	}
	return bursts, nil
}

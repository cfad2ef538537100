package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"
)

// Duration lets TOML files use Go duration strings ("24h", "90m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type ChestRules struct {
	Cooldown Duration `toml:"cooldown"`
}

type ReferralRules struct {
	AllowSelfReferral   bool     `toml:"allow_self_referral"`
	MaxSignupsPerIP     int      `toml:"max_signups_per_ip"`
	MaxSignupsPerDevice int      `toml:"max_signups_per_device"`
	SignupWindow        Duration `toml:"signup_window"`
	ClaimCodePrefix     string   `toml:"claim_code_prefix"`
}

type FraudRules struct {
	CohortMinReferrals int      `toml:"cohort_min_referrals"`
	SubnetShare        float64  `toml:"subnet_share"`
	SubnetMinCount     int      `toml:"subnet_min_count"`
	DeviceShare        float64  `toml:"device_share"`
	DeviceMinCount     int      `toml:"device_min_count"`
	BurstThreshold     int      `toml:"burst_threshold"`
	BurstWindow        Duration `toml:"burst_window"`
	SweepWorkers       int      `toml:"sweep_workers"`
}

type LeaderboardRules struct {
	Size              int     `toml:"size"`
	SnapshotRetention int     `toml:"snapshot_retention"`
	Prizes            []int64 `toml:"prizes"`
}

type SyntheticRules struct {
	Interval          Duration `toml:"interval"`
	UsernameReuse     Duration `toml:"username_reuse"`
	UsernameAttempts  int      `toml:"username_attempts"`
	BigClassThreshold int64    `toml:"big_class_threshold"`
	BigWinThreshold   int64    `toml:"big_win_threshold"`
	BigWinCooldown    Duration `toml:"big_win_cooldown"`
	MegaWinThreshold  int64    `toml:"mega_win_threshold"`
	MegaWinCooldown   Duration `toml:"mega_win_cooldown"`
	FollowUpMin       int      `toml:"follow_up_min"`
	FollowUpMax       int      `toml:"follow_up_max"`
	FollowUpSpacing   Duration `toml:"follow_up_spacing"`
	Retention         int      `toml:"retention"`
}

type ScheduleRules struct {
	PipelineCron          string   `toml:"pipeline_cron"`
	RetentionCron         string   `toml:"retention_cron"`
	SyntheticWinMaxAge    Duration `toml:"synthetic_win_max_age"`
	FraudSignalMaxAge     Duration `toml:"fraud_signal_max_age"`
	VerificationSyncEvery Duration `toml:"verification_sync_every"`
}

// Rules holds the tunable campaign parameters.
type Rules struct {
	Chest       ChestRules       `toml:"chest"`
	Referral    ReferralRules    `toml:"referral"`
	Fraud       FraudRules       `toml:"fraud"`
	Leaderboard LeaderboardRules `toml:"leaderboard"`
	Synthetic   SyntheticRules   `toml:"synthetic"`
	Schedule    ScheduleRules    `toml:"schedule"`
}

func DefaultRules() Rules {
	return Rules{
		Chest: ChestRules{Cooldown: Duration{24 * time.Hour}},
		Referral: ReferralRules{
			MaxSignupsPerIP:     5,
			MaxSignupsPerDevice: 3,
			SignupWindow:        Duration{24 * time.Hour},
			ClaimCodePrefix:     "WL",
		},
		Fraud: FraudRules{
			CohortMinReferrals: 3,
			SubnetShare:        0.30,
			SubnetMinCount:     2,
			DeviceShare:        0.20,
			DeviceMinCount:     1,
			BurstThreshold:     5,
			BurstWindow:        Duration{24 * time.Hour},
			SweepWorkers:       8,
		},
		Leaderboard: LeaderboardRules{
			Size:              100,
			SnapshotRetention: 30,
			Prizes:            []int64{10000, 7500, 5000, 3500, 2000, 1000, 500, 250, 100, 50},
		},
		Synthetic: SyntheticRules{
			Interval:          Duration{90 * time.Second},
			UsernameReuse:     Duration{90 * time.Minute},
			UsernameAttempts:  10,
			BigClassThreshold: 1000,
			BigWinThreshold:   2000,
			BigWinCooldown:    Duration{time.Hour},
			MegaWinThreshold:  10000,
			MegaWinCooldown:   Duration{3 * time.Hour},
			FollowUpMin:       5,
			FollowUpMax:       10,
			FollowUpSpacing:   Duration{3 * time.Second},
			Retention:         1000,
		},
		Schedule: ScheduleRules{
			PipelineCron:          "0 * * * *",
			RetentionCron:         "0 2 * * *",
			SyntheticWinMaxAge:    Duration{7 * 24 * time.Hour},
			FraudSignalMaxAge:     Duration{30 * 24 * time.Hour},
			VerificationSyncEvery: Duration{time.Minute},
		},
	}
}

// LoadRules decodes path over the defaults. An empty path yields the defaults.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	if path != "" {
		if _, err := toml.DecodeFile(path, &rules); err != nil {
			return Rules{}, fmt.Errorf("failed to decode rules file %s: %w", path, err)
		}
	}
	if err := rules.Validate(); err != nil {
		return Rules{}, err
	}
	return rules, nil
}

// Validate rejects rule sets the engine cannot run with.
func (r Rules) Validate() error {
	switch {
	case r.Chest.Cooldown.Duration <= 0:
		return fmt.Errorf("chest.cooldown must be positive")
	case r.Referral.MaxSignupsPerIP <= 0 || r.Referral.MaxSignupsPerDevice <= 0:
		return fmt.Errorf("referral signup limits must be positive")
	case r.Fraud.CohortMinReferrals <= 0:
		return fmt.Errorf("fraud.cohort_min_referrals must be positive")
	case r.Fraud.SubnetShare <= 0 || r.Fraud.SubnetShare > 1:
		return fmt.Errorf("fraud.subnet_share must be in (0,1]")
	case r.Fraud.DeviceShare <= 0 || r.Fraud.DeviceShare > 1:
		return fmt.Errorf("fraud.device_share must be in (0,1]")
	case r.Fraud.SweepWorkers <= 0:
		return fmt.Errorf("fraud.sweep_workers must be positive")
	case r.Leaderboard.Size <= 0 || r.Leaderboard.SnapshotRetention <= 0:
		return fmt.Errorf("leaderboard size and retention must be positive")
	case len(r.Leaderboard.Prizes) == 0:
		return fmt.Errorf("leaderboard.prizes must not be empty")
	case r.Synthetic.UsernameAttempts <= 0 || r.Synthetic.Retention <= 0:
		return fmt.Errorf("synthetic username attempts and retention must be positive")
	case r.Synthetic.FollowUpMin < 0 || r.Synthetic.FollowUpMax < r.Synthetic.FollowUpMin:
		return fmt.Errorf("synthetic follow-up range is invalid")
	case r.Synthetic.Interval.Duration <= 0:
		return fmt.Errorf("synthetic.interval must be positive")
	}
	for name, expr := range map[string]string{
		"schedule.pipeline_cron":  r.Schedule.PipelineCron,
		"schedule.retention_cron": r.Schedule.RetentionCron,
	} {
		if _, err := cron.ParseStandard(expr); err != nil {
			return fmt.Errorf("%s %q: %w", name, expr, err)
		}
	}
	return nil
}

// PrizeFor returns the prize for a 1-based rank, zero past the table.
func (l LeaderboardRules) PrizeFor(rank int) int64 {
	if rank < 1 || rank > len(l.Prizes) {
		return 0
	}
	return l.Prizes[rank-1]
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CampaignMetrics are the Prometheus collectors shared by services and jobs.
type CampaignMetrics struct {
	ChestOpens          *prometheus.CounterVec
	ChestRejections     *prometheus.CounterVec
	CreditsAwarded      prometheus.Counter
	Signups             prometheus.Counter
	SignupRejections    *prometheus.CounterVec
	ReferralTransitions *prometheus.CounterVec
	FraudSignals        *prometheus.CounterVec
	PipelineRuns        *prometheus.CounterVec
	PipelineStage       *prometheus.HistogramVec
	PipelineLockRenewed prometheus.Counter
	SnapshotRows        prometheus.Gauge
	SyntheticWins       *prometheus.CounterVec
	SyntheticSuppressed *prometheus.CounterVec
	RetentionDeleted    *prometheus.CounterVec
	VerificationSynced  prometheus.Counter
}

// New registers the collectors on reg. Tests pass a fresh prometheus.NewRegistry().
func New(reg prometheus.Registerer) *CampaignMetrics {
	f := promauto.With(reg)
	return &CampaignMetrics{
		ChestOpens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "waitlist_chest_opens_total",
			Help: "Chests opened, by source",
		}, []string{"source"}),
		ChestRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "waitlist_chest_rejections_total",
			Help: "Chest opens rejected, by error code",
		}, []string{"code"}),
		CreditsAwarded: f.NewCounter(prometheus.CounterOpts{
			Name: "waitlist_credits_awarded_total",
			Help: "Credits granted through chests",
		}),
		Signups: f.NewCounter(prometheus.CounterOpts{
			Name: "waitlist_signups_total",
			Help: "Accounts created",
		}),
		SignupRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "waitlist_signup_rejections_total",
			Help: "Signups rejected, by error code",
		}, []string{"code"}),
		ReferralTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "waitlist_referral_transitions_total",
			Help: "Referral status transitions, by target status",
		}, []string{"status"}),
		FraudSignals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "waitlist_fraud_signals_total",
			Help: "Fraud signals written, by category",
		}, []string{"category"}),
		PipelineRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "waitlist_pipeline_runs_total",
			Help: "Pipeline cycles, by outcome",
		}, []string{"outcome"}),
		PipelineStage: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "waitlist_pipeline_stage_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		PipelineLockRenewed: f.NewCounter(prometheus.CounterOpts{
			Name: "waitlist_pipeline_lock_renewals_total",
			Help: "Distributed pipeline lock extensions",
		}),
		SnapshotRows: f.NewGauge(prometheus.GaugeOpts{
			Name: "waitlist_leaderboard_rows",
			Help: "Rows in the most recent leaderboard snapshot",
		}),
		SyntheticWins: f.NewCounterVec(prometheus.CounterOpts{
			Name: "waitlist_synthetic_wins_total",
			Help: "Synthetic wins published, by class",
		}, []string{"class"}),
		SyntheticSuppressed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "waitlist_synthetic_wins_suppressed_total",
			Help: "Synthetic wins suppressed, by rule",
		}, []string{"rule"}),
		RetentionDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "waitlist_retention_deleted_total",
			Help: "Rows removed by retention, by table",
		}, []string{"table"}),
		VerificationSynced: f.NewCounter(prometheus.CounterOpts{
			Name: "waitlist_verification_synced_total",
			Help: "Verification updates applied from the profile service",
		}),
	}
}

package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"waitlist-campaign/kv"
	"waitlist-campaign/metrics"
	"waitlist-campaign/models"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// JobLocks is an in-process try-lock table keyed by job name.
type JobLocks struct {
	m *xsync.Map[string, *sync.Mutex]
}

func NewJobLocks() *JobLocks {
	return &JobLocks{m: xsync.NewMap[string, *sync.Mutex]()}
}

// TryLock returns an unlock func, or false if name is already held.
func (l *JobLocks) TryLock(name string) (func(), bool) {
	mu, _ := l.m.LoadOrStore(name, &sync.Mutex{})
	if !mu.TryLock() {
		return nil, false
	}
	return mu.Unlock, true
}

// Stage is one ordered step of a pipeline cycle.
type Stage struct {
	Name string
	Run  func(ctx context.Context) error
}

type StageResult struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

type PipelineReport struct {
	Name      string        `json:"name"`
	StartedAt time.Time     `json:"started_at"`
	Stages    []StageResult `json:"stages"`
	Completed bool          `json:"completed"`
}

// Pipeline runs its stages strictly in order. One cycle runs at a time per
// name, in process and (with a locker) across instances; an overlapping
// trigger is rejected with ErrPipelineBusy rather than queued.
type Pipeline struct {
	name    string
	stages  []Stage
	locks   *JobLocks
	locker  gocron.Locker
	clock   clockwork.Clock
	metrics *metrics.CampaignMetrics
	logger  *zap.Logger
}

// NewPipeline builds a pipeline. locker may be nil for single-instance use.
func NewPipeline(name string, locks *JobLocks, locker gocron.Locker, clock clockwork.Clock, m *metrics.CampaignMetrics, logger *zap.Logger, stages ...Stage) *Pipeline {
	return &Pipeline{name: name, stages: stages, locks: locks, locker: locker, clock: clock, metrics: m, logger: logger}
}

// NewCampaignPipeline wires eligibility, the fraud sweep and the snapshot.
func NewCampaignPipeline(referrals *ReferralService, fraud *FraudService, leaderboard *LeaderboardService, locks *JobLocks, locker gocron.Locker, clock clockwork.Clock, m *metrics.CampaignMetrics, logger *zap.Logger) *Pipeline {
	return NewPipeline("leaderboard-pipeline", locks, locker, clock, m, logger,
		Stage{Name: "eligibility", Run: func(ctx context.Context) error {
			_, err := referrals.AdvanceEligible(ctx)
			return err
		}},
		Stage{Name: "fraud_sweep", Run: func(ctx context.Context) error {
			_, err := fraud.CohortSweep(ctx)
			return err
		}},
		Stage{Name: "snapshot", Run: func(ctx context.Context) error {
			_, err := leaderboard.GenerateSnapshot(ctx)
			return err
		}},
	)
}

func (p *Pipeline) Name() string { return p.name }

// Run executes one cycle. A failing stage aborts the remaining stages; the
// next cycle starts again from the first.
func (p *Pipeline) Run(ctx context.Context) (*PipelineReport, error) {
	unlock, ok := p.locks.TryLock(p.name)
	if !ok {
		p.metrics.PipelineRuns.WithLabelValues("skipped").Inc()
		return nil, models.ErrPipelineBusy
	}
	defer unlock()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if p.locker != nil {
		lock, err := p.locker.Lock(ctx, p.name)
		if errors.Is(err, kv.ErrLockHeld) {
			p.metrics.PipelineRuns.WithLabelValues("skipped").Inc()
			return nil, models.ErrPipelineBusy
		}
		if err != nil {
			p.metrics.PipelineRuns.WithLabelValues("failed").Inc()
			return nil, fmt.Errorf("%w: pipeline lock: %w", models.ErrTransient, err)
		}
		stopRenew := p.renew(runCtx, cancel, lock)
		defer func() {
			stopRenew()
			if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
				p.logger.Warn("pipeline unlock failed", zap.String("pipeline", p.name), zap.Error(err))
			}
		}()
	}

	report := &PipelineReport{Name: p.name, StartedAt: p.clock.Now()}
	for _, stage := range p.stages {
		start := p.clock.Now()
		err := stage.Run(runCtx)
		if cause := context.Cause(runCtx); cause != nil && !errors.Is(err, cause) {
			err = errors.Join(err, cause)
		}
		elapsed := p.clock.Since(start)
		p.metrics.PipelineStage.WithLabelValues(stage.Name).Observe(elapsed.Seconds())

		result := StageResult{Name: stage.Name, Duration: elapsed}
		if err != nil {
			result.Error = err.Error()
			report.Stages = append(report.Stages, result)
			p.metrics.PipelineRuns.WithLabelValues("failed").Inc()
			p.logger.Error("pipeline stage failed, aborting cycle",
				zap.String("pipeline", p.name),
				zap.String("stage", stage.Name),
				zap.Error(err))
			return report, fmt.Errorf("stage %s: %w", stage.Name, err)
		}
		report.Stages = append(report.Stages, result)
	}

	report.Completed = true
	p.metrics.PipelineRuns.WithLabelValues("completed").Inc()
	p.logger.Info("pipeline cycle completed",
		zap.String("pipeline", p.name),
		zap.Duration("elapsed", p.clock.Since(report.StartedAt)))
	return report, nil
}

// renew extends a kv lease every third of its ttl while the cycle runs. A
// lost lease cancels the cycle so no stage keeps running unlocked. The
// returned func stops renewal and waits for it.
func (p *Pipeline) renew(ctx context.Context, cancel context.CancelCauseFunc, lock gocron.Lock) func() {
	lease, ok := lock.(kv.Lease)
	if !ok || lease.TTL() <= 0 {
		return func() {}
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := p.clock.NewTicker(lease.TTL() / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				err := lease.Extend(ctx)
				if errors.Is(err, kv.ErrLockLost) {
					p.logger.Error("pipeline lock lost, aborting cycle", zap.String("pipeline", p.name))
					cancel(fmt.Errorf("%w: %w", models.ErrTransient, err))
					return
				}
				if err != nil {
					p.logger.Warn("pipeline lock extend failed", zap.String("pipeline", p.name), zap.Error(err))
					continue
				}
				p.metrics.PipelineLockRenewed.Inc()
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

// Package jobs wires the campaign's recurring work onto a gocron scheduler.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"waitlist-campaign/models"
	"waitlist-campaign/services"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	PipelineJob  = "leaderboard-pipeline"
	SyntheticJob = "synthetic-wins"
	RetentionJob = "retention"
)

// zapLogger adapts zap to gocron.Logger.
type zapLogger struct {
	l *zap.SugaredLogger
}

func (z zapLogger) Debug(msg string, args ...any) { z.l.Debugw(msg, args...) }
func (z zapLogger) Info(msg string, args ...any)  { z.l.Infow(msg, args...) }
func (z zapLogger) Warn(msg string, args ...any)  { z.l.Warnw(msg, args...) }
func (z zapLogger) Error(msg string, args ...any) { z.l.Errorw(msg, args...) }

// Scheduler owns the gocron instance. It also implements services.Deferrer
// for the synthetic follow-up bursts.
type Scheduler struct {
	sched  gocron.Scheduler
	ctx    context.Context
	clock  clockwork.Clock
	locker gocron.Locker
	logger *zap.Logger
}

var _ services.Deferrer = (*Scheduler)(nil)

// NewScheduler builds a stopped scheduler. Jobs run with ctx; locker may be
// nil for single-instance deployments.
func NewScheduler(ctx context.Context, clock clockwork.Clock, locker gocron.Locker, logger *zap.Logger) (*Scheduler, error) {
	sched, err := gocron.NewScheduler(
		gocron.WithClock(clock),
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(zapLogger{l: logger.Named("gocron").Sugar()}),
		gocron.WithStopTimeout(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return &Scheduler{sched: sched, ctx: ctx, clock: clock, locker: locker, logger: logger}, nil
}

func (s *Scheduler) jobOptions(name string, distributed bool) []gocron.JobOption {
	opts := []gocron.JobOption{
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	}
	if distributed && s.locker != nil {
		opts = append(opts, gocron.WithDistributedJobLocker(s.locker))
	}
	return opts
}

// RegisterPipeline runs the campaign pipeline on crontab. The pipeline takes
// its own distributed lock, so the job itself is not locked.
func (s *Scheduler) RegisterPipeline(p *services.Pipeline, crontab string) error {
	_, err := s.sched.NewJob(
		gocron.CronJob(crontab, false),
		gocron.NewTask(func() { s.runPipeline(p) }),
		s.jobOptions(PipelineJob, false)...,
	)
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", PipelineJob, err)
	}
	return nil
}

func (s *Scheduler) runPipeline(p *services.Pipeline) {
	report, err := p.Run(s.ctx)
	switch {
	case errors.Is(err, models.ErrPipelineBusy):
		s.logger.Info("pipeline already running elsewhere, skipping", zap.String("pipeline", p.Name()))
	case err != nil:
		// Stage failures are logged by the pipeline; the next tick retries.
		s.logger.Warn("pipeline cycle aborted", zap.String("pipeline", p.Name()), zap.Error(err))
	default:
		s.logger.Debug("pipeline cycle finished", zap.Int("stages", len(report.Stages)))
	}
}

// RegisterSyntheticWins publishes a synthetic win every interval.
func (s *Scheduler) RegisterSyntheticWins(svc *services.SyntheticWinService, every time.Duration) error {
	_, err := s.sched.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(func() {
			if _, err := svc.GenerateSyntheticWin(s.ctx); err != nil {
				s.logger.Warn("synthetic win failed", zap.Error(err))
			}
		}),
		s.jobOptions(SyntheticJob, true)...,
	)
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", SyntheticJob, err)
	}
	return nil
}

// RegisterRetention purges aged rows on crontab.
func (s *Scheduler) RegisterRetention(svc *services.RetentionService, crontab string) error {
	_, err := s.sched.NewJob(
		gocron.CronJob(crontab, false),
		gocron.NewTask(func() {
			if _, err := svc.Purge(s.ctx); err != nil {
				s.logger.Error("retention purge failed", zap.Error(err))
			}
		}),
		s.jobOptions(RetentionJob, true)...,
	)
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", RetentionJob, err)
	}
	return nil
}

// After runs fn once, d from now, on this instance.
func (s *Scheduler) After(d time.Duration, name string, fn func(ctx context.Context)) error {
	_, err := s.sched.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(s.clock.Now().Add(d))),
		gocron.NewTask(func() { fn(s.ctx) }),
		gocron.WithName(name),
	)
	return err
}

// JobNames lists the registered jobs.
func (s *Scheduler) JobNames() []string {
	jobs := s.sched.Jobs()
	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.Name())
	}
	return names
}

func (s *Scheduler) Start() {
	s.sched.Start()
	s.logger.Info("scheduler started", zap.Strings("jobs", s.JobNames()))
}

func (s *Scheduler) Shutdown() error {
	return s.sched.Shutdown()
}

package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"waitlist-campaign/config"
	"waitlist-campaign/kv"
	"waitlist-campaign/metrics"
	"waitlist-campaign/services"
	"waitlist-campaign/store"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRegisterJobs(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	logger := zap.NewNop()
	m := metrics.New(prometheus.NewRegistry())
	rules := config.DefaultRules()
	st := store.NewMemoryStore(clock)
	kvs := kv.NewMemory(clock)

	s, err := NewScheduler(ctx, clock, kv.NewLocker(kvs, "test", time.Minute), logger)
	require.NoError(t, err)
	defer func() { _ = s.Shutdown() }()

	p := services.NewPipeline("noop", services.NewJobLocks(), nil, clock, m, logger)
	wins := services.NewSyntheticWinService(st, kvs, services.NewRand(1), clock, rules.Synthetic, m, logger)
	retention := services.NewRetentionService(st, clock, rules.Schedule, m, logger)

	require.NoError(t, s.RegisterPipeline(p, rules.Schedule.PipelineCron))
	require.NoError(t, s.RegisterSyntheticWins(wins, rules.Synthetic.Interval.Duration))
	require.NoError(t, s.RegisterRetention(retention, rules.Schedule.RetentionCron))

	assert.ElementsMatch(t, []string{PipelineJob, SyntheticJob, RetentionJob}, s.JobNames())

	assert.Error(t, s.RegisterRetention(retention, "every tuesday"))
}

func TestRunPipelineSwallowsFailures(t *testing.T) {
	clock := clockwork.NewFakeClock()
	logger := zap.NewNop()
	m := metrics.New(prometheus.NewRegistry())
	s, err := NewScheduler(context.Background(), clock, nil, logger)
	require.NoError(t, err)
	defer func() { _ = s.Shutdown() }()

	var runs atomic.Int32
	locks := services.NewJobLocks()
	p := services.NewPipeline("p", locks, nil, clock, m, logger, services.Stage{
		Name: "fails",
		Run: func(context.Context) error {
			runs.Add(1)
			return errors.New("database on fire")
		},
	})

	assert.NotPanics(t, func() { s.runPipeline(p) })
	assert.Equal(t, int32(1), runs.Load())

	unlock, ok := locks.TryLock("p")
	require.True(t, ok)
	defer unlock()
	assert.NotPanics(t, func() { s.runPipeline(p) })
	assert.Equal(t, int32(1), runs.Load())
}

func TestAfterRunsOnce(t *testing.T) {
	s, err := NewScheduler(context.Background(), clockwork.NewRealClock(), nil, zap.NewNop())
	require.NoError(t, err)
	s.Start()
	defer func() { _ = s.Shutdown() }()

	var calls atomic.Int32
	require.NoError(t, s.After(20*time.Millisecond, "follow-up", func(context.Context) { calls.Add(1) }))

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

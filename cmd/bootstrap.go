package cmd

import (
	"context"
	"fmt"
	"time"

	"waitlist-campaign/config"
	"waitlist-campaign/handlers"
	"waitlist-campaign/kv"
	"waitlist-campaign/logging"
	"waitlist-campaign/metrics"
	"waitlist-campaign/services"
	"waitlist-campaign/store"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const lockTTL = 10 * time.Minute

// app is the assembled process: config, backends and services.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	clock    clockwork.Clock
	registry *prometheus.Registry
	metrics  *metrics.CampaignMetrics

	store  store.Store
	kv     kv.Store
	redis  *redis.Client
	locker *kv.Locker

	referrals    *services.ReferralService
	fraud        *services.FraudService
	leaderboard  *services.LeaderboardService
	wins         *services.SyntheticWinService
	chest        *services.ChestService
	waitlist     *services.WaitlistService
	profiles     *services.ProfileService
	verification *services.VerificationService
	admin        *services.AdminService
	retention    *services.RetentionService
	pipeline     *services.Pipeline
}

func bootstrap(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, clock: clockwork.NewRealClock()}
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)

	if err := a.openBackends(ctx); err != nil {
		return nil, err
	}
	a.locker = kv.NewLocker(a.kv, cfg.InstanceID, lockTTL)

	archiver, err := a.openArchiver(ctx)
	if err != nil {
		return nil, err
	}

	rules := cfg.Rules
	a.referrals = services.NewReferralService(a.store, a.clock, rules.Referral, a.metrics, logger)
	a.fraud = services.NewFraudService(a.store, a.clock, rules.Fraud, a.metrics, logger)
	a.leaderboard = services.NewLeaderboardService(a.store, archiver, a.clock, rules.Leaderboard, a.metrics, logger)
	a.wins = services.NewSyntheticWinService(a.store, a.kv, services.NewEntropyRand(), a.clock, rules.Synthetic, a.metrics, logger)
	a.chest = services.NewChestService(a.store, a.kv, services.NewEntropyRand(), a.clock, rules.Chest, a.metrics, logger)
	a.waitlist = services.NewWaitlistService(a.store, a.referrals, a.clock, rules.Referral, a.metrics, logger)
	a.profiles = services.NewProfileService(a.store, a.clock, rules.Chest)
	a.admin = services.NewAdminService(a.store, archiver, a.clock, a.metrics, logger)
	a.retention = services.NewRetentionService(a.store, a.clock, rules.Schedule, a.metrics, logger)
	a.pipeline = services.NewCampaignPipeline(a.referrals, a.fraud, a.leaderboard, services.NewJobLocks(), a.locker, a.clock, a.metrics, logger)

	var checker services.ChannelChecker
	if cfg.Telegram.BotToken != "" {
		checker = services.NewTelegramClient(cfg.Telegram)
	} else {
		logger.Warn("TELEGRAM_BOT_TOKEN not set, channel verification disabled")
	}
	a.verification = services.NewVerificationService(a.store, checker, a.metrics, logger)
	return a, nil
}

func (a *app) openBackends(ctx context.Context) error {
	switch a.cfg.StoreDriver {
	case "postgres":
		st, err := store.OpenPostgres(a.cfg.DatabaseURL, a.cfg.StoreTimeout, a.logger)
		if err != nil {
			return err
		}
		a.store = st
	default:
		a.logger.Warn("Using in-memory store, data is lost on restart")
		a.store = store.NewMemoryStore(a.clock)
	}

	switch a.cfg.KVDriver {
	case "redis":
		client, err := kv.NewRedisClient(ctx, a.cfg.Redis, a.logger)
		if err != nil {
			return err
		}
		a.redis = client
		a.kv = kv.NewRedis(client, a.cfg.Redis.Prefix)
	default:
		a.logger.Warn("Using in-memory kv, cooldowns and locks are process-local")
		a.kv = kv.NewMemory(a.clock)
	}
	return nil
}

// openArchiver returns a nil interface (not a typed nil) when archiving is off.
func (a *app) openArchiver(ctx context.Context) (services.Archiver, error) {
	if !a.cfg.Archive.Enabled {
		return nil, nil
	}
	r2, err := services.NewR2Archiver(ctx, a.cfg.Archive)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize R2 archiver: %w", err)
	}
	return r2, nil
}

func (a *app) httpDeps() handlers.Deps {
	return handlers.Deps{
		Waitlist:    a.waitlist,
		Leaderboard: a.leaderboard,
		Wins:        a.wins,
		Account: handlers.AccountServices{
			Chest:        a.chest,
			Profiles:     a.profiles,
			Verification: a.verification,
		},
		Admin:       a.admin,
		Pipeline:    a.pipeline,
		Health:      map[string]handlers.Pinger{"store": a.store, "kv": a.kv},
		Gatherer:    a.registry,
		StreamEvery: 2 * time.Second,
		Logger:      a.logger,
	}
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Failed to close redis client", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

package cmd

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"waitlist-campaign/handlers"
	"waitlist-campaign/jobs"
	"waitlist-campaign/workers"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service and the campaign scheduler",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger
	rules := a.cfg.Rules

	scheduler, err := jobs.NewScheduler(ctx, a.clock, a.locker, logger)
	if err != nil {
		return err
	}
	a.wins.SetDeferrer(scheduler)
	if err := scheduler.RegisterPipeline(a.pipeline, rules.Schedule.PipelineCron); err != nil {
		return err
	}
	if err := scheduler.RegisterSyntheticWins(a.wins, rules.Synthetic.Interval.Duration); err != nil {
		return err
	}
	if err := scheduler.RegisterRetention(a.retention, rules.Schedule.RetentionCron); err != nil {
		return err
	}
	scheduler.Start()

	if a.cfg.ProfileSync.BaseURL != "" {
		syncWorker := workers.NewVerificationSyncWorker(a.store, a.verification, a.kv, a.cfg.ProfileSync, rules.Schedule.VerificationSyncEvery.Duration, logger)
		syncWorker.Start(ctx)
		log.Println("✅ Verification sync worker running")
	} else {
		logger.Warn("SYNC_SERVICE_URL not set, verification sync disabled")
	}

	app := handlers.NewApp(handlers.AppConfig{
		GatewayToken:   a.cfg.GatewayToken,
		AllowedOrigins: a.cfg.AllowedOrigins,
		AccessLog:      os.Getenv("ACCESS_LOG") == "true",
	}, a.httpDeps())

	go func() {
		if err := app.Listen(":" + a.cfg.Port); err != nil {
			logger.Error("Server error", zap.Error(err))
			stop()
		}
	}()

	log.Printf("✅ Server running on http://localhost:%s", a.cfg.Port)
	log.Printf("✅ Scheduler running jobs: %v", scheduler.JobNames())
	log.Println("✅ GatewayAuthMiddleware enforced globally, all requests must come from Gateway")

	<-ctx.Done()
	log.Println("Shutting down server...")

	if err := app.ShutdownWithTimeout(15 * time.Second); err != nil {
		logger.Warn("HTTP shutdown", zap.Error(err))
	}
	if err := scheduler.Shutdown(); err != nil {
		logger.Warn("Scheduler shutdown", zap.Error(err))
	}
	return nil
}

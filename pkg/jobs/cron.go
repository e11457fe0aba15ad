package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/examly/billing/pkg/logger"
)

// CronManager manages scheduled jobs
type CronManager struct {
	cron    *cron.Cron
	sweeper *Sweeper
	log     logger.Logger
}

// NewCronManager creates a new cron manager
func NewCronManager(sweeper *Sweeper, log logger.Logger) *CronManager {
	if log == nil {
		log = logger.Default()
	}
	return &CronManager{
		cron:    cron.New(),
		sweeper: sweeper,
		log:     log,
	}
}

// SetupJobs configures all scheduled jobs
func (cm *CronManager) SetupJobs() error {
	// Hourly: warn about and expire lapsing subscriptions
	_, err := cm.cron.AddFunc("0 * * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		if _, _, err := cm.sweeper.SweepExpirations(ctx, time.Now()); err != nil {
			cm.log.Error("expiration sweep failed", "error", err)
		}
	})
	if err != nil {
		return err
	}

	// Half past every hour: apply due scheduled plan changes
	_, err = cm.cron.AddFunc("30 * * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		if _, err := cm.sweeper.ProcessScheduledChanges(ctx, time.Now()); err != nil {
			cm.log.Error("scheduled plan changes failed", "error", err)
		}
	})
	if err != nil {
		return err
	}

	// Daily at 3 AM: reconcile local records against the provider
	_, err = cm.cron.AddFunc("0 3 * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()

		if _, err := cm.sweeper.SyncWithProvider(ctx, time.Now()); err != nil {
			cm.log.Error("provider sync failed", "error", err)
		}
	})
	if err != nil {
		return err
	}

	// Daily at 9 AM: remind past_due users to fix their payment method
	_, err = cm.cron.AddFunc("0 9 * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		if _, err := cm.sweeper.NotifyFailedPayments(ctx); err != nil {
			cm.log.Error("failed payment reminders failed", "error", err)
		}
	})
	if err != nil {
		return err
	}

	cm.log.Info("cron jobs configured",
		"jobs", []string{
			"hourly expiration sweep",
			"hourly scheduled plan changes",
			"daily provider sync (3 AM)",
			"daily payment reminders (9 AM)",
		})
	return nil
}

// Start starts the cron scheduler
func (cm *CronManager) Start() {
	cm.log.Info("starting cron scheduler")
	cm.cron.Start()
}

// Stop stops the cron scheduler and waits for running jobs
func (cm *CronManager) Stop() {
	cm.log.Info("stopping cron scheduler")
	ctx := cm.cron.Stop()
	<-ctx.Done()
}

// GetSweeper returns the sweeper (for manual triggers)
func (cm *CronManager) GetSweeper() *Sweeper {
	return cm.sweeper
}

// Package janitor prunes old deployment history on a schedule. It wraps
// gocron and deletes terminal deployments older than the configured retention
// once a day. Running and queued deployments are never touched.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/pushbot-io/pushbot/internal/repositories"
)

// Janitor owns the retention schedule. The zero value is not usable; create
// instances with New.
type Janitor struct {
	cron        gocron.Scheduler
	deployments repositories.DeploymentRepository
	retention   time.Duration
	logger      *zap.Logger
}

// New creates a Janitor that keeps terminal deployments for retention.
// Call Start to begin pruning.
func New(deployments repositories.DeploymentRepository, retention time.Duration, logger *zap.Logger) (*Janitor, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Janitor{
		cron:        s,
		deployments: deployments,
		retention:   retention,
		logger:      logger.Named("janitor"),
	}, nil
}

// Start runs one prune immediately and then schedules a daily one.
func (j *Janitor) Start() error {
	_, err := j.cron.NewJob(
		gocron.DurationJob(24*time.Hour),
		gocron.NewTask(j.prune),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("gocron.NewJob failed for history prune: %w", err)
	}

	j.cron.Start()
	j.logger.Info("history retention enabled", zap.Duration("retention", j.retention))
	return nil
}

// Stop shuts down the underlying gocron scheduler, waiting for a running
// prune to finish.
func (j *Janitor) Stop() error {
	if err := j.cron.Shutdown(); err != nil {
		return fmt.Errorf("janitor shutdown error: %w", err)
	}
	return nil
}

func (j *Janitor) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().UTC().Add(-j.retention)
	deleted, err := j.deployments.DeleteTerminalOlderThan(ctx, cutoff)
	if err != nil {
		j.logger.Error("history prune failed", zap.Error(err))
		return
	}
	if deleted > 0 {
		j.logger.Info("pruned old deployments",
			zap.Int64("deleted", deleted),
			zap.Time("cutoff", cutoff),
		)
	}
}

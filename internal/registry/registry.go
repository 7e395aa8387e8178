// Package registry reconciles the YAML service configuration with the
// persisted services at startup. It runs once per process start, before the
// HTTP surface accepts requests and before the deployment scheduler is
// released, so reconciliation never races with deployment scheduling.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pushbot-io/pushbot/internal/config"
	"github.com/pushbot-io/pushbot/internal/db"
	"github.com/pushbot-io/pushbot/internal/repositories"
)

// Registry performs startup reconciliation and orphan recovery.
type Registry struct {
	services    repositories.ServiceRepository
	deployments repositories.DeploymentRepository
	logger      *zap.Logger
}

// New creates a Registry.
func New(services repositories.ServiceRepository, deployments repositories.DeploymentRepository, logger *zap.Logger) *Registry {
	return &Registry{
		services:    services,
		deployments: deployments,
		logger:      logger.Named("registry"),
	}
}

// Reconcile brings the services table in line with the configuration:
// services absent from the config are cascade-deleted with their deployment
// history, services present in the config are inserted or overwritten.
func (r *Registry) Reconcile(ctx context.Context, cfg *config.Config) error {
	configured := make(map[string]config.ServiceDef, len(cfg.Services))
	for _, def := range cfg.Services {
		configured[def.Name] = def
	}

	persisted, err := r.services.List(ctx)
	if err != nil {
		return fmt.Errorf("registry: list persisted services: %w", err)
	}

	for i := range persisted {
		if _, ok := configured[persisted[i].Name]; ok {
			continue
		}
		if err := r.services.DeleteCascade(ctx, persisted[i].ID); err != nil {
			return fmt.Errorf("registry: delete service %q: %w", persisted[i].Name, err)
		}
		r.logger.Info("removed service no longer in configuration",
			zap.String("service", persisted[i].Name),
		)
	}

	for _, def := range cfg.Services {
		if err := r.upsert(ctx, def); err != nil {
			return err
		}
	}

	r.logger.Info("service reconciliation complete",
		zap.Int("configured", len(cfg.Services)),
	)
	return nil
}

// upsert inserts a new service or overwrites the mutable fields of an
// existing one. Name is the identity and never changes.
func (r *Registry) upsert(ctx context.Context, def config.ServiceDef) error {
	existing, err := r.services.GetByName(ctx, def.Name)
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		service := &db.Service{
			Name:          def.Name,
			Repository:    def.Repository,
			Path:          def.Path,
			Branch:        def.Branch,
			DeployCommand: def.DeployCommand,
			CreatedAt:     time.Now().UTC(),
		}
		if err := r.services.Create(ctx, service); err != nil {
			return fmt.Errorf("registry: create service %q: %w", def.Name, err)
		}
		r.logger.Info("registered new service", zap.String("service", def.Name))
		return nil

	case err != nil:
		return fmt.Errorf("registry: look up service %q: %w", def.Name, err)

	default:
		existing.Repository = def.Repository
		existing.Path = def.Path
		existing.Branch = def.Branch
		existing.DeployCommand = def.DeployCommand
		if err := r.services.Update(ctx, existing); err != nil {
			return fmt.Errorf("registry: update service %q: %w", def.Name, err)
		}
		return nil
	}
}

// RecoverOrphans marks deployments left running by a previous process
// lifetime as failed. Without this a phantom running row would block its
// service's queue forever, because only a runner completion pops the queue.
// The exit code stays null: this process never reaped the child.
func (r *Registry) RecoverOrphans(ctx context.Context) error {
	note := "[ERROR] Deployment was still marked running when the server restarted; marked failed."
	count, err := r.deployments.FailOrphanedRunning(ctx, note)
	if err != nil {
		return fmt.Errorf("registry: recover orphans: %w", err)
	}
	if count > 0 {
		r.logger.Warn("marked orphaned running deployments as failed",
			zap.Int64("count", count),
		)
	}
	return nil
}

package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pushbot-io/pushbot/internal/db"
)

// gormDeploymentRepository is the GORM implementation of DeploymentRepository.
type gormDeploymentRepository struct {
	db *gorm.DB
}

// NewDeploymentRepository returns a DeploymentRepository backed by the
// provided *gorm.DB.
func NewDeploymentRepository(database *gorm.DB) DeploymentRepository {
	return &gormDeploymentRepository{db: database}
}

// lockService serializes the queue-critical transactions of one service. On
// Postgres this takes a row lock on the service, so two transactions checking
// the running count order themselves instead of both reading zero. SQLite has
// no FOR UPDATE; there the single-connection pool already serializes writers.
func lockService(tx *gorm.DB, serviceID uint) error {
	if tx.Dialector.Name() != "postgres" {
		return nil
	}
	var svc db.Service
	return tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&svc, "id = ?", serviceID).Error
}

// Enqueue decides queued-vs-running and creates the row in one transaction
// holding the service lock, so a webhook arriving exactly as another
// deployment starts cannot produce two running rows for the same service.
func (r *gormDeploymentRepository) Enqueue(ctx context.Context, d *db.Deployment) (bool, error) {
	started := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockService(tx, d.ServiceID); err != nil {
			return err
		}

		var count int64
		if err := tx.Model(&db.Deployment{}).
			Where("service_id = ? AND status = ?", d.ServiceID, db.StatusRunning).
			Count(&count).Error; err != nil {
			return err
		}

		if count > 0 {
			d.Status = db.StatusQueued
		} else {
			d.Status = db.StatusRunning
			started = true
		}
		if d.StartedAt.IsZero() {
			d.StartedAt = time.Now().UTC()
		}
		return tx.Create(d).Error
	})
	if err != nil {
		return false, fmt.Errorf("deployments: enqueue: %w", err)
	}
	return started, nil
}

// PopNextQueued promotes the oldest queued deployment to running. Select and
// update run in one transaction so two completion handlers can never promote
// the same row. The transaction re-checks for a running row first: an Enqueue
// that landed between the previous runner's finalize and this pop has already
// taken the running slot, and the queued row must stay queued until that
// deployment completes.
func (r *gormDeploymentRepository) PopNextQueued(ctx context.Context, serviceID uint) (*db.Deployment, error) {
	var next db.Deployment
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockService(tx, serviceID); err != nil {
			return err
		}

		var running int64
		if err := tx.Model(&db.Deployment{}).
			Where("service_id = ? AND status = ?", serviceID, db.StatusRunning).
			Count(&running).Error; err != nil {
			return err
		}
		if running > 0 {
			return gorm.ErrRecordNotFound
		}

		err := tx.
			Where("service_id = ? AND status = ?", serviceID, db.StatusQueued).
			Order("started_at ASC, id ASC").
			First(&next).Error
		if err != nil {
			return err
		}
		next.Status = db.StatusRunning
		return tx.Model(&db.Deployment{}).
			Where("id = ?", next.ID).
			Update("status", db.StatusRunning).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("deployments: pop next queued: %w", err)
	}
	return &next, nil
}

func (r *gormDeploymentRepository) GetByID(ctx context.Context, id uint) (*db.Deployment, error) {
	var d db.Deployment
	err := r.db.WithContext(ctx).First(&d, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("deployments: get by id: %w", err)
	}
	return &d, nil
}

func (r *gormDeploymentRepository) MarkSpawned(ctx context.Context, id uint, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Deployment{}).
		Where("id = ?", id).
		Update("spawned_at", at)
	if result.Error != nil {
		return fmt.Errorf("deployments: mark spawned: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Finalize writes the terminal state. Updates only the result fields so the
// metadata written at enqueue time (commit, branch, trigger) is untouched.
func (r *gormDeploymentRepository) Finalize(ctx context.Context, id uint, status string, finishedAt time.Time, exitCode int, stdout, stderr string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Deployment{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      status,
			"finished_at": finishedAt,
			"exit_code":   exitCode,
			"stdout":      stdout,
			"stderr":      stderr,
		})
	if result.Error != nil {
		return fmt.Errorf("deployments: finalize: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormDeploymentRepository) ListRecent(ctx context.Context, limit int, status string) ([]db.Deployment, error) {
	query := r.db.WithContext(ctx).Order("started_at DESC").Limit(limit)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var deployments []db.Deployment
	if err := query.Find(&deployments).Error; err != nil {
		return nil, fmt.Errorf("deployments: list recent: %w", err)
	}
	return deployments, nil
}

// ListActive returns running rows before queued ones; within each group the
// oldest comes first, matching queue order.
func (r *gormDeploymentRepository) ListActive(ctx context.Context) ([]db.Deployment, error) {
	var deployments []db.Deployment
	err := r.db.WithContext(ctx).
		Where("status IN ?", []string{db.StatusRunning, db.StatusQueued}).
		Order("CASE status WHEN 'running' THEN 0 ELSE 1 END, started_at ASC").
		Find(&deployments).Error
	if err != nil {
		return nil, fmt.Errorf("deployments: list active: %w", err)
	}
	return deployments, nil
}

func (r *gormDeploymentRepository) PurgeTerminal(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status IN ?", []string{db.StatusSuccess, db.StatusFailed}).
		Delete(&db.Deployment{})
	if result.Error != nil {
		return 0, fmt.Errorf("deployments: purge terminal: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (r *gormDeploymentRepository) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status IN ? AND finished_at < ?", []string{db.StatusSuccess, db.StatusFailed}, cutoff).
		Delete(&db.Deployment{})
	if result.Error != nil {
		return 0, fmt.Errorf("deployments: delete terminal older than: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// FailOrphanedRunning cleans up after an unclean shutdown. The exit code is
// deliberately left null: the previous process may or may not have reaped the
// child, this one certainly did not.
func (r *gormDeploymentRepository) FailOrphanedRunning(ctx context.Context, note string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var orphans []db.Deployment
		if err := tx.Where("status = ?", db.StatusRunning).Find(&orphans).Error; err != nil {
			return err
		}
		now := time.Now().UTC()
		for i := range orphans {
			stderr := orphans[i].Stderr
			if stderr != "" {
				stderr += "\n"
			}
			stderr += note
			result := tx.Model(&db.Deployment{}).
				Where("id = ?", orphans[i].ID).
				Updates(map[string]interface{}{
					"status":      db.StatusFailed,
					"finished_at": now,
					"stderr":      stderr,
				})
			if result.Error != nil {
				return result.Error
			}
			count += result.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("deployments: fail orphaned running: %w", err)
	}
	return count, nil
}

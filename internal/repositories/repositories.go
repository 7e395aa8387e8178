// Package repositories is the persistence gateway: typed CRUD over services
// and deployments, with the queue-critical operations wrapped in transactions
// so the "at most one running deployment per service" invariant holds under
// concurrent triggers.
package repositories

import (
	"context"
	"time"

	"github.com/pushbot-io/pushbot/internal/db"
)

// ServiceRepository provides access to persisted deployment targets.
type ServiceRepository interface {
	Create(ctx context.Context, service *db.Service) error
	GetByID(ctx context.Context, id uint) (*db.Service, error)
	GetByName(ctx context.Context, name string) (*db.Service, error)

	// GetByRepoBranch finds the first service whose (repository, branch)
	// pair matches, in name order. Used to route webhook pushes.
	GetByRepoBranch(ctx context.Context, repository, branch string) (*db.Service, error)

	Update(ctx context.Context, service *db.Service) error
	List(ctx context.Context) ([]db.Service, error)

	// DeleteCascade removes a service and all its deployments in one
	// transaction, deployments first.
	DeleteCascade(ctx context.Context, id uint) error
}

// DeploymentRepository provides access to deployment rows and implements the
// queue semantics: enqueue-or-start and atomic promote-to-running.
type DeploymentRepository interface {
	// Enqueue creates the deployment row inside one transaction. If the
	// service already has a running deployment the row is created queued and
	// started reports false; otherwise it is created running and started
	// reports true. d.Status and d.StartedAt are filled in by the call.
	Enqueue(ctx context.Context, d *db.Deployment) (started bool, err error)

	// PopNextQueued atomically promotes the oldest queued deployment of the
	// service (ascending started_at, then id) to running and returns it.
	// Returns ErrNotFound when the queue is empty or another deployment of
	// the service is already running; in the latter case the queued rows are
	// left untouched for that deployment's completion to pop.
	PopNextQueued(ctx context.Context, serviceID uint) (*db.Deployment, error)

	GetByID(ctx context.Context, id uint) (*db.Deployment, error)

	// MarkSpawned records the moment the child process was started, distinct
	// from StartedAt which is the queueing moment.
	MarkSpawned(ctx context.Context, id uint, at time.Time) error

	// Finalize writes the terminal state of a deployment: status (success or
	// failed), finish time, exit code, and the captured output blobs.
	Finalize(ctx context.Context, id uint, status string, finishedAt time.Time, exitCode int, stdout, stderr string) error

	// ListRecent returns up to limit deployments ordered by started_at
	// descending, optionally filtered by status ("" means all).
	ListRecent(ctx context.Context, limit int, status string) ([]db.Deployment, error)

	// ListActive returns all running and queued deployments, running first,
	// each group in ascending started_at order.
	ListActive(ctx context.Context) ([]db.Deployment, error)

	// PurgeTerminal deletes all success and failed rows and reports how many
	// were removed. Running and queued rows are never touched.
	PurgeTerminal(ctx context.Context) (int64, error)

	// DeleteTerminalOlderThan deletes terminal rows finished before cutoff.
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// FailOrphanedRunning marks rows left running by a previous process
	// lifetime as failed. ExitCode stays null (the child was never reaped by
	// this process) and note is appended to the stderr blob.
	FailOrphanedRunning(ctx context.Context, note string) (int64, error)
}

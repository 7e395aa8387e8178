package deployer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pushbot-io/pushbot/internal/db"
	"github.com/pushbot-io/pushbot/internal/metrics"
	"github.com/pushbot-io/pushbot/internal/repositories"
)

// Event describes a deployment lifecycle transition, pushed to the status
// notifier (the WebSocket hub) as it happens.
type Event struct {
	DeploymentID uint   `json:"deployment_id"`
	Service      string `json:"service"`
	Status       string `json:"status"`
	ExitCode     *int   `json:"exit_code,omitempty"`
}

// Notifier receives deployment lifecycle events. Implemented by the
// WebSocket hub adapter; a nil notifier is allowed and ignored.
type Notifier interface {
	DeploymentEvent(ev Event)
}

// TriggerOptions carries the metadata recorded on an enqueued deployment.
type TriggerOptions struct {
	CommitSHA     string
	CommitMessage string
	Branch        string
	TriggeredBy   string
}

// Scheduler enforces per-service serialization of deployments. The queue
// itself lives in the database (all queued rows of a service, ascending
// started_at); the scheduler keeps only the registry of live runners in
// memory and drives the handoff from a finished deployment to the next
// queued one.
type Scheduler struct {
	services    repositories.ServiceRepository
	deployments repositories.DeploymentRepository
	notifier    Notifier
	logger      *zap.Logger

	// ready gates Enqueue until startup reconciliation has finished, so the
	// registry never rewrites services while deployments are being scheduled.
	ready chan struct{}

	// runCtx is the context runners execute under; cancelled on shutdown
	// after Stop has been delivered to every live runner.
	runCtx    context.Context
	runCancel context.CancelFunc

	mu     sync.Mutex
	active map[uint]*Runner // deployment id -> live runner
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler. notifier may be nil.
func NewScheduler(services repositories.ServiceRepository, deployments repositories.DeploymentRepository, notifier Notifier, logger *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		services:    services,
		deployments: deployments,
		notifier:    notifier,
		logger:      logger.Named("scheduler"),
		ready:       make(chan struct{}),
		runCtx:      ctx,
		runCancel:   cancel,
		active:      make(map[uint]*Runner),
	}
}

// Start releases the scheduler. Call exactly once, after startup
// reconciliation has completed.
func (s *Scheduler) Start() {
	close(s.ready)
	s.logger.Info("scheduler ready")
}

// Enqueue creates a deployment for the service and either launches it
// immediately (no deployment of this service is running) or leaves it queued
// for the completion handler to pick up. It returns the new deployment id
// without waiting for execution.
func (s *Scheduler) Enqueue(ctx context.Context, service *db.Service, command string, opts TriggerOptions) (uint, error) {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	d := &db.Deployment{
		ServiceID:   service.ID,
		TriggeredBy: opts.TriggeredBy,
	}
	if opts.CommitSHA != "" {
		d.CommitSHA = &opts.CommitSHA
	}
	if opts.CommitMessage != "" {
		d.CommitMessage = &opts.CommitMessage
	}
	branch := opts.Branch
	if branch == "" {
		branch = service.Branch
	}
	d.Branch = &branch

	started, err := s.deployments.Enqueue(ctx, d)
	if err != nil {
		return 0, fmt.Errorf("scheduler: enqueue: %w", err)
	}

	if started {
		s.launch(d.ID, *service, command, opts.TriggeredBy)
	} else {
		s.notify(Event{DeploymentID: d.ID, Service: service.Name, Status: db.StatusQueued})
		s.logger.Info("deployment queued behind a running one",
			zap.Uint("deployment_id", d.ID),
			zap.String("service", service.Name),
		)
	}
	return d.ID, nil
}

// Runner returns the live runner for a deployment, or nil if the deployment
// is not currently executing.
func (s *Scheduler) Runner(deploymentID uint) *Runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[deploymentID]
}

// ActiveCount returns the number of live runners. Used by tests and the
// shutdown log line.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// launch registers a runner for an already-running deployment row and starts
// it on its own goroutine. The completion handler runs on the same goroutine
// after the runner returns.
func (s *Scheduler) launch(deploymentID uint, service db.Service, command, triggeredBy string) {
	runner := NewRunner(deploymentID, service, command, triggeredBy, s.deployments, s.logger)

	s.mu.Lock()
	s.active[deploymentID] = runner
	s.mu.Unlock()

	s.notify(Event{DeploymentID: deploymentID, Service: service.Name, Status: db.StatusRunning})
	metrics.DeploymentsActive.Inc()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		spawned := time.Now()
		exitCode := runner.Run(s.runCtx)

		s.mu.Lock()
		delete(s.active, deploymentID)
		s.mu.Unlock()

		metrics.DeploymentsActive.Dec()
		metrics.DeploymentDuration.WithLabelValues(service.Name).Observe(time.Since(spawned).Seconds())

		status := db.StatusSuccess
		if exitCode != 0 {
			status = db.StatusFailed
		}
		metrics.DeploymentsTotal.WithLabelValues(status).Inc()
		s.notify(Event{
			DeploymentID: deploymentID,
			Service:      service.Name,
			Status:       status,
			ExitCode:     &exitCode,
		})

		s.onRunnerDone(service.ID)
	}()
}

// onRunnerDone promotes the oldest queued deployment of the service, if any.
// The service row is reloaded so a queued deployment runs with the current
// deploy command, not the one captured when it was enqueued.
func (s *Scheduler) onRunnerDone(serviceID uint) {
	ctx, cancel := context.WithTimeout(s.runCtx, 10*time.Second)
	defer cancel()

	next, err := s.deployments.PopNextQueued(ctx, serviceID)
	if errors.Is(err, repositories.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Error("failed to pop next queued deployment",
			zap.Uint("service_id", serviceID),
			zap.Error(err),
		)
		return
	}

	service, err := s.services.GetByID(ctx, serviceID)
	if err != nil {
		s.logger.Error("queued deployment references a missing service",
			zap.Uint("deployment_id", next.ID),
			zap.Uint("service_id", serviceID),
			zap.Error(err),
		)
		return
	}

	s.logger.Info("promoting queued deployment",
		zap.Uint("deployment_id", next.ID),
		zap.String("service", service.Name),
	)
	s.launch(next.ID, *service, service.DeployCommand, next.TriggeredBy)
}

// Shutdown stops every live runner (graceful terminate, then kill) and waits
// for their completion handlers to finish, bounded by ctx.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	runners := make([]*Runner, 0, len(s.active))
	for _, r := range s.active {
		runners = append(runners, r)
	}
	s.mu.Unlock()

	if len(runners) > 0 {
		s.logger.Info("stopping active deployments", zap.Int("count", len(runners)))
	}
	for _, r := range runners {
		r.Stop()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	defer s.runCancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) notify(ev Event) {
	if s.notifier != nil {
		s.notifier.DeploymentEvent(ev)
	}
}

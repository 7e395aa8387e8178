package deployer

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/pushbot-io/pushbot/internal/db"
	"github.com/pushbot-io/pushbot/internal/repositories"
)

// recordingNotifier captures lifecycle events for assertions.
type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) DeploymentEvent(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) statuses(deploymentID uint) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, ev := range n.events {
		if ev.DeploymentID == deploymentID {
			out = append(out, ev.Status)
		}
	}
	return out
}

func newTestScheduler(t *testing.T, database *gorm.DB, notifier Notifier) (*Scheduler, repositories.ServiceRepository, repositories.DeploymentRepository) {
	t.Helper()

	services := repositories.NewServiceRepository(database)
	deployments := repositories.NewDeploymentRepository(database)
	s := NewScheduler(services, deployments, notifier, zaptest.NewLogger(t))
	s.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, services, deployments
}

func createSchedulerService(t *testing.T, services repositories.ServiceRepository, command string) *db.Service {
	t.Helper()
	svc := &db.Service{
		Name:          "web",
		Repository:    "alice/site",
		Path:          t.TempDir(),
		Branch:        "main",
		DeployCommand: command,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, services.Create(context.Background(), svc))
	return svc
}

func TestScheduler_SerializesPerService(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell commands differ on windows")
	}

	database := openTestDB(t)
	notifier := &recordingNotifier{}
	s, services, deployments := newTestScheduler(t, database, notifier)
	ctx := context.Background()

	svc := createSchedulerService(t, services, "sleep 1; echo done")

	firstID, err := s.Enqueue(ctx, svc, svc.DeployCommand, TriggerOptions{TriggeredBy: db.TriggerWebhook})
	require.NoError(t, err)
	secondID, err := s.Enqueue(ctx, svc, svc.DeployCommand, TriggerOptions{TriggeredBy: db.TriggerWebhook})
	require.NoError(t, err)

	// The second deployment waits behind the first.
	second, err := deployments.GetByID(ctx, secondID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusQueued, second.Status)

	// The running-count invariant holds at every sample until both finish.
	var maxRunning int64
	require.Eventually(t, func() bool {
		var running int64
		if err := database.Model(&db.Deployment{}).
			Where("service_id = ? AND status = ?", svc.ID, db.StatusRunning).
			Count(&running).Error; err != nil {
			return false
		}
		if running > maxRunning {
			maxRunning = running
		}

		first, err := deployments.GetByID(ctx, firstID)
		if err != nil {
			return false
		}
		second, err := deployments.GetByID(ctx, secondID)
		if err != nil {
			return false
		}
		return db.IsTerminal(first.Status) && db.IsTerminal(second.Status)
	}, 15*time.Second, 25*time.Millisecond)
	assert.LessOrEqual(t, maxRunning, int64(1))

	first, err := deployments.GetByID(ctx, firstID)
	require.NoError(t, err)
	second, err = deployments.GetByID(ctx, secondID)
	require.NoError(t, err)

	assert.Equal(t, db.StatusSuccess, first.Status)
	assert.Equal(t, db.StatusSuccess, second.Status)
	assert.Contains(t, first.Stdout, "done")
	assert.Contains(t, second.Stdout, "done")

	// The first finished before the second started its child.
	require.NotNil(t, first.FinishedAt)
	require.NotNil(t, second.SpawnedAt)
	assert.False(t, second.SpawnedAt.Before(*first.FinishedAt))

	// Lifecycle events: the second was announced queued, then ran.
	assert.Equal(t, []string{db.StatusRunning, db.StatusSuccess}, notifier.statuses(firstID))
	assert.Equal(t, []string{db.StatusQueued, db.StatusRunning, db.StatusSuccess}, notifier.statuses(secondID))
}

func TestScheduler_IndependentServicesRunConcurrently(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell commands differ on windows")
	}

	database := openTestDB(t)
	s, services, deployments := newTestScheduler(t, database, nil)
	ctx := context.Background()

	web := createSchedulerService(t, services, "sleep 1")
	worker := &db.Service{
		Name:          "worker",
		Repository:    "alice/worker",
		Path:          t.TempDir(),
		Branch:        "main",
		DeployCommand: "sleep 1",
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, services.Create(ctx, worker))

	webID, err := s.Enqueue(ctx, web, web.DeployCommand, TriggerOptions{TriggeredBy: db.TriggerManual})
	require.NoError(t, err)
	workerID, err := s.Enqueue(ctx, worker, worker.DeployCommand, TriggerOptions{TriggeredBy: db.TriggerManual})
	require.NoError(t, err)

	// Both run at once: different services never queue behind each other.
	require.Eventually(t, func() bool {
		return s.ActiveCount() == 2
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		a, err := deployments.GetByID(ctx, webID)
		if err != nil {
			return false
		}
		b, err := deployments.GetByID(ctx, workerID)
		if err != nil {
			return false
		}
		return db.IsTerminal(a.Status) && db.IsTerminal(b.Status)
	}, 15*time.Second, 25*time.Millisecond)
}

func TestScheduler_EnqueueRecordsTriggerMetadata(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell commands differ on windows")
	}

	database := openTestDB(t)
	s, services, deployments := newTestScheduler(t, database, nil)
	ctx := context.Background()

	svc := createSchedulerService(t, services, "echo hi")

	id, err := s.Enqueue(ctx, svc, svc.DeployCommand, TriggerOptions{
		CommitSHA:     "abc",
		CommitMessage: "m",
		Branch:        "main",
		TriggeredBy:   db.TriggerWebhook,
	})
	require.NoError(t, err)

	d, err := deployments.GetByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, d.CommitSHA)
	assert.Equal(t, "abc", *d.CommitSHA)
	require.NotNil(t, d.CommitMessage)
	assert.Equal(t, "m", *d.CommitMessage)
	require.NotNil(t, d.Branch)
	assert.Equal(t, "main", *d.Branch)
	assert.Equal(t, db.TriggerWebhook, d.TriggeredBy)
}

func TestScheduler_QueuedRunsWithCurrentCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell commands differ on windows")
	}

	database := openTestDB(t)
	s, services, deployments := newTestScheduler(t, database, nil)
	ctx := context.Background()

	svc := createSchedulerService(t, services, "sleep 1")

	_, err := s.Enqueue(ctx, svc, svc.DeployCommand, TriggerOptions{TriggeredBy: db.TriggerWebhook})
	require.NoError(t, err)
	queuedID, err := s.Enqueue(ctx, svc, svc.DeployCommand, TriggerOptions{TriggeredBy: db.TriggerWebhook})
	require.NoError(t, err)

	// The deploy command changes while the second deployment is queued; the
	// promotion must pick up the new command, not the enqueue-time snapshot.
	svc.DeployCommand = "echo updated"
	require.NoError(t, services.Update(ctx, svc))

	require.Eventually(t, func() bool {
		d, err := deployments.GetByID(ctx, queuedID)
		return err == nil && db.IsTerminal(d.Status)
	}, 15*time.Second, 25*time.Millisecond)

	d, err := deployments.GetByID(ctx, queuedID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusSuccess, d.Status)
	assert.Contains(t, d.Stdout, "updated")
}

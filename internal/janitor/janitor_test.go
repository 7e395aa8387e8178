package janitor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pushbot-io/pushbot/internal/db"
	"github.com/pushbot-io/pushbot/internal/repositories"
)

func TestJanitor_PrunesOldTerminalRows(t *testing.T) {
	logger := zaptest.NewLogger(t)
	database, err := db.New(db.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "test.db"),
		Logger: logger,
	})
	require.NoError(t, err)

	services := repositories.NewServiceRepository(database)
	deployments := repositories.NewDeploymentRepository(database)
	ctx := context.Background()

	svc := &db.Service{
		Name: "web", Repository: "alice/site", Path: "/srv/site",
		Branch: "main", DeployCommand: "echo hi", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, services.Create(ctx, svc))

	seed := func(status string, finishedAgo time.Duration) *db.Deployment {
		d := &db.Deployment{
			ServiceID:   svc.ID,
			Status:      status,
			StartedAt:   time.Now().UTC().Add(-finishedAgo - time.Minute),
			TriggeredBy: db.TriggerWebhook,
		}
		if db.IsTerminal(status) {
			finished := time.Now().UTC().Add(-finishedAgo)
			code := 0
			d.FinishedAt = &finished
			d.ExitCode = &code
		}
		require.NoError(t, database.Create(d).Error)
		return d
	}

	old := seed(db.StatusSuccess, 72*time.Hour)
	recent := seed(db.StatusFailed, time.Hour)
	running := seed(db.StatusRunning, 0)

	// 24h retention: the 72h-old row goes, everything else stays.
	j, err := New(deployments, 24*time.Hour, logger)
	require.NoError(t, err)
	require.NoError(t, j.Start())
	t.Cleanup(func() { _ = j.Stop() })

	// The first prune is scheduled immediately on Start.
	require.Eventually(t, func() bool {
		_, err := deployments.GetByID(ctx, old.ID)
		return err != nil
	}, 5*time.Second, 25*time.Millisecond)

	_, err = deployments.GetByID(ctx, recent.ID)
	assert.NoError(t, err)
	_, err = deployments.GetByID(ctx, running.ID)
	assert.NoError(t, err)
}

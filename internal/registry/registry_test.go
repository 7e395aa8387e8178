package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/pushbot-io/pushbot/internal/config"
	"github.com/pushbot-io/pushbot/internal/db"
	"github.com/pushbot-io/pushbot/internal/repositories"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	database, err := db.New(db.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "test.db"),
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return database
}

func newTestRegistry(t *testing.T) (*Registry, repositories.ServiceRepository, repositories.DeploymentRepository) {
	t.Helper()

	database := openTestDB(t)
	services := repositories.NewServiceRepository(database)
	deployments := repositories.NewDeploymentRepository(database)
	return New(services, deployments, zaptest.NewLogger(t)), services, deployments
}

func TestReconcile_CreatesConfiguredServices(t *testing.T) {
	reg, services, _ := newTestRegistry(t)
	ctx := context.Background()

	cfg := &config.Config{Services: []config.ServiceDef{
		{Name: "web", Repository: "alice/site", Path: "/srv/site", Branch: "main", DeployCommand: "make deploy"},
		{Name: "api", Repository: "alice/api", Path: "/srv/api", Branch: "main", DeployCommand: "make restart"},
	}}

	require.NoError(t, reg.Reconcile(ctx, cfg))

	list, err := services.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)

	web, err := services.GetByName(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, "alice/site", web.Repository)
	assert.Equal(t, "make deploy", web.DeployCommand)
}

func TestReconcile_OverwritesChangedFields(t *testing.T) {
	reg, services, _ := newTestRegistry(t)
	ctx := context.Background()

	first := &config.Config{Services: []config.ServiceDef{
		{Name: "web", Repository: "alice/site", Path: "/srv/site", Branch: "main", DeployCommand: "make deploy"},
	}}
	require.NoError(t, reg.Reconcile(ctx, first))

	before, err := services.GetByName(ctx, "web")
	require.NoError(t, err)

	second := &config.Config{Services: []config.ServiceDef{
		{Name: "web", Repository: "alice/site", Path: "/srv/site-v2", Branch: "release", DeployCommand: "make ship"},
	}}
	require.NoError(t, reg.Reconcile(ctx, second))

	after, err := services.GetByName(ctx, "web")
	require.NoError(t, err)
	// Identity survives, mutable fields follow the config.
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, "/srv/site-v2", after.Path)
	assert.Equal(t, "release", after.Branch)
	assert.Equal(t, "make ship", after.DeployCommand)
}

func TestReconcile_RemovesDroppedServicesWithHistory(t *testing.T) {
	reg, services, deployments := newTestRegistry(t)
	ctx := context.Background()

	both := &config.Config{Services: []config.ServiceDef{
		{Name: "web", Repository: "alice/site", Path: "/srv/site", Branch: "main", DeployCommand: "make deploy"},
		{Name: "old", Repository: "alice/old", Path: "/srv/old", Branch: "main", DeployCommand: "true"},
	}}
	require.NoError(t, reg.Reconcile(ctx, both))

	old, err := services.GetByName(ctx, "old")
	require.NoError(t, err)
	d := &db.Deployment{ServiceID: old.ID, TriggeredBy: db.TriggerWebhook}
	_, err = deployments.Enqueue(ctx, d)
	require.NoError(t, err)

	webOnly := &config.Config{Services: []config.ServiceDef{
		{Name: "web", Repository: "alice/site", Path: "/srv/site", Branch: "main", DeployCommand: "make deploy"},
	}}
	require.NoError(t, reg.Reconcile(ctx, webOnly))

	_, err = services.GetByName(ctx, "old")
	assert.ErrorIs(t, err, repositories.ErrNotFound)
	_, err = deployments.GetByID(ctx, d.ID)
	assert.ErrorIs(t, err, repositories.ErrNotFound)

	_, err = services.GetByName(ctx, "web")
	assert.NoError(t, err)
}

func TestRecoverOrphans(t *testing.T) {
	reg, services, deployments := newTestRegistry(t)
	ctx := context.Background()

	svc := &db.Service{
		Name: "web", Repository: "alice/site", Path: "/srv/site",
		Branch: "main", DeployCommand: "make deploy", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, services.Create(ctx, svc))

	orphan := &db.Deployment{ServiceID: svc.ID, TriggeredBy: db.TriggerWebhook}
	_, err := deployments.Enqueue(ctx, orphan)
	require.NoError(t, err)

	require.NoError(t, reg.RecoverOrphans(ctx))

	reloaded, err := deployments.GetByID(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusFailed, reloaded.Status)
	assert.Nil(t, reloaded.ExitCode)
	require.NotNil(t, reloaded.FinishedAt)
	assert.Contains(t, reloaded.Stderr, "marked running when the server restarted")
}

func TestRecoverOrphans_NothingToDo(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	require.NoError(t, reg.RecoverOrphans(context.Background()))
}

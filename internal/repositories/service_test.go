package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushbot-io/pushbot/internal/db"
)

func TestServiceRepository_GetByRepoBranch(t *testing.T) {
	database := openTestDB(t)
	services := NewServiceRepository(database)
	ctx := context.Background()

	createTestService(t, services, "web")
	api := createTestService(t, services, "api")

	found, err := services.GetByRepoBranch(ctx, "alice/api", "main")
	require.NoError(t, err)
	assert.Equal(t, api.ID, found.ID)

	_, err = services.GetByRepoBranch(ctx, "alice/api", "dev")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = services.GetByRepoBranch(ctx, "bob/api", "main")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestServiceRepository_GetByRepoBranch_DeterministicOnDuplicates(t *testing.T) {
	database := openTestDB(t)
	services := NewServiceRepository(database)
	ctx := context.Background()

	// Two services watching the same repository and branch: the name-ordered
	// first one wins.
	zeta := &db.Service{
		Name: "zeta", Repository: "alice/site", Path: "/tmp/z",
		Branch: "main", DeployCommand: "echo z", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, services.Create(ctx, zeta))
	alpha := &db.Service{
		Name: "alpha", Repository: "alice/site", Path: "/tmp/a",
		Branch: "main", DeployCommand: "echo a", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, services.Create(ctx, alpha))

	found, err := services.GetByRepoBranch(ctx, "alice/site", "main")
	require.NoError(t, err)
	assert.Equal(t, "alpha", found.Name)
}

func TestServiceRepository_Update(t *testing.T) {
	database := openTestDB(t)
	services := NewServiceRepository(database)
	ctx := context.Background()

	svc := createTestService(t, services, "web")
	svc.DeployCommand = "make deploy"
	svc.Branch = "release"
	require.NoError(t, services.Update(ctx, svc))

	reloaded, err := services.GetByID(ctx, svc.ID)
	require.NoError(t, err)
	assert.Equal(t, "make deploy", reloaded.DeployCommand)
	assert.Equal(t, "release", reloaded.Branch)
}

func TestServiceRepository_DeleteCascade(t *testing.T) {
	database := openTestDB(t)
	services := NewServiceRepository(database)
	deployments := NewDeploymentRepository(database)
	ctx := context.Background()

	svc := createTestService(t, services, "web")
	d := &db.Deployment{ServiceID: svc.ID, TriggeredBy: db.TriggerWebhook}
	_, err := deployments.Enqueue(ctx, d)
	require.NoError(t, err)

	require.NoError(t, services.DeleteCascade(ctx, svc.ID))

	_, err = services.GetByID(ctx, svc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = deployments.GetByID(ctx, d.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, services.DeleteCascade(ctx, svc.ID), ErrNotFound)
}

func TestServiceRepository_List_NameOrder(t *testing.T) {
	database := openTestDB(t)
	services := NewServiceRepository(database)
	ctx := context.Background()

	createTestService(t, services, "web")
	createTestService(t, services, "api")
	createTestService(t, services, "worker")

	list, err := services.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "api", list[0].Name)
	assert.Equal(t, "web", list[1].Name)
	assert.Equal(t, "worker", list[2].Name)
}

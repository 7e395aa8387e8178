package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/pushbot-io/pushbot/internal/db"
	"github.com/pushbot-io/pushbot/internal/deployer"
	"github.com/pushbot-io/pushbot/internal/logstream"
	"github.com/pushbot-io/pushbot/internal/repositories"
	"github.com/pushbot-io/pushbot/internal/ws"
)

// testEnv is a fully wired server over a fresh SQLite database.
type testEnv struct {
	router      http.Handler
	database    *gorm.DB
	services    repositories.ServiceRepository
	deployments repositories.DeploymentRepository
	scheduler   *deployer.Scheduler
}

func newTestEnv(t *testing.T, secret string) *testEnv {
	t.Helper()

	logger := zaptest.NewLogger(t)
	database, err := db.New(db.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "test.db"),
		Logger: logger,
	})
	require.NoError(t, err)

	services := repositories.NewServiceRepository(database)
	deployments := repositories.NewDeploymentRepository(database)

	hub := ws.NewHub()
	hubCtx, hubCancel := context.WithCancel(context.Background())
	go hub.Run(hubCtx)
	t.Cleanup(hubCancel)

	scheduler := deployer.NewScheduler(services, deployments, ws.NewNotifier(hub), logger)
	scheduler.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = scheduler.Shutdown(ctx)
	})

	broadcaster := logstream.New(scheduler, deployments, logger)

	router := NewRouter(RouterConfig{
		Scheduler:     scheduler,
		Broadcaster:   broadcaster,
		Hub:           hub,
		Logger:        logger,
		Services:      services,
		Deployments:   deployments,
		WebhookSecret: secret,
	})

	return &testEnv{
		router:      router,
		database:    database,
		services:    services,
		deployments: deployments,
		scheduler:   scheduler,
	}
}

// addService inserts a service row the way startup reconciliation would.
func (e *testEnv) addService(t *testing.T, name, repository, branch, command string) *db.Service {
	t.Helper()

	svc := &db.Service{
		Name:          name,
		Repository:    repository,
		Path:          t.TempDir(),
		Branch:        branch,
		DeployCommand: command,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, e.services.Create(context.Background(), svc))
	return svc
}

func (e *testEnv) deploymentCount(t *testing.T) int64 {
	t.Helper()

	var count int64
	require.NoError(t, e.database.Model(&db.Deployment{}).Count(&count).Error)
	return count
}

func (e *testEnv) postWebhook(path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

const pushBody = `{"repository":{"full_name":"alice/site"},"ref":"refs/heads/main","commits":[{"id":"abc","message":"m"}]}`

func signBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestWebhook_LaunchesDeployment(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell commands differ on windows")
	}

	env := newTestEnv(t, "")
	env.addService(t, "web", "alice/site", "main", "echo hi")

	rec := env.postWebhook("/webhook", pushBody, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		DeploymentID uint   `json:"deployment_id"`
		Service      string `json:"service"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, uint(1), resp.DeploymentID)
	assert.Equal(t, "web", resp.Service)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		d, err := env.deployments.GetByID(ctx, resp.DeploymentID)
		return err == nil && db.IsTerminal(d.Status)
	}, 10*time.Second, 25*time.Millisecond)

	d, err := env.deployments.GetByID(ctx, resp.DeploymentID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusSuccess, d.Status)
	require.NotNil(t, d.ExitCode)
	assert.Equal(t, 0, *d.ExitCode)
	assert.Contains(t, d.Stdout, "hi")
	require.NotNil(t, d.CommitSHA)
	assert.Equal(t, "abc", *d.CommitSHA)
	require.NotNil(t, d.CommitMessage)
	assert.Equal(t, "m", *d.CommitMessage)
	assert.Equal(t, db.TriggerWebhook, d.TriggeredBy)
}

func TestWebhook_RootPathAlias(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell commands differ on windows")
	}

	env := newTestEnv(t, "")
	env.addService(t, "web", "alice/site", "main", "echo hi")

	rec := env.postWebhook("/", pushBody, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhook_BadSignatureRejected(t *testing.T) {
	env := newTestEnv(t, "topsecret")
	env.addService(t, "web", "alice/site", "main", "echo hi")

	rec := env.postWebhook("/webhook", pushBody, map[string]string{
		"X-Hub-Signature-256": "sha256=deadbeef",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "bad_signature")
	assert.Zero(t, env.deploymentCount(t))
}

func TestWebhook_MissingSignatureRejectedWhenSecretSet(t *testing.T) {
	env := newTestEnv(t, "topsecret")
	env.addService(t, "web", "alice/site", "main", "echo hi")

	rec := env.postWebhook("/webhook", pushBody, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, env.deploymentCount(t))
}

func TestWebhook_ValidSignatureAccepted(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell commands differ on windows")
	}

	env := newTestEnv(t, "topsecret")
	env.addService(t, "web", "alice/site", "main", "echo hi")

	rec := env.postWebhook("/webhook", pushBody, map[string]string{
		"X-Hub-Signature-256": signBody(pushBody, "topsecret"),
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhook_UnknownTargetMentionsBranch(t *testing.T) {
	env := newTestEnv(t, "")
	env.addService(t, "web", "alice/site", "main", "echo hi")

	body := `{"repository":{"full_name":"alice/site"},"ref":"refs/heads/dev","commits":[]}`
	rec := env.postWebhook("/webhook", body, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "dev")
	assert.Contains(t, rec.Body.String(), "unknown_target")
	assert.Zero(t, env.deploymentCount(t))
}

func TestWebhook_IngressValidation(t *testing.T) {
	env := newTestEnv(t, "")
	env.addService(t, "web", "alice/site", "main", "echo hi")

	t.Run("wrong content type", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader([]byte(pushBody)))
		req.Header.Set("Content-Type", "text/plain")
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "bad_content_type")
	})

	t.Run("empty body", func(t *testing.T) {
		rec := env.postWebhook("/webhook", "", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "empty_body")
	})

	t.Run("malformed json", func(t *testing.T) {
		rec := env.postWebhook("/webhook", "{not json", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "bad_json")
	})

	t.Run("non-branch ref", func(t *testing.T) {
		rec := env.postWebhook("/webhook", `{"repository":{"full_name":"alice/site"},"ref":"refs/tags/v1"}`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "bad_shape")
	})

	assert.Zero(t, env.deploymentCount(t))
}

package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pushbot-io/pushbot/internal/db"
	"github.com/pushbot-io/pushbot/internal/logstream"
	"github.com/pushbot-io/pushbot/internal/repositories"
)

// defaultListLimit bounds GET /api/deployments when no limit is given.
const defaultListLimit = 50

// DeploymentHandler groups the deployment read endpoints, the SSE log stream,
// and the history purge. Deployments are created exclusively through the
// webhook receiver and the manual trigger; this handler never writes rows
// other than deleting terminal ones.
type DeploymentHandler struct {
	deployments repositories.DeploymentRepository
	services    repositories.ServiceRepository
	broadcaster *logstream.Broadcaster
	logger      *zap.Logger
}

// NewDeploymentHandler creates a DeploymentHandler.
func NewDeploymentHandler(deployments repositories.DeploymentRepository, services repositories.ServiceRepository, broadcaster *logstream.Broadcaster, logger *zap.Logger) *DeploymentHandler {
	return &DeploymentHandler{
		deployments: deployments,
		services:    services,
		broadcaster: broadcaster,
		logger:      logger.Named("deployment_handler"),
	}
}

// deploymentResponse is the JSON representation of a deployment row.
// ServiceName is filled in where the endpoint enriches rows with the owning
// service.
type deploymentResponse struct {
	ID            uint    `json:"id"`
	ServiceID     uint    `json:"service_id"`
	ServiceName   string  `json:"service_name,omitempty"`
	Status        string  `json:"status"`
	StartedAt     string  `json:"started_at"`
	SpawnedAt     *string `json:"spawned_at"`
	FinishedAt    *string `json:"finished_at"`
	ExitCode      *int    `json:"exit_code"`
	CommitSHA     *string `json:"commit_sha"`
	CommitMessage *string `json:"commit_message"`
	Branch        *string `json:"branch"`
	TriggeredBy   string  `json:"triggered_by"`
}

// deploymentDetailResponse adds the captured output blobs, served only on the
// single-row endpoint to keep list responses compact.
type deploymentDetailResponse struct {
	deploymentResponse
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

func deploymentToResponse(d *db.Deployment, serviceName string) deploymentResponse {
	resp := deploymentResponse{
		ID:            d.ID,
		ServiceID:     d.ServiceID,
		ServiceName:   serviceName,
		Status:        d.Status,
		StartedAt:     d.StartedAt.UTC().Format(time.RFC3339),
		ExitCode:      d.ExitCode,
		CommitSHA:     d.CommitSHA,
		CommitMessage: d.CommitMessage,
		Branch:        d.Branch,
		TriggeredBy:   d.TriggeredBy,
	}
	if d.SpawnedAt != nil {
		s := d.SpawnedAt.UTC().Format(time.RFC3339)
		resp.SpawnedAt = &s
	}
	if d.FinishedAt != nil {
		s := d.FinishedAt.UTC().Format(time.RFC3339)
		resp.FinishedAt = &s
	}
	return resp
}

// ListActive handles GET /api/deployments/active.
// Returns running and queued rows enriched with service_name, running first.
func (h *DeploymentHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	active, err := h.deployments.ListActive(r.Context())
	if err != nil {
		h.logger.Error("failed to list active deployments", zap.Error(err))
		ErrInternal(w)
		return
	}

	names, err := h.serviceNames(r)
	if err != nil {
		h.logger.Error("failed to resolve service names", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]deploymentResponse, len(active))
	for i := range active {
		items[i] = deploymentToResponse(&active[i], names[active[i].ServiceID])
	}
	Ok(w, items)
}

// List handles GET /api/deployments.
// Query params: limit (default 50) and status (one of the four states).
func (h *DeploymentHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			ErrBadRequest(w, "invalid limit: must be a positive integer")
			return
		}
		limit = n
	}
	status := r.URL.Query().Get("status")

	rows, err := h.deployments.ListRecent(r.Context(), limit, status)
	if err != nil {
		h.logger.Error("failed to list deployments", zap.Error(err))
		ErrInternal(w)
		return
	}

	names, err := h.serviceNames(r)
	if err != nil {
		h.logger.Error("failed to resolve service names", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]deploymentResponse, len(rows))
	for i := range rows {
		items[i] = deploymentToResponse(&rows[i], names[rows[i].ServiceID])
	}
	Ok(w, items)
}

// GetByID handles GET /api/deployments/{id}.
func (h *DeploymentHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	d, ok := h.loadDeployment(w, r)
	if !ok {
		return
	}

	serviceName := ""
	if svc, err := h.services.GetByID(r.Context(), d.ServiceID); err == nil {
		serviceName = svc.Name
	}

	Ok(w, deploymentDetailResponse{
		deploymentResponse: deploymentToResponse(d, serviceName),
		Stdout:             d.Stdout,
		Stderr:             d.Stderr,
	})
}

// Logs handles GET /api/deployments/{id}/logs.
// Streams the deployment's log over SSE; blocks until the deployment is
// terminal or the client disconnects.
func (h *DeploymentHandler) Logs(w http.ResponseWriter, r *http.Request) {
	d, ok := h.loadDeployment(w, r)
	if !ok {
		return
	}

	if err := h.broadcaster.ServeSSE(r.Context(), w, d); err != nil {
		// Headers are out by now; just record the broken stream.
		h.logger.Warn("log stream ended with error",
			zap.Uint("deployment_id", d.ID),
			zap.Error(err),
		)
	}
}

// Clear handles POST /api/deployments/clear.
// Deletes every success and failed row and reports the count. Running and
// queued rows are untouched.
func (h *DeploymentHandler) Clear(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.deployments.PurgeTerminal(r.Context())
	if err != nil {
		h.logger.Error("failed to purge deployment history", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.logger.Info("deployment history cleared", zap.Int64("deleted", deleted))
	Ok(w, map[string]int64{"deleted": deleted})
}

// loadDeployment resolves the {id} path parameter to a row, writing the error
// response on failure.
func (h *DeploymentHandler) loadDeployment(w http.ResponseWriter, r *http.Request) (*db.Deployment, bool) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return nil, false
	}

	d, err := h.deployments.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return nil, false
		}
		h.logger.Error("failed to get deployment", zap.Uint("id", id), zap.Error(err))
		ErrInternal(w)
		return nil, false
	}
	return d, true
}

// serviceNames builds an id -> name map over all services. The service table
// is tiny (one row per configured service), so loading it whole is cheaper
// than per-row lookups.
func (h *DeploymentHandler) serviceNames(r *http.Request) (map[uint]string, error) {
	services, err := h.services.List(r.Context())
	if err != nil {
		return nil, err
	}
	names := make(map[uint]string, len(services))
	for _, s := range services {
		names[s.ID] = s.Name
	}
	return names, nil
}

// parseID parses an integer path parameter, writing a 400 response if it is
// not a positive integer.
func parseID(w http.ResponseWriter, r *http.Request, param string) (uint, bool) {
	raw := chi.URLParam(r, param)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		ErrBadRequest(w, "invalid "+param+": must be a positive integer")
		return 0, false
	}
	return uint(id), true
}

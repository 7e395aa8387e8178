package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pushbot-io/pushbot/internal/db"
	"github.com/pushbot-io/pushbot/internal/deployer"
	"github.com/pushbot-io/pushbot/internal/repositories"
)

// ServiceHandler serves the configured deployment targets and the manual
// trigger. Services are created and updated only by startup reconciliation;
// the API never mutates them.
type ServiceHandler struct {
	services  repositories.ServiceRepository
	scheduler *deployer.Scheduler
	logger    *zap.Logger
}

// NewServiceHandler creates a ServiceHandler.
func NewServiceHandler(services repositories.ServiceRepository, scheduler *deployer.Scheduler, logger *zap.Logger) *ServiceHandler {
	return &ServiceHandler{
		services:  services,
		scheduler: scheduler,
		logger:    logger.Named("service_handler"),
	}
}

// serviceResponse is the JSON representation of a service.
type serviceResponse struct {
	ID            uint   `json:"id"`
	Name          string `json:"name"`
	Repository    string `json:"repository"`
	Path          string `json:"path"`
	Branch        string `json:"branch"`
	DeployCommand string `json:"deploy_command"`
	CreatedAt     string `json:"created_at"`
}

func serviceToResponse(s *db.Service) serviceResponse {
	return serviceResponse{
		ID:            s.ID,
		Name:          s.Name,
		Repository:    s.Repository,
		Path:          s.Path,
		Branch:        s.Branch,
		DeployCommand: s.DeployCommand,
		CreatedAt:     s.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// List handles GET /api/services.
func (h *ServiceHandler) List(w http.ResponseWriter, r *http.Request) {
	services, err := h.services.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list services", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]serviceResponse, len(services))
	for i := range services {
		items[i] = serviceToResponse(&services[i])
	}
	Ok(w, items)
}

// Deploy handles POST /api/services/{id}/deploy.
// Enqueues a deployment outside any push event, recorded with
// triggered_by=manual and a fixed commit message.
func (h *ServiceHandler) Deploy(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}

	service, err := h.services.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get service", zap.Uint("id", id), zap.Error(err))
		ErrInternal(w)
		return
	}

	deploymentID, err := h.scheduler.Enqueue(r.Context(), service, service.DeployCommand, deployer.TriggerOptions{
		CommitMessage: "Manual deployment",
		TriggeredBy:   db.TriggerManual,
	})
	if err != nil {
		h.logger.Error("failed to enqueue manual deployment",
			zap.String("service", service.Name),
			zap.Error(err),
		)
		ErrInternal(w)
		return
	}

	h.logger.Info("manual deployment triggered",
		zap.String("service", service.Name),
		zap.Uint("deployment_id", deploymentID),
	)
	Ok(w, webhookResponse{DeploymentID: deploymentID, Service: service.Name})
}

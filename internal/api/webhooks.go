package api

import (
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pushbot-io/pushbot/internal/db"
	"github.com/pushbot-io/pushbot/internal/deployer"
	"github.com/pushbot-io/pushbot/internal/metrics"
	"github.com/pushbot-io/pushbot/internal/repositories"
	"github.com/pushbot-io/pushbot/internal/webhook"
)

// maxWebhookBody caps webhook payload reads. GitHub push payloads are well
// under this even for large commit batches.
const maxWebhookBody = 1 << 20

// WebhookHandler receives provider push deliveries, verifies them, matches
// them to a configured service, and enqueues a deployment.
type WebhookHandler struct {
	services  repositories.ServiceRepository
	scheduler *deployer.Scheduler
	secret    string
	logger    *zap.Logger
}

// NewWebhookHandler creates a WebhookHandler. secret enables HMAC signature
// verification; an empty secret accepts unsigned deliveries.
func NewWebhookHandler(services repositories.ServiceRepository, scheduler *deployer.Scheduler, secret string, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		services:  services,
		scheduler: scheduler,
		secret:    secret,
		logger:    logger.Named("webhook_handler"),
	}
}

// webhookResponse is the bare acknowledgement body, unwrapped: the provider
// integration reads these two fields directly.
type webhookResponse struct {
	DeploymentID uint   `json:"deployment_id"`
	Service      string `json:"service"`
}

// Receive handles POST / and POST /webhook.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		metrics.WebhookErrorsTotal.WithLabelValues("unknown").Inc()
		ErrBadContentType(w)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		metrics.WebhookErrorsTotal.WithLabelValues("unknown").Inc()
		ErrBadRequest(w, "failed to read request body")
		return
	}
	if len(body) == 0 {
		metrics.WebhookErrorsTotal.WithLabelValues("unknown").Inc()
		ErrEmptyBody(w)
		return
	}

	if !webhook.VerifySignature(body, r.Header.Get("X-Hub-Signature-256"), h.secret) {
		metrics.WebhookErrorsTotal.WithLabelValues("unknown").Inc()
		h.logger.Warn("rejected webhook with bad signature",
			zap.String("delivery_id", deliveryID(r)),
			zap.String("remote_addr", r.RemoteAddr),
		)
		ErrBadSignature(w)
		return
	}

	push, err := webhook.Interpret(body)
	if err != nil {
		metrics.WebhookErrorsTotal.WithLabelValues("unknown").Inc()
		var shapeErr *webhook.BadShapeError
		switch {
		case errors.Is(err, webhook.ErrEmptyBody):
			ErrEmptyBody(w)
		case errors.Is(err, webhook.ErrBadJSON):
			ErrBadJSON(w, err.Error())
		case errors.As(err, &shapeErr):
			ErrBadShape(w, err.Error())
		default:
			ErrBadRequest(w, err.Error())
		}
		return
	}

	service, err := h.services.GetByRepoBranch(r.Context(), push.Repository, push.Branch)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			metrics.WebhookErrorsTotal.WithLabelValues(push.Repository).Inc()
			h.logger.Info("push for unconfigured target",
				zap.String("repository", push.Repository),
				zap.String("branch", push.Branch),
			)
			ErrUnknownTarget(w, "no service configured for repository "+push.Repository+" branch "+push.Branch)
			return
		}
		h.logger.Error("failed to match push to a service", zap.Error(err))
		ErrInternal(w)
		return
	}

	deploymentID, err := h.scheduler.Enqueue(r.Context(), service, service.DeployCommand, deployer.TriggerOptions{
		CommitSHA:     push.CommitSHA,
		CommitMessage: push.CommitMessage,
		Branch:        push.Branch,
		TriggeredBy:   db.TriggerWebhook,
	})
	if err != nil {
		h.logger.Error("failed to enqueue deployment",
			zap.String("service", service.Name),
			zap.Error(err),
		)
		ErrInternal(w)
		return
	}

	metrics.WebhookRequestsTotal.WithLabelValues(push.Repository).Inc()
	h.logger.Info("webhook accepted",
		zap.String("delivery_id", deliveryID(r)),
		zap.String("repository", push.Repository),
		zap.String("branch", push.Branch),
		zap.String("commit", push.CommitSHA),
		zap.String("service", service.Name),
		zap.Uint("deployment_id", deploymentID),
	)

	JSON(w, http.StatusOK, webhookResponse{
		DeploymentID: deploymentID,
		Service:      service.Name,
	})
}

// deliveryID returns GitHub's X-GitHub-Delivery GUID when present and valid,
// or "-" so log fields stay greppable.
func deliveryID(r *http.Request) string {
	raw := r.Header.Get("X-GitHub-Delivery")
	if _, err := uuid.Parse(raw); err != nil {
		return "-"
	}
	return raw
}

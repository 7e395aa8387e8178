package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/pushbot-io/pushbot/internal/ws"
)

// WSHandler handles the WebSocket upgrade endpoint GET /api/ws.
//
// Topic subscription is declared at connection time via the `topics` query
// parameter (comma-separated). The deployments firehose topic is always added
// so a dashboard sees every transition without knowing deployment ids ahead
// of time.
//
// Example connection URL:
//
//	ws://host/api/ws?topics=deployment:42
type WSHandler struct {
	hub    *ws.Hub
	logger *zap.Logger
}

// NewWSHandler creates a WSHandler.
func NewWSHandler(hub *ws.Hub, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		logger: logger.Named("ws_handler"),
	}
}

// ServeWS handles GET /api/ws. It builds the topic list, upgrades the
// connection, and runs the client pumps. Blocks until the connection closes,
// which is expected for WebSocket handlers.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	topics := resolveTopics(r)

	client, err := ws.NewClient(h.hub, w, r, topics, h.logger)
	if err != nil {
		// The upgrader has already written the handshake error response.
		h.logger.Warn("ws: upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	h.logger.Info("ws: client connected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Strings("topics", topics),
	)

	client.Run()

	h.logger.Info("ws: client disconnected",
		zap.String("remote_addr", r.RemoteAddr),
	)
}

// resolveTopics combines the firehose topic with explicit topics from the
// query parameter, deduplicated. Unknown topic strings are harmless: the
// client simply never receives messages for them.
func resolveTopics(r *http.Request) []string {
	seen := make(map[string]struct{})
	var topics []string

	add := func(t string) {
		t = strings.TrimSpace(t)
		if t == "" {
			return
		}
		if _, exists := seen[t]; !exists {
			seen[t] = struct{}{}
			topics = append(topics, t)
		}
	}

	add(ws.TopicDeployments)

	if raw := r.URL.Query().Get("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			add(t)
		}
	}

	return topics
}

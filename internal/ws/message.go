// Package ws implements the WebSocket pub/sub hub that pushes deployment
// lifecycle events to connected dashboard clients. Built on gorilla/websocket
// with a topic-based broadcast API fed by the scheduler.
//
// Topic naming convention:
//
//	deployments       firehose of every deployment transition
//	deployment:<id>   transitions of one specific deployment
package ws

import "fmt"

// MessageType identifies the kind of event carried by a Message.
type MessageType string

const (
	// MsgDeploymentStatus is sent when a deployment transitions between
	// states (queued, running, success, failed).
	MsgDeploymentStatus MessageType = "deployment.status"

	// MsgPing is an application-level keepalive. Liveness is normally handled
	// by protocol ping frames; this exists for clients that cannot see them.
	MsgPing MessageType = "ping"
)

// TopicDeployments is the firehose topic carrying every deployment event.
const TopicDeployments = "deployments"

// DeploymentTopic returns the per-deployment topic name.
func DeploymentTopic(deploymentID uint) string {
	return fmt.Sprintf("deployment:%d", deploymentID)
}

// Message is the envelope for every WebSocket frame sent to clients.
//
// JSON example:
//
//	{"type":"deployment.status","topic":"deployments","payload":{"deployment_id":7,"service":"api","status":"running"}}
type Message struct {
	Type MessageType `json:"type"`

	// Topic is the pub/sub channel this message was published on.
	Topic string `json:"topic"`

	// Payload carries the event-specific data. For deployment.status this is
	// the scheduler's event struct; ping carries an empty object.
	Payload any `json:"payload"`
}

package ws

import (
	"github.com/pushbot-io/pushbot/internal/deployer"
)

// Notifier bridges scheduler events onto the hub. Every event goes to the
// firehose topic and to the per-deployment topic.
type Notifier struct {
	hub *Hub
}

// NewNotifier wraps hub for use as the scheduler's event sink.
func NewNotifier(hub *Hub) *Notifier {
	return &Notifier{hub: hub}
}

// DeploymentEvent publishes one lifecycle transition.
func (n *Notifier) DeploymentEvent(ev deployer.Event) {
	n.hub.Publish(TopicDeployments, Message{
		Type:    MsgDeploymentStatus,
		Topic:   TopicDeployments,
		Payload: ev,
	})

	topic := DeploymentTopic(ev.DeploymentID)
	n.hub.Publish(topic, Message{
		Type:    MsgDeploymentStatus,
		Topic:   topic,
		Payload: ev,
	})
}

package ws

import (
	"sync"
)

// Hub is the pub/sub broker for WebSocket clients. It holds the registry of
// connected clients and routes published messages to every client subscribed
// to a topic.
//
// Registry mutations (register, unregister) are serialised through the Run
// loop via channels. Publish runs from other goroutines under the read lock,
// with non-blocking sends so a full client buffer cannot stall the caller or
// the event loop.
type Hub struct {
	// clients maps each connected client to nothing; keyed by pointer for
	// O(1) register and unregister.
	clients map[*Client]struct{}

	// topics maps each topic to its subscriber set. Updated together with
	// clients.
	topics map[string]map[*Client]struct{}

	mu sync.RWMutex

	// register receives clients that completed the WebSocket upgrade.
	register chan *Client

	// unregister receives clients that disconnected or fell behind.
	unregister chan *Client

	// stopped is closed when Run exits.
	stopped chan struct{}
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		topics:     make(map[string]map[*Client]struct{}),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		stopped:    make(chan struct{}),
	}
}

// Run starts the hub's event loop. Call exactly once, in its own goroutine.
// It exits when ctx is cancelled during server shutdown.
func (h *Hub) Run(ctx interface{ Done() <-chan struct{} }) {
	defer close(h.stopped)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			for _, topic := range client.topics {
				if h.topics[topic] == nil {
					h.topics[topic] = make(map[*Client]struct{})
				}
				h.topics[topic][client] = struct{}{}
			}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				for _, topic := range client.topics {
					delete(h.topics[topic], client)
					if len(h.topics[topic]) == 0 {
						delete(h.topics, topic)
					}
				}
				// Signals the client's writePump to drain and exit.
				close(client.send)
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]struct{})
			h.topics = make(map[string]map[*Client]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Publish sends msg to every client subscribed to topic. Safe to call from
// any goroutine. A client whose send buffer is full is disconnected so a slow
// consumer cannot block the other subscribers.
//
// Sends happen under the read lock: the Run loop closes a client's send
// channel only while holding the write lock, so a send can never hit a closed
// channel. The sends are non-blocking, so the lock is held only briefly.
func (h *Hub) Publish(topic string, msg Message) {
	h.mu.RLock()
	var slow []*Client
	for c := range h.topics[topic] {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.unregister <- c
	}
}

// Subscribe registers client with the hub and adds it to all its topics.
func (h *Hub) Subscribe(client *Client) {
	h.register <- client
}

// Unsubscribe removes client from the hub and its topic subscriptions.
func (h *Hub) Unsubscribe(client *Client) {
	h.unregister <- client
}

// ConnectedCount returns the current number of connected clients.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

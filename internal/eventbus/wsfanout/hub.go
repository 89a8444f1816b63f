// Package wsfanout bridges internal/eventbus subscribers onto WebSocket
// connections, so a browser or CLI client can stream project-scoped
// events in real time.
package wsfanout

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/haivemind/core/internal/common/logger"
	"github.com/haivemind/core/internal/eventbus"
	"github.com/haivemind/core/internal/protocol"
)

const clientSendBuffer = 256

// Client wraps one WebSocket connection subscribed to the bus.
type Client struct {
	id   string
	conn *websocket.Conn
	sub  *eventbus.Subscriber
	send chan []byte
	hub  *Hub
	log  *logger.Logger
}

// NewClient creates a Client bound to conn, subscribed to the bus
// through hub.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		id:   id,
		conn: conn,
		sub:  hub.bus.Subscribe(clientSendBuffer),
		send: make(chan []byte, clientSendBuffer),
		hub:  hub,
		log:  log.WithFields(zap.String("client_id", id)),
	}
}

// Hub owns the set of connected WebSocket clients and re-broadcasts bus
// envelopes to whichever clients have subscribed to the envelope's
// project slug, per spec.md §6's WebSocket transport.
type Hub struct {
	bus eventbus.Bus
	log *logger.Logger

	mu      sync.RWMutex
	clients map[*Client]bool
}

// NewHub constructs a Hub fanning envelopes from bus out to clients.
func NewHub(bus eventbus.Bus, log *logger.Logger) *Hub {
	return &Hub{
		bus:     bus,
		log:     log.WithFields(zap.String("component", "ws_hub")),
		clients: make(map[*Client]bool),
	}
}

// Register adds a client and starts its read/write pumps. It blocks
// until the client's connection closes, at which point it unsubscribes
// the client from the bus — this in turn closes the subscriber channel
// and lets the write pump, running in its own goroutine, drain and exit.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
	h.log.Debug("client registered", zap.String("client_id", client.id))

	go client.writePump()
	client.readPump()

	h.unregister(client)
}

func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	h.bus.Unsubscribe(client.sub)
	h.log.Debug("client unregistered", zap.String("client_id", client.id))
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// writePump drains the subscriber's envelope channel, marshals each
// envelope, and writes it to the connection. It returns once the
// subscriber channel closes (the bus retired it) or a write fails.
func (c *Client) writePump() {
	defer c.conn.Close()
	for env := range c.sub.C {
		data, err := json.Marshal(env)
		if err != nil {
			c.log.Error("failed to marshal envelope", zap.Error(err))
			continue
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// readPump decodes inbound ws:subscribe/ws:unsubscribe control messages
// and adjusts the client's subscription set accordingly. Any other
// inbound frame is ignored; this transport is output-only otherwise.
func (c *Client) readPump() {
	defer c.conn.Close()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("failed to decode client frame", zap.Error(err))
			continue
		}
		c.handleControl(env)
	}
}

func (c *Client) handleControl(env protocol.Envelope) {
	raw, err := json.Marshal(env.Payload)
	if err != nil {
		return
	}
	var payload protocol.WSSubscribePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}
	if payload.ProjectSlug == "" {
		return
	}
	switch env.Kind {
	case protocol.KindWSSubscribe:
		c.hub.bus.SubscribeProject(c.sub, payload.ProjectSlug)
	case protocol.KindWSUnsubscribe:
		c.hub.bus.UnsubscribeProject(c.sub, payload.ProjectSlug)
	}
}

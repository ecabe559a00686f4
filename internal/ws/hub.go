// Package ws serves the operator live feed over websockets.
package ws

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"chatflow/internal/pubsub"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// StreamsProvider interface for event replay
type StreamsProvider interface {
	AcknowledgeSequence(ctx context.Context, channel, connectionID string, sequence int64) error
	ReplayEvents(ctx context.Context, channel string, sinceSeq int64, limit int64) ([]pubsub.StreamEvent, error)
}

// Hub manages WebSocket connections and channel subscriptions
type Hub struct {
	mu         sync.RWMutex
	conns      map[*Conn]bool
	subs       map[string]map[*Conn]bool // channel -> connections
	publish    chan Event
	log        *zap.Logger
	cmdHandler *CommandHandler
	streams    StreamsProvider
	ctx        context.Context
}

// Conn represents a WebSocket connection
type Conn struct {
	ws       *websocket.Conn
	send     chan []byte
	hub      *Hub
	operator string
	subs     map[string]bool
	closed   bool
}

// Event represents a message to be published
type Event struct {
	Channel string
	Message map[string]interface{}
}

// NewHub creates a new WebSocket hub
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		conns:   make(map[*Conn]bool),
		subs:    make(map[string]map[*Conn]bool),
		publish: make(chan Event, 256),
		log:     log,
		ctx:     context.Background(),
	}
}

// SetCommandHandler sets the command handler for processing WebSocket commands
func (h *Hub) SetCommandHandler(handler *CommandHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cmdHandler = handler
}

// SetStreamsProvider sets the streams provider for event replay
func (h *Hub) SetStreamsProvider(provider StreamsProvider) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.streams = provider
}

// Run fans published events out until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-h.publish:
			h.broadcast(event)
		}
	}
}

func (h *Hub) broadcast(event Event) {
	msg, err := json.Marshal(map[string]interface{}{
		"type":    "event",
		"channel": event.Channel,
		"data":    event.Message,
	})
	if err != nil {
		h.log.Warn("Failed to encode event", zap.String("channel", event.Channel), zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.subs[event.Channel]))
	for conn := range h.subs[event.Channel] {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		if !conn.enqueue(msg) {
			h.log.Warn("Operator connection too slow, dropping it", zap.String("operator", conn.operator))
			h.unregister(conn)
		}
	}
}

// Register adds a new connection to the hub
func (h *Hub) Register(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = true
}

func (h *Hub) unregister(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[conn]; !ok {
		return
	}
	delete(h.conns, conn)
	for channel := range conn.subs {
		if subs := h.subs[channel]; subs != nil {
			delete(subs, conn)
			if len(subs) == 0 {
				delete(h.subs, channel)
			}
		}
	}
	conn.closed = true
	close(conn.send)
}

// Subscribe adds a connection to a channel
func (h *Hub) Subscribe(conn *Conn, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[*Conn]bool)
	}
	h.subs[channel][conn] = true
	conn.subs[channel] = true
}

// Unsubscribe removes a connection from a channel
func (h *Hub) Unsubscribe(conn *Conn, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs := h.subs[channel]; subs != nil {
		delete(subs, conn)
		if len(subs) == 0 {
			delete(h.subs, channel)
		}
	}
	delete(conn.subs, channel)
}

// Subscribers counts connections on a channel
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}

// Publish sends an event to all subscribers of a channel
func (h *Hub) Publish(channel string, message map[string]interface{}) {
	select {
	case h.publish <- Event{Channel: channel, Message: message}:
	default:
		h.log.Warn("Hub publish channel full, dropping event", zap.String("channel", channel))
	}
}

// validChannel limits operators to the operator feed and session channels.
func validChannel(channel string) bool {
	if channel == pubsub.OperatorChannel {
		return true
	}
	id, ok := strings.CutPrefix(channel, "session:")
	return ok && id != ""
}

// NewConn creates a new connection
func NewConn(ws *websocket.Conn, hub *Hub, operator string) *Conn {
	return &Conn{
		ws:       ws,
		send:     make(chan []byte, 256),
		hub:      hub,
		operator: operator,
		subs:     make(map[string]bool),
	}
}

// enqueue reports false when the connection is closed or its buffer is full.
func (c *Conn) enqueue(msg []byte) bool {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// ReadPump handles reading from the WebSocket connection
func (c *Conn) ReadPump() {
	defer func() {
		c.hub.unregister(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(64 << 10)
	_ = c.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Error("WebSocket error", zap.Error(err))
			}
			break
		}

		var msg map[string]interface{}
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.log.Warn("Failed to parse message", zap.Error(err))
			continue
		}

		c.handleMessage(msg)
	}
}

// WritePump handles writing to the WebSocket connection
func (c *Conn) WritePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) handleMessage(msg map[string]interface{}) {
	msgType, _ := msg["type"].(string)
	channel, _ := msg["channel"].(string)

	switch msgType {
	case "subscribe":
		if !validChannel(channel) {
			c.sendError("invalid_channel", "cannot subscribe to "+channel)
			return
		}
		c.hub.Subscribe(c, channel)
		c.sendAck("subscribed", channel)
	case "unsubscribe":
		c.hub.Unsubscribe(c, channel)
		c.sendAck("unsubscribed", channel)
	case "ack":
		seq, _ := msg["seq"].(float64)
		if channel != "" && seq > 0 {
			c.hub.Acknowledge(c, channel, int64(seq))
		}
	case "resume":
		since, _ := msg["since"].(float64)
		if validChannel(channel) && since >= 0 {
			c.hub.Resume(c, channel, int64(since))
		}
	case "cmd":
		c.hub.mu.RLock()
		handler := c.hub.cmdHandler
		c.hub.mu.RUnlock()
		if handler == nil {
			c.sendError("unsupported", "commands are not enabled")
			return
		}
		handler.HandleCommand(c.hub.ctx, c, msg)
	case "ping":
		c.sendAck("pong", "")
	default:
		c.hub.log.Warn("Unknown message type", zap.String("type", msgType))
	}
}

func (c *Conn) sendJSON(v map[string]interface{}) {
	msg, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.enqueue(msg)
}

func (c *Conn) sendAck(ack, channel string) {
	msg := map[string]interface{}{"type": "ack", "ack": ack}
	if channel != "" {
		msg["channel"] = channel
	}
	c.sendJSON(msg)
}

func (c *Conn) sendError(code, message string) {
	c.sendJSON(map[string]interface{}{"type": "error", "code": code, "message": message})
}

// Acknowledge records an acknowledgment for a sequence number
func (h *Hub) Acknowledge(conn *Conn, channel string, sequence int64) {
	if h.streams == nil {
		return
	}
	if err := h.streams.AcknowledgeSequence(h.ctx, channel, conn.operator, sequence); err != nil {
		h.log.Warn("Failed to acknowledge sequence",
			zap.String("channel", channel),
			zap.Int64("sequence", sequence),
			zap.Error(err),
		)
	}
}

// Resume replays events from a given sequence number
func (h *Hub) Resume(conn *Conn, channel string, sinceSeq int64) {
	if h.streams == nil {
		conn.sendError("unsupported", "replay is not enabled")
		return
	}

	events, err := h.streams.ReplayEvents(h.ctx, channel, sinceSeq, 100)
	if err != nil {
		h.log.Error("Failed to replay events",
			zap.String("channel", channel),
			zap.Int64("since", sinceSeq),
			zap.Error(err),
		)
		conn.sendError("replay_failed", err.Error())
		return
	}

	for _, event := range events {
		data := make(map[string]interface{}, len(event.Event)+1)
		for k, v := range event.Event {
			data[k] = v
		}
		data["seq"] = event.Sequence
		conn.sendJSON(map[string]interface{}{
			"type":    "event",
			"channel": event.Channel,
			"replay":  true,
			"data":    data,
		})
	}

	h.log.Info("Resumed events",
		zap.String("channel", channel),
		zap.String("operator", conn.operator),
		zap.Int64("since", sinceSeq),
		zap.Int("count", len(events)),
	)
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smartrelay/relay-core/internal/auth"
	"github.com/smartrelay/relay-core/internal/control"
	"github.com/smartrelay/relay-core/internal/device"
	"github.com/smartrelay/relay-core/internal/infrastructure/config"
	"github.com/smartrelay/relay-core/internal/infrastructure/logging"
)

// WebSocket message types.
const (
	WSTypeAuth          = "auth"
	WSTypeSubscribe     = "subscribe_device"
	WSTypeUnsubscribe   = "unsubscribe_device"
	WSTypeDeviceControl = "device_control"
	WSTypePing          = "ping"

	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256
)

// TokenVerifier resolves bearer tokens to user accounts.
// Satisfied by *auth.Verifier.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (*auth.User, error)
}

// Controller dispatches device commands on behalf of an actor.
// Satisfied by *control.Dispatcher.
type Controller interface {
	Control(ctx context.Context, actor auth.Actor, deviceID int64, action string, params map[string]any) (*control.Result, error)
}

// clientMessage is an inbound message from a WebSocket client.
type clientMessage struct {
	Type     string         `json:"type"`
	Token    string         `json:"token,omitempty"`
	DeviceID int64          `json:"device_id,omitempty"`
	Action   string         `json:"action,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
}

// serverResponse answers one inbound client message.
type serverResponse struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp"`
}

// serverEvent is an unsolicited push to a client.
type serverEvent struct {
	Type      string         `json:"type"`
	Event     string         `json:"event"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
}

// Hub manages WebSocket connections, their authentication state, and
// the subscription indexes used for real-time fan-out.
type Hub struct {
	cfg      config.WebSocketConfig
	logger   *logging.Logger
	verifier TokenVerifier
	perms    *auth.Evaluator
	registry *device.Registry
	control  Controller

	mu         sync.RWMutex
	clients    map[*WSClient]struct{}
	deviceSubs map[int64]map[*WSClient]struct{}
	userConns  map[int64]map[*WSClient]struct{}

	ctx context.Context
}

// WSClient represents a connected WebSocket client.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// sendMu serialises sends against channel close so a push racing a
	// disconnect is either delivered or cleanly skipped.
	sendMu sync.Mutex
	closed bool

	mu            sync.RWMutex
	user          *auth.User
	subscriptions map[int64]struct{}
}

// upgrader configures the WebSocket upgrader. Connections authenticate
// in-band with an auth message, so the upgrade itself is open.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// NewHub creates a WebSocket hub.
func NewHub(cfg config.WebSocketConfig, verifier TokenVerifier, perms *auth.Evaluator, registry *device.Registry, controller Controller, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:        cfg,
		logger:     logger,
		verifier:   verifier,
		perms:      perms,
		registry:   registry,
		control:    controller,
		clients:    make(map[*WSClient]struct{}),
		deviceSubs: make(map[int64]map[*WSClient]struct{}),
		userConns:  make(map[int64]map[*WSClient]struct{}),
		ctx:        context.Background(),
	}
}

// Run starts the hub's main loop. It blocks until the context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.ctx = ctx
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", h.ClientCount())
}

// Unregister removes a client from the hub and all subscription indexes,
// then closes its send channel. The removal and the close are safe
// against concurrent pushes: trySend checks the closed flag under the
// same lock closeSend takes, so a racing push is delivered or skipped,
// never a send on a closed channel.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.removeFromIndexesLocked(client)
	h.mu.Unlock()

	client.closeSend()
	h.logger.Debug("websocket client disconnected", "clients", h.ClientCount())
}

// removeFromIndexesLocked drops a client from the per-device and
// per-user indexes. Caller must hold h.mu.
func (h *Hub) removeFromIndexesLocked(client *WSClient) {
	client.mu.RLock()
	user := client.user
	subs := make([]int64, 0, len(client.subscriptions))
	for id := range client.subscriptions {
		subs = append(subs, id)
	}
	client.mu.RUnlock()

	for _, id := range subs {
		if set, ok := h.deviceSubs[id]; ok {
			delete(set, client)
			if len(set) == 0 {
				delete(h.deviceSubs, id)
			}
		}
	}
	if user != nil {
		if set, ok := h.userConns[user.ID]; ok {
			delete(set, client)
			if len(set) == 0 {
				delete(h.userConns, user.ID)
			}
		}
	}
}

// bindUser records an authenticated identity for a client connection.
func (h *Hub) bindUser(client *WSClient, user *auth.User) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.mu.Lock()
	previous := client.user
	client.user = user
	client.mu.Unlock()

	if previous != nil {
		if set, ok := h.userConns[previous.ID]; ok {
			delete(set, client)
			if len(set) == 0 {
				delete(h.userConns, previous.ID)
			}
		}
	}

	set, ok := h.userConns[user.ID]
	if !ok {
		set = make(map[*WSClient]struct{})
		h.userConns[user.ID] = set
	}
	set[client] = struct{}{}
}

// subscribe adds a client to a device's subscriber set. Idempotent.
func (h *Hub) subscribe(client *WSClient, deviceID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.deviceSubs[deviceID]
	if !ok {
		set = make(map[*WSClient]struct{})
		h.deviceSubs[deviceID] = set
	}
	set[client] = struct{}{}

	client.mu.Lock()
	client.subscriptions[deviceID] = struct{}{}
	client.mu.Unlock()
}

// unsubscribe removes a client from a device's subscriber set.
func (h *Hub) unsubscribe(client *WSClient, deviceID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if set, ok := h.deviceSubs[deviceID]; ok {
		delete(set, client)
		if len(set) == 0 {
			delete(h.deviceSubs, deviceID)
		}
	}

	client.mu.Lock()
	delete(client.subscriptions, deviceID)
	client.mu.Unlock()
}

// PushDeviceEvent fans a device event out to the device's subscribers
// and to every connection of the owning user. Slow clients are skipped,
// never waited on.
func (h *Hub) PushDeviceEvent(deviceID, ownerID int64, kind string, payload map[string]any) {
	data, err := json.Marshal(serverEvent{
		Type:      "event",
		Event:     kind,
		Data:      payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		h.logger.Error("marshalling device event", "event", kind, "error", err)
		return
	}

	h.mu.RLock()
	recipients := make(map[*WSClient]struct{}, len(h.deviceSubs[deviceID])+len(h.userConns[ownerID]))
	for client := range h.deviceSubs[deviceID] {
		recipients[client] = struct{}{}
	}
	for client := range h.userConns[ownerID] {
		recipients[client] = struct{}{}
	}
	h.mu.RUnlock()

	for client := range recipients {
		client.trySend(data)
	}
	if len(recipients) > 0 {
		h.logger.Debug("device event pushed", "event", kind, "device_id", deviceID, "recipients", len(recipients))
	}
}

// pushToSubscribers delivers an event to a device's subscribers only.
func (h *Hub) pushToSubscribers(deviceID int64, kind string, payload map[string]any) {
	data, err := json.Marshal(serverEvent{
		Type:      "event",
		Event:     kind,
		Data:      payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}

	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.deviceSubs[deviceID]))
	for client := range h.deviceSubs[deviceID] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client.trySend(data)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeAll disconnects all clients and closes their send channels
// so writePump goroutines can exit cleanly.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.closeSend()
		if client.conn != nil {
			client.conn.Close()
		}
		delete(h.clients, client)
	}
	h.deviceSubs = make(map[int64]map[*WSClient]struct{})
	h.userConns = make(map[int64]map[*WSClient]struct{})
}

// newWSClient creates a client for a connection.
func newWSClient(hub *Hub, conn *websocket.Conn) *WSClient {
	return &WSClient{
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[int64]struct{}),
	}
}

// currentUser returns the authenticated user, or nil before auth.
func (c *WSClient) currentUser() *auth.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

// readPump reads messages from the WebSocket connection.
func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		// Any client message resets the read deadline (keeps connection alive
		// even if the client doesn't respond to protocol-level pings).
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		c.handleMessage(message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	pongWait := time.Duration(cfg.PongTimeout) * time.Second

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				// Hub closed the channel
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes an incoming WebSocket message. Every inbound
// message gets exactly one response; bad messages never close the
// connection.
func (c *WSClient) handleMessage(data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendFailure("invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeAuth:
		c.handleAuth(msg)
	case WSTypeSubscribe:
		c.handleSubscribe(msg)
	case WSTypeUnsubscribe:
		c.handleUnsubscribe(msg)
	case WSTypeDeviceControl:
		c.handleControl(msg)
	case WSTypePing:
		c.sendSuccess(map[string]any{"pong": true})
	default:
		c.sendFailure("unknown message type: " + msg.Type)
	}
}

// handleAuth verifies a bearer token and binds the identity to the connection.
func (c *WSClient) handleAuth(msg clientMessage) {
	if msg.Token == "" {
		c.sendFailure("token is required")
		return
	}

	user, err := c.hub.verifier.VerifyToken(c.hub.ctx, msg.Token)
	if err != nil {
		c.hub.logger.Debug("websocket auth rejected", "error", err)
		c.sendFailure("invalid or expired token")
		return
	}

	c.hub.bindUser(c, user)
	c.hub.logger.Info("websocket client authenticated", "user_id", user.ID, "role", user.Role)

	c.sendSuccess(map[string]any{
		"user_id": user.ID,
		"role":    user.Role,
	})
}

// handleSubscribe registers interest in a device's events. The actor
// must hold read access to the device. Duplicate subscriptions are
// idempotent.
func (c *WSClient) handleSubscribe(msg clientMessage) {
	user := c.currentUser()
	if user == nil {
		c.sendFailure("authentication required")
		return
	}
	if msg.DeviceID <= 0 {
		c.sendFailure("device_id is required")
		return
	}

	dev, err := c.hub.registry.GetDevice(c.hub.ctx, msg.DeviceID)
	if err != nil {
		c.sendFailure("device not found")
		return
	}

	if err := c.hub.perms.Can(c.hub.ctx, auth.ActorForUser(user), auth.CapabilityDeviceRead, dev.UserID); err != nil {
		c.sendFailure("access denied")
		return
	}

	c.hub.subscribe(c, dev.ID)
	c.sendSuccess(map[string]any{
		"subscribed": dev.ID,
		"status":     dev.Status,
	})
}

// handleUnsubscribe removes interest in a device's events.
func (c *WSClient) handleUnsubscribe(msg clientMessage) {
	if c.currentUser() == nil {
		c.sendFailure("authentication required")
		return
	}
	if msg.DeviceID <= 0 {
		c.sendFailure("device_id is required")
		return
	}

	c.hub.unsubscribe(c, msg.DeviceID)
	c.sendSuccess(map[string]any{"unsubscribed": msg.DeviceID})
}

// handleControl dispatches a device command for the authenticated user.
// On success the resulting state transition is pushed to the device's
// subscribers as a device_update event.
func (c *WSClient) handleControl(msg clientMessage) {
	user := c.currentUser()
	if user == nil {
		c.sendFailure("authentication required")
		return
	}
	if msg.DeviceID <= 0 {
		c.sendFailure("device_id is required")
		return
	}

	result, err := c.hub.control.Control(c.hub.ctx, auth.ActorForUser(user), msg.DeviceID, msg.Action, msg.Params)
	if err != nil {
		switch {
		case errors.Is(err, device.ErrDeviceNotFound):
			c.sendFailure("device not found")
		case errors.Is(err, auth.ErrForbidden):
			c.sendFailure("access denied")
		case errors.Is(err, control.ErrInvalidAction):
			c.sendFailure("unsupported action: " + msg.Action)
		default:
			c.hub.logger.Error("websocket command dispatch failed",
				"device_id", msg.DeviceID, "action", msg.Action, "error", err)
			c.sendFailure("command dispatch failed")
		}
		return
	}

	c.sendSuccess(map[string]any{
		"device_id": msg.DeviceID,
		"action":    result.Action,
		"delivered": result.Delivered,
		"status":    result.Command.Status,
	})

	c.hub.pushToSubscribers(msg.DeviceID, "device_update", map[string]any{
		"device_id": msg.DeviceID,
		"action":    result.Action,
		"status":    string(result.Command.Status),
	})
}

// trySend attempts to send data to the client's send channel.
// It silently skips disconnected clients and full buffers (slow client).
func (c *WSClient) trySend(data []byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.send <- data:
	default:
		// Client buffer full, skip
	}
}

// closeSend closes the send channel exactly once. Safe to call from
// both Unregister and hub shutdown.
func (c *WSClient) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// sendSuccess answers the current message affirmatively.
func (c *WSClient) sendSuccess(data any) {
	c.respond(serverResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// sendFailure answers the current message with an error. The connection
// stays open.
func (c *WSClient) sendFailure(message string) {
	c.respond(serverResponse{
		Success:   false,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// respond routes through trySend to safely handle closed channels
// during shutdown.
func (c *WSClient) respond(resp serverResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	c.trySend(data)
}

// Package gateway terminates the client transport and demultiplexes
// frames into core calls. A single Hub owns the room membership tables
// (org, user, role, and per-channel rooms) while each client runs its own
// read/write pumps; broadcasts never cross a tenant boundary.
package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/apierr"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/connection"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/logging"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/models"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/monitoring"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/subscription"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/tenant"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
	maxSubscribeChannels = 50
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Frame kinds exchanged over the bidirectional transport.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePublish     = "publish"
	FramePing        = "ping"
	FrameAck         = "ack"

	FrameConnected    = "connected"
	FrameSubscribed   = "subscribed"
	FrameUnsubscribed = "unsubscribed"
	FramePublished    = "published"
	FrameEvent        = "event"
	FramePong         = "pong"
	FrameHeartbeat    = "heartbeat"
	FrameError        = "error"
)

// InFrame is the envelope for every incoming client frame.
type InFrame struct {
	Type            string            `json:"type"`
	Channels        []string          `json:"channels,omitempty"`
	Filters         *models.Filter    `json:"filters,omitempty"`
	EventType       string            `json:"event_type,omitempty"`
	Channel         string            `json:"channel,omitempty"`
	Payload         map[string]any    `json:"payload,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	ClientTs        int64             `json:"client_ts,omitempty"`
	MessageID       string            `json:"message_id,omitempty"`
	OrganizationID  string            `json:"organization_id,omitempty"`
}

// OutFrame is the envelope for every outgoing server frame.
type OutFrame struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Channels  []string       `json:"channels,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
	Channel   string         `json:"channel,omitempty"`
	Event     *models.Event  `json:"event,omitempty"`
	Ts        int64          `json:"ts,omitempty"`
	Code      string         `json:"code,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// Publisher is the seam onto the Event Router: the gateway only depends on
// this narrow interface, not the router package's concrete type.
type Publisher interface {
	Publish(event models.Event) error
}

// Client is one live WebSocket connection bound to exactly one Principal
// for its lifetime.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	sessionID string
	principal tenant.Principal
	channels  map[string]struct{}
	mu        sync.RWMutex
	logger    logging.Logger
}

func (c *Client) channelList() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

// Hub owns the room registry: org:{orgId}, user:{userId}, role:{orgId}:{role},
// channel:{orgId}:{channel}. Broadcasts are addressed to rooms; the hub
// never emits to a client belonging to another tenant.
type Hub struct {
	logger  logging.Logger
	conns   *connection.Manager
	subs    *subscription.Manager
	router  Publisher
	metrics *monitoring.MetricsCollector

	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{} // room key -> clients
}

// NewHub creates a session gateway hub.
func NewHub(logger logging.Logger, conns *connection.Manager, subs *subscription.Manager, router Publisher, metrics *monitoring.MetricsCollector) *Hub {
	return &Hub{
		logger:  logger,
		conns:   conns,
		subs:    subs,
		router:  router,
		metrics: metrics,
		rooms:   make(map[string]map[*Client]struct{}),
	}
}

func roomOrg(orgID string) string                 { return "org:" + orgID }
func roomUser(userID string) string               { return "user:" + userID }
func roomRole(orgID, role string) string          { return "role:" + orgID + ":" + role }
func roomChannel(orgID, channel string) string     { return "channel:" + orgID + ":" + channel }

func (h *Hub) joinRoom(room string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]struct{})
	}
	h.rooms[room][c] = struct{}{}
}

func (h *Hub) leaveRoom(room string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.rooms[room]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) leaveAllRooms(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room, set := range h.rooms {
		if _, ok := set[c]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.rooms, room)
			}
		}
	}
}

// BroadcastToChannel implements router.Broadcaster: deliver event to every
// live session subscribed to (orgId, channel) whose userId is in
// matchedUserIDs, honoring tenant isolation unconditionally.
func (h *Hub) BroadcastToChannel(orgID, channel string, event models.Event, matchedUserIDs []string) {
	if event.OrgID != orgID {
		// Fatal invariant violation per the data model: never forward an
		// event across tenants.
		h.logger.WithFields(logging.Fields{"event_org": event.OrgID, "room_org": orgID}).Error("refusing cross-tenant broadcast")
		return
	}

	wanted := make(map[string]struct{}, len(matchedUserIDs))
	for _, u := range matchedUserIDs {
		wanted[u] = struct{}{}
	}

	h.mu.RLock()
	clients := h.rooms[roomChannel(orgID, channel)]
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		if c.principal.OrgID != orgID {
			continue
		}
		if len(wanted) > 0 {
			if _, ok := wanted[c.principal.UserID]; !ok && c.principal.UserID != "" {
				continue
			}
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	out := OutFrame{Type: FrameEvent, Channel: channel, Event: &event, Ts: time.Now().UnixMilli()}
	payload, err := json.Marshal(out)
	if err != nil {
		h.logger.WithError(err).Error("failed to marshal event frame")
		return
	}

	for _, c := range targets {
		c.deliver(payload, event.Priority)
	}
}

// deliver enqueues a frame for send, applying backpressure: when the
// outbound queue is at its high-water mark, NORMAL-priority frames are
// dropped while HIGH/CRITICAL/URGENT continue to be delivered.
func (c *Client) deliver(payload []byte, priority models.Priority) {
	select {
	case c.send <- payload:
	default:
		if priority.AtLeast(models.PriorityHigh) {
			// Queue full even for a high-priority frame: drop the oldest
			// buffered frame to make room rather than disconnect.
			select {
			case <-c.send:
			default:
			}
			select {
			case c.send <- payload:
			default:
			}
			return
		}
		// NORMAL or below: drop silently under backpressure.
	}
}

// ServeWS upgrades the connection, authenticates the handshake, and starts
// the read/write pumps. Unauthenticated handshakes are closed with
// AUTH_REQUIRED before the upgrade completes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, builder *tenant.Builder, clientType models.ClientType) {
	var principal tenant.Principal
	var err error
	if token := bearerFromRequest(r); token != "" {
		principal, err = builder.BuildFromBearer(token)
	} else if orgID := r.URL.Query().Get("organizationId"); orgID != "" {
		// Service callers may hand over an explicit identity pair instead
		// of a bearer token.
		principal, err = builder.BuildFromService(orgID, r.URL.Query().Get("userId"), nil, nil)
	} else {
		http.Error(w, "AUTH_REQUIRED", http.StatusUnauthorized)
		return
	}
	if err != nil {
		http.Error(w, "AUTH_REQUIRED", http.StatusUnauthorized)
		return
	}

	sess, err := h.conns.Register(principal, clientType)
	if err != nil {
		http.Error(w, "registration failed", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("failed to upgrade websocket connection")
		h.conns.Evict(sess.SessionID, "upgrade_failed")
		return
	}

	client := &Client{
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		sessionID: sess.SessionID,
		principal: principal,
		channels:  make(map[string]struct{}),
		logger:    h.logger,
	}

	h.joinRoom(roomOrg(principal.OrgID), client)
	if principal.UserID != "" {
		h.joinRoom(roomUser(principal.UserID), client)
	}
	for _, role := range principal.Roles {
		h.joinRoom(roomRole(principal.OrgID, role), client)
	}

	client.sendFrame(OutFrame{Type: FrameConnected, SessionID: sess.SessionID, Ts: time.Now().UnixMilli()})

	go client.writePump()
	go client.readPump()
}

func bearerFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
		return auth[7:]
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	return ""
}

func (c *Client) sendFrame(f OutFrame) {
	payload, err := json.Marshal(f)
	if err != nil {
		c.logger.WithError(err).Error("failed to marshal outgoing frame")
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (c *Client) sendError(code, message string) {
	c.sendFrame(OutFrame{Type: FrameError, Code: code, Message: message, Ts: time.Now().UnixMilli()})
}

func (c *Client) readPump() {
	defer func() {
		c.hub.leaveAllRooms(c)
		c.hub.conns.Evict(c.sessionID, "client_closed")
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).Warn("websocket connection error")
			}
			return
		}

		var in InFrame
		if err := json.Unmarshal(raw, &in); err != nil {
			c.sendError("invalid_argument", "malformed frame")
			continue
		}
		c.handleFrame(in)
	}
}

func (c *Client) handleFrame(in InFrame) {
	// Invariant: if organizationId appears in the payload it must equal
	// the session's orgId — the caller never gets to assert a different
	// tenant.
	if in.OrganizationID != "" && in.OrganizationID != c.principal.OrgID {
		c.sendError("permission_denied", "organizationId must match the session's tenant")
		return
	}

	if err := c.hub.conns.CheckRate(c.sessionID, connection.RateMessages); err != nil {
		c.sendError("rate_limited", "per-session message rate exceeded")
		return
	}

	switch in.Type {
	case FrameSubscribe:
		c.handleSubscribe(in)
	case FrameUnsubscribe:
		c.handleUnsubscribe(in)
	case FramePublish:
		c.handlePublish(in)
	case FramePing:
		hb, err := c.hub.conns.Heartbeat(c.sessionID, time.UnixMilli(in.ClientTs))
		if err != nil {
			c.sendError("not_found", "session no longer registered")
			return
		}
		_ = hb
		c.sendFrame(OutFrame{Type: FramePong, Ts: time.Now().UnixMilli()})
	case FrameAck:
		// Acknowledgment bookkeeping is handled by the Delivery Engine for
		// webhook receipts; a bare session-level ack is a no-op here.
	default:
		c.sendError("invalid_argument", "unknown frame type")
	}
}

func (c *Client) handleSubscribe(in InFrame) {
	if len(in.Channels) == 0 {
		c.sendFrame(OutFrame{Type: FrameSubscribed, Channels: c.channelList()})
		return
	}
	if len(in.Channels) > maxSubscribeChannels {
		c.sendError("invalid_argument", "cannot subscribe to more than 50 channels at once")
		return
	}

	filters := models.Filter{}
	if in.Filters != nil {
		filters = *in.Filters
	}

	for _, channel := range in.Channels {
		if _, err := c.hub.subs.Create(c.principal, channel, filters); err != nil {
			if ae, ok := apierr.As(err); ok && ae.Kind == apierr.KindConflict {
				// Already subscribed with the same filter: idempotent no-op.
			} else if ok {
				c.sendError(string(ae.Kind), ae.Message)
				continue
			}
		}
		c.mu.Lock()
		c.channels[channel] = struct{}{}
		c.mu.Unlock()
		c.hub.joinRoom(roomChannel(c.principal.OrgID, channel), c)
	}

	_ = c.hub.conns.SetChannels(c.sessionID, c.channelList())
	c.sendFrame(OutFrame{Type: FrameSubscribed, Channels: c.channelList()})
}

func (c *Client) handleUnsubscribe(in InFrame) {
	for _, channel := range in.Channels {
		c.mu.Lock()
		delete(c.channels, channel)
		c.mu.Unlock()
		c.hub.leaveRoom(roomChannel(c.principal.OrgID, channel), c)
	}
	_ = c.hub.conns.SetChannels(c.sessionID, c.channelList())
	c.sendFrame(OutFrame{Type: FrameUnsubscribed, Channels: c.channelList()})
}

func (c *Client) handlePublish(in InFrame) {
	if in.Channel == "" || in.EventType == "" {
		c.sendError("invalid_argument", "publish requires channel and event_type")
		return
	}

	event := models.Event{
		OrgID:     c.principal.OrgID,   // stamped from the principal, never the payload
		UserID:    c.principal.UserID,  // stamped from the principal, never the payload
		SessionID: c.sessionID,
		EventType: in.EventType,
		Channel:   in.Channel,
		Payload:   in.Payload,
		Metadata:  in.Metadata,
		Priority:  models.PriorityNormal,
		Status:    models.EventPending,
	}

	if err := c.hub.router.Publish(event); err != nil {
		if ae, ok := apierr.As(err); ok {
			c.sendError(string(ae.Kind), ae.Message)
			return
		}
		c.sendError("transient", "failed to publish event")
		return
	}

	c.sendFrame(OutFrame{Type: FramePublished, MessageID: in.MessageID, Channel: in.Channel, Ts: time.Now().UnixMilli()})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			c.sendFrame(OutFrame{Type: FrameHeartbeat, Ts: time.Now().UnixMilli()})
		}
	}
}

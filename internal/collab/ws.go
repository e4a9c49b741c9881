package collab

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"drawbridge/api/internal/store"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPingInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
	wsSendBuffer      = 64
)

// IdentityVerifier turns a bearer credential into a stable actor identity.
// The gateway consumes only the verified result, so any identity provider
// can stand behind this interface.
type IdentityVerifier interface {
	VerifyBearer(token string) (sub, name string, err error)
}

// Gateway upgrades HTTP requests to websocket sessions speaking the collab
// frame protocol: a handshake-first connect, then join/change/presence/
// leave/sheet:patch requests, with events pushed from the room side.
type Gateway struct {
	service  *Service
	verifier IdentityVerifier
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

func NewGateway(service *Service, verifier IdentityVerifier, logger zerolog.Logger) *Gateway {
	return &Gateway{
		service:  service,
		verifier: verifier,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

type wsFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsConnectParams struct {
	Token    string `json:"token,omitempty"`
	Slug     string `json:"slug,omitempty"`
	Password string `json:"password,omitempty"`
}

type wsJoinParams struct {
	DocumentID string `json:"documentId"`
}

type wsChangeParams struct {
	DocumentID  string `json:"documentId"`
	BaseVersion int64  `json:"baseVersion"`
	Ops         Ops    `json:"ops"`
}

type wsPresenceParams struct {
	DocumentID string          `json:"documentId"`
	Cursor     json.RawMessage `json:"cursor,omitempty"`
	Selection  json.RawMessage `json:"selection,omitempty"`
}

type wsSheetPatchParams struct {
	SheetID     string          `json:"sheetId"`
	BaseVersion int64           `json:"baseVersion"`
	Nodes       json.RawMessage `json:"nodes,omitempty"`
	Edges       json.RawMessage `json:"edges,omitempty"`
}

// wsConn is one live connection. A single writer goroutine drains send; the
// read loop owns the socket's inbound side.
type wsConn struct {
	gateway *Gateway
	conn    *websocket.Conn
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
	logger  zerolog.Logger

	id        string
	connected atomic.Bool
	seq       int64
	ident     Identity
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	socket, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		gateway: g,
		conn:    socket,
		send:    make(chan []byte, wsSendBuffer),
		ctx:     ctx,
		cancel:  cancel,
		id:      uuid.NewString(),
	}
	c.logger = g.logger.With().Str("conn_id", c.id).Logger()

	metricConnections.Inc()
	c.run()
}

// ConnID implements Subscriber.
func (c *wsConn) ConnID() string { return c.id }

// Send implements Subscriber. A full buffer drops the connection rather than
// blocking the broadcaster.
func (c *wsConn) Send(event string, payload any) {
	if err := c.sendEvent(event, payload); err != nil {
		metricDroppedConns.Inc()
		c.logger.Warn().Str("event", event).Msg("send buffer full, dropping connection")
		c.cancel()
		_ = c.conn.Close()
	}
}

func (c *wsConn) run() {
	defer c.close()
	go c.writeLoop()
	go c.pingLoop()
	c.readLoop()
}

func (c *wsConn) close() {
	c.cancel()
	c.gateway.service.Disconnect(c.id, c.ident)
	_ = c.conn.Close()
	metricConnections.Dec()
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.replyError("", "INVALID_FRAME", "malformed frame")
			continue
		}
		if frame.Type == "" {
			frame.Type = "req"
		}
		if frame.Type != "req" {
			c.replyError(frame.ID, "INVALID_FRAME", "unsupported frame type")
			continue
		}

		if !c.connected.Load() {
			// The handshake must come first; anything else refuses the
			// connection. Pre-connect frames are answered synchronously so
			// the refusal reaches the wire before the socket closes.
			if frame.Method != "connect" {
				c.writeErrorNow(frame.ID, "UNAUTHORIZED", "first request must be connect")
				return
			}
			if err := c.handleConnect(&frame); err != nil {
				c.writeErrorNow(frame.ID, "UNAUTHORIZED", err.Error())
				return
			}
			continue
		}

		c.handleRequest(&frame)
	}
}

func (c *wsConn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) handleConnect(frame *wsFrame) error {
	var params wsConnectParams
	if len(frame.Params) > 0 {
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			return errors.New("malformed connect params")
		}
	}

	switch {
	case strings.TrimSpace(params.Token) != "":
		sub, name, err := c.gateway.verifier.VerifyBearer(strings.TrimSpace(params.Token))
		if err != nil {
			return errors.New("invalid credential")
		}
		c.ident = Identity{ActorID: sub, Name: name}
	case strings.TrimSpace(params.Slug) != "":
		slug := strings.TrimSpace(params.Slug)
		link, err := c.gateway.service.store.GetShareLinkBySlug(c.ctx, slug)
		if err != nil {
			return errors.New("invalid credential")
		}
		if link == nil || !link.IsActive {
			return errors.New("invalid credential")
		}
		c.ident = Identity{
			ActorID:      guestActorID(slug, c.id),
			Name:         "Guest " + c.id[:8],
			IsGuest:      true,
			LinkSlug:     slug,
			LinkPassword: params.Password,
		}
	default:
		return errors.New("connect requires token or slug")
	}

	ok := true
	if err := c.writeNow(wsFrame{Type: "res", ID: frame.ID, OK: &ok, Payload: map[string]any{
		"actorId": c.ident.ActorID,
		"name":    c.ident.Name,
		"isGuest": c.ident.IsGuest,
	}}); err != nil {
		return err
	}
	c.connected.Store(true)
	c.logger.Info().Str("actor", c.ident.ActorID).Bool("guest", c.ident.IsGuest).Msg("connected")
	return nil
}

func (c *wsConn) handleRequest(frame *wsFrame) {
	switch frame.Method {
	case "join":
		c.handleJoin(frame)
	case "change":
		c.handleChange(frame)
	case "presence":
		c.handlePresence(frame)
	case "leave":
		c.handleLeave(frame)
	case "sheet:patch":
		c.handleSheetPatch(frame)
	case "ping":
		_ = c.sendResponse(frame.ID, true, map[string]any{"timestamp": time.Now().UnixMilli()}, nil)
	default:
		c.sendError(frame.ID, "UNKNOWN_METHOD", "unknown method "+frame.Method)
	}
}

func (c *wsConn) handleJoin(frame *wsFrame) {
	var params wsJoinParams
	if err := json.Unmarshal(frame.Params, &params); err != nil || params.DocumentID == "" {
		c.sendError(frame.ID, "INVALID_PARAMS", "join requires documentId")
		return
	}

	result, err := c.gateway.service.Join(c.ctx, c, c.ident, params.DocumentID)
	if err != nil {
		c.sendDomainError(frame.ID, err)
		return
	}
	_ = c.sendResponse(frame.ID, true, map[string]any{
		"snapshot":   result.Snapshot,
		"permission": result.Permission.String(),
		"actorId":    result.ActorID,
	}, nil)
}

func (c *wsConn) handleChange(frame *wsFrame) {
	var params wsChangeParams
	if err := json.Unmarshal(frame.Params, &params); err != nil || params.DocumentID == "" {
		c.sendError(frame.ID, "INVALID_PARAMS", "change requires documentId")
		return
	}

	version, err := c.gateway.service.Change(c.ctx, c.id, c.ident, params.DocumentID, params.BaseVersion, params.Ops)
	if errors.Is(err, store.ErrVersionConflict) {
		// The conflict goes back only to the sender, both as the response
		// and as a change:error event for clients driven by the event side.
		_ = c.sendEvent("change:error", map[string]any{
			"type":       "version_conflict",
			"documentId": params.DocumentID,
		})
		c.sendError(frame.ID, "CONFLICT", "version conflict, refetch the snapshot")
		return
	}
	if err != nil {
		c.sendDomainError(frame.ID, err)
		return
	}
	_ = c.sendResponse(frame.ID, true, map[string]any{"version": version}, nil)
}

func (c *wsConn) handlePresence(frame *wsFrame) {
	var params wsPresenceParams
	if err := json.Unmarshal(frame.Params, &params); err != nil || params.DocumentID == "" {
		return
	}
	// Fire-and-forget: no response frame even when the sender is not a
	// member.
	_ = c.gateway.service.Presence(c.id, c.ident, params.DocumentID, params.Cursor, params.Selection)
}

func (c *wsConn) handleLeave(frame *wsFrame) {
	var params wsJoinParams
	if err := json.Unmarshal(frame.Params, &params); err != nil || params.DocumentID == "" {
		c.sendError(frame.ID, "INVALID_PARAMS", "leave requires documentId")
		return
	}
	c.gateway.service.Leave(c.id, c.ident, params.DocumentID)
	_ = c.sendResponse(frame.ID, true, map[string]any{"ok": true}, nil)
}

func (c *wsConn) handleSheetPatch(frame *wsFrame) {
	var params wsSheetPatchParams
	if err := json.Unmarshal(frame.Params, &params); err != nil || params.SheetID == "" {
		c.sendError(frame.ID, "INVALID_PARAMS", "sheet:patch requires sheetId")
		return
	}

	result, err := c.gateway.service.SheetPatch(c.ctx, c.id, c.ident, params.SheetID, params.BaseVersion, params.Nodes, params.Edges)
	if err != nil {
		c.sendDomainError(frame.ID, err)
		return
	}
	_ = c.sendResponse(frame.ID, true, map[string]any{
		"sheetId": result.SheetID,
		"version": result.Version,
		"nodes":   result.Nodes,
		"edges":   result.Edges,
	}, nil)
}

func (c *wsConn) sendDomainError(id string, err error) {
	switch {
	case errors.Is(err, ErrForbidden):
		c.sendError(id, "FORBIDDEN", "forbidden")
	case errors.Is(err, ErrNotJoined):
		c.sendError(id, "FORBIDDEN", "not a room member")
	case errors.Is(err, sql.ErrNoRows):
		c.sendError(id, "NOT_FOUND", "not found")
	case errors.Is(err, ErrEmptyOps):
		c.sendError(id, "INVALID_PARAMS", "ops carry no operation")
	default:
		c.logger.Error().Err(err).Msg("request failed")
		c.sendError(id, "SERVER_ERROR", "server error")
	}
}

func (c *wsConn) sendResponse(id string, ok bool, payload any, wsErr *wsError) error {
	return c.enqueue(wsFrame{Type: "res", ID: id, OK: &ok, Payload: payload, Error: wsErr})
}

func (c *wsConn) sendEvent(event string, payload any) error {
	seq := atomic.AddInt64(&c.seq, 1)
	return c.enqueue(wsFrame{Type: "event", Event: event, Payload: payload, Seq: &seq})
}

func (c *wsConn) sendError(id, code, message string) {
	_ = c.sendResponse(id, false, nil, &wsError{Code: code, Message: message})
}

// replyError answers through the write loop once the handshake is done, and
// synchronously from the read loop before it. Pre-connect nothing else writes
// to the socket, so the direct write keeps the single-writer rule.
func (c *wsConn) replyError(id, code, message string) {
	if c.connected.Load() {
		c.sendError(id, code, message)
		return
	}
	c.writeErrorNow(id, code, message)
}

func (c *wsConn) writeErrorNow(id, code, message string) {
	ok := false
	_ = c.writeNow(wsFrame{Type: "res", ID: id, OK: &ok, Error: &wsError{Code: code, Message: message}})
}

func (c *wsConn) writeNow(frame wsFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) enqueue(frame wsFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

// guestActorID derives the synthetic guest identity from the link slug and
// the connection id.
func guestActorID(slug, connID string) string {
	s := slug
	if len(s) > 6 {
		s = s[:6]
	}
	id := connID
	if len(id) > 8 {
		id = id[:8]
	}
	return "guest_" + s + "_" + id
}

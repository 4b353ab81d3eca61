package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"go-relay/internal/middleware"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a frame to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Ping interval. Must be less than pongWait.
	maxMessageSize = 4096                // Maximum frame size accepted from a peer.

	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

var errSessionClosed = errors.New("session closed")

// client adapts one websocket connection to the Transport interface. Frames
// from broker consumers and broadcasts land in the buffered send channel and
// a single writePump goroutine drains it, so the connection only ever sees
// one writer.
type client struct {
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// SendFrame queues a frame for delivery. A closed session or a full send
// buffer is an error for this one delivery, not a session fault.
func (c *client) SendFrame(p []byte) error {
	select {
	case <-c.done:
		return errSessionClosed
	default:
	}

	select {
	case c.send <- p:
		return nil
	case <-c.done:
		return errSessionClosed
	default:
		return errors.New("send buffer full")
	}
}

func (c *client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// writePump pumps queued frames to the websocket connection and keeps the
// heartbeat alive. It exits when the session closes.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Handler wires authenticated websocket upgrades into the relay core.
type Handler struct {
	registry  *Registry
	router    *Router
	broker    Broker
	directory Directory
	logger    *zap.Logger
}

func NewHandler(registry *Registry, router *Router, broker Broker, directory Directory, logger *zap.Logger) *Handler {
	return &Handler{
		registry:  registry,
		router:    router,
		broker:    broker,
		directory: directory,
		logger:    logger,
	}
}

// ServeWS upgrades the request and runs the session until the peer goes
// away. Identity and role come from the auth middleware; a request that
// reaches here without them was never authenticated.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	identity, ok := r.Context().Value(middleware.IdentityKey).(string)
	role, ok2 := r.Context().Value(middleware.RoleKey).(string)
	if !ok || !ok2 || identity == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	h.HandleSession(identity, role, conn)
}

// HandleSession admits the session, sends the greeting frame, then runs the
// receive loop until the transport closes. Registry removal and the
// best-effort departure notice run on every exit path.
func (h *Handler) HandleSession(identity, role string, conn *websocket.Conn) {
	c := newClient(conn)
	token := h.registry.Add(identity, role, c)
	h.logger.Info("session connected",
		zap.String("identity", identity), zap.String("role", role),
		zap.Int("sessions", h.registry.Count()))

	ctx := context.Background()
	if err := h.directory.SetOnline(ctx, identity, role, token, ""); err != nil {
		h.logger.Warn("directory online update failed",
			zap.String("identity", identity), zap.Error(err))
	}
	if err := h.broker.EnsurePrivateQueue(identity); err != nil {
		h.logger.Warn("private queue setup failed",
			zap.String("identity", identity), zap.Error(err))
	}

	defer func() {
		h.teardown(ctx, identity, role, token)
		c.Close()
		h.logger.Info("session closed", zap.String("identity", identity))
	}()

	h.greet(c, identity)
	go c.writePump()
	h.readLoop(ctx, c, identity, role)
}

// teardown runs on every session exit path. Everything here is gated on the
// token still owning the registry entry: when a reconnect has replaced the
// session, the live session's private consumer and directory record belong
// to it, and the stale teardown must not touch them.
func (h *Handler) teardown(ctx context.Context, identity, role, token string) {
	group, removed := h.registry.Remove(identity, token)
	if !removed {
		return
	}
	h.broker.RemovePrivateQueue(identity)
	if group != "" {
		h.router.notifyDeparture(identity, role, group)
	}
	if err := h.directory.SetOffline(ctx, identity, token); err != nil {
		h.logger.Warn("directory offline update failed",
			zap.String("identity", identity), zap.Error(err))
	}
}

func (h *Handler) greet(c *client, identity string) {
	greeting, err := json.Marshal(Envelope{
		Type:      TypeSystem,
		Content:   "connected as " + identity,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := c.SendFrame(greeting); err != nil {
		h.logger.Warn("greeting delivery failed", zap.String("identity", identity), zap.Error(err))
	}
}

// readLoop is the one long-lived task per session: it blocks on the next
// frame and feeds the router sequentially, which is what preserves
// per-session ordering.
func (h *Handler) readLoop(ctx context.Context, c *client, identity, role string) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("session read error",
					zap.String("identity", identity), zap.Error(err))
			}
			return
		}
		h.router.HandleFrame(ctx, identity, role, raw)
	}
}

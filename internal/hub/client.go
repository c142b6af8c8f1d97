package hub

import (
	"encoding/json"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/agenthub/internal/protocol"
	"github.com/haasonsaas/agenthub/internal/ratelimit"
)

const (
	// clientReadLimit admits DOM mirrors and base64 file bodies.
	clientReadLimit  = 8 << 20
	clientSendBuffer = 256

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// lockedOutMsg is returned during a lockout window without consulting the
// presented token.
const lockedOutMsg = "Too many failed attempts"

// Client is one WebSocket connection on the client plane. The read loop
// owns inbound dispatch; the write loop owns the socket for writes and
// pings. Everything outbound goes through the send channel.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	id          string
	remoteAddr  string
	connectedAt time.Time

	authed atomic.Bool

	// deviceID and subscribed are guarded by hub.mu.
	deviceID   string
	subscribed map[string]struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func (h *Hub) handleClientWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("client upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}
	c := &Client{
		hub:         h,
		conn:        conn,
		send:        make(chan []byte, clientSendBuffer),
		id:          uuid.NewString(),
		remoteAddr:  r.RemoteAddr,
		connectedAt: h.now(),
		subscribed:  make(map[string]struct{}),
		done:        make(chan struct{}),
	}
	h.addClient(c)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		c.run()
	}()
}

func (c *Client) run() {
	defer c.hub.dropClient(c)
	defer c.shutdown()
	go c.writeLoop()
	c.readLoop()
}

func (c *Client) readLoop() {
	c.conn.SetReadLimit(clientReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.handleFrame(data)
		select {
		case <-c.done:
			return
		default:
		}
	}
}

// handleFrame validates and dispatches one inbound frame. A panic in a
// handler drops the frame, not the daemon.
func (c *Client) handleFrame(data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			c.hub.log.Error("panic handling client frame",
				"conn", c.id, "panic", rec, "stack", string(debug.Stack()))
			c.sendError("", "internal error", CodeInternal)
		}
	}()

	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		c.sendError("", err.Error(), CodeValidation)
		return
	}
	if err := protocol.ValidateClientFrame(env.Type, data); err != nil {
		c.sendError(env.ID, err.Error(), CodeValidation)
		return
	}
	if !c.authed.Load() {
		c.handleAuth(env, data)
		return
	}
	c.hub.dispatchClient(c, env, data)
}

// handleAuth enforces the handshake: the first frame must be auth, and a
// locked-out address is refused before the token is even looked at.
func (c *Client) handleAuth(env protocol.Envelope, data []byte) {
	if env.Type != protocol.TypeAuth {
		c.sendError(env.ID, "authentication required", CodeAuth)
		c.shutdown()
		return
	}
	var msg protocol.Auth
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError(env.ID, "invalid auth frame", CodeValidation)
		c.shutdown()
		return
	}

	addr := ratelimit.CanonicalAddr(c.remoteAddr)
	if locked, _ := c.hub.lockout.Locked(addr); locked {
		c.enqueueFrame(protocol.NewAuthResult(env.ID, false, lockedOutMsg))
		c.shutdown()
		return
	}
	if !c.hub.authorize(addr, msg.Token, c.hub.clientToken()) {
		c.hub.lockout.RecordFailure(addr)
		if c.hub.metrics != nil {
			c.hub.metrics.RecordAuthFailure()
		}
		c.hub.log.Warn("client auth failed", "conn", c.id, "addr", addr)
		c.enqueueFrame(protocol.NewAuthResult(env.ID, false, "invalid token"))
		c.shutdown()
		return
	}

	c.hub.lockout.Reset(addr)
	c.hub.finishAuth(c, msg.DeviceID)

	res := protocol.NewAuthResult(env.ID, true, "")
	res.ClientID = c.id
	res.HubName = c.hub.hubName()
	c.enqueueFrame(res)
	if key := c.hub.vapidKey(); key != "" {
		c.enqueueFrame(&protocol.VapidPublicKey{
			Envelope: protocol.Envelope{Type: protocol.TypeVapidPublicKey},
			Key:      key,
		})
	}
	c.hub.log.Info("client authenticated", "conn", c.id, "addr", addr)
}

func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			// Flush what is queued so auth failures reach the peer
			// before the close frame.
			c.drain()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case data := <-c.send:
			if !c.write(data) {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(data []byte) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.hub.log.Debug("client write failed", "conn", c.id, "error", err)
		return false
	}
	return true
}

func (c *Client) drain() {
	for {
		select {
		case data := <-c.send:
			if !c.write(data) {
				return
			}
		default:
			return
		}
	}
}

// shutdown begins teardown; safe to call more than once and from any
// goroutine. The write loop notices and closes the socket.
func (c *Client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// enqueue hands a frame to the write loop without blocking. Returns false
// on buffer overflow; frames to an already-closing client report success
// and vanish.
func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) enqueueFrame(frame any) {
	data, err := protocol.Marshal(frame)
	if err != nil {
		c.hub.log.Error("frame encode failed", "conn", c.id, "error", err)
		return
	}
	if !c.enqueue(data) {
		c.hub.slowClient(c)
	}
}

func (c *Client) sendError(id, message, code string) {
	c.enqueueFrame(protocol.NewError(id, message, code))
}

package hub

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/Dancode-188/synckit/internal/auth"
	"github.com/Dancode-188/synckit/internal/logging"
	"github.com/Dancode-188/synckit/internal/metrics"
	"github.com/Dancode-188/synckit/internal/protocol"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = (pongWait * 9) / 10

	sendQueueSize = 256
)

// ErrSendQueueFull is returned when a client cannot keep up with its
// outbound queue.
var ErrSendQueueFull = errors.New("send queue is full")

// Connection is one WebSocket client. The pumps own the socket; all
// other goroutines reach the client only through the send queue.
type Connection struct {
	ID       string
	ClientIP string

	UserID        string
	ClientID      string
	Authenticated bool
	Token         *auth.TokenPayload

	Subscriptions          map[string]bool
	AwarenessSubscriptions map[string]bool
	ConnectedAt            time.Time

	conn net.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
	log  zerolog.Logger
}

// NewConnection wraps an upgraded socket. conn may be nil in tests that
// only exercise the hub and read frames straight off the send queue.
func NewConnection(id, clientIP string, conn net.Conn, log zerolog.Logger) *Connection {
	return &Connection{
		ID:                     id,
		ClientIP:               clientIP,
		Subscriptions:          make(map[string]bool),
		AwarenessSubscriptions: make(map[string]bool),
		ConnectedAt:            time.Now(),
		conn:                   conn,
		send:                   make(chan []byte, sendQueueSize),
		done:                   make(chan struct{}),
		log:                    log.With().Str("connId", id).Logger(),
	}
}

// SendMessage encodes and queues one frame. A full queue means the
// client is too slow; the caller decides whether to drop it.
func (c *Connection) SendMessage(messageType string, payload map[string]any) error {
	data, err := protocol.Encode(messageType, payload, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		metrics.MessageSent(len(data))
		return nil
	case <-c.done:
		return net.ErrClosed
	default:
		return ErrSendQueueFull
	}
}

// SendError sends an error frame with a stable machine-readable code.
func (c *Connection) SendError(errorMsg, errorCode string) error {
	metrics.WireError(errorCode)
	return c.SendMessage(protocol.TypeError, map[string]any{
		"id":    GenerateID(),
		"error": errorMsg,
		"code":  errorCode,
	})
}

// Close shuts the connection down exactly once.
func (c *Connection) Close() {
	c.once.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// Done reports connection teardown to the pumps.
func (c *Connection) Done() <-chan struct{} { return c.done }

// ReadPump reads client frames and hands them to the hub until the
// socket errors or closes. Runs as the connection's main goroutine.
func (c *Connection) ReadPump(h *Hub) {
	defer func() {
		h.Unregister(c)
		c.Close()
	}()
	defer logging.RecoverPanic(c.log, "read-pump", nil)

	for {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}

		switch op {
		case ws.OpBinary, ws.OpText:
			h.Dispatch(c, msg)
		case ws.OpPing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			wsutil.WriteServerMessage(c.conn, ws.OpPong, msg)
		case ws.OpClose:
			return
		}
	}
}

// WritePump drains the send queue onto the socket and keeps the
// connection alive with protocol-level pings.
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	defer logging.RecoverPanic(c.log, "write-pump", nil)

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				wsutil.WriteServerMessage(c.conn, ws.OpClose, nil)
				return
			}
			if err := wsutil.WriteServerMessage(c.conn, ws.OpBinary, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// GenerateID returns a random 128-bit hex identifier.
func GenerateID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

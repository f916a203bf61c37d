package handlers

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/suPer8Hu/debug-collab/internal/collab"
)

const (
	writeWait       = 10 * time.Second
	defaultPongWait = 60 * time.Second
	maxMessageSize  = 2 << 20
	sendBuffer      = 256
)

// wsChannel is a collab.Channel over a websocket. Send only enqueues; the
// write pump is the connection's single writer.
type wsChannel struct {
	conn       *websocket.Conn
	pingPeriod time.Duration
	send       chan []byte
	done       chan struct{}
	once       sync.Once

	closeCode   int
	closeReason string
}

func newWSChannel(conn *websocket.Conn, pongWait time.Duration) *wsChannel {
	return &wsChannel{
		conn:       conn,
		pingPeriod: (pongWait * 9) / 10,
		send:       make(chan []byte, sendBuffer),
		done:       make(chan struct{}),
	}
}

func (c *wsChannel) Send(msg collab.Outbound) error {
	b, err := collab.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return collab.ErrChannelClosed
	default:
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return collab.ErrChannelClosed
	default:
		return collab.ErrChannelFull
	}
}

// Close is the shutdown path (Registry.CloseAll).
func (c *wsChannel) Close() error {
	c.closeWith(websocket.CloseGoingAway, "server shutting down")
	return nil
}

// leave ends a connection whose read loop is done.
func (c *wsChannel) leave() {
	c.closeWith(websocket.CloseNormalClosure, "")
}

func (c *wsChannel) closeWith(code int, reason string) {
	c.once.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

func (c *wsChannel) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case b := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			c.flush()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(c.closeCode, c.closeReason),
				time.Now().Add(writeWait))
			return
		}
	}
}

// flush writes whatever was queued before close.
func (c *wsChannel) flush() {
	for {
		select {
		case b := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		default:
			return
		}
	}
}

func closePolicy(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(writeWait))
	_ = conn.Close()
}

// JoinSession upgrades to a websocket and runs the connection's read loop.
// Frames are handled one at a time, in arrival order.
func (h *Handler) JoinSession(c *gin.Context) {
	sessionID := c.Param("session_id")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrader already replied with an HTTP error
		log.Printf("[JoinSession] upgrade failed session_id=%s err=%v", sessionID, err)
		return
	}

	if _, ok := h.Registry.GetSession(sessionID); !ok {
		closePolicy(conn, "session not found")
		return
	}

	pongWait := h.Cfg.WSPongWait
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}

	ch := newWSChannel(conn, pongWait)
	go ch.writePump()

	connID, err := h.Engine.Join(sessionID, ch)
	if err != nil {
		if errors.Is(err, collab.ErrSessionNotFound) {
			ch.closeWith(websocket.ClosePolicyViolation, "session not found")
		} else {
			log.Printf("[JoinSession] join failed session_id=%s err=%v", sessionID, err)
			ch.closeWith(websocket.CloseInternalServerErr, "join failed")
		}
		return
	}
	defer func() {
		h.Engine.Leave(sessionID, connID)
		ch.leave()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx := c.Request.Context()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Printf("[JoinSession] read failed session_id=%s conn_id=%s err=%v", sessionID, connID, err)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		h.Engine.Handle(ctx, sessionID, connID, data)
		// Handle blocks for the whole analysis; pongs that arrived meanwhile
		// are still unread, so restart the window from here.
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

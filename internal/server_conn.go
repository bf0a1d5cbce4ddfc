package internal

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"relaychat/internal/relay"
)

// wsClient is the relay.Sink for one websocket. Events are queued on send and
// written by writePump; a full queue evicts the client.
type wsClient struct {
	conn *websocket.Conn
	send chan relay.Outbound
	log  *zap.Logger

	mu      sync.Mutex
	closed  bool
	onEvict func()
}

func newWSClient(conn *websocket.Conn, buffer int, log *zap.Logger, onEvict func()) *wsClient {
	return &wsClient{
		conn:    conn,
		send:    make(chan relay.Outbound, buffer),
		log:     log,
		onEvict: onEvict,
	}
}

func (c *wsClient) Send(event relay.Outbound) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- event:
		return true
	default:
		// The client can't keep up: closing send makes writePump hang up,
		// which ends readPump and runs the normal close path.
		c.closed = true
		close(c.send)
		if c.onEvict != nil {
			c.onEvict()
		}
		return false
	}
}

func (c *wsClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case event, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			payload, err := encodeOutbound(event)
			if err != nil {
				c.log.Error("encode outbound", zap.String("event", event.Name()), zap.Error(err))
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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

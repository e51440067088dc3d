package websocket

import (
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yegors/streamcaptioner/pkg/logger"
)

// peer owns one connection. Only writePump writes to the connection.
type peer struct {
	conn   *websocket.Conn
	config Config
	logger *logger.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// enqueueLocked queues data without blocking. A full queue closes the peer.
func (p *peer) enqueueLocked(data []byte) bool {
	if p.closed {
		return false
	}
	select {
	case p.send <- data:
		return true
	default:
		p.closeLocked()
		return false
	}
}

func (p *peer) enqueue(data []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enqueueLocked(data)
}

func (p *peer) closeLocked() {
	if p.closed {
		return
	}
	p.closed = true
	if p.send != nil {
		close(p.send)
	}
}

func (p *peer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
}

func (p *peer) writePump() {
	ticker := time.NewTicker(p.config.PingInterval)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				p.logger.Debug("WebSocket write failed", logger.Error(err))
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.logger.Debug("WebSocket ping failed", logger.Error(err))
				return
			}
		}
	}
}

// readPump consumes client frames until the connection fails or the peer stops answering pings
func (p *peer) readPump() {
	pongWait := 2 * p.config.PingInterval
	extend := func() { _ = p.conn.SetReadDeadline(time.Now().Add(pongWait)) }

	p.conn.SetReadLimit(maxMessageSize)
	extend()
	p.conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		mt, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				p.logger.Debug("WebSocket closed unexpectedly", logger.Error(err))
			}
			return
		}
		extend()

		if mt == websocket.TextMessage && strings.TrimSpace(string(data)) == "ping" {
			p.enqueue([]byte("pong"))
		}
	}
}

package http

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kauschie/knewit/internal/domain"
)

// wsConn adapts a websocket to hub.Transport. Sends enqueue onto a bounded buffer drained by a
// single writer goroutine, so a slow peer only ever fills its own buffer.
type wsConn struct {
	conn         *websocket.Conn
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
}

func newWSConn(conn *websocket.Conn, buffer int, writeTimeout time.Duration) *wsConn {
	return &wsConn{
		conn:         conn,
		send:         make(chan []byte, buffer),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
}

func (c *wsConn) Send(data []byte) error {
	select {
	case <-c.done:
		return domain.ErrConnectionClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return domain.ErrBackpressure
	}
}

// Close stops the writer after it flushes what is already queued.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *wsConn) writePump() {
	defer c.conn.Close()
	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		}
	}
}

func (c *wsConn) flush() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsConn) write(data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

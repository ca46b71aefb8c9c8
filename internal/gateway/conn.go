package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 512 * 1024
)

// wsConn wraps a websocket connection with a single-writer loop and
// ping/pong keepalive. All writes funnel through writeCh so the gorilla
// one-writer rule holds.
type wsConn struct {
	conn      *websocket.Conn
	writeCh   chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn) *wsConn {
	c := &wsConn{
		conn:    conn,
		writeCh: make(chan []byte, 256),
		closeCh: make(chan struct{}),
	}

	conn.SetReadLimit(maxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.writeLoop()
	return c
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data := <-c.writeCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closeCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// write queues data for the write loop. It fails rather than blocks when
// the connection is saturated or closing.
func (c *wsConn) write(data []byte) error {
	select {
	case c.writeCh <- data:
		return nil
	case <-c.closeCh:
		return fmt.Errorf("connection closed")
	default:
		return fmt.Errorf("write buffer full")
	}
}

// read blocks for the next message from the gateway.
func (c *wsConn) read() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
	})
}

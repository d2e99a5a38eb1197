package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeDeadline = 10 * time.Second
	closeGrace    = time.Second
)

// socketTransport adapts a gorilla connection to Transport.  One goroutine
// (writePump) owns all data writes; control frames go through WriteControl,
// which gorilla allows concurrently with the writer.
type socketTransport struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

func newSocketTransport(conn *websocket.Conn, buffer int) *socketTransport {
	return &socketTransport{
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (t *socketTransport) Send(frame []byte) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}
	select {
	case t.send <- frame:
		return nil
	case <-t.done:
		return ErrTransportClosed
	default:
		return ErrBackpressure
	}
}

func (t *socketTransport) Ping() error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline))
}

// Close sends a close frame with code and reason, then tears the socket down.
// Safe to call more than once.
func (t *socketTransport) Close(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		msg := websocket.FormatCloseMessage(code, truncateReason(reason))
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		err = t.conn.Close()
	})
	return err
}

func (t *socketTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// writePump drains the send queue until Close.
func (t *socketTransport) writePump() {
	for {
		select {
		case <-t.done:
			return
		case frame := <-t.send:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				// The read pump sees the dead socket and releases the connection.
				_ = t.conn.Close()
				return
			}
		}
	}
}

// Close reasons must fit in a 125-byte control frame next to the 2-byte code.
func truncateReason(reason string) string {
	const maxReason = 123
	if len(reason) <= maxReason {
		return reason
	}
	return reason[:maxReason]
}

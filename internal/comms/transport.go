package comms

import (
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait is the maximum time allowed to write a message to the peer.
	// A write that does not complete within this window fails the connection —
	// this prevents a stalled peer from blocking the send loop forever.
	writeWait = 10 * time.Second
)

// Transport is the reliable, message-oriented, full-duplex channel under a
// Connection. Fragment reassembly happens below this interface: ReadMessage
// blocks until one complete message is available and returns it whole.
//
// The production implementation wraps a gorilla/websocket connection; tests
// substitute an in-memory pipe.
type Transport interface {
	// ReadMessage blocks until the next complete inbound message arrives.
	// It returns an error satisfying IsClosedError when the peer closed the
	// channel (cleanly or by dropping the link).
	ReadMessage() ([]byte, error)

	// WriteMessage writes one complete message to the peer.
	WriteMessage(data []byte) error

	// Close tears down the underlying channel. Safe to call more than once.
	Close() error
}

// upgrader performs the HTTP → WebSocket protocol upgrade. CheckOrigin
// always returns true — origin validation is the responsibility of the
// reverse proxy in production deployments.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Upgrade completes the WebSocket handshake and returns a Transport wrapping
// the resulting connection. On failure the upgrader has already written the
// error response.
func Upgrade(w http.ResponseWriter, r *http.Request) (Transport, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &wsTransport{conn: conn}, nil
}

// wsTransport adapts a gorilla/websocket connection to the Transport
// interface. gorilla connections are not safe for concurrent writes; the
// Connection's send loop is the only writer.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	// Best-effort close frame so well-behaved peers see a clean shutdown.
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	return t.conn.Close()
}

// IsClosedError reports whether err represents the peer closing the channel,
// either with a close frame or by dropping the link mid-stream (premature
// disconnect). Both are treated as a normal close; any other transport error
// is fatal for the connection.
func IsClosedError(err error) bool {
	if err == nil {
		return false
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure,
	) {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}

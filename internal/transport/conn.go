// Package transport carries protocol messages over websockets and plain
// TCP streams and runs the login handshake in front of a session.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"layersync/server/internal/protocol"
)

const DefaultWriteTimeout = 15 * time.Second

// Conn is a message oriented connection. WriteMessage is safe for
// concurrent use; ReadMessage is not.
type Conn interface {
	ReadMessage() (protocol.Message, error)
	WriteMessage(protocol.Message) error
	SetReadDeadline(time.Time) error
	RemoteAddr() string
	Close() error
}

// ErrClosed is returned by reads on a connection the peer or this side
// closed.
var ErrClosed = errors.New("connection closed")

type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
}

// NewWebSocketConn wraps ws. Every protocol message travels as one binary
// websocket message.
func NewWebSocketConn(ws *websocket.Conn, writeTimeout time.Duration) Conn {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	ws.SetReadLimit(protocol.MaxFrameSize)
	return &wsConn{ws: ws, writeTimeout: writeTimeout}
}

func (c *wsConn) ReadMessage() (protocol.Message, error) {
	typ, b, err := c.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return protocol.Message{}, ErrClosed
		}
		return protocol.Message{}, err
	}
	if typ != websocket.BinaryMessage {
		return protocol.Message{}, fmt.Errorf("websocket message type %d: %w", typ, protocol.ErrMalformed)
	}
	return protocol.UnmarshalMessage(b)
}

func (c *wsConn) WriteMessage(m protocol.Message) error {
	b, err := m.Marshal()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, b)
}

func (c *wsConn) SetReadDeadline(t time.Time) error { return c.ws.SetReadDeadline(t) }

func (c *wsConn) RemoteAddr() string { return c.ws.RemoteAddr().String() }

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.ws.Close()
}

type streamConn struct {
	conn         net.Conn
	reader       *protocol.FrameReader
	writer       *protocol.FrameWriter
	writeTimeout time.Duration

	writeMu sync.Mutex
}

// NewStreamConn frames messages over a raw byte stream with varint length
// prefixes.
func NewStreamConn(conn net.Conn, writeTimeout time.Duration) Conn {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &streamConn{
		conn:         conn,
		reader:       protocol.NewFrameReader(conn),
		writer:       protocol.NewFrameWriter(conn),
		writeTimeout: writeTimeout,
	}
}

func (c *streamConn) ReadMessage() (protocol.Message, error) {
	m, err := c.reader.ReadMessage()
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return protocol.Message{}, ErrClosed
	}
	return m, err
}

func (c *streamConn) WriteMessage(m protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.writer.WriteMessage(m)
}

func (c *streamConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }

func (c *streamConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *streamConn) Close() error { return c.conn.Close() }

// DialWebSocket connects to a server's websocket endpoint, e.g.
// ws://host:8080/ws.
func DialWebSocket(ctx context.Context, url string) (Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWebSocketConn(ws, 0), nil
}

// DialTCP connects to a server's stream listener.
func DialTCP(ctx context.Context, addr string) (Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewStreamConn(conn, 0), nil
}

// Package client connects to a session over a transport connection and
// keeps a speculative local view of the canvas through a fork engine.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"layersync/server/internal/canvas"
	"layersync/server/internal/dump"
	"layersync/server/internal/fork"
	"layersync/server/internal/protocol"
	"layersync/server/internal/replica"
	"layersync/server/internal/transport"
)

const (
	DefaultPingInterval = 30 * time.Second
	defaultEventBuffer  = 64
)

// ServerError is an error notice the server sent before closing the
// connection.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

var ErrClosed = errors.New("client closed")

type Options struct {
	Username  string
	Token     string
	SessionID string
	Host      bool
	UndoDepth int

	PingInterval time.Duration
	// Dump, if set, receives a debug dump of every input the fork engine
	// handles. It is flushed when the connection ends.
	Dump io.Writer
}

// EventType classifies notices that do not change the canvas directly.
type EventType int

const (
	EventDenied EventType = iota + 1
	EventReset
	EventSizeWarning
)

type Event struct {
	Type        EventType
	Deny        protocol.Deny
	Reset       protocol.ResetNotice
	SizeWarning protocol.SizeWarning
}

// Client is one logged in connection. It is safe for concurrent use.
type Client struct {
	conn    transport.Conn
	welcome protocol.Welcome
	opts    Options

	mu     sync.Mutex
	engine *fork.Engine
	rec    *dump.Recorder

	changes chan canvas.Change
	events  chan Event
	done    chan struct{}
	stop    context.CancelFunc
	closing atomic.Bool
	err     error
}

// Connect logs in on conn, consumes the catch-up and starts receiving.
// conn is closed if Connect fails.
func Connect(ctx context.Context, conn transport.Conn, opts Options) (*Client, error) {
	c, err := connect(ctx, conn, opts)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

func connect(ctx context.Context, conn transport.Conn, opts Options) (*Client, error) {
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	err := conn.WriteMessage(protocol.Message{Type: protocol.MsgLogin, Login: &protocol.Login{
		Version:   protocol.Version,
		Username:  opts.Username,
		Token:     opts.Token,
		SessionID: opts.SessionID,
		Host:      opts.Host,
	}})
	if err != nil {
		return nil, fmt.Errorf("send login: %w", err)
	}

	msg, err := expect(conn, protocol.MsgWelcome)
	if err != nil {
		return nil, err
	}
	welcome := *msg.Welcome
	msg, err = expect(conn, protocol.MsgCatchup)
	if err != nil {
		return nil, err
	}
	catchup := *msg.Catchup

	engine, err := fork.FromCatchup(welcome.UserID, catchup.Snapshot, nil, opts.UndoDepth)
	if err != nil {
		return nil, fmt.Errorf("catch up: %w", err)
	}
	c := &Client{
		conn:    conn,
		welcome: welcome,
		opts:    opts,
		engine:  engine,
		changes: make(chan canvas.Change, defaultEventBuffer),
		events:  make(chan Event, defaultEventBuffer),
		done:    make(chan struct{}),
	}
	if opts.Dump != nil {
		c.rec, err = dump.NewRecorder(opts.Dump, dump.Header{
			User:      welcome.UserID,
			Base:      catchup.Snapshot,
			UndoDepth: opts.UndoDepth,
		})
		if err != nil {
			return nil, err
		}
	}
	for i := uint32(0); i < catchup.Count; i++ {
		msg, err := expect(conn, protocol.MsgCommand)
		if err != nil {
			return nil, err
		}
		c.engine.Receive(*msg.Command)
		c.record(dump.Entry{Type: dump.EntryRemote, Command: *msg.Command})
	}
	if _, err := expect(conn, protocol.MsgCaughtUp); err != nil {
		return nil, err
	}
	engine.Notify(c.changes)

	runCtx, cancel := context.WithCancel(context.Background())
	c.stop = cancel
	go c.ping(runCtx)
	go c.receive()
	return c, nil
}

// expect reads the next message, skipping pings. Error notices become
// *ServerError.
func expect(conn transport.Conn, want protocol.MsgType) (protocol.Message, error) {
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return protocol.Message{}, fmt.Errorf("read %s: %w", want, err)
		}
		switch {
		case msg.Type == protocol.MsgPing:
			continue
		case msg.Type == protocol.MsgError && msg.Error != nil:
			return protocol.Message{}, &ServerError{Code: msg.Error.Code, Message: msg.Error.Message}
		case msg.Type != want:
			return protocol.Message{}, fmt.Errorf("expected %s, got %s: %w", want, msg.Type, protocol.ErrMalformed)
		}
		return msg, nil
	}
}

func (c *Client) Welcome() protocol.Welcome { return c.welcome }

func (c *Client) User() uint8 { return c.welcome.UserID }

// Changes carries change descriptions of the local view. Changes are
// dropped when the channel is full.
func (c *Client) Changes() <-chan canvas.Change { return c.changes }

// Events carries denials, resets and size warnings. Events are dropped
// when the channel is full.
func (c *Client) Events() <-chan Event { return c.events }

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, or nil while it is open or after a
// clean Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Submit applies cmd to the local view and sends it to the authority. The
// stamped command is returned.
func (c *Client) Submit(cmd protocol.Command) (protocol.Command, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return protocol.Command{}, ErrClosed
	default:
	}
	stamped := c.engine.Emit(cmd)
	c.record(dump.Entry{Type: dump.EntryLocal, Command: stamped})
	if err := c.conn.WriteMessage(protocol.CommandMessage(stamped)); err != nil {
		return stamped, fmt.Errorf("send %s: %w", stamped.Kind, err)
	}
	return stamped, nil
}

// View runs fn with the local view. fn must not retain the replica.
func (c *Client) View(fn func(*replica.Replica)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.engine.View())
}

// Canonical runs fn with the replica built from acknowledged history.
func (c *Client) Canonical(fn func(*replica.Replica)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.engine.Canonical())
}

func (c *Client) Annotation() fork.Annotation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.Annotation()
}

func (c *Client) Stats() fork.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.Stats()
}

// Close ends the connection and drops every unacknowledged command.
func (c *Client) Close() error {
	c.closing.Store(true)
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) receive() {
	var err error
	defer func() {
		c.stop()
		_ = c.conn.Close()
		c.mu.Lock()
		dropped := c.engine.Disconnect()
		c.record(dump.Entry{Type: dump.EntryForkClear})
		if c.rec != nil {
			if ferr := c.rec.Flush(); ferr != nil {
				log.Printf("client dump flush error user=%d: %v", c.welcome.UserID, ferr)
			}
		}
		if err != nil && !errors.Is(err, transport.ErrClosed) {
			c.err = err
		}
		c.mu.Unlock()
		if len(dropped) > 0 {
			log.Printf("client disconnect user=%d dropped=%d", c.welcome.UserID, len(dropped))
		}
		close(c.done)
	}()
	for {
		var msg protocol.Message
		msg, err = c.conn.ReadMessage()
		if err != nil {
			if c.closing.Load() {
				err = nil
			}
			return
		}
		if err = c.handle(msg); err != nil {
			return
		}
	}
}

func (c *Client) handle(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Type {
	case protocol.MsgCommand:
		if msg.Command == nil {
			return fmt.Errorf("command message without body: %w", protocol.ErrMalformed)
		}
		c.engine.Receive(*msg.Command)
		c.record(dump.Entry{Type: dump.EntryRemote, Command: *msg.Command})
	case protocol.MsgDeny:
		c.engine.Deny(*msg.Deny)
		c.record(dump.Entry{Type: dump.EntryDeny, Deny: *msg.Deny})
		c.emit(Event{Type: EventDenied, Deny: *msg.Deny})
	case protocol.MsgReset:
		if _, err := c.engine.Reset(*msg.Reset); err != nil {
			return err
		}
		c.record(dump.Entry{Type: dump.EntryReset, Reset: *msg.Reset})
		c.emit(Event{Type: EventReset, Reset: *msg.Reset})
	case protocol.MsgSizeWarning:
		c.emit(Event{Type: EventSizeWarning, SizeWarning: *msg.SizeWarning})
	case protocol.MsgError:
		return &ServerError{Code: msg.Error.Code, Message: msg.Error.Message}
	case protocol.MsgPing:
	default:
		return fmt.Errorf("unexpected %s message: %w", msg.Type, protocol.ErrMalformed)
	}
	return nil
}

func (c *Client) ping(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteMessage(protocol.Message{Type: protocol.MsgPing}); err != nil {
				return
			}
		}
	}
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

// record must be called with mu held, or before the client is shared.
func (c *Client) record(e dump.Entry) {
	if c.rec == nil {
		return
	}
	if err := c.rec.Record(c.engine, e); err != nil {
		log.Printf("client dump error user=%d: %v", c.welcome.UserID, err)
	}
}

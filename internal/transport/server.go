package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"layersync/server/internal/auth"
	"layersync/server/internal/protocol"
	"layersync/server/internal/session"
)

// Error codes sent in error notices before the server closes a connection.
const (
	CodeBadLogin     = "badlogin"
	CodeBadVersion   = "badversion"
	CodeBadToken     = "badtoken"
	CodeAuthRequired = "authrequired"
	CodeNoSession    = "nosession"
	CodeBadSession   = "badsession"
	CodeSessionFull  = "sessionfull"
	CodeShutdown     = "shutdown"
	CodeProtocol     = "protocol"
)

const (
	DefaultLoginTimeout = 10 * time.Second
	DefaultPingInterval = 30 * time.Second
	maxNameLength       = 64
)

type Options struct {
	LoginTimeout time.Duration
	PingInterval time.Duration
	WriteTimeout time.Duration
	// AllowGuests admits logins without a token. Guests are never
	// registered users.
	AllowGuests bool
	CheckOrigin func(r *http.Request) bool
}

// Server admits connections into sessions of a registry.
type Server struct {
	registry *session.Registry
	tokens   *auth.Tokens
	opts     Options
	upgrader websocket.Upgrader
}

// NewServer returns a server for registry. tokens may be nil, in which case
// only guests can log in.
func NewServer(registry *session.Registry, tokens *auth.Tokens, opts Options) *Server {
	if opts.LoginTimeout <= 0 {
		opts.LoginTimeout = DefaultLoginTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	return &Server{
		registry: registry,
		tokens:   tokens,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
	}
}

// ServeHTTP upgrades the request to a websocket and serves it until the
// connection ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("transport upgrade error remote=%s: %v", r.RemoteAddr, err)
		return
	}
	s.Handle(context.WithoutCancel(r.Context()), NewWebSocketConn(ws, s.opts.WriteTimeout))
}

// ServeTCP accepts stream connections on ln until ctx is done.
func (s *Server) ServeTCP(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.Handle(ctx, NewStreamConn(conn, s.opts.WriteTimeout))
	}
}

// Handle runs the login handshake on conn and then relays messages between
// the connection and the session until either side ends. conn is closed on
// return.
func (s *Server) Handle(ctx context.Context, conn Conn) {
	connID := uuid.NewString()
	defer conn.Close()
	log.Printf("transport connect conn=%s remote=%s", connID, conn.RemoteAddr())

	sess, m, err := s.login(ctx, conn)
	if err != nil {
		log.Printf("transport login failed conn=%s: %v", connID, err)
		return
	}
	log.Printf("transport joined conn=%s session=%s user=%d", connID, sess.ID(), m.ID)

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer conn.Close()
		defer cancel()
		if err := s.writePump(ctx, conn, m); err != nil {
			log.Printf("transport write error conn=%s: %v", connID, err)
		}
	}()
	if err := s.readPump(ctx, conn, m, sess.Config().IdleTimeout); err != nil {
		log.Printf("transport read error conn=%s: %v", connID, err)
	}
	cancel()

	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer leaveCancel()
	if err := m.Leave(leaveCtx); err != nil {
		log.Printf("transport leave error conn=%s session=%s user=%d: %v", connID, sess.ID(), m.ID, err)
	}
	log.Printf("transport disconnect conn=%s session=%s user=%d", connID, sess.ID(), m.ID)
}

// loginError is reported to the peer before the connection closes.
type loginError struct {
	code string
	err  error
}

func (e *loginError) Error() string { return e.code + ": " + e.err.Error() }

func (e *loginError) Unwrap() error { return e.err }

func (s *Server) login(ctx context.Context, conn Conn) (*session.Session, *session.Member, error) {
	sess, m, cu, err := s.admit(ctx, conn)
	if err != nil {
		var le *loginError
		if errors.As(err, &le) {
			_ = conn.WriteMessage(protocol.ErrorMessage(le.code, le.err.Error()))
		}
		return nil, nil, err
	}
	if err := sendCatchup(conn, cu); err != nil {
		leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Leave(leaveCtx)
		return nil, nil, fmt.Errorf("send catch-up: %w", err)
	}
	return sess, m, nil
}

func (s *Server) admit(ctx context.Context, conn Conn) (*session.Session, *session.Member, session.Catchup, error) {
	var none session.Catchup
	if err := conn.SetReadDeadline(time.Now().Add(s.opts.LoginTimeout)); err != nil {
		return nil, nil, none, err
	}
	msg, err := conn.ReadMessage()
	if err != nil {
		return nil, nil, none, fmt.Errorf("read login: %w", err)
	}
	if msg.Type != protocol.MsgLogin || msg.Login == nil {
		return nil, nil, none, &loginError{CodeBadLogin, fmt.Errorf("expected login, got %s", msg.Type)}
	}
	login := msg.Login
	if !Compatible(login.Version) {
		return nil, nil, none, &loginError{CodeBadVersion, fmt.Errorf("version %q is not compatible with %q", login.Version, protocol.Version)}
	}
	req, err := s.identify(login)
	if err != nil {
		return nil, nil, none, err
	}

	sess, err := s.registry.GetOrCreate(ctx, login.SessionID, login.Host)
	switch {
	case errors.Is(err, session.ErrNotFound):
		return nil, nil, none, &loginError{CodeNoSession, err}
	case errors.Is(err, session.ErrInvalidID):
		return nil, nil, none, &loginError{CodeBadSession, err}
	case errors.Is(err, session.ErrClosed):
		return nil, nil, none, &loginError{CodeShutdown, err}
	case err != nil:
		return nil, nil, none, err
	}

	m, cu, err := sess.Join(ctx, req)
	switch {
	case errors.Is(err, session.ErrSessionFull):
		return nil, nil, none, &loginError{CodeSessionFull, err}
	case errors.Is(err, session.ErrClosed):
		return nil, nil, none, &loginError{CodeShutdown, err}
	case err != nil:
		return nil, nil, none, err
	}
	return sess, m, cu, nil
}

func (s *Server) identify(login *protocol.Login) (session.JoinRequest, error) {
	name := truncateName(strings.TrimSpace(login.Username), maxNameLength)
	if login.Token == "" {
		if !s.opts.AllowGuests {
			return session.JoinRequest{}, &loginError{CodeAuthRequired, errors.New("a login token is required")}
		}
		if name == "" {
			name = "guest"
		}
		return session.JoinRequest{Name: name}, nil
	}
	if s.tokens == nil {
		return session.JoinRequest{}, &loginError{CodeBadToken, auth.ErrInvalidToken}
	}
	claims, err := s.tokens.Verify(login.Token)
	if err != nil {
		return session.JoinRequest{}, &loginError{CodeBadToken, err}
	}
	if claims.Name != "" {
		name = claims.Name
	}
	if name == "" {
		name = claims.Subject
	}
	return session.JoinRequest{
		Name:       name,
		AuthID:     claims.Subject,
		Registered: true,
		Operator:   claims.Operator,
	}, nil
}

// truncateName cuts name to at most limit bytes without splitting a rune.
func truncateName(name string, limit int) string {
	if len(name) <= limit {
		return name
	}
	cut := 0
	for i := range name {
		if i > limit {
			break
		}
		cut = i
	}
	return name[:cut]
}

func sendCatchup(conn Conn, cu session.Catchup) error {
	welcome := cu.Welcome
	if err := conn.WriteMessage(protocol.Message{Type: protocol.MsgWelcome, Welcome: &welcome}); err != nil {
		return err
	}
	err := conn.WriteMessage(protocol.Message{
		Type:    protocol.MsgCatchup,
		Catchup: &protocol.Catchup{Snapshot: cu.Snapshot, Count: uint32(len(cu.Commands))},
	})
	if err != nil {
		return err
	}
	for _, c := range cu.Commands {
		if err := conn.WriteMessage(protocol.CommandMessage(c)); err != nil {
			return err
		}
	}
	return conn.WriteMessage(protocol.Message{Type: protocol.MsgCaughtUp})
}

func (s *Server) writePump(ctx context.Context, conn Conn, m *session.Member) error {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-m.Outbox():
			if !ok {
				return nil
			}
			if err := conn.WriteMessage(msg); err != nil {
				return err
			}
		case <-ticker.C:
			if err := conn.WriteMessage(protocol.Message{Type: protocol.MsgPing}); err != nil {
				return err
			}
		}
	}
}

func (s *Server) readPump(ctx context.Context, conn Conn, m *session.Member, idle time.Duration) error {
	for {
		if err := conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
			return err
		}
		msg, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		switch msg.Type {
		case protocol.MsgPing:
		case protocol.MsgCommand:
			if msg.Command == nil {
				return fmt.Errorf("command message without body: %w", protocol.ErrMalformed)
			}
			if err := m.Submit(ctx, *msg.Command); err != nil {
				if errors.Is(err, session.ErrClosed) {
					return nil
				}
				return err
			}
		default:
			_ = conn.WriteMessage(protocol.ErrorMessage(CodeProtocol, fmt.Sprintf("unexpected %s message", msg.Type)))
			return fmt.Errorf("unexpected %s message: %w", msg.Type, protocol.ErrMalformed)
		}
	}
}

// Compatible reports whether a peer speaking version can talk to this
// server. Versions share the protocol family and major number.
func Compatible(version string) bool {
	return major(version) == major(protocol.Version)
}

func major(version string) string {
	if i := strings.IndexByte(version, '.'); i >= 0 {
		return version[:i]
	}
	return version
}

package transport

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"layersync/server/internal/auth"
	"layersync/server/internal/protocol"
	"layersync/server/internal/session"
)

const testSecret = "transport-test-secret-0123456789!"

func newRegistry(t *testing.T) *session.Registry {
	t.Helper()
	registry := session.NewRegistry(nil, nil, session.DefaultConfig())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = registry.Shutdown(ctx)
	})
	return registry
}

func newTokens(t *testing.T) *auth.Tokens {
	t.Helper()
	tokens, err := auth.NewTokens(testSecret, time.Hour)
	require.NoError(t, err)
	return tokens
}

func dialWS(t *testing.T, srv *Server) Conn {
	t.Helper()
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	conn, err := DialWebSocket(t.Context(), "ws"+strings.TrimPrefix(hs.URL, "http")+"/ws")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendLogin(t *testing.T, conn Conn, login protocol.Login) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(protocol.Message{Type: protocol.MsgLogin, Login: &login}))
}

// read returns the next message that is not a ping.
func read(t *testing.T, conn Conn) protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		msg, err := conn.ReadMessage()
		require.NoError(t, err)
		if msg.Type != protocol.MsgPing {
			return msg
		}
	}
}

// readCatchup consumes the handshake after a successful login.
func readCatchup(t *testing.T, conn Conn) protocol.Welcome {
	t.Helper()
	msg := read(t, conn)
	require.Equal(t, protocol.MsgWelcome, msg.Type)
	welcome := *msg.Welcome
	msg = read(t, conn)
	require.Equal(t, protocol.MsgCatchup, msg.Type)
	for i := uint32(0); i < msg.Catchup.Count; i++ {
		require.Equal(t, protocol.MsgCommand, read(t, conn).Type)
	}
	require.Equal(t, protocol.MsgCaughtUp, read(t, conn).Type)
	return welcome
}

func TestWebSocketHostAndEcho(t *testing.T) {
	srv := NewServer(newRegistry(t), nil, Options{AllowGuests: true})
	conn := dialWS(t, srv)

	sendLogin(t, conn, protocol.Login{Version: protocol.Version, Username: "alice", SessionID: "room", Host: true})
	welcome := readCatchup(t, conn)
	require.Equal(t, "room", welcome.SessionID)
	require.Equal(t, uint8(1), welcome.UserID)

	chat := protocol.New(0, &protocol.Chat{Text: "hello"})
	chat.ClientSeq = 1
	require.NoError(t, conn.WriteMessage(protocol.CommandMessage(chat)))
	for {
		msg := read(t, conn)
		if msg.Type != protocol.MsgCommand || msg.Command.Kind != protocol.KindChat {
			continue
		}
		require.Equal(t, uint8(1), msg.Command.Issuer)
		require.Equal(t, uint32(1), msg.Command.ClientSeq)
		require.NotZero(t, msg.Command.Seq)
		break
	}
}

func TestSecondUserCatchesUp(t *testing.T) {
	registry := newRegistry(t)
	srv := NewServer(registry, nil, Options{AllowGuests: true})
	first := dialWS(t, srv)
	sendLogin(t, first, protocol.Login{Version: protocol.Version, Username: "alice", SessionID: "room", Host: true})
	readCatchup(t, first)

	second := dialWS(t, srv)
	sendLogin(t, second, protocol.Login{Version: protocol.Version, Username: "bob", SessionID: "room"})
	welcome := readCatchup(t, second)
	require.Equal(t, uint8(2), welcome.UserID)

	sess, err := registry.Get("room")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(sess.Info().Users) == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestIncompatibleVersionRejected(t *testing.T) {
	srv := NewServer(newRegistry(t), nil, Options{AllowGuests: true})
	conn := dialWS(t, srv)
	sendLogin(t, conn, protocol.Login{Version: "ls:2.0", Username: "alice", SessionID: "room", Host: true})
	msg := read(t, conn)
	require.Equal(t, protocol.MsgError, msg.Type)
	require.Equal(t, CodeBadVersion, msg.Error.Code)
}

func TestTokenLogin(t *testing.T) {
	tokens := newTokens(t)
	srv := NewServer(newRegistry(t), tokens, Options{})

	guest := dialWS(t, srv)
	sendLogin(t, guest, protocol.Login{Version: protocol.Version, Username: "guest", SessionID: "room", Host: true})
	msg := read(t, guest)
	require.Equal(t, protocol.MsgError, msg.Type)
	require.Equal(t, CodeAuthRequired, msg.Error.Code)

	forged := dialWS(t, srv)
	sendLogin(t, forged, protocol.Login{Version: protocol.Version, Token: "not-a-token", SessionID: "room", Host: true})
	msg = read(t, forged)
	require.Equal(t, protocol.MsgError, msg.Type)
	require.Equal(t, CodeBadToken, msg.Error.Code)

	raw, err := tokens.Issue("acct-7", "carol", false)
	require.NoError(t, err)
	member := dialWS(t, srv)
	sendLogin(t, member, protocol.Login{Version: protocol.Version, Token: raw, SessionID: "room", Host: true})
	welcome := readCatchup(t, member)
	require.Equal(t, uint8(1), welcome.UserID)
}

func TestTCPUnknownSession(t *testing.T) {
	srv := NewServer(newRegistry(t), nil, Options{AllowGuests: true})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ServeTCP(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	conn, err := DialTCP(t.Context(), ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	sendLogin(t, conn, protocol.Login{Version: protocol.Version, Username: "alice", SessionID: "missing"})
	msg := read(t, conn)
	require.Equal(t, protocol.MsgError, msg.Type)
	require.Equal(t, CodeNoSession, msg.Error.Code)
}

func TestTCPHostAndLeave(t *testing.T) {
	registry := newRegistry(t)
	srv := NewServer(registry, nil, Options{AllowGuests: true})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.ServeTCP(ctx, ln) }()
	t.Cleanup(cancel)

	conn, err := DialTCP(t.Context(), ln.Addr().String())
	require.NoError(t, err)
	sendLogin(t, conn, protocol.Login{Version: protocol.Version, Username: "alice", SessionID: "studio", Host: true})
	readCatchup(t, conn)
	sess, err := registry.Get("studio")
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end after its only user left")
	}
}

func TestCompatible(t *testing.T) {
	require.True(t, Compatible(protocol.Version))
	require.True(t, Compatible("ls:1.7"))
	require.False(t, Compatible("ls:2.0"))
	require.False(t, Compatible("dp:1.0"))
	require.False(t, Compatible(""))
}

func TestTruncateNameKeepsRunesWhole(t *testing.T) {
	require.Equal(t, "alice", truncateName("alice", maxNameLength))

	name := strings.Repeat("a", maxNameLength-1) + "é"
	got := truncateName(name, maxNameLength)
	require.True(t, utf8.ValidString(got))
	require.Equal(t, strings.Repeat("a", maxNameLength-1), got)

	long := strings.Repeat("界", 40)
	got = truncateName(long, maxNameLength)
	require.True(t, utf8.ValidString(got))
	require.LessOrEqual(t, len(got), maxNameLength)
	require.Equal(t, strings.Repeat("界", maxNameLength/3), got)
}

func TestLongMultibyteNameIsCutOnRuneBoundary(t *testing.T) {
	registry := newRegistry(t)
	srv := NewServer(registry, nil, Options{AllowGuests: true})
	conn := dialWS(t, srv)
	sendLogin(t, conn, protocol.Login{Version: protocol.Version, Username: strings.Repeat("ü", 50), SessionID: "room", Host: true})
	readCatchup(t, conn)

	sess, err := registry.Get("room")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(sess.Info().Users) == 1 }, 2*time.Second, 10*time.Millisecond)
	name := sess.Info().Users[0].Name
	require.True(t, utf8.ValidString(name))
	require.Equal(t, strings.Repeat("ü", maxNameLength/2), name)
}

func TestIdleConnectionIsDropped(t *testing.T) {
	cfg := session.DefaultConfig()
	cfg.IdleTimeout = 300 * time.Millisecond
	registry := session.NewRegistry(nil, nil, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = registry.Shutdown(ctx)
	})
	srv := NewServer(registry, nil, Options{AllowGuests: true})

	alice := dialWS(t, srv)
	sendLogin(t, alice, protocol.Login{Version: protocol.Version, Username: "alice", SessionID: "room", Host: true})
	readCatchup(t, alice)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if alice.WriteMessage(protocol.Message{Type: protocol.MsgPing}) != nil {
					return
				}
			}
		}
	}()

	bob := dialWS(t, srv)
	sendLogin(t, bob, protocol.Login{Version: protocol.Version, Username: "bob", SessionID: "room"})
	welcome := readCatchup(t, bob)

	for {
		msg := read(t, alice)
		if msg.Type == protocol.MsgCommand && msg.Command.Kind == protocol.KindLeave {
			require.Equal(t, welcome.UserID, msg.Command.Issuer)
			break
		}
	}
	require.NoError(t, bob.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		if _, err := bob.ReadMessage(); err != nil {
			break
		}
	}
	cancel()
}

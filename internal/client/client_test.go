package client

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"layersync/server/internal/dump"
	"layersync/server/internal/protocol"
	"layersync/server/internal/replica"
	"layersync/server/internal/session"
	"layersync/server/internal/transport"
)

func newServer(t *testing.T) string {
	t.Helper()
	registry := session.NewRegistry(nil, nil, session.DefaultConfig())
	hs := httptest.NewServer(transport.NewServer(registry, nil, transport.Options{AllowGuests: true}))
	t.Cleanup(func() {
		hs.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = registry.Shutdown(ctx)
	})
	return "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
}

func dial(t *testing.T, url string, opts Options) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := transport.DialWebSocket(ctx, url)
	require.NoError(t, err)
	c, err := Connect(ctx, conn, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func layer(user uint8, n uint8) uint16 { return uint16(user)<<8 | uint16(n) }

func stroke(id uint16, x int32) protocol.Command {
	return protocol.New(0, &protocol.DrawStroke{
		Layer:  id,
		Color:  0xff336699,
		Radius: 2,
		Points: []protocol.Point{{X: x, Y: 1}, {X: x + 5, Y: 30}},
	})
}

func fingerprint(c *Client) uint64 {
	var fp uint64
	c.View(func(r *replica.Replica) { fp = r.Fingerprint() })
	return fp
}

func canonicalSeq(c *Client) uint64 {
	var seq uint64
	c.Canonical(func(r *replica.Replica) { seq = r.Seq })
	return seq
}

func settled(a, b *Client) bool {
	return !a.Annotation().Present && !b.Annotation().Present &&
		canonicalSeq(a) == canonicalSeq(b)
}

func TestClientsConverge(t *testing.T) {
	url := newServer(t)
	alice := dial(t, url, Options{Username: "alice", SessionID: "room", Host: true})
	bob := dial(t, url, Options{Username: "bob", SessionID: "room"})
	require.Equal(t, uint8(1), alice.User())
	require.Equal(t, uint8(2), bob.User())

	for i, c := range []*Client{alice, bob} {
		id := layer(c.User(), 1)
		_, err := c.Submit(protocol.New(0, &protocol.LayerCreate{ID: id, Title: "layer"}))
		require.NoError(t, err)
		for j := 0; j < 5; j++ {
			_, err := c.Submit(stroke(id, int32(i*20+j)))
			require.NoError(t, err)
		}
	}

	require.Eventually(t, func() bool { return settled(alice, bob) }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, fingerprint(alice), fingerprint(bob))
	require.Equal(t, 6, alice.Stats().Acks)
	require.Equal(t, 6, bob.Stats().Acks)
}

func TestDeniedCommandIsRolledBack(t *testing.T) {
	url := newServer(t)
	alice := dial(t, url, Options{Username: "alice", SessionID: "room", Host: true})
	bob := dial(t, url, Options{Username: "bob", SessionID: "room"})
	require.Eventually(t, func() bool { return settled(alice, bob) }, 5*time.Second, 10*time.Millisecond)
	before := fingerprint(bob)

	locked, err := bob.Submit(protocol.New(0, &protocol.UserACL{Locked: []uint8{1}}))
	require.NoError(t, err)

	select {
	case ev := <-bob.Events():
		require.Equal(t, EventDenied, ev.Type)
		require.Equal(t, locked.ClientSeq, ev.Deny.ClientSeq)
		require.Equal(t, protocol.ReasonNotOwner, ev.Deny.Reason)
	case <-time.After(5 * time.Second):
		t.Fatal("no denial")
	}
	require.False(t, bob.Annotation().Present)
	require.Equal(t, before, fingerprint(bob))
	require.Equal(t, 1, bob.Stats().Denials)
}

func TestServerErrorOnLogin(t *testing.T) {
	url := newServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := transport.DialWebSocket(ctx, url)
	require.NoError(t, err)

	_, err = Connect(ctx, conn, Options{Username: "alice", SessionID: "missing"})
	var serverErr *ServerError
	require.True(t, errors.As(err, &serverErr))
	require.Equal(t, transport.CodeNoSession, serverErr.Code)
}

func TestDumpReplaysClientSession(t *testing.T) {
	url := newServer(t)
	alice := dial(t, url, Options{Username: "alice", SessionID: "room", Host: true})
	_, err := alice.Submit(protocol.New(0, &protocol.LayerCreate{ID: layer(1, 1), Title: "a"}))
	require.NoError(t, err)

	var buf bytes.Buffer
	bob := dial(t, url, Options{Username: "bob", SessionID: "room", Dump: &buf})
	id := layer(bob.User(), 1)
	_, err = bob.Submit(protocol.New(0, &protocol.LayerCreate{ID: id, Title: "b"}))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = alice.Submit(stroke(layer(1, 1), int32(i)))
		require.NoError(t, err)
		_, err = bob.Submit(stroke(id, int32(i+10)))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return settled(alice, bob) }, 5*time.Second, 10*time.Millisecond)
	final := fingerprint(bob)
	require.NoError(t, bob.Close())

	p, err := dump.Load(&buf)
	require.NoError(t, err)
	require.Equal(t, bob.User(), p.Header().User)
	require.NoError(t, p.Play(context.Background(), 0, nil))
	require.Equal(t, final, p.Engine().View().Fingerprint())
}

package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"layersync/server/internal/protocol"
)

func TestKickTellsUserAndRemovesIt(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, testConfig())
	alice, _ := join(t, s, "alice")
	nextCommand(t, alice)
	nextCommand(t, alice)
	bob, _ := join(t, s, "bob")
	nextCommand(t, alice)
	nextCommand(t, bob)

	require.NoError(t, s.Kick(ctx, bob.ID, "alice"))
	msg := next(t, bob)
	require.Equal(t, protocol.MsgError, msg.Type)
	require.Equal(t, KickedCode, msg.Error.Code)
	select {
	case _, ok := <-bob.Outbox():
		require.False(t, ok, "kicked user got more messages")
	case <-time.After(2 * time.Second):
		t.Fatal("outbox of kicked user was not closed")
	}

	left := nextCommand(t, alice)
	require.Equal(t, protocol.KindLeave, left.Kind)
	require.Equal(t, bob.ID, left.Issuer)
	require.Len(t, s.Info().Users, 1)

	err := s.Kick(ctx, 9, "alice")
	require.ErrorIs(t, err, ErrNoUser)
}

func TestOwnerIsPromotedWhenLastOwnerLeaves(t *testing.T) {
	s := newTestSession(t, testConfig())
	alice, _ := join(t, s, "alice")
	bob, _ := join(t, s, "bob")
	nextCommand(t, bob)

	require.NoError(t, alice.Leave(context.Background()))
	left := nextCommand(t, bob)
	require.Equal(t, protocol.KindLeave, left.Kind)
	owner := nextCommand(t, bob)
	require.Equal(t, protocol.KindSessionOwner, owner.Kind)
	require.Equal(t, []uint8{bob.ID}, owner.Payload.(*protocol.SessionOwner).Users)

	barrier(t, s)
	info := s.Info()
	require.Len(t, info.Users, 1)
	require.Equal(t, "operator", info.Users[0].Tier)
}

func TestConfigureEnablesAutoresetWhenOverLimit(t *testing.T) {
	ctx := context.Background()
	text := strings.Repeat("z", 200)
	_, after := sizes("alice", text)
	cfg := testConfig()
	cfg.Policy.Limit = after
	cfg.Policy.Autoreset = false
	s := newTestSession(t, cfg)

	alice, _ := join(t, s, "alice")
	nextCommand(t, alice)
	nextCommand(t, alice)
	submit(t, alice, &protocol.Chat{Text: text})
	nextCommand(t, alice)
	barrier(t, s)
	require.True(t, s.Info().OverLimit)

	on := true
	require.NoError(t, s.Configure(ctx, Settings{Autoreset: &on}))
	require.Equal(t, protocol.KindSnapshotPoint, nextCommand(t, alice).Kind)
	msg := next(t, alice)
	require.Equal(t, protocol.MsgReset, msg.Type)
	require.False(t, msg.Reset.Manual)

	info := s.Info()
	require.True(t, info.Autoreset)
	require.False(t, info.OverLimit)
	require.Equal(t, int64(0), info.Size)

	negative := int64(-1)
	require.Error(t, s.Configure(ctx, Settings{SizeLimit: &negative}))
}

func TestConfigureLoweredLimitTakesEffect(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Policy.Autoreset = false
	s := newTestSession(t, cfg)

	alice, _ := join(t, s, "alice")
	nextCommand(t, alice)
	nextCommand(t, alice)
	submit(t, alice, &protocol.Chat{Text: strings.Repeat("q", 100)})
	nextCommand(t, alice)
	barrier(t, s)
	require.False(t, s.Info().OverLimit)

	limit := s.Info().Size
	title := "Sketchbook"
	require.NoError(t, s.Configure(ctx, Settings{SizeLimit: &limit, Title: &title}))
	info := s.Info()
	require.True(t, info.OverLimit)
	require.Equal(t, limit, info.Limit)
	require.Equal(t, "Sketchbook", info.Title)

	submit(t, alice, &protocol.Chat{Text: "more"})
	msg := next(t, alice)
	require.Equal(t, protocol.MsgDeny, msg.Type)
	require.Equal(t, protocol.ReasonOverLimit, msg.Deny.Reason)
}

func TestConfigurePersistKeepsSessionAlive(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, testConfig())
	alice, _ := join(t, s, "alice")

	persist := true
	require.NoError(t, s.Configure(ctx, Settings{Persist: &persist}))
	require.True(t, s.Info().Persist)
	require.NoError(t, alice.Leave(ctx))
	barrier(t, s)
	require.Empty(t, s.Info().Users)
}

package fork

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"layersync/server/internal/acl"
	"layersync/server/internal/history"
	"layersync/server/internal/protocol"
	"layersync/server/internal/replica"
)

func options() replica.Options {
	return replica.Options{Width: 64, Height: 64, Features: acl.DefaultFeatures()}
}

// authority is a minimal sequencer: validate, append, broadcast.
type authority struct {
	rep   *replica.Replica
	log   *history.Log
	inbox map[uint8][]protocol.Message
}

func newAuthority(users ...uint8) *authority {
	a := &authority{
		rep:   replica.New(options()),
		log:   history.New(0),
		inbox: make(map[uint8][]protocol.Message),
	}
	for _, u := range users {
		a.inbox[u] = nil
		a.sequence(protocol.New(u, &protocol.Join{Name: "user"}))
	}
	a.sequence(protocol.New(0, &protocol.SessionOwner{Users: []uint8{users[0]}}))
	return a
}

func (a *authority) sequence(cmd protocol.Command) {
	cmd = a.log.Append(cmd)
	a.rep.Apply(cmd)
	for u := range a.inbox {
		a.inbox[u] = append(a.inbox[u], protocol.CommandMessage(cmd))
	}
}

func (a *authority) submit(cmd protocol.Command) {
	if err := a.rep.ACL.Validate(cmd); err != nil {
		a.inbox[cmd.Issuer] = append(a.inbox[cmd.Issuer], protocol.Message{
			Type: protocol.MsgDeny,
			Deny: &protocol.Deny{ClientSeq: cmd.ClientSeq, Reason: acl.ReasonOf(err)},
		})
		return
	}
	a.sequence(cmd)
}

// pop removes the oldest message queued for user.
func (a *authority) pop(user uint8) (protocol.Message, bool) {
	q := a.inbox[user]
	if len(q) == 0 {
		return protocol.Message{}, false
	}
	a.inbox[user] = q[1:]
	return q[0], true
}

func deliver(t *testing.T, e *Engine, msg protocol.Message) Result {
	t.Helper()
	switch msg.Type {
	case protocol.MsgCommand:
		return e.Receive(*msg.Command)
	case protocol.MsgDeny:
		return e.Deny(*msg.Deny)
	}
	t.Fatalf("unexpected %s", msg.Type)
	return Result{}
}

func drain(t *testing.T, a *authority, e *Engine) {
	t.Helper()
	for {
		msg, ok := a.pop(e.User())
		if !ok {
			return
		}
		deliver(t, e, msg)
	}
}

func TestEmitForksAndEchoSyncs(t *testing.T) {
	a := newAuthority(1)
	e := New(1, replica.New(options()))
	drain(t, a, e)
	require.Equal(t, Synced, e.State())

	cmd := e.Emit(protocol.New(0, &protocol.LayerCreate{ID: 0x0101, Title: "ink"}))
	require.Equal(t, uint32(1), cmd.ClientSeq)
	require.Equal(t, uint8(1), cmd.Issuer)
	require.Equal(t, Forked, e.State())
	_, inView := e.View().Canvas.Layer(0x0101)
	_, inCanonical := e.Canonical().Canvas.Layer(0x0101)
	require.True(t, inView)
	require.False(t, inCanonical)
	require.Equal(t, Annotation{Present: true, Size: 1, Start: 2}, e.Annotation())

	a.submit(cmd)
	msg, _ := a.pop(1)
	res := deliver(t, e, msg)
	require.True(t, res.Acked)
	require.False(t, res.Replayed)
	require.Equal(t, Synced, e.State())
	require.Equal(t, a.rep.Fingerprint(), e.View().Fingerprint())
	require.Equal(t, Stats{Acks: 1}, e.Stats())
}

func TestForeignCommandsReconcile(t *testing.T) {
	a := newAuthority(1, 2)
	alice := New(1, replica.New(options()))
	bob := New(2, replica.New(options()))
	drain(t, a, alice)
	drain(t, a, bob)

	a.submit(bob.Emit(protocol.New(0, &protocol.LayerCreate{ID: 0x0201, Title: "bob"})))
	c := alice.Emit(protocol.New(0, &protocol.LayerCreate{ID: 0x0101, Title: "alice"}))
	a.submit(c)

	msg, _ := a.pop(1)
	res := deliver(t, alice, msg)
	require.False(t, res.Acked)
	require.Equal(t, Reconciling, alice.State())
	require.Equal(t, 1, alice.Fallbehind())

	msg, _ = a.pop(1)
	res = deliver(t, alice, msg)
	require.True(t, res.Acked)
	require.Equal(t, Synced, alice.State())
	require.Zero(t, alice.Fallbehind())
	require.Equal(t, a.rep.Fingerprint(), alice.View().Fingerprint())

	drain(t, a, bob)
	require.Equal(t, a.rep.Fingerprint(), bob.View().Fingerprint())
}

// A has three pending fills when two commands from B arrive, the first of
// which locks A's layer. The denial of A's first fill discards the fork and
// replays the two remaining fills on canonical state.
func TestDenialReplaysRemainingPending(t *testing.T) {
	a := newAuthority(2, 1)
	alice := New(1, replica.New(options()))
	drain(t, a, alice)
	a.submit(alice.Emit(protocol.New(0, &protocol.LayerCreate{ID: 0x0101, Title: "alice"})))
	drain(t, a, alice)
	require.Equal(t, Synced, alice.State())

	var fills []protocol.Command
	for i := int32(0); i < 3; i++ {
		fills = append(fills, alice.Emit(protocol.New(0, &protocol.FillRect{
			Layer: 0x0101, X: i * 10, Y: 0, W: 8, H: 8, Color: 0xff0000ff,
		})))
	}
	require.Equal(t, 3, alice.Pending())

	a.submit(protocol.Command{Kind: protocol.KindLayerACL, Issuer: 2, Payload: &protocol.LayerACL{Layer: 0x0101, Locked: true}})
	a.submit(protocol.Command{Kind: protocol.KindFillRect, Issuer: 2, Payload: &protocol.FillRect{Layer: 0x0101, X: 40, Y: 40, W: 4, H: 4, Color: 0xff00ff00}})
	for _, f := range fills {
		a.submit(f)
	}

	for i := 0; i < 2; i++ {
		msg, _ := a.pop(1)
		deliver(t, alice, msg)
	}
	require.Equal(t, 2, alice.Fallbehind())
	require.Equal(t, Reconciling, alice.State())

	msg, _ := a.pop(1)
	require.Equal(t, protocol.MsgDeny, msg.Type)
	require.Equal(t, protocol.ReasonLayerLocked, msg.Deny.Reason)
	res := deliver(t, alice, msg)
	require.True(t, res.Denied)
	require.True(t, res.Replayed)
	require.Equal(t, 2, alice.Pending())

	expected := a.rep.Clone()
	expected.Apply(fills[1])
	expected.Apply(fills[2])
	require.Equal(t, expected.Fingerprint(), alice.View().Fingerprint())

	drain(t, a, alice)
	require.Equal(t, Synced, alice.State())
	require.Equal(t, Stats{Acks: 1, Denials: 3, Replays: 2}, alice.Stats())

	observer := replica.New(options())
	cmds, err := a.log.Since(0)
	require.NoError(t, err)
	for _, c := range cmds {
		observer.Apply(c)
	}
	require.Equal(t, observer.Fingerprint(), alice.View().Fingerprint())
	require.Equal(t, a.rep.Fingerprint(), alice.View().Fingerprint())
}

func TestStrokeOrderDoesNotMatter(t *testing.T) {
	run := func(aliceFirst bool) uint64 {
		a := newAuthority(1, 2)
		alice := New(1, replica.New(options()))
		bob := New(2, replica.New(options()))
		a.submit(protocol.Command{Kind: protocol.KindLayerCreate, Issuer: 1, Payload: &protocol.LayerCreate{ID: 0x0101, Title: "shared"}})
		drain(t, a, alice)
		drain(t, a, bob)

		sa := alice.Emit(protocol.New(0, &protocol.DrawStroke{Layer: 0x0101, Color: 0xffff0000, Radius: 2, Points: []protocol.Point{{X: 2, Y: 2}, {X: 20, Y: 2}}}))
		sb := bob.Emit(protocol.New(0, &protocol.DrawStroke{Layer: 0x0101, Color: 0xff0000ff, Radius: 2, Points: []protocol.Point{{X: 2, Y: 40}, {X: 20, Y: 40}}}))
		if aliceFirst {
			a.submit(sa)
			a.submit(sb)
		} else {
			a.submit(sb)
			a.submit(sa)
		}
		drain(t, a, alice)
		drain(t, a, bob)
		require.Equal(t, a.rep.Fingerprint(), alice.View().Fingerprint())
		require.Equal(t, a.rep.Fingerprint(), bob.View().Fingerprint())
		return a.rep.Canvas.Fingerprint()
	}
	require.Equal(t, run(true), run(false))
}

func randomCommand(r *rand.Rand, user uint8) protocol.Command {
	layer := uint16(user)<<8 | uint16(1+r.Intn(3))
	var p protocol.Payload
	switch r.Intn(9) {
	case 0:
		p = &protocol.LayerCreate{ID: layer, Title: "l"}
	case 1:
		p = &protocol.FillRect{Layer: layer, X: int32(r.Intn(60)), Y: int32(r.Intn(60)), W: 6, H: 6, Color: r.Uint32() | 0xff000000}
	case 2:
		p = &protocol.DrawStroke{Layer: layer, Color: 0xff112233, Radius: 1, Points: []protocol.Point{{X: int32(r.Intn(64)), Y: 0}, {X: 0, Y: int32(r.Intn(64))}}}
	case 3:
		p = &protocol.UndoPoint{}
	case 4:
		p = &protocol.Undo{Redo: r.Intn(2) == 0}
	case 5:
		p = &protocol.LayerDelete{ID: layer}
	case 6:
		// Only the operator may lock; for others this is denied.
		other := uint16(3-user) << 8
		p = &protocol.LayerACL{Layer: other | uint16(1+r.Intn(3)), Locked: r.Intn(2) == 0}
	case 7:
		p = &protocol.MetadataSet{Field: "title", Value: "t"}
	default:
		p = &protocol.Chat{Text: "hi"}
	}
	return protocol.New(0, p)
}

func TestForkSafetyUnderInterleavings(t *testing.T) {
	for seed := int64(1); seed <= 40; seed++ {
		r := rand.New(rand.NewSource(seed))
		a := newAuthority(1, 2)
		engines := map[uint8]*Engine{
			1: New(1, replica.New(options())),
			2: New(2, replica.New(options())),
		}
		uplink := map[uint8][]protocol.Command{}

		for step := 0; step < 300; step++ {
			user := uint8(1 + r.Intn(2))
			e := engines[user]
			switch r.Intn(3) {
			case 0:
				uplink[user] = append(uplink[user], e.Emit(randomCommand(r, user)))
			case 1:
				if q := uplink[user]; len(q) > 0 {
					a.submit(q[0])
					uplink[user] = q[1:]
				}
			case 2:
				if msg, ok := a.pop(user); ok {
					deliver(t, e, msg)
				}
			}
		}
		for user, q := range uplink {
			for _, c := range q {
				a.submit(c)
			}
			uplink[user] = nil
		}
		want := a.rep.Fingerprint()
		for user, e := range engines {
			drain(t, a, e)
			require.Equal(t, Synced, e.State(), "seed %d user %d", seed, user)
			require.Zero(t, e.Pending())
			require.Equal(t, want, e.View().Fingerprint(), "seed %d user %d", seed, user)
			require.Equal(t, a.rep.Seq, e.Canonical().Seq)
		}
	}
}

func TestDisconnectDropsPending(t *testing.T) {
	a := newAuthority(1)
	e := New(1, replica.New(options()))
	drain(t, a, e)
	e.Emit(protocol.New(0, &protocol.LayerCreate{ID: 0x0101}))
	e.Emit(protocol.New(0, &protocol.Chat{Text: "lost"}))

	dropped := e.Disconnect()
	require.Len(t, dropped, 2)
	require.Equal(t, Synced, e.State())
	require.Equal(t, a.rep.Fingerprint(), e.View().Fingerprint())

	// A stale echo after reconnecting is treated as an ordinary command.
	a.submit(dropped[0])
	msg, _ := a.pop(1)
	res := deliver(t, e, msg)
	require.False(t, res.Acked)
	require.Equal(t, a.rep.Fingerprint(), e.View().Fingerprint())
}

func TestResetRebuildsAndReplays(t *testing.T) {
	a := newAuthority(1)
	e := New(1, replica.New(options()))
	drain(t, a, e)
	a.submit(e.Emit(protocol.New(0, &protocol.LayerCreate{ID: 0x0101})))
	drain(t, a, e)

	fill := e.Emit(protocol.New(0, &protocol.FillRect{Layer: 0x0101, W: 10, H: 10, Color: 0xffffffff}))

	base := replica.New(replica.Options{Width: 32, Height: 32, Features: acl.DefaultFeatures()})
	base.ACL = a.rep.ACL.Clone()
	base.Seq = a.log.Last()
	snap, err := base.Snapshot()
	require.NoError(t, err)

	res, err := e.Reset(protocol.ResetNotice{Seq: snap.At, Base: snap, Manual: true})
	require.NoError(t, err)
	require.True(t, res.Replayed)
	require.Equal(t, int32(32), e.View().Canvas.Width)
	_, ok := e.View().Canvas.Layer(0x0101)
	require.False(t, ok, "layer did not survive the blank reset")
	require.Equal(t, 1, e.Pending())
	require.Equal(t, uint32(2), fill.ClientSeq)
}

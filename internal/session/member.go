package session

import (
	"context"
	"errors"

	"layersync/server/internal/protocol"
)

// Member is one connected user. The outbox is closed when the member is
// removed from the session, for whatever reason.
type Member struct {
	ID   uint8
	Name string

	session *Session
	out     chan protocol.Message
	// closed is owned by the sequencer.
	closed bool
}

func newMember(s *Session, id uint8, name string, outbox int) *Member {
	return &Member{
		ID:      id,
		Name:    name,
		session: s,
		out:     make(chan protocol.Message, outbox),
	}
}

// Outbox carries messages for this member in canonical order.
func (m *Member) Outbox() <-chan protocol.Message { return m.out }

// Submit queues a command for sequencing. The result arrives on the
// outbox: the command itself when accepted or a deny when rejected.
func (m *Member) Submit(ctx context.Context, cmd protocol.Command) error {
	return m.session.post(ctx, func() { m.session.submit(m, cmd) })
}

// Leave removes the member. It is safe to call more than once.
func (m *Member) Leave(ctx context.Context) error {
	err := m.session.call(ctx, func() { m.session.leave(m) })
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (m *Member) close() {
	if m.closed {
		return
	}
	m.closed = true
	close(m.out)
}

package history

import (
	"testing"

	"github.com/stretchr/testify/require"

	"layersync/server/internal/protocol"
)

func chat(text string) protocol.Command {
	return protocol.New(1, &protocol.Chat{Text: text})
}

func fill() protocol.Command {
	return protocol.New(1, &protocol.FillRect{Layer: 0x0101, W: 4, H: 4, Color: 0xff000000})
}

func TestAppendAssignsIncreasingSeq(t *testing.T) {
	l := New(0)
	a := l.Append(fill())
	b := l.Append(chat("hi"))
	require.Equal(t, uint64(1), a.Seq)
	require.Equal(t, uint64(2), b.Seq)
	require.Equal(t, int64(a.Size()+b.Size()), l.Size())

	since, err := l.Since(1)
	require.NoError(t, err)
	require.Equal(t, []protocol.Command{b}, since)

	since, err = l.Since(2)
	require.NoError(t, err)
	require.Empty(t, since)
}

func TestTrimKeepsChat(t *testing.T) {
	l := New(0)
	l.Append(fill())
	c1 := l.Append(chat("one"))
	l.Append(fill())
	c2 := l.Append(chat("two"))
	tail := l.Append(fill())

	kept := l.TrimTo(4, 1<<20)
	require.Equal(t, []protocol.Command{c1, c2}, kept)
	require.Equal(t, uint64(4), l.Base())
	require.Equal(t, 1, l.Len())
	require.Equal(t, int64(c1.Size()+c2.Size()+tail.Size()), l.Size())

	_, err := l.Since(2)
	require.ErrorIs(t, err, ErrTrimmed)

	// Sequence numbers continue after a trim.
	require.Equal(t, uint64(6), l.Append(fill()).Seq)
}

func TestTrimChatBudget(t *testing.T) {
	l := New(0)
	l.Append(chat("old"))
	newest := l.Append(chat("new"))
	l.Append(fill())

	kept := l.TrimTo(3, int64(newest.Size()))
	require.Equal(t, []protocol.Command{newest}, kept)

	kept = l.TrimTo(3, 0)
	require.Equal(t, []protocol.Command{newest}, kept, "trimming at the base is a no-op")
}

func TestResetNeverReusesSeq(t *testing.T) {
	l := New(0)
	l.Append(fill())
	l.Append(fill())
	l.Reset()
	require.Zero(t, l.Size())
	require.Equal(t, uint64(2), l.Base())
	require.Equal(t, uint64(3), l.Append(fill()).Seq)
}

func TestRestoreRejectsGaps(t *testing.T) {
	a := fill()
	a.Seq = 11
	b := fill()
	b.Seq = 13
	_, err := Restore(10, nil, []protocol.Command{a, b})
	require.Error(t, err)

	b.Seq = 12
	l, err := Restore(10, nil, []protocol.Command{a, b})
	require.NoError(t, err)
	require.Equal(t, uint64(12), l.Last())
}

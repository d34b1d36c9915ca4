package snapshot

import (
	"testing"

	"github.com/stretchr/testify/require"

	"layersync/server/internal/protocol"
)

func TestAutoresetBoundary(t *testing.T) {
	const limit = 1000
	require.False(t, ShouldAutoreset(limit-1, limit))
	require.True(t, ShouldAutoreset(limit, limit))
	require.True(t, ShouldAutoreset(limit+1, limit))
	require.False(t, ShouldAutoreset(1<<40, 0))
}

func TestWarnThreshold(t *testing.T) {
	require.False(t, ShouldWarn(899, 1000))
	require.True(t, ShouldWarn(900, 1000))
	require.False(t, ShouldWarn(900, 0))
}

func TestRingEvictsOldest(t *testing.T) {
	m := NewManager(3, 0)
	_, err := m.Newest()
	require.ErrorIs(t, err, ErrNoSnapshot)
	for i := 1; i <= 5; i++ {
		m.Add(protocol.SnapshotData{At: uint64(i)})
	}
	all := m.All()
	require.Len(t, all, 3)
	require.Equal(t, uint64(3), all[0].At)
	newest, err := m.Newest()
	require.NoError(t, err)
	require.Equal(t, uint64(5), newest.At)

	m.Replace(protocol.SnapshotData{At: 9})
	require.Equal(t, 1, m.Len())
}

func TestTickInterval(t *testing.T) {
	m := NewManager(0, 3)
	require.False(t, m.Tick())
	require.False(t, m.Tick())
	require.True(t, m.Tick())
	m.Add(protocol.SnapshotData{At: 3})
	require.False(t, m.Tick())

	require.False(t, NewManager(0, 0).Tick())
}

func TestChatBudget(t *testing.T) {
	require.Zero(t, Policy{Limit: 1000}.ChatBudget())
	require.Equal(t, int64(250), Policy{Limit: 1000, KeepChat: true}.ChatBudget())
}

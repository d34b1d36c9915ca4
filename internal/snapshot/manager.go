// Package snapshot keeps the bounded ring of session snapshots and decides
// when snapshots and resets are due.
package snapshot

import (
	"errors"

	"layersync/server/internal/protocol"
)

var ErrNoSnapshot = errors.New("no snapshot")

// Policy is the reset configuration of a session.
type Policy struct {
	// Limit is the history size in bytes at which a reset is due. Zero
	// disables the limit.
	Limit     int64
	Autoreset bool
	// Interval is the number of commands between snapshots. Zero disables
	// periodic snapshots.
	Interval int
	Keep     int
	KeepChat bool
}

const DefaultKeep = 5

// ShouldAutoreset reports whether history of the given size has reached
// the limit.
func ShouldAutoreset(size, limit int64) bool {
	return limit > 0 && size >= limit
}

// ShouldWarn reports whether size has crossed nine tenths of the limit.
func ShouldWarn(size, limit int64) bool {
	return limit > 0 && size*10 >= limit*9
}

// ChatBudget is the byte budget for chat retained across a reset.
func (p Policy) ChatBudget() int64 {
	if !p.KeepChat {
		return 0
	}
	if p.Limit <= 0 {
		return 1 << 20
	}
	return p.Limit / 4
}

// Manager owns the snapshot ring. It is used from the session sequencer
// only.
type Manager struct {
	keep     int
	interval int
	since    int
	ring     []protocol.SnapshotData
}

func NewManager(keep, interval int) *Manager {
	if keep <= 0 {
		keep = DefaultKeep
	}
	return &Manager{keep: keep, interval: interval}
}

// Add stores a snapshot, evicting the oldest beyond the keep count.
func (m *Manager) Add(s protocol.SnapshotData) {
	m.ring = append(m.ring, s)
	if len(m.ring) > m.keep {
		m.ring = append([]protocol.SnapshotData(nil), m.ring[len(m.ring)-m.keep:]...)
	}
	m.since = 0
}

func (m *Manager) Newest() (protocol.SnapshotData, error) {
	if len(m.ring) == 0 {
		return protocol.SnapshotData{}, ErrNoSnapshot
	}
	return m.ring[len(m.ring)-1], nil
}

// All returns the retained snapshots, oldest first.
func (m *Manager) All() []protocol.SnapshotData {
	return append([]protocol.SnapshotData(nil), m.ring...)
}

func (m *Manager) Len() int { return len(m.ring) }

// Tick counts one appended command and reports whether a periodic
// snapshot is due.
func (m *Manager) Tick() bool {
	m.since++
	return m.interval > 0 && m.since >= m.interval
}

// Replace drops every snapshot and installs base, as on a manual reset.
func (m *Manager) Replace(base protocol.SnapshotData) {
	m.ring = []protocol.SnapshotData{base}
	m.since = 0
}

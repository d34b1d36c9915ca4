// Package history is the authoritative ordered log of accepted commands.
package history

import (
	"errors"
	"fmt"

	"layersync/server/internal/protocol"
)

var ErrTrimmed = errors.New("history trimmed")

// Log holds the commands after its base in canonical order. It is owned by
// a single session sequencer and is not safe for concurrent use.
type Log struct {
	base     uint64
	next     uint64
	entries  []protocol.Command
	retained []protocol.Command
	size     int64
}

// New returns an empty log whose first command gets base+1.
func New(base uint64) *Log {
	return &Log{base: base, next: base + 1}
}

// Restore rebuilds a log from persisted commands following base.
func Restore(base uint64, retained, cmds []protocol.Command) (*Log, error) {
	l := New(base)
	for _, c := range retained {
		l.retained = append(l.retained, c)
		l.size += int64(c.Size())
	}
	for _, c := range cmds {
		if c.Seq != l.next {
			return nil, fmt.Errorf("restore history: seq %d follows %d", c.Seq, l.next-1)
		}
		l.entries = append(l.entries, c)
		l.size += int64(c.Size())
		l.next++
	}
	return l, nil
}

// Append assigns the next canonical sequence number and stores cmd.
func (l *Log) Append(cmd protocol.Command) protocol.Command {
	cmd.Seq = l.next
	l.next++
	l.entries = append(l.entries, cmd)
	l.size += int64(cmd.Size())
	return cmd
}

// Since returns the commands with Seq > seq. Asking for a position before
// the base fails with ErrTrimmed.
func (l *Log) Since(seq uint64) ([]protocol.Command, error) {
	if seq < l.base {
		return nil, fmt.Errorf("history since %d, base %d: %w", seq, l.base, ErrTrimmed)
	}
	i := int(seq - l.base)
	if i >= len(l.entries) {
		return nil, nil
	}
	return append([]protocol.Command(nil), l.entries[i:]...), nil
}

// Retained returns chat kept verbatim across resets.
func (l *Log) Retained() []protocol.Command {
	return append([]protocol.Command(nil), l.retained...)
}

// Size is the encoded byte size of everything the log holds.
func (l *Log) Size() int64 { return l.size }

func (l *Log) Len() int { return len(l.entries) }

// Base is the position before the first stored command.
func (l *Log) Base() uint64 { return l.base }

// Last is the sequence number of the newest command, or the base.
func (l *Log) Last() uint64 { return l.next - 1 }

// TrimTo drops every command at or before seq. Chat among the dropped
// commands is kept, newest first, while it fits in keepBudget bytes; a
// zero budget drops all chat. It returns the retained chat.
func (l *Log) TrimTo(seq uint64, keepBudget int64) []protocol.Command {
	if seq <= l.base {
		return l.Retained()
	}
	if seq > l.Last() {
		seq = l.Last()
	}
	cut := int(seq - l.base)
	candidates := append([]protocol.Command(nil), l.retained...)
	for _, c := range l.entries[:cut] {
		if c.Kind == protocol.KindChat {
			candidates = append(candidates, c)
		}
	}
	var kept []protocol.Command
	var used int64
	for i := len(candidates) - 1; i >= 0 && keepBudget > 0; i-- {
		sz := int64(candidates[i].Size())
		if used+sz > keepBudget {
			break
		}
		used += sz
		kept = append(kept, candidates[i])
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}

	rest := append([]protocol.Command(nil), l.entries[cut:]...)
	l.entries = rest
	l.retained = kept
	l.base = seq
	l.size = used
	for _, c := range rest {
		l.size += int64(c.Size())
	}
	return l.Retained()
}

// Reset discards everything. The next command still continues the
// sequence so canonical numbers are never reused.
func (l *Log) Reset() {
	l.base = l.next - 1
	l.entries = nil
	l.retained = nil
	l.size = 0
}

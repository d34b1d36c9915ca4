// Package undo derives per-command undo state from undo-point and undo
// commands. History is never rewritten: the ledger labels entries and the
// canvas is re-derived from the sealed base plus every active entry.
package undo

import (
	"slices"

	"layersync/server/internal/canvas"
	"layersync/server/internal/protocol"
)

// DefaultDepth is the number of undo points a user can step back over.
const DefaultDepth = 30

// MaxDepth bounds the depth operators can configure.
const MaxDepth = 255

// MaxEntries bounds the entries kept across a seal, whatever the undo
// points of departed users still reach.
const MaxEntries = 1 << 16

// State is the undo label of one command.
type State uint8

const (
	Active State = iota
	Undone
	Gone
	Unknown
)

var stateNames = [...]string{"done", "undone", "gone", "unknown"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "invalid"
}

// ParseState is the inverse of State.String.
func ParseState(name string) (State, bool) {
	for i, n := range stateNames {
		if n == name {
			return State(i), true
		}
	}
	return Unknown, false
}

// Entry is one undoable command and its label.
type Entry struct {
	Cmd   protocol.Command
	State State
}

// goneWindows is the number of seals whose gone commands are remembered.
// Commands older than that are reported as gone.
const goneWindows = 5

// Ledger holds the undoable commands that some user can still reach.
type Ledger struct {
	base    *canvas.State
	entries []Entry
	depth   int
	sealed  uint64
	gone    []window
	floor   uint64
}

// window lists the commands that became gone at the seal at seq at.
type window struct {
	at   uint64
	seqs []uint64
}

// NewLedger starts a ledger whose sealed state is base.
func NewLedger(base *canvas.State, depth int) *Ledger {
	return &Ledger{base: base, depth: clampDepth(depth)}
}

func clampDepth(d int) int {
	if d <= 0 {
		return DefaultDepth
	}
	if d > MaxDepth {
		return MaxDepth
	}
	return d
}

func (l *Ledger) Clone() *Ledger {
	c := *l
	c.entries = append([]Entry(nil), l.entries...)
	c.gone = append([]window(nil), l.gone...)
	return &c
}

func (l *Ledger) Depth() int { return l.depth }

func (l *Ledger) SetDepth(d int) { l.depth = clampDepth(d) }

// SealedAt is the sequence number of the last seal.
func (l *Ledger) SealedAt() uint64 { return l.sealed }

func (l *Ledger) Len() int { return len(l.entries) }

func (l *Ledger) Entries() []Entry {
	return append([]Entry(nil), l.entries...)
}

// Record appends an undoable command as active.
func (l *Ledger) Record(cmd protocol.Command) {
	if cmd.Kind.Undoable() {
		l.entries = append(l.entries, Entry{Cmd: cmd, State: Active})
	}
}

// Label returns the undo state of the command with the given sequence
// number. Folded commands are done; commands that became gone in one of
// the remembered seals, or that are older than all of them, are gone.
func (l *Ledger) Label(seq uint64) State {
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].Cmd.Seq == seq {
			return l.entries[i].State
		}
		if l.entries[i].Cmd.Seq < seq {
			break
		}
	}
	if seq == 0 || seq > l.sealed {
		return Unknown
	}
	if seq <= l.floor {
		return Gone
	}
	for _, w := range l.gone {
		if slices.Contains(w.seqs, seq) {
			return Gone
		}
	}
	return Active
}

// GoneAt returns the commands that became gone at the seal at seq.
func (l *Ledger) GoneAt(seq uint64) []uint64 {
	for _, w := range l.gone {
		if w.at == seq {
			return append([]uint64(nil), w.seqs...)
		}
	}
	return nil
}

// Undo flips the newest active run of user to undone. It reports whether
// anything changed.
func (l *Ledger) Undo(user uint8) bool {
	points := 0
	start := -1
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if e.Cmd.Issuer != user || e.Cmd.Kind != protocol.KindUndoPoint {
			continue
		}
		points++
		if points > l.depth {
			break
		}
		if e.State == Active {
			start = i
			break
		}
	}
	if start < 0 {
		return false
	}
	for i := start; i < len(l.entries); i++ {
		if l.entries[i].Cmd.Issuer == user && l.entries[i].State == Active {
			l.entries[i].State = Undone
		}
	}
	return true
}

// Redo flips the oldest undone run of user that follows its newest active
// run back to active. It reports whether anything changed.
func (l *Ledger) Redo(user uint8) bool {
	points := 0
	start := -1
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if e.Cmd.Issuer != user || e.Cmd.Kind != protocol.KindUndoPoint {
			continue
		}
		if e.State == Active {
			break
		}
		points++
		if points > l.depth {
			break
		}
		start = i
	}
	if start < 0 {
		return false
	}
	l.entries[start].State = Active
	for i := start + 1; i < len(l.entries); i++ {
		e := l.entries[i]
		if e.Cmd.Issuer != user {
			continue
		}
		if e.Cmd.Kind == protocol.KindUndoPoint {
			break
		}
		if e.State == Undone {
			l.entries[i].State = Active
		}
	}
	return true
}

// Rebuild re-derives the canvas from the sealed base and the active
// entries.
func (l *Ledger) Rebuild() *canvas.State {
	s := l.base.Clone()
	for _, e := range l.entries {
		if e.State == Active && e.Cmd.Kind.Canvas() {
			s.Mutate(e.Cmd)
		}
	}
	return s
}

// Seal bakes the ledger at the snapshot point seq. Entries that no user
// can reach with undo or redo any more are folded into the base: active
// ones are applied to it and undone ones become gone. Everything within
// undo depth stays in the ledger. It returns the sequence numbers that
// became gone.
func (l *Ledger) Seal(seq uint64) []uint64 {
	cut := l.horizon()
	var gone []uint64
	if cut > 0 {
		base := l.base.Clone()
		for _, e := range l.entries[:cut] {
			switch {
			case e.State == Undone:
				gone = append(gone, e.Cmd.Seq)
			case e.State == Active && e.Cmd.Kind.Canvas():
				base.Mutate(e.Cmd)
			}
		}
		l.base = base
		l.entries = append([]Entry(nil), l.entries[cut:]...)
	}
	l.sealed = seq
	l.gone = append(l.gone, window{at: seq, seqs: gone})
	if len(l.gone) > goneWindows {
		l.floor = l.gone[0].at
		l.gone = append([]window(nil), l.gone[1:]...)
	}
	return gone
}

// horizon is the index of the oldest entry any user can still reach: the
// depth-th newest undo point of each user. Entries of a user before their
// oldest reachable undo point are never flipped again.
func (l *Ledger) horizon() int {
	cut := len(l.entries)
	points := make(map[uint8]int)
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if e.Cmd.Kind != protocol.KindUndoPoint || points[e.Cmd.Issuer] >= l.depth {
			continue
		}
		points[e.Cmd.Issuer]++
		cut = i
	}
	if len(l.entries)-cut > MaxEntries {
		cut = len(l.entries) - MaxEntries
	}
	return cut
}

// Base returns the canvas at the last seal.
func (l *Ledger) Base() *canvas.State { return l.base }

// Package fork is the client side of the protocol: it applies local
// commands speculatively for immediate feedback and reconciles them with
// canonical history as the authority acknowledges or denies them.
package fork

import (
	"fmt"

	"layersync/server/internal/canvas"
	"layersync/server/internal/protocol"
	"layersync/server/internal/replica"
)

// State is the reconciliation state of an engine.
type State int

const (
	// Synced means nothing local is outstanding; the view is canonical.
	Synced State = iota
	// Forked means local commands await acknowledgment.
	Forked
	// Reconciling means canonical commands from others arrived while
	// local commands were outstanding.
	Reconciling
)

func (s State) String() string {
	switch s {
	case Synced:
		return "synced"
	case Forked:
		return "forked"
	case Reconciling:
		return "reconciling"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type pending struct {
	cmd         protocol.Command
	fingerprint uint64
}

// Stats count reconciliation events.
type Stats struct {
	Acks       int
	Denials    int
	Mismatches int
	Replays    int
}

// Annotation describes the local fork at one point of the stream.
type Annotation struct {
	Present    bool   `json:"present"`
	Size       int    `json:"size"`
	Start      uint64 `json:"start"`
	Fallbehind int    `json:"fallbehind"`
}

// Result describes what handling one message did.
type Result struct {
	Change   canvas.Change
	Acked    bool
	Denied   bool
	Replayed bool
}

// Engine tracks the canonical replica of one connection and the local
// speculation on top of it. It is not safe for concurrent use.
type Engine struct {
	user      uint8
	canonical *replica.Replica
	scratch   *replica.Replica
	pending   []pending
	start     uint64
	// fallbehind counts canonical commands from others since the fork
	// started. stale is set while the recorded fingerprints were computed
	// on an older canonical state.
	fallbehind int
	stale      bool
	state      State
	clientSeq  uint32
	stats      Stats
	changes    chan<- canvas.Change
}

// New starts an engine for user on top of a canonical replica.
func New(user uint8, canonical *replica.Replica) *Engine {
	return &Engine{user: user, canonical: canonical}
}

// FromCatchup builds the canonical replica from a catch-up snapshot and the
// commands that follow it.
func FromCatchup(user uint8, snap protocol.SnapshotData, cmds []protocol.Command, undoDepth int) (*Engine, error) {
	rep, err := replica.FromSnapshot(snap, undoDepth)
	if err != nil {
		return nil, err
	}
	for _, c := range cmds {
		rep.Apply(c)
	}
	return New(user, rep), nil
}

// Notify sends change descriptions of the view to ch. Sends never block;
// a full channel misses changes.
func (e *Engine) Notify(ch chan<- canvas.Change) { e.changes = ch }

func (e *Engine) User() uint8 { return e.user }

func (e *Engine) State() State { return e.state }

func (e *Engine) Pending() int { return len(e.pending) }

func (e *Engine) Fallbehind() int { return e.fallbehind }

func (e *Engine) Stats() Stats { return e.stats }

// Canonical is the replica built from acknowledged history only.
func (e *Engine) Canonical() *replica.Replica { return e.canonical }

// View is what the user sees: canonical state plus local speculation.
func (e *Engine) View() *replica.Replica {
	if e.scratch != nil {
		return e.scratch
	}
	return e.canonical
}

func (e *Engine) Annotation() Annotation {
	return Annotation{
		Present:    e.state != Synced,
		Size:       len(e.pending),
		Start:      e.start,
		Fallbehind: e.fallbehind,
	}
}

// Emit stamps a local command with the user and the next client sequence
// number, applies it to the speculative view and returns the command to
// send to the authority.
func (e *Engine) Emit(cmd protocol.Command) protocol.Command {
	e.clientSeq++
	cmd.Issuer = e.user
	cmd.ClientSeq = e.clientSeq
	cmd.Seq = 0
	if e.state == Synced {
		e.scratch = e.canonical.Clone()
		e.start = e.canonical.Seq
		e.state = Forked
	}
	res := e.scratch.Apply(cmd)
	e.pending = append(e.pending, pending{cmd: cmd, fingerprint: e.scratch.Fingerprint()})
	e.emitChange(res.Change)
	return cmd
}

// Receive handles one canonical command. The echo of the oldest pending
// command acknowledges it.
func (e *Engine) Receive(cmd protocol.Command) Result {
	res := e.canonical.Apply(cmd)
	if len(e.pending) > 0 && cmd.Issuer == e.user && cmd.ClientSeq != 0 &&
		cmd.ClientSeq == e.pending[0].cmd.ClientSeq {
		return e.ack()
	}
	if e.state == Synced {
		e.emitChange(res.Change)
		return Result{Change: res.Change}
	}
	e.fallbehind++
	e.stale = true
	e.state = Reconciling
	return Result{}
}

func (e *Engine) ack() Result {
	head := e.pending[0]
	e.pending = e.pending[1:]
	e.stats.Acks++
	agrees := !e.stale && e.canonical.Fingerprint() == head.fingerprint
	if !e.stale && !agrees {
		e.stats.Mismatches++
	}
	if len(e.pending) == 0 {
		e.sync(!agrees)
		return Result{Acked: true, Replayed: !agrees, Change: e.fullIf(!agrees)}
	}
	if agrees {
		return Result{Acked: true}
	}
	e.replay()
	return Result{Acked: true, Replayed: true, Change: canvas.FullChange()}
}

// Deny handles the authority's rejection of a pending command.
func (e *Engine) Deny(d protocol.Deny) Result {
	idx := -1
	for i, p := range e.pending {
		if p.cmd.ClientSeq == d.ClientSeq {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Result{}
	}
	e.pending = append(e.pending[:idx:idx], e.pending[idx+1:]...)
	e.stats.Denials++
	if len(e.pending) == 0 {
		e.sync(true)
		return Result{Denied: true, Replayed: true, Change: canvas.FullChange()}
	}
	e.replay()
	return Result{Denied: true, Replayed: true, Change: canvas.FullChange()}
}

// Reset rebuilds canonical state from the base of a reset notice, then
// replays pending commands on top.
func (e *Engine) Reset(n protocol.ResetNotice) (Result, error) {
	rep, err := replica.FromSnapshot(n.Base, e.canonical.Ledger.Depth())
	if err != nil {
		return Result{}, fmt.Errorf("apply reset at %d: %w", n.Seq, err)
	}
	e.canonical = rep
	if len(e.pending) == 0 {
		e.sync(false)
		e.emitChange(canvas.FullChange())
		return Result{Change: canvas.FullChange()}, nil
	}
	e.replay()
	return Result{Replayed: true, Change: canvas.FullChange()}, nil
}

// Disconnect drops every pending command; they were never acknowledged
// and will never be. It returns the dropped commands.
func (e *Engine) Disconnect() []protocol.Command {
	dropped := make([]protocol.Command, 0, len(e.pending))
	for _, p := range e.pending {
		dropped = append(dropped, p.cmd)
	}
	hadFork := e.state != Synced
	e.pending = nil
	e.sync(hadFork)
	return dropped
}

// replay discards the speculative view and rebuilds it from canonical
// state plus every pending command.
func (e *Engine) replay() {
	e.stats.Replays++
	e.scratch = e.canonical.Clone()
	for i := range e.pending {
		e.scratch.Apply(e.pending[i].cmd)
		e.pending[i].fingerprint = e.scratch.Fingerprint()
	}
	e.stale = false
	e.emitChange(canvas.FullChange())
}

func (e *Engine) sync(changed bool) {
	e.scratch = nil
	e.pending = nil
	e.fallbehind = 0
	e.stale = false
	e.state = Synced
	e.start = e.canonical.Seq
	if changed {
		e.emitChange(canvas.FullChange())
	}
}

func (e *Engine) fullIf(changed bool) canvas.Change {
	if changed {
		return canvas.FullChange()
	}
	return canvas.Change{}
}

func (e *Engine) emitChange(c canvas.Change) {
	if e.changes == nil || c.Empty() {
		return
	}
	select {
	case e.changes <- c:
	default:
	}
}

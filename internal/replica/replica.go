// Package replica combines the canvas, the access control state and the
// undo ledger into the state every participant derives from canonical
// history. The session authority and every client run the same code.
package replica

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"layersync/server/internal/acl"
	"layersync/server/internal/canvas"
	"layersync/server/internal/protocol"
	"layersync/server/internal/undo"
)

// Options configure a fresh replica.
type Options struct {
	Width      int32
	Height     int32
	Background uint32
	Features   acl.Features
	UndoDepth  int
}

// Replica is the derived state after applying commands up to Seq.
type Replica struct {
	Canvas *canvas.State
	ACL    *acl.State
	Ledger *undo.Ledger
	Seq    uint64
}

// New returns an empty replica.
func New(opts Options) *Replica {
	c := canvas.New(opts.Width, opts.Height, opts.Background)
	a := acl.New(opts.Features)
	if opts.UndoDepth > 0 && opts.UndoDepth <= undo.MaxDepth {
		// Recorded in the access control state so snapshots carry it.
		a.Apply(protocol.New(0, &protocol.UndoDepth{Depth: uint8(opts.UndoDepth)}))
	}
	return &Replica{
		Canvas: c,
		ACL:    a,
		Ledger: undo.NewLedger(c.Clone(), opts.UndoDepth),
	}
}

// FromSnapshot restores a replica from a snapshot taken at a seal point.
// Without undo data the snapshot is an undo barrier.
func FromSnapshot(snap protocol.SnapshotData, undoDepth int) (*Replica, error) {
	c, err := canvas.Decode(snap.Canvas)
	if err != nil {
		return nil, fmt.Errorf("restore snapshot %d: %w", snap.At, err)
	}
	a, err := acl.Decode(snap.ACL)
	if err != nil {
		return nil, fmt.Errorf("restore snapshot %d: %w", snap.At, err)
	}
	if len(snap.Undo) == 0 {
		if d := a.UndoDepth(); d != 0 {
			undoDepth = int(d)
		}
		ledger := undo.NewLedger(c.Clone(), undoDepth)
		ledger.Seal(snap.At)
		return &Replica{Canvas: c, ACL: a, Ledger: ledger, Seq: snap.At}, nil
	}
	ledger, err := undo.Decode(snap.Undo, c)
	if err != nil {
		return nil, fmt.Errorf("restore snapshot %d: %w", snap.At, err)
	}
	if d := a.UndoDepth(); d != 0 {
		ledger.SetDepth(int(d))
	}
	return &Replica{Canvas: c, ACL: a, Ledger: ledger, Seq: snap.At}, nil
}

// Clone returns an independent copy for speculative execution.
func (r *Replica) Clone() *Replica {
	return &Replica{
		Canvas: r.Canvas.Clone(),
		ACL:    r.ACL.Clone(),
		Ledger: r.Ledger.Clone(),
		Seq:    r.Seq,
	}
}

// Result is what applying one command did.
type Result struct {
	Change canvas.Change
	// Gone lists commands that became gone because of a seal.
	Gone []uint64
}

// Apply advances the replica by one command. Commands carrying a canonical
// sequence number at or before Seq are ignored so catch-up is idempotent.
func (r *Replica) Apply(cmd protocol.Command) Result {
	if cmd.Seq != 0 {
		if cmd.Seq <= r.Seq {
			return Result{Change: canvas.Change{Kind: cmd.Kind}}
		}
		r.Seq = cmd.Seq
	}
	res := Result{Change: canvas.Change{Kind: cmd.Kind}}
	switch p := cmd.Payload.(type) {
	case *protocol.SnapshotPoint:
		res.Gone = r.Ledger.Seal(cmd.Seq)
	case *protocol.UndoPoint:
		r.Ledger.Record(cmd)
	case *protocol.Undo:
		target := cmd.Issuer
		if p.OverrideUser != 0 {
			target = p.OverrideUser
		}
		var changed bool
		if p.Redo {
			changed = r.Ledger.Redo(target)
		} else {
			changed = r.Ledger.Undo(target)
		}
		if changed {
			r.Canvas = r.Ledger.Rebuild()
			res.Change = canvas.FullChange()
			res.Change.Kind = cmd.Kind
		}
	case *protocol.UndoDepth:
		r.Ledger.SetDepth(int(p.Depth))
	default:
		if cmd.Kind.Canvas() {
			res.Change = r.Canvas.Mutate(cmd)
			r.Ledger.Record(cmd)
		}
	}
	r.ACL.Apply(cmd)
	return res
}

// Snapshot captures the replica together with its undo ledger. It is taken
// directly after a snapshot-point so restored replicas seal identically.
func (r *Replica) Snapshot() (protocol.SnapshotData, error) {
	c, err := r.Canvas.MarshalBinary()
	if err != nil {
		return protocol.SnapshotData{}, fmt.Errorf("encode canvas: %w", err)
	}
	a, err := r.ACL.MarshalBinary()
	if err != nil {
		return protocol.SnapshotData{}, fmt.Errorf("encode acl: %w", err)
	}
	snap := protocol.SnapshotData{At: r.Seq, Canvas: c, ACL: a}
	if snap.Undo, err = r.Ledger.MarshalBinary(); err != nil {
		return protocol.SnapshotData{}, err
	}
	return snap, nil
}

// Fingerprint digests the canvas and the access control state.
func (r *Replica) Fingerprint() uint64 {
	c, _ := r.Canvas.MarshalBinary()
	a, _ := r.ACL.MarshalBinary()
	d := xxhash.New()
	_, _ = d.Write(c)
	_, _ = d.Write(a)
	return d.Sum64()
}

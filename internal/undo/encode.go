package undo

import (
	"fmt"

	"layersync/server/internal/canvas"
	"layersync/server/internal/protocol"
)

// MarshalBinary encodes the ledger so a replica restored from a snapshot
// can keep undoing across it. The base is left out when no entries are
// kept: it then equals the canvas of the snapshot.
func (l *Ledger) MarshalBinary() ([]byte, error) {
	var base []byte
	if len(l.entries) > 0 {
		b, err := l.base.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("encode undo base: %w", err)
		}
		base = b
	}
	var e protocol.Encoder
	e.Uint(1, uint64(l.depth))
	e.Uint(2, l.sealed)
	e.Uint(3, l.floor)
	e.Raw(4, base)
	for _, en := range l.entries {
		var ee protocol.Encoder
		ee.Uint(1, uint64(en.State))
		ee.Raw(2, en.Cmd.Marshal())
		e.Raw(5, ee.Bytes())
	}
	for _, w := range l.gone {
		var we protocol.Encoder
		we.Uint(1, w.at)
		we.Packed(2, w.seqs)
		// An empty window at seq zero would otherwise vanish.
		we.Bool(3, true)
		e.Raw(6, we.Bytes())
	}
	return e.Bytes(), nil
}

// Decode restores a ledger encoded by MarshalBinary. current is the canvas
// of the snapshot the ledger was taken with.
func Decode(b []byte, current *canvas.State) (*Ledger, error) {
	l := &Ledger{}
	var base []byte
	err := protocol.Fields(b, func(f protocol.Field) error {
		switch f.Num {
		case 1:
			l.depth = clampDepth(int(f.Varint))
		case 2:
			l.sealed = f.Varint
		case 3:
			l.floor = f.Varint
		case 4:
			base = f.Data
		case 5:
			en, err := decodeEntry(f.Data)
			if err != nil {
				return err
			}
			l.entries = append(l.entries, en)
		case 6:
			w, err := decodeWindow(f.Data)
			if err != nil {
				return err
			}
			l.gone = append(l.gone, w)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode undo ledger: %w", err)
	}
	if l.depth == 0 {
		l.depth = DefaultDepth
	}
	if len(base) == 0 {
		if len(l.entries) > 0 {
			return nil, fmt.Errorf("undo ledger without base: %w", protocol.ErrMalformed)
		}
		l.base = current.Clone()
		return l, nil
	}
	if l.base, err = canvas.Decode(base); err != nil {
		return nil, fmt.Errorf("decode undo base: %w", err)
	}
	return l, nil
}

func decodeEntry(b []byte) (Entry, error) {
	var en Entry
	var raw []byte
	err := protocol.Fields(b, func(f protocol.Field) error {
		switch f.Num {
		case 1:
			en.State = State(f.Varint)
		case 2:
			raw = f.Data
		}
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	if en.State != Active && en.State != Undone {
		return Entry{}, fmt.Errorf("undo entry state %d: %w", uint8(en.State), protocol.ErrMalformed)
	}
	if en.Cmd, err = protocol.UnmarshalCommand(raw); err != nil {
		return Entry{}, err
	}
	return en, nil
}

func decodeWindow(b []byte) (window, error) {
	var w window
	err := protocol.Fields(b, func(f protocol.Field) error {
		switch f.Num {
		case 1:
			w.at = f.Varint
		case 2:
			seqs, err := f.Packed()
			if err != nil {
				return err
			}
			w.seqs = seqs
		}
		return nil
	})
	return w, err
}

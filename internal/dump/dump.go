// Package dump records everything a client's fork engine handles, in
// order, together with the resulting undo labels and fork annotations. A
// Player re-executes a dump through a fresh engine and reports where the
// behavior differs from what was recorded.
package dump

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"layersync/server/internal/fork"
	"layersync/server/internal/protocol"
	"layersync/server/internal/undo"
)

var magic = []byte("LSDUMP\x00\x01")

var ErrFormat = errors.New("invalid dump")

type EntryType uint8

const (
	EntryRemote EntryType = iota + 1
	EntryLocal
	EntryDeny
	EntryReset
	// EntryForkClear marks a disconnect that dropped the local fork.
	EntryForkClear
)

var entryTypeNames = map[EntryType]string{
	EntryRemote:    "remote",
	EntryLocal:     "local",
	EntryDeny:      "deny",
	EntryReset:     "reset",
	EntryForkClear: "fork-clear",
}

func (t EntryType) String() string {
	if name, ok := entryTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("entry(%d)", uint8(t))
}

// Header holds what a fresh engine needs before the first entry.
type Header struct {
	User      uint8
	Base      protocol.SnapshotData
	UndoDepth int
}

// Entry is one input to the engine and the state it left behind.
type Entry struct {
	Type    EntryType
	Command protocol.Command
	Deny    protocol.Deny
	Reset   protocol.ResetNotice

	Label       undo.State
	Gone        []uint64 // made gone by a snapshot-point
	Fork        fork.Annotation
	Fingerprint uint64
}

func (e Entry) String() string {
	switch e.Type {
	case EntryRemote, EntryLocal:
		if len(e.Gone) > 0 {
			return fmt.Sprintf("%s %s label=%s gone=%v", e.Type, e.Command, e.Label, e.Gone)
		}
		return fmt.Sprintf("%s %s label=%s", e.Type, e.Command, e.Label)
	case EntryDeny:
		return fmt.Sprintf("%s cseq=%d reason=%s", e.Type, e.Deny.ClientSeq, e.Deny.Reason)
	case EntryReset:
		return fmt.Sprintf("%s seq=%d manual=%t", e.Type, e.Reset.Seq, e.Reset.Manual)
	}
	return e.Type.String()
}

// observe fills the recorded outcome of e from the engine that handled it.
func (e *Entry) observe(engine *fork.Engine) {
	e.Label = undo.Unknown
	e.Gone = nil
	if e.Type == EntryRemote && e.Command.Seq != 0 {
		ledger := engine.Canonical().Ledger
		e.Label = ledger.Label(e.Command.Seq)
		if e.Command.Kind == protocol.KindSnapshotPoint {
			e.Gone = ledger.GoneAt(e.Command.Seq)
		}
	}
	e.Fork = engine.Annotation()
	e.Fingerprint = engine.View().Fingerprint()
}

// Recorder appends entries to a dump. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	bw     *bufio.Writer
	fw     *protocol.FrameWriter
	closer io.Closer
	count  int
}

// NewRecorder writes the dump header to w.
func NewRecorder(w io.Writer, h Header) (*Recorder, error) {
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(magic); err != nil {
		return nil, fmt.Errorf("write dump header: %w", err)
	}
	fw := protocol.NewFrameWriter(bw)
	if err := fw.Write(encodeHeader(h)); err != nil {
		return nil, fmt.Errorf("write dump header: %w", err)
	}
	return &Recorder{bw: bw, fw: fw}, nil
}

// Create starts a dump file at path. Existing files are never overwritten.
func Create(path string, h Header) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create dump: %w", err)
	}
	r, err := NewRecorder(f, h)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// Record appends e after engine handled it.
func (r *Recorder) Record(engine *fork.Engine, e Entry) error {
	e.observe(engine)
	b, err := encodeEntry(e)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fw.Write(b); err != nil {
		return fmt.Errorf("write dump entry %d: %w", r.count, err)
	}
	r.count++
	return nil
}

// Count is the number of entries recorded so far.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bw.Flush()
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.bw.Flush()
	if r.closer != nil {
		err = errors.Join(err, r.closer.Close())
	}
	return err
}

// Read loads a whole dump.
func Read(rd io.Reader) (Header, []Entry, error) {
	br := bufio.NewReader(rd)
	head := make([]byte, len(magic))
	if _, err := io.ReadFull(br, head); err != nil || !bytes.Equal(head, magic) {
		return Header{}, nil, fmt.Errorf("read dump header: %w", ErrFormat)
	}
	fr := protocol.NewFrameReader(br)
	b, err := fr.Next()
	if err != nil {
		return Header{}, nil, fmt.Errorf("read dump header: %w", ErrFormat)
	}
	h, err := decodeHeader(b)
	if err != nil {
		return Header{}, nil, err
	}
	var entries []Entry
	for {
		b, err := fr.Next()
		if errors.Is(err, io.EOF) {
			return h, entries, nil
		}
		if err != nil {
			return Header{}, nil, fmt.Errorf("read dump entry %d: %w", len(entries), err)
		}
		e, err := decodeEntry(b)
		if err != nil {
			return Header{}, nil, fmt.Errorf("read dump entry %d: %w", len(entries), err)
		}
		entries = append(entries, e)
	}
}

func encodeHeader(h Header) []byte {
	var e protocol.Encoder
	e.Uint(1, uint64(h.User))
	e.Raw(2, protocol.MarshalSnapshot(h.Base))
	e.Uint(3, uint64(h.UndoDepth))
	return e.Bytes()
}

func decodeHeader(b []byte) (Header, error) {
	var h Header
	var snap []byte
	err := protocol.Fields(b, func(f protocol.Field) error {
		switch f.Num {
		case 1:
			h.User = uint8(f.Varint)
		case 2:
			snap = f.Data
		case 3:
			h.UndoDepth = int(f.Varint)
		}
		return nil
	})
	if err != nil {
		return Header{}, fmt.Errorf("decode dump header: %w", err)
	}
	if h.Base, err = protocol.UnmarshalSnapshot(snap); err != nil {
		return Header{}, fmt.Errorf("decode dump header: %w", err)
	}
	return h, nil
}

// message carries the entry's input in its wire form.
func (e Entry) message() (protocol.Message, bool) {
	switch e.Type {
	case EntryRemote, EntryLocal:
		return protocol.CommandMessage(e.Command), true
	case EntryDeny:
		d := e.Deny
		return protocol.Message{Type: protocol.MsgDeny, Deny: &d}, true
	case EntryReset:
		n := e.Reset
		return protocol.Message{Type: protocol.MsgReset, Reset: &n}, true
	}
	return protocol.Message{}, false
}

func encodeEntry(en Entry) ([]byte, error) {
	var e protocol.Encoder
	e.Uint(1, uint64(en.Type))
	if msg, ok := en.message(); ok {
		b, err := msg.Marshal()
		if err != nil {
			return nil, fmt.Errorf("encode %s entry: %w", en.Type, err)
		}
		e.Raw(2, b)
	}
	e.Uint(3, uint64(en.Label)+1)
	e.Bool(4, en.Fork.Present)
	e.Uint(5, uint64(en.Fork.Size))
	e.Uint(6, en.Fork.Start)
	e.Uint(7, uint64(en.Fork.Fallbehind))
	e.Uint(8, en.Fingerprint)
	e.Packed(9, en.Gone)
	return e.Bytes(), nil
}

func decodeEntry(b []byte) (Entry, error) {
	var en Entry
	var body []byte
	err := protocol.Fields(b, func(f protocol.Field) error {
		switch f.Num {
		case 1:
			en.Type = EntryType(f.Varint)
		case 2:
			body = f.Data
		case 3:
			en.Label = undo.State(f.Varint - 1)
		case 4:
			en.Fork.Present = f.Bool()
		case 5:
			en.Fork.Size = int(f.Varint)
		case 6:
			en.Fork.Start = f.Varint
		case 7:
			en.Fork.Fallbehind = int(f.Varint)
		case 8:
			en.Fingerprint = f.Varint
		case 9:
			gone, err := f.Packed()
			if err != nil {
				return err
			}
			en.Gone = gone
		}
		return nil
	})
	if err != nil {
		return Entry{}, fmt.Errorf("decode dump entry: %w", err)
	}
	if _, ok := entryTypeNames[en.Type]; !ok {
		return Entry{}, fmt.Errorf("dump entry type %d: %w", uint8(en.Type), ErrFormat)
	}
	if en.Type == EntryForkClear {
		return en, nil
	}
	msg, err := protocol.UnmarshalMessage(body)
	if err != nil {
		return Entry{}, fmt.Errorf("decode %s entry: %w", en.Type, err)
	}
	switch {
	case (en.Type == EntryRemote || en.Type == EntryLocal) && msg.Command != nil:
		en.Command = *msg.Command
	case en.Type == EntryDeny && msg.Deny != nil:
		en.Deny = *msg.Deny
	case en.Type == EntryReset && msg.Reset != nil:
		en.Reset = *msg.Reset
	default:
		return Entry{}, fmt.Errorf("%s entry carries %s: %w", en.Type, msg.Type, ErrFormat)
	}
	return en, nil
}

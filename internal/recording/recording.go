// Package recording reads and writes session recordings: the ordered
// command stream plus periodic full-state checkpoints, in a compact binary
// format and a line-oriented text format that diffs well.
package recording

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"layersync/server/internal/protocol"
)

// RecordType distinguishes commands from checkpoints.
type RecordType uint8

const (
	RecordCommand RecordType = iota + 1
	RecordCheckpoint
)

// Record is one entry of a recording.
type Record struct {
	Type       RecordType
	Command    protocol.Command
	Checkpoint protocol.SnapshotData
}

func CommandRecord(c protocol.Command) Record {
	return Record{Type: RecordCommand, Command: c}
}

func CheckpointRecord(s protocol.SnapshotData) Record {
	return Record{Type: RecordCheckpoint, Checkpoint: s}
}

var ErrFormat = errors.New("not a recording")

// Writer appends records.
type Writer interface {
	Write(Record) error
	Close() error
}

// Reader returns records in order and io.EOF at the end.
type Reader interface {
	Next() (Record, error)
}

// Format selects the encoding of a recording file.
type Format int

const (
	Binary Format = iota
	Text
)

// ParseFormat accepts "binary" and "text".
func ParseFormat(name string) (Format, error) {
	switch name {
	case "binary", "bin":
		return Binary, nil
	case "text", "txt":
		return Text, nil
	}
	return 0, fmt.Errorf("unknown recording format %q", name)
}

// NewWriter starts a recording in format f on w.
func NewWriter(w io.Writer, f Format) (Writer, error) {
	if f == Text {
		return NewTextWriter(w)
	}
	return NewBinaryWriter(w)
}

// NewReader detects the format of r from its header.
func NewReader(r io.Reader) (Reader, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(len(binaryMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read recording header: %w", err)
	}
	if bytes.Equal(head, []byte(binaryMagic)) {
		return NewBinaryReader(br)
	}
	return NewTextReader(br)
}

type fileWriter struct {
	Writer
	f *os.File
}

func (w *fileWriter) Close() error {
	err := w.Writer.Close()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Create opens a new recording file.
func Create(path string, f Format) (Writer, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	w, err := NewWriter(file, f)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	return &fileWriter{Writer: w, f: file}, nil
}

// Copy writes every record of src to dst and returns the record count.
func Copy(dst Writer, src Reader) (int, error) {
	n := 0
	for {
		rec, err := src.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if err := dst.Write(rec); err != nil {
			return n, err
		}
		n++
	}
}

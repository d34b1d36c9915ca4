package recording

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"layersync/server/internal/protocol"
)

const binaryMagic = "LSREC\x00\x01"

// BinaryWriter writes framed protowire records after a magic header.
type BinaryWriter struct {
	bw *bufio.Writer
	fw *protocol.FrameWriter
}

func NewBinaryWriter(w io.Writer) (*BinaryWriter, error) {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(binaryMagic); err != nil {
		return nil, fmt.Errorf("write recording header: %w", err)
	}
	return &BinaryWriter{bw: bw, fw: protocol.NewFrameWriter(bw)}, nil
}

func (w *BinaryWriter) Write(rec Record) error {
	var e protocol.Encoder
	e.Uint(1, uint64(rec.Type))
	switch rec.Type {
	case RecordCommand:
		e.Raw(2, rec.Command.Marshal())
	case RecordCheckpoint:
		e.Raw(3, protocol.MarshalSnapshot(rec.Checkpoint))
	default:
		return fmt.Errorf("write record type %d: %w", rec.Type, ErrFormat)
	}
	return w.fw.Write(e.Bytes())
}

// Flush pushes buffered records to the underlying writer.
func (w *BinaryWriter) Flush() error {
	return w.bw.Flush()
}

func (w *BinaryWriter) Close() error {
	return w.bw.Flush()
}

// BinaryReader reads what BinaryWriter wrote.
type BinaryReader struct {
	fr *protocol.FrameReader
}

func NewBinaryReader(r io.Reader) (*BinaryReader, error) {
	br := bufio.NewReader(r)
	head := make([]byte, len(binaryMagic))
	if _, err := io.ReadFull(br, head); err != nil || string(head) != binaryMagic {
		return nil, ErrFormat
	}
	return &BinaryReader{fr: protocol.NewFrameReader(br)}, nil
}

func (r *BinaryReader) Next() (Record, error) {
	b, err := r.fr.Next()
	if err != nil {
		return Record{}, err
	}
	var rec Record
	err = protocol.Fields(b, func(f protocol.Field) error {
		switch f.Num {
		case 1:
			rec.Type = RecordType(f.Varint)
		case 2:
			c, err := protocol.UnmarshalCommand(f.Data)
			if err != nil {
				return err
			}
			rec.Command = c
		case 3:
			s, err := protocol.UnmarshalSnapshot(f.Data)
			if err != nil {
				return err
			}
			rec.Checkpoint = s
		}
		return nil
	})
	if err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	if rec.Type != RecordCommand && rec.Type != RecordCheckpoint {
		return Record{}, fmt.Errorf("record type %d: %w", rec.Type, errors.Join(ErrFormat, protocol.ErrMalformed))
	}
	return rec, nil
}

package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxFrameSize bounds a single framed message. Snapshot transfers are the
// largest messages.
const MaxFrameSize = 64 << 20

var ErrFrameTooLarge = errors.New("frame too large")

// AppendFrame appends b prefixed with its varint length.
func AppendFrame(dst, b []byte) []byte {
	return protowire.AppendBytes(dst, b)
}

// FrameReader reads varint length-delimited frames from a byte stream.
type FrameReader struct {
	r *bufio.Reader
}

func NewFrameReader(r io.Reader) *FrameReader {
	if br, ok := r.(*bufio.Reader); ok {
		return &FrameReader{r: br}
	}
	return &FrameReader{r: bufio.NewReader(r)}
}

// Next returns the next frame. io.EOF is returned only on a clean boundary.
func (fr *FrameReader) Next() ([]byte, error) {
	n, err := binary.ReadUvarint(fr.r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	if n > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes: %w", n, ErrFrameTooLarge)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(fr.r, buf); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return buf, nil
}

// ReadMessage reads and decodes one framed message.
func (fr *FrameReader) ReadMessage() (Message, error) {
	b, err := fr.Next()
	if err != nil {
		return Message{}, err
	}
	return UnmarshalMessage(b)
}

// FrameWriter writes varint length-delimited frames.
type FrameWriter struct {
	w   io.Writer
	buf []byte
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

func (fw *FrameWriter) Write(b []byte) error {
	if len(b) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes: %w", len(b), ErrFrameTooLarge)
	}
	fw.buf = AppendFrame(fw.buf[:0], b)
	if _, err := fw.w.Write(fw.buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (fw *FrameWriter) WriteMessage(m Message) error {
	b, err := m.Marshal()
	if err != nil {
		return err
	}
	return fw.Write(b)
}

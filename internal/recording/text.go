package recording

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"layersync/server/internal/protocol"
)

const textHeader = "!recording " + protocol.Version

// TextWriter writes one record per line:
//
//	cmd <seq> <issuer> <client-seq> <kind> <json payload>
//	checkpoint <at> <base64 canvas> <base64 acl> [<base64 undo>]
type TextWriter struct {
	bw *bufio.Writer
}

func NewTextWriter(w io.Writer) (*TextWriter, error) {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(textHeader + "\n"); err != nil {
		return nil, fmt.Errorf("write recording header: %w", err)
	}
	return &TextWriter{bw: bw}, nil
}

func (w *TextWriter) Write(rec Record) error {
	var line string
	switch rec.Type {
	case RecordCommand:
		c := rec.Command
		payload := []byte("{}")
		if c.Payload != nil {
			var err error
			payload, err = json.Marshal(c.Payload)
			if err != nil {
				return fmt.Errorf("encode %s payload: %w", c.Kind, err)
			}
		}
		line = fmt.Sprintf("cmd %d %d %d %s %s", c.Seq, c.Issuer, c.ClientSeq, c.Kind, payload)
	case RecordCheckpoint:
		s := rec.Checkpoint
		line = fmt.Sprintf("checkpoint %d %s %s %s", s.At,
			encodeBlob(s.Canvas), encodeBlob(s.ACL), encodeBlob(s.Undo))
	default:
		return fmt.Errorf("write record type %d: %w", rec.Type, ErrFormat)
	}
	if _, err := w.bw.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

func (w *TextWriter) Close() error {
	return w.bw.Flush()
}

func encodeBlob(b []byte) string {
	if len(b) == 0 {
		return "-"
	}
	return base64.StdEncoding.EncodeToString(b)
}

func decodeBlob(s string) ([]byte, error) {
	if s == "-" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

// TextReader parses what TextWriter wrote. Blank lines and lines starting
// with '#' are ignored.
type TextReader struct {
	sc   *bufio.Scanner
	line int
}

func NewTextReader(r io.Reader) (*TextReader, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), protocol.MaxFrameSize*2)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("read recording header: %w", err)
		}
		return nil, ErrFormat
	}
	if !strings.HasPrefix(sc.Text(), "!recording ") {
		return nil, ErrFormat
	}
	return &TextReader{sc: sc, line: 1}, nil
}

func (r *TextReader) Next() (Record, error) {
	for r.sc.Scan() {
		r.line++
		text := strings.TrimSpace(r.sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		rec, err := parseLine(text)
		if err != nil {
			return Record{}, fmt.Errorf("line %d: %w", r.line, err)
		}
		return rec, nil
	}
	if err := r.sc.Err(); err != nil {
		return Record{}, fmt.Errorf("read recording: %w", err)
	}
	return Record{}, io.EOF
}

func parseLine(text string) (Record, error) {
	word, rest, _ := strings.Cut(text, " ")
	switch word {
	case "cmd":
		fields := strings.SplitN(rest, " ", 5)
		if len(fields) != 5 {
			return Record{}, fmt.Errorf("command needs 5 fields: %w", protocol.ErrMalformed)
		}
		seq, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return Record{}, fmt.Errorf("seq: %w", err)
		}
		issuer, err := strconv.ParseUint(fields[1], 10, 8)
		if err != nil {
			return Record{}, fmt.Errorf("issuer: %w", err)
		}
		cseq, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			return Record{}, fmt.Errorf("client seq: %w", err)
		}
		kind, err := protocol.ParseKind(fields[3])
		if err != nil {
			return Record{}, err
		}
		payload, err := protocol.NewPayload(kind)
		if err != nil {
			return Record{}, err
		}
		if err := json.Unmarshal([]byte(fields[4]), payload); err != nil {
			return Record{}, fmt.Errorf("%s payload: %w", kind, err)
		}
		return CommandRecord(protocol.Command{
			Kind:      kind,
			Issuer:    uint8(issuer),
			ClientSeq: uint32(cseq),
			Seq:       seq,
			Payload:   payload,
		}), nil
	case "checkpoint":
		fields := strings.Fields(rest)
		if len(fields) != 3 && len(fields) != 4 {
			return Record{}, fmt.Errorf("checkpoint needs 3 or 4 fields: %w", protocol.ErrMalformed)
		}
		at, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return Record{}, fmt.Errorf("at: %w", err)
		}
		canvas, err := decodeBlob(fields[1])
		if err != nil {
			return Record{}, fmt.Errorf("canvas: %w", err)
		}
		aclState, err := decodeBlob(fields[2])
		if err != nil {
			return Record{}, fmt.Errorf("acl: %w", err)
		}
		snap := protocol.SnapshotData{At: at, Canvas: canvas, ACL: aclState}
		if len(fields) == 4 {
			if snap.Undo, err = decodeBlob(fields[3]); err != nil {
				return Record{}, fmt.Errorf("undo: %w", err)
			}
		}
		return CheckpointRecord(snap), nil
	}
	return Record{}, fmt.Errorf("unknown record %q: %w", word, protocol.ErrMalformed)
}

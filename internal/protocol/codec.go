package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

func zigzag(v int32) uint64   { return protowire.EncodeZigZag(int64(v)) }
func unzigzag(v uint64) int32 { return int32(protowire.DecodeZigZag(v)) }
func protoNum(n int) protowire.Number {
	return protowire.Number(n)
}

// Marshal encodes a command.
func (c Command) Marshal() []byte {
	var e Encoder
	c.marshalTo(&e)
	return e.Bytes()
}

func (c Command) marshalTo(e *Encoder) {
	e.Uint(1, uint64(c.Kind))
	e.Uint(2, uint64(c.Issuer))
	e.Uint(3, uint64(c.ClientSeq))
	e.Uint(4, c.Seq)
	if c.Payload != nil {
		var body Encoder
		c.Payload.marshal(&body)
		if len(body.Bytes()) > 0 {
			e.Raw(5, body.Bytes())
		}
	}
}

// Size is the number of bytes the command occupies in history.
func (c Command) Size() int {
	return len(c.Marshal())
}

// UnmarshalCommand decodes a command produced by Command.Marshal.
func UnmarshalCommand(b []byte) (Command, error) {
	var c Command
	var body []byte
	err := Fields(b, func(f Field) error {
		switch f.Num {
		case 1:
			c.Kind = Kind(f.Varint)
		case 2:
			c.Issuer = uint8(f.Varint)
		case 3:
			c.ClientSeq = uint32(f.Varint)
		case 4:
			c.Seq = f.Varint
		case 5:
			body = f.Data
		}
		return nil
	})
	if err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	if !c.Kind.Valid() {
		return Command{}, fmt.Errorf("decode command kind %d: %w", uint8(c.Kind), ErrMalformed)
	}
	p, err := NewPayload(c.Kind)
	if err != nil {
		return Command{}, err
	}
	if err := Fields(body, p.unmarshal); err != nil {
		return Command{}, fmt.Errorf("decode %s payload: %w", c.Kind, err)
	}
	c.Payload = p
	return c, nil
}

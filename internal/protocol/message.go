package protocol

import (
	"fmt"
)

// Version is the protocol version string exchanged at login. Peers with a
// different major version are refused.
const Version = "ls:1.0"

// MsgType identifies a wire message.
type MsgType uint8

const (
	MsgLogin MsgType = iota + 1
	MsgWelcome
	MsgCommand
	MsgDeny
	MsgCatchup
	MsgCaughtUp
	MsgReset
	MsgError
	MsgSizeWarning
	MsgPing
)

var msgTypeNames = map[MsgType]string{
	MsgLogin:       "login",
	MsgWelcome:     "welcome",
	MsgCommand:     "command",
	MsgDeny:        "deny",
	MsgCatchup:     "catchup",
	MsgCaughtUp:    "caught-up",
	MsgReset:       "reset",
	MsgError:       "error",
	MsgSizeWarning: "size-warning",
	MsgPing:        "ping",
}

func (t MsgType) String() string {
	if name, ok := msgTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("msg(%d)", uint8(t))
}

// Login is the first message a client sends.
type Login struct {
	Version   string
	Username  string
	Token     string
	SessionID string
	Host      bool
}

// Welcome answers a successful login.
type Welcome struct {
	SessionID string
	UserID    uint8
	Tier      uint8
	Flags     []string
}

// Deny reports a rejected command to its issuer only.
type Deny struct {
	ClientSeq uint32
	Reason    Reason
	Detail    string
}

// SnapshotData is a transferable snapshot. Canvas, ACL and Undo are
// opaque encodings owned by their packages. Undo is empty when nothing
// before At can be undone.
type SnapshotData struct {
	At     uint64
	Canvas []byte
	ACL    []byte
	Undo   []byte
}

// Catchup precedes the replay of commands after the snapshot.
type Catchup struct {
	Snapshot SnapshotData
	Count    uint32
}

// ResetNotice tells replicas that history before Base.At is gone. When
// Manual is set the canvas itself was replaced and replicas must rebuild
// from Base.
type ResetNotice struct {
	Seq      uint64
	Base     SnapshotData
	Manual   bool
	Retained []Command
}

type ErrorNotice struct {
	Code    string
	Message string
}

type SizeWarning struct {
	Size  int64
	Limit int64
}

// Message is the unit of exchange between clients and the session
// authority. Exactly the field matching Type is set.
type Message struct {
	Type        MsgType
	Login       *Login
	Welcome     *Welcome
	Command     *Command
	Deny        *Deny
	Catchup     *Catchup
	Reset       *ResetNotice
	Error       *ErrorNotice
	SizeWarning *SizeWarning
}

func CommandMessage(c Command) Message {
	return Message{Type: MsgCommand, Command: &c}
}

func ErrorMessage(code, message string) Message {
	return Message{Type: MsgError, Error: &ErrorNotice{Code: code, Message: message}}
}

// Marshal encodes m without framing.
func (m Message) Marshal() ([]byte, error) {
	var body Encoder
	switch m.Type {
	case MsgLogin:
		if m.Login == nil {
			return nil, fmt.Errorf("login message without body")
		}
		body.String(1, m.Login.Version)
		body.String(2, m.Login.Username)
		body.String(3, m.Login.Token)
		body.String(4, m.Login.SessionID)
		body.Bool(5, m.Login.Host)
	case MsgWelcome:
		if m.Welcome == nil {
			return nil, fmt.Errorf("welcome message without body")
		}
		body.String(1, m.Welcome.SessionID)
		body.Uint(2, uint64(m.Welcome.UserID))
		body.Uint(3, uint64(m.Welcome.Tier))
		for _, f := range m.Welcome.Flags {
			body.String(4, f)
		}
	case MsgCommand:
		if m.Command == nil {
			return nil, fmt.Errorf("command message without body")
		}
		m.Command.marshalTo(&body)
	case MsgDeny:
		if m.Deny == nil {
			return nil, fmt.Errorf("deny message without body")
		}
		body.Uint(1, uint64(m.Deny.ClientSeq))
		body.Uint(2, uint64(m.Deny.Reason))
		body.String(3, m.Deny.Detail)
	case MsgCatchup:
		if m.Catchup == nil {
			return nil, fmt.Errorf("catchup message without body")
		}
		body.Raw(1, marshalSnapshot(m.Catchup.Snapshot))
		body.Uint(2, uint64(m.Catchup.Count))
	case MsgReset:
		if m.Reset == nil {
			return nil, fmt.Errorf("reset message without body")
		}
		body.Uint(1, m.Reset.Seq)
		body.Raw(2, marshalSnapshot(m.Reset.Base))
		body.Bool(3, m.Reset.Manual)
		for _, c := range m.Reset.Retained {
			body.Raw(4, c.Marshal())
		}
	case MsgError:
		if m.Error == nil {
			return nil, fmt.Errorf("error message without body")
		}
		body.String(1, m.Error.Code)
		body.String(2, m.Error.Message)
	case MsgSizeWarning:
		if m.SizeWarning == nil {
			return nil, fmt.Errorf("size warning message without body")
		}
		body.Uint(1, uint64(m.SizeWarning.Size))
		body.Uint(2, uint64(m.SizeWarning.Limit))
	case MsgCaughtUp, MsgPing:
	default:
		return nil, fmt.Errorf("unknown message type %d", uint8(m.Type))
	}
	var e Encoder
	e.Uint(1, uint64(m.Type))
	e.Raw(2, body.Bytes())
	return e.Bytes(), nil
}

// UnmarshalMessage decodes a message produced by Message.Marshal.
func UnmarshalMessage(b []byte) (Message, error) {
	var m Message
	var body []byte
	err := Fields(b, func(f Field) error {
		switch f.Num {
		case 1:
			m.Type = MsgType(f.Varint)
		case 2:
			body = f.Data
		}
		return nil
	})
	if err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	switch m.Type {
	case MsgLogin:
		l := &Login{}
		err = Fields(body, func(f Field) error {
			switch f.Num {
			case 1:
				l.Version = f.String()
			case 2:
				l.Username = f.String()
			case 3:
				l.Token = f.String()
			case 4:
				l.SessionID = f.String()
			case 5:
				l.Host = f.Bool()
			}
			return nil
		})
		m.Login = l
	case MsgWelcome:
		w := &Welcome{}
		err = Fields(body, func(f Field) error {
			switch f.Num {
			case 1:
				w.SessionID = f.String()
			case 2:
				w.UserID = uint8(f.Varint)
			case 3:
				w.Tier = uint8(f.Varint)
			case 4:
				w.Flags = append(w.Flags, f.String())
			}
			return nil
		})
		m.Welcome = w
	case MsgCommand:
		var c Command
		c, err = UnmarshalCommand(body)
		m.Command = &c
	case MsgDeny:
		d := &Deny{}
		err = Fields(body, func(f Field) error {
			switch f.Num {
			case 1:
				d.ClientSeq = uint32(f.Varint)
			case 2:
				d.Reason = Reason(f.Varint)
			case 3:
				d.Detail = f.String()
			}
			return nil
		})
		m.Deny = d
	case MsgCatchup:
		c := &Catchup{}
		err = Fields(body, func(f Field) error {
			switch f.Num {
			case 1:
				s, err := unmarshalSnapshot(f.Data)
				if err != nil {
					return err
				}
				c.Snapshot = s
			case 2:
				c.Count = uint32(f.Varint)
			}
			return nil
		})
		m.Catchup = c
	case MsgReset:
		r := &ResetNotice{}
		err = Fields(body, func(f Field) error {
			switch f.Num {
			case 1:
				r.Seq = f.Varint
			case 2:
				s, err := unmarshalSnapshot(f.Data)
				if err != nil {
					return err
				}
				r.Base = s
			case 3:
				r.Manual = f.Bool()
			case 4:
				c, err := UnmarshalCommand(f.Data)
				if err != nil {
					return err
				}
				r.Retained = append(r.Retained, c)
			}
			return nil
		})
		m.Reset = r
	case MsgError:
		en := &ErrorNotice{}
		err = Fields(body, func(f Field) error {
			switch f.Num {
			case 1:
				en.Code = f.String()
			case 2:
				en.Message = f.String()
			}
			return nil
		})
		m.Error = en
	case MsgSizeWarning:
		w := &SizeWarning{}
		err = Fields(body, func(f Field) error {
			switch f.Num {
			case 1:
				w.Size = int64(f.Varint)
			case 2:
				w.Limit = int64(f.Varint)
			}
			return nil
		})
		m.SizeWarning = w
	case MsgCaughtUp, MsgPing:
	default:
		return Message{}, fmt.Errorf("message type %d: %w", uint8(m.Type), ErrMalformed)
	}
	if err != nil {
		return Message{}, fmt.Errorf("decode %s: %w", m.Type, err)
	}
	return m, nil
}

func marshalSnapshot(s SnapshotData) []byte {
	var e Encoder
	e.Uint(1, s.At)
	e.Raw(2, s.Canvas)
	e.Raw(3, s.ACL)
	e.Raw(4, s.Undo)
	return e.Bytes()
}

func unmarshalSnapshot(b []byte) (SnapshotData, error) {
	var s SnapshotData
	err := Fields(b, func(f Field) error {
		switch f.Num {
		case 1:
			s.At = f.Varint
		case 2:
			s.Canvas = append([]byte(nil), f.Data...)
		case 3:
			s.ACL = append([]byte(nil), f.Data...)
		case 4:
			s.Undo = append([]byte(nil), f.Data...)
		}
		return nil
	})
	return s, err
}

// MarshalSnapshot exposes the snapshot encoding for storage and recordings.
func MarshalSnapshot(s SnapshotData) []byte { return marshalSnapshot(s) }

func UnmarshalSnapshot(b []byte) (SnapshotData, error) { return unmarshalSnapshot(b) }

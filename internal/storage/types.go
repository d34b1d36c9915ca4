package storage

import (
	"encoding/json"
	"time"
)

// Session is the stored metadata of one session.
type Session struct {
	ID        string          `json:"id"`
	Title     string          `json:"title,omitempty"`
	Persist   bool            `json:"persist"`
	Config    json.RawMessage `json:"config,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Command is one accepted command in its wire encoding.
type Command struct {
	Seq    int64  `json:"seq"`
	Kind   string `json:"kind"`
	Issuer int    `json:"issuer"`
	Data   []byte `json:"data"`
}

// Snapshot is an encoded snapshot taken at seq At.
type Snapshot struct {
	At        int64     `json:"at"`
	Canvas    []byte    `json:"canvas"`
	ACL       []byte    `json:"acl"`
	Undo      []byte    `json:"undo,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

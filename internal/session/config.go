package session

import (
	"time"

	"layersync/server/internal/acl"
	"layersync/server/internal/recording"
	"layersync/server/internal/snapshot"
	"layersync/server/internal/undo"
)

const (
	DefaultWidth      = 800
	DefaultHeight     = 600
	DefaultMaxUsers   = 254
	DefaultOutboxSize = 256
	DefaultIdle       = 2 * time.Minute
	DefaultEmpty      = 10 * time.Minute
)

// Config is the per-session configuration. It is stored with persistent
// sessions so a restart restores the same behavior.
type Config struct {
	Width      int32           `json:"width"`
	Height     int32           `json:"height"`
	Background uint32          `json:"background"`
	Policy     snapshot.Policy `json:"policy"`
	Features   acl.Features    `json:"features"`
	UndoDepth  int             `json:"undoDepth"`
	MaxUsers   int             `json:"maxUsers"`

	// PersistWithoutUsers keeps the session alive after the last user
	// leaves. Other sessions also end once they stayed empty for
	// EmptyTimeout, including one nobody ever joined.
	PersistWithoutUsers bool             `json:"persistWithoutUsers"`
	IdleTimeout         time.Duration    `json:"idleTimeout"`
	EmptyTimeout        time.Duration    `json:"emptyTimeout"`
	OutboxSize          int              `json:"outboxSize"`
	RecordingDir        string           `json:"recordingDir,omitempty"`
	RecordingFormat     recording.Format `json:"recordingFormat,omitempty"`
}

// DefaultConfig returns the configuration of a session nobody tuned.
func DefaultConfig() Config {
	return Config{
		Width:     DefaultWidth,
		Height:    DefaultHeight,
		Features:  acl.DefaultFeatures(),
		UndoDepth: undo.DefaultDepth,
		Policy: snapshot.Policy{
			Limit:     16 << 20,
			Autoreset: true,
			Interval:  1000,
			Keep:      snapshot.DefaultKeep,
			KeepChat:  true,
		},
		MaxUsers:     DefaultMaxUsers,
		IdleTimeout:  DefaultIdle,
		EmptyTimeout: DefaultEmpty,
		OutboxSize:   DefaultOutboxSize,
	}
}

func (c Config) withDefaults() Config {
	if c.Width <= 0 {
		c.Width = DefaultWidth
	}
	if c.Height <= 0 {
		c.Height = DefaultHeight
	}
	if c.UndoDepth <= 0 {
		c.UndoDepth = undo.DefaultDepth
	}
	if c.UndoDepth > undo.MaxDepth {
		c.UndoDepth = undo.MaxDepth
	}
	if c.MaxUsers <= 0 || c.MaxUsers > DefaultMaxUsers {
		c.MaxUsers = DefaultMaxUsers
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = DefaultOutboxSize
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdle
	}
	if c.EmptyTimeout <= 0 {
		c.EmptyTimeout = DefaultEmpty
	}
	if c.Policy.Keep <= 0 {
		c.Policy.Keep = snapshot.DefaultKeep
	}
	return c
}

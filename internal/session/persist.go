package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"layersync/server/internal/history"
	"layersync/server/internal/protocol"
	"layersync/server/internal/replica"
	"layersync/server/internal/storage"
)

func toStoredCommands(cmds []protocol.Command) []storage.Command {
	out := make([]storage.Command, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, storage.Command{
			Seq:    int64(c.Seq),
			Kind:   c.Kind.String(),
			Issuer: int(c.Issuer),
			Data:   c.Marshal(),
		})
	}
	return out
}

func fromStoredCommand(sc storage.Command) (protocol.Command, error) {
	c, err := protocol.UnmarshalCommand(sc.Data)
	if err != nil {
		return protocol.Command{}, fmt.Errorf("decode stored command %d: %w", sc.Seq, err)
	}
	if c.Seq != uint64(sc.Seq) {
		return protocol.Command{}, fmt.Errorf("stored command %d carries seq %d", sc.Seq, c.Seq)
	}
	return c, nil
}

func storedSeqs(cmds []protocol.Command) []int64 {
	seqs := make([]int64, 0, len(cmds))
	for _, c := range cmds {
		seqs = append(seqs, int64(c.Seq))
	}
	return seqs
}

func toStoredSnapshot(s protocol.SnapshotData) storage.Snapshot {
	return storage.Snapshot{At: int64(s.At), Canvas: s.Canvas, ACL: s.ACL, Undo: s.Undo}
}

func fromStoredSnapshot(s storage.Snapshot) protocol.SnapshotData {
	return protocol.SnapshotData{At: uint64(s.At), Canvas: s.Canvas, ACL: s.ACL, Undo: s.Undo}
}

// EncodeConfig is the stored form of a session configuration.
func EncodeConfig(cfg Config) (json.RawMessage, error) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode session config: %w", err)
	}
	return b, nil
}

// DecodeConfig reads a stored configuration on top of defaults.
func DecodeConfig(raw json.RawMessage, defaults Config) (Config, error) {
	cfg := defaults
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode session config: %w", err)
	}
	return cfg, nil
}

// Restore rebuilds a stored session from its newest snapshot and the
// commands after it. Users recorded as present are logged out, since no
// connection survives a restart.
func Restore(ctx context.Context, stored storage.Session, defaults Config, deps Deps) (*Session, error) {
	if deps.Store == nil {
		return nil, errors.New("restore session: store is required")
	}
	cfg, err := DecodeConfig(stored.Config, defaults)
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	snapRow, err := deps.Store.GetLatestSnapshot(ctx, stored.ID)
	if err != nil {
		return nil, fmt.Errorf("restore session %s: %w", stored.ID, err)
	}
	base := fromStoredSnapshot(snapRow)
	rows, err := deps.Store.GetCommandsSince(ctx, stored.ID, 0)
	if err != nil {
		return nil, fmt.Errorf("restore session %s: %w", stored.ID, err)
	}
	var retained, after []protocol.Command
	for _, row := range rows {
		c, err := fromStoredCommand(row)
		if err != nil {
			return nil, fmt.Errorf("restore session %s: %w", stored.ID, err)
		}
		if c.Seq <= base.At {
			retained = append(retained, c)
		} else {
			after = append(after, c)
		}
	}

	rep, err := replica.FromSnapshot(base, cfg.UndoDepth)
	if err != nil {
		return nil, fmt.Errorf("restore session %s: %w", stored.ID, err)
	}
	for _, c := range after {
		rep.Apply(c)
	}
	hist, err := history.Restore(base.At, retained, after)
	if err != nil {
		return nil, fmt.Errorf("restore session %s: %w", stored.ID, err)
	}

	s := newSession(stored.ID, cfg, deps)
	s.rep = rep
	s.log = hist
	s.snaps.Add(base)
	s.setTitle(stored.Title, stored.CreatedAt)
	for _, id := range rep.ACL.Present() {
		s.sequence(protocol.New(id, &protocol.Leave{}))
	}
	log.Printf("session restored session=%s at=%d last=%d", s.id, base.At, s.log.Last())
	s.start(base)
	return s, nil
}

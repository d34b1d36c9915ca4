// Package session is the authority of a shared canvas: it assigns the
// canonical order of commands, enforces access control, takes snapshots and
// bounds history growth. Every session runs one sequencer goroutine that
// owns all mutable state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"layersync/server/internal/acl"
	"layersync/server/internal/canvas"
	"layersync/server/internal/history"
	"layersync/server/internal/notify"
	"layersync/server/internal/protocol"
	"layersync/server/internal/recording"
	"layersync/server/internal/replica"
	"layersync/server/internal/snapshot"
	"layersync/server/internal/storage"
)

var (
	ErrClosed      = errors.New("session closed")
	ErrSessionFull = errors.New("session full")
)

const storeTimeout = 5 * time.Second

// State is the lifecycle state of a session.
type State int

const (
	StateInitialization State = iota
	StateRunning
	StateReset
	StateShutdown
)

var stateNames = [...]string{"initialization", "running", "reset", "shutdown"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Deps are the collaborators of a session. All of them are optional.
type Deps struct {
	Store     storage.Store
	Publisher notify.Publisher
	// OnClose runs once after the sequencer stopped.
	OnClose func(s *Session, terminated bool)
}

// Session is one shared canvas.
type Session struct {
	id   string
	cfg  Config
	deps Deps

	inbox  chan func()
	closed chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	// Owned by the sequencer.
	state      State
	log        *history.Log
	rep        *replica.Replica
	snaps      *snapshot.Manager
	members    map[uint8]*Member
	kicked     []*Member
	overLimit  bool
	warned     bool
	stopping   bool
	terminated bool
	rec        recording.Writer

	mu   sync.RWMutex
	info Info
}

// New creates an empty session and starts its sequencer.
func New(ctx context.Context, id string, cfg Config, deps Deps) (*Session, error) {
	cfg = cfg.withDefaults()
	rep := replica.New(replica.Options{
		Width:      cfg.Width,
		Height:     cfg.Height,
		Background: cfg.Background,
		Features:   cfg.Features,
		UndoDepth:  cfg.UndoDepth,
	})
	base, err := rep.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("create session %s: %w", id, err)
	}
	s := newSession(id, cfg, deps)
	s.rep = rep
	s.log = history.New(0)
	s.snaps.Add(base)
	if deps.Store != nil {
		if err := deps.Store.PutSnapshot(ctx, id, toStoredSnapshot(base), cfg.Policy.Keep); err != nil {
			return nil, fmt.Errorf("create session %s: %w", id, err)
		}
	}
	s.start(base)
	return s, nil
}

func newSession(id string, cfg Config, deps Deps) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:      id,
		cfg:     cfg,
		deps:    deps,
		inbox:   make(chan func(), 64),
		closed:  make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		snaps:   snapshot.NewManager(cfg.Policy.Keep, cfg.Policy.Interval),
		members: make(map[uint8]*Member),
		info: Info{
			ID:        id,
			CreatedAt: time.Now().UTC(),
		},
	}
}

func (s *Session) start(base protocol.SnapshotData) {
	if s.cfg.RecordingDir != "" {
		s.openRecording(base)
	}
	s.state = StateRunning
	s.refreshInfo()
	go s.run()
}

func (s *Session) ID() string { return s.id }

func (s *Session) Config() Config { return s.cfg }

// Done is closed when the session has shut down.
func (s *Session) Done() <-chan struct{} { return s.closed }

func (s *Session) run() {
	defer s.finish()
	var empty *time.Timer
	defer func() {
		if empty != nil {
			empty.Stop()
		}
	}()
	for {
		var expired <-chan time.Time
		switch {
		case s.expires() && empty == nil:
			empty = time.NewTimer(s.cfg.EmptyTimeout)
			expired = empty.C
		case s.expires():
			expired = empty.C
		case empty != nil:
			empty.Stop()
			empty = nil
		}
		select {
		case fn := <-s.inbox:
			fn()
			s.processKicks()
			s.refreshInfo()
			if s.stopping {
				return
			}
		case <-expired:
			log.Printf("session expired session=%s empty_for=%s", s.id, s.cfg.EmptyTimeout)
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// expires reports whether the session ends once it stayed empty for
// EmptyTimeout.
func (s *Session) expires() bool {
	return len(s.members) == 0 && !s.cfg.PersistWithoutUsers
}

func (s *Session) finish() {
	s.state = StateShutdown
	for id, m := range s.members {
		delete(s.members, id)
		m.close()
	}
	if s.rec != nil {
		if err := s.rec.Close(); err != nil {
			log.Printf("session recording close error session=%s: %v", s.id, err)
		}
		s.rec = nil
	}
	s.refreshInfo()
	s.cancel()
	s.publish(notify.Event{Type: notify.SessionTerminated})
	if s.deps.OnClose != nil {
		s.deps.OnClose(s, s.terminated)
	}
	close(s.closed)
}

// call runs fn on the sequencer and waits for it to finish. Info reflects
// the effects of fn once call returns.
func (s *Session) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case s.inbox <- func() { fn(); s.refreshInfo(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		select {
		case <-done:
			return nil
		default:
			return ErrClosed
		}
	}
}

// post queues fn without waiting for it.
func (s *Session) post(ctx context.Context, fn func()) error {
	select {
	case s.inbox <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return ErrClosed
	}
}

// JoinRequest describes a user entering the session.
type JoinRequest struct {
	Name       string
	AuthID     string
	Registered bool
	// Operator grants session ownership on join.
	Operator bool
}

// Catchup is what a joining user needs to build its replica: the newest
// snapshot and every canonical command after it. Commands also holds chat
// retained across resets, which precedes the snapshot.
type Catchup struct {
	Welcome  protocol.Welcome
	Snapshot protocol.SnapshotData
	Commands []protocol.Command
}

// Join adds a user. The returned member's outbox carries every command
// sequenced after the catch-up data.
func (s *Session) Join(ctx context.Context, req JoinRequest) (*Member, Catchup, error) {
	var (
		m   *Member
		cu  Catchup
		err error
	)
	callErr := s.call(ctx, func() {
		m, cu, err = s.join(req)
	})
	if callErr != nil {
		return nil, Catchup{}, callErr
	}
	return m, cu, err
}

func (s *Session) join(req JoinRequest) (*Member, Catchup, error) {
	if len(s.members) >= s.cfg.MaxUsers {
		return nil, Catchup{}, ErrSessionFull
	}
	id := s.freeID()
	if id == 0 {
		return nil, Catchup{}, ErrSessionFull
	}
	base, err := s.snaps.Newest()
	if err != nil {
		return nil, Catchup{}, fmt.Errorf("join session %s: %w", s.id, err)
	}
	cmds, err := s.log.Since(base.At)
	if err != nil {
		return nil, Catchup{}, fmt.Errorf("join session %s: %w", s.id, err)
	}
	cu := Catchup{
		Snapshot: base,
		Commands: append(s.log.Retained(), cmds...),
	}

	m := newMember(s, id, req.Name, s.cfg.OutboxSize)
	s.members[id] = m
	s.sequence(protocol.New(id, &protocol.Join{
		Name:       req.Name,
		AuthID:     req.AuthID,
		Registered: req.Registered,
	}))
	if req.Operator || !s.rep.ACL.HasOwner() {
		owners := append(s.rep.ACL.Owners(), id)
		s.sequence(protocol.New(0, &protocol.SessionOwner{Users: owners}))
	}
	s.afterAppend()

	cu.Welcome = protocol.Welcome{
		SessionID: s.id,
		UserID:    id,
		Tier:      uint8(s.rep.ACL.TierOf(id)),
		Flags:     s.flags(),
	}
	log.Printf("session join session=%s user=%d name=%q", s.id, id, req.Name)
	s.publish(notify.Event{Type: notify.UserJoined, User: id})
	return m, cu, nil
}

func (s *Session) freeID() uint8 {
	for id := 1; id < 255; id++ {
		if _, taken := s.members[uint8(id)]; !taken {
			return uint8(id)
		}
	}
	return 0
}

func (s *Session) flags() []string {
	var flags []string
	if s.cfg.Policy.Autoreset {
		flags = append(flags, "autoreset")
	}
	if s.cfg.Policy.KeepChat {
		flags = append(flags, "keepchat")
	}
	if s.cfg.PersistWithoutUsers {
		flags = append(flags, "persistent")
	}
	if s.deps.Store != nil {
		flags = append(flags, "stored")
	}
	return flags
}

func (s *Session) submit(m *Member, cmd protocol.Command) {
	if s.members[m.ID] != m {
		return
	}
	cmd.Issuer = m.ID
	cmd.Seq = 0
	if s.overLimit {
		s.deny(m, cmd, protocol.ReasonOverLimit, "history size limit reached")
		return
	}
	if err := s.rep.ACL.Validate(cmd); err != nil {
		s.deny(m, cmd, acl.ReasonOf(err), err.Error())
		return
	}
	switch p := cmd.Payload.(type) {
	case *protocol.SessionOwner:
		p.Users = s.presentOnly(p.Users)
	case *protocol.TrustedUsers:
		p.Users = s.presentOnly(p.Users)
	}
	s.sequence(cmd)
	s.afterAppend()
}

func (s *Session) presentOnly(ids []uint8) []uint8 {
	var out []uint8
	seen := acl.Users{}
	for _, id := range ids {
		if _, ok := s.members[id]; ok && !seen.Has(id) {
			seen.Add(id)
			out = append(out, id)
		}
	}
	return out
}

func (s *Session) deny(m *Member, cmd protocol.Command, reason protocol.Reason, detail string) {
	log.Printf("session deny session=%s user=%d kind=%s reason=%s", s.id, m.ID, cmd.Kind, reason)
	s.deliver(m, protocol.Message{Type: protocol.MsgDeny, Deny: &protocol.Deny{
		ClientSeq: cmd.ClientSeq,
		Reason:    reason,
		Detail:    detail,
	}})
}

// sequence appends cmd to canonical history, applies it and sends it to
// every member. The issuer's copy is its acknowledgment.
func (s *Session) sequence(cmd protocol.Command) protocol.Command {
	cmd = s.log.Append(cmd)
	s.rep.Apply(cmd)
	s.broadcast(protocol.CommandMessage(cmd))
	s.persistCommands(cmd)
	s.record(recording.CommandRecord(cmd))
	return cmd
}

// afterAppend takes due snapshots and enforces the history size limit.
func (s *Session) afterAppend() {
	if s.snaps.Tick() {
		s.takeSnapshot()
	}
	s.enforceLimit()
}

func (s *Session) enforceLimit() {
	policy := s.cfg.Policy
	size := s.log.Size()
	switch {
	case snapshot.ShouldAutoreset(size, policy.Limit):
		if policy.Autoreset {
			s.autoreset()
			return
		}
		if !s.overLimit {
			s.overLimit = true
			log.Printf("session over limit session=%s size=%d limit=%d", s.id, size, policy.Limit)
			s.publish(notify.Event{Type: notify.OverLimit, Size: size})
		}
	case !s.warned && snapshot.ShouldWarn(size, policy.Limit):
		s.warned = true
		s.warnOperators(size)
	}
}

func (s *Session) warnOperators(size int64) {
	msg := protocol.Message{Type: protocol.MsgSizeWarning, SizeWarning: &protocol.SizeWarning{
		Size:  size,
		Limit: s.cfg.Policy.Limit,
	}}
	for id, m := range s.members {
		if s.rep.ACL.TierOf(id) == acl.Operator {
			s.deliver(m, msg)
		}
	}
	s.publish(notify.Event{Type: notify.SizeWarning, Size: size})
}

// takeSnapshot seals every replica at a snapshot-point and stores the
// state at that point.
func (s *Session) takeSnapshot() protocol.SnapshotData {
	point := s.sequence(protocol.New(0, &protocol.SnapshotPoint{}))
	snap, err := s.rep.Snapshot()
	if err != nil {
		log.Printf("session snapshot error session=%s seq=%d: %v", s.id, point.Seq, err)
		return protocol.SnapshotData{}
	}
	s.snaps.Add(snap)
	s.record(recording.CheckpointRecord(snap))
	if store := s.deps.Store; store != nil {
		ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
		defer cancel()
		if err := store.PutSnapshot(ctx, s.id, toStoredSnapshot(snap), s.cfg.Policy.Keep); err != nil {
			log.Printf("session snapshot store error session=%s seq=%d: %v", s.id, snap.At, err)
		}
	}
	return snap
}

// autoreset trims history to the newest snapshot, which is taken at the
// tail first when needed. Chat before the snapshot is kept within the
// chat budget.
func (s *Session) autoreset() {
	s.state = StateReset
	defer func() { s.state = StateRunning }()

	base, err := s.snaps.Newest()
	if err != nil || base.At != s.log.Last() {
		base = s.takeSnapshot()
		if base.Canvas == nil {
			return
		}
	}
	before := s.log.Size()
	retained := s.log.TrimTo(base.At, s.cfg.Policy.ChatBudget())
	if store := s.deps.Store; store != nil {
		ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
		defer cancel()
		if err := store.TrimCommands(ctx, s.id, int64(base.At), storedSeqs(retained)); err != nil {
			log.Printf("session trim error session=%s at=%d: %v", s.id, base.At, err)
		}
	}
	s.overLimit = false
	s.warned = false
	s.broadcast(protocol.Message{Type: protocol.MsgReset, Reset: &protocol.ResetNotice{
		Seq:      base.At,
		Base:     base,
		Retained: retained,
	}})
	log.Printf("session autoreset session=%s at=%d size_before=%d size_after=%d", s.id, base.At, before, s.log.Size())
	s.publish(notify.Event{Type: notify.SessionReset, Seq: base.At, Size: s.log.Size()})
}

// ResetOptions configure a manual reset. Blank replaces the canvas with an
// empty one of the given size and background; otherwise the current canvas
// becomes the new starting point. Zero dimensions keep the current size.
type ResetOptions struct {
	Blank      bool
	Width      int32
	Height     int32
	Background uint32
}

// Reset discards history and restarts the session from a single snapshot.
func (s *Session) Reset(ctx context.Context, opts ResetOptions) (protocol.SnapshotData, error) {
	var (
		snap protocol.SnapshotData
		err  error
	)
	if callErr := s.call(ctx, func() { snap, err = s.reset(opts) }); callErr != nil {
		return protocol.SnapshotData{}, callErr
	}
	return snap, err
}

func (s *Session) reset(opts ResetOptions) (protocol.SnapshotData, error) {
	s.state = StateReset
	defer func() { s.state = StateRunning }()

	c := s.rep.Canvas.Clone()
	if opts.Blank {
		w, h := opts.Width, opts.Height
		if w <= 0 {
			w = c.Width
		}
		if h <= 0 {
			h = c.Height
		}
		c = canvas.New(w, h, opts.Background)
	}
	canvasBytes, err := c.MarshalBinary()
	if err != nil {
		return protocol.SnapshotData{}, fmt.Errorf("reset session %s: %w", s.id, err)
	}
	aclBytes, err := s.rep.ACL.MarshalBinary()
	if err != nil {
		return protocol.SnapshotData{}, fmt.Errorf("reset session %s: %w", s.id, err)
	}
	at := s.log.Last()
	snap := protocol.SnapshotData{At: at, Canvas: canvasBytes, ACL: aclBytes}
	rep, err := replica.FromSnapshot(snap, s.cfg.UndoDepth)
	if err != nil {
		return protocol.SnapshotData{}, fmt.Errorf("reset session %s: %w", s.id, err)
	}

	var retained []protocol.Command
	if s.cfg.Policy.KeepChat {
		retained = s.log.TrimTo(at, s.cfg.Policy.ChatBudget())
	} else {
		s.log.Reset()
	}
	s.rep = rep
	s.snaps.Replace(snap)
	s.overLimit = false
	s.warned = false

	if store := s.deps.Store; store != nil {
		ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
		defer cancel()
		if err := store.ResetHistory(ctx, s.id, toStoredSnapshot(snap)); err != nil {
			log.Printf("session reset store error session=%s at=%d: %v", s.id, at, err)
		} else if len(retained) > 0 {
			if err := store.InsertCommands(ctx, s.id, toStoredCommands(retained)); err != nil {
				log.Printf("session reset store error session=%s at=%d: %v", s.id, at, err)
			}
		}
	}
	s.record(recording.CheckpointRecord(snap))
	s.broadcast(protocol.Message{Type: protocol.MsgReset, Reset: &protocol.ResetNotice{
		Seq:      at,
		Base:     snap,
		Manual:   true,
		Retained: retained,
	}})
	log.Printf("session reset session=%s at=%d blank=%t", s.id, at, opts.Blank)
	s.publish(notify.Event{Type: notify.SessionReset, Seq: at})
	return snap, nil
}

func (s *Session) leave(m *Member) {
	if s.members[m.ID] != m {
		return
	}
	delete(s.members, m.ID)
	m.close()
	s.sequence(protocol.New(m.ID, &protocol.Leave{}))
	s.ensureOwner()
	s.afterAppend()
	log.Printf("session leave session=%s user=%d", s.id, m.ID)
	s.publish(notify.Event{Type: notify.UserLeft, User: m.ID})
	if len(s.members) == 0 && !s.cfg.PersistWithoutUsers {
		s.stopping = true
	}
}

// Terminate shuts the session down and disconnects every member.
func (s *Session) Terminate(ctx context.Context) error {
	err := s.call(ctx, func() {
		s.stopping = true
		s.terminated = true
	})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// Shutdown stops the session but keeps stored history.
func (s *Session) Shutdown(ctx context.Context) error {
	err := s.call(ctx, func() { s.stopping = true })
	if err != nil && !errors.Is(err, ErrClosed) {
		return err
	}
	select {
	case <-s.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) broadcast(msg protocol.Message) {
	for _, m := range s.members {
		s.deliver(m, msg)
	}
}

// deliver queues msg for m. A member whose outbox is full is scheduled for
// removal.
func (s *Session) deliver(m *Member, msg protocol.Message) {
	if m.closed {
		return
	}
	select {
	case m.out <- msg:
	default:
		log.Printf("session outbox full session=%s user=%d", s.id, m.ID)
		m.closed = true
		close(m.out)
		s.kicked = append(s.kicked, m)
	}
}

func (s *Session) processKicks() {
	for len(s.kicked) > 0 {
		m := s.kicked[0]
		s.kicked = s.kicked[1:]
		s.leave(m)
	}
}

func (s *Session) publish(ev notify.Event) {
	if s.deps.Publisher == nil {
		return
	}
	ev.SessionID = s.id
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.deps.Publisher.Publish(ctx, ev); err != nil {
		log.Printf("session publish error session=%s event=%s: %v", s.id, ev.Type, err)
	}
}

func (s *Session) persistCommands(cmds ...protocol.Command) {
	store := s.deps.Store
	if store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
	defer cancel()
	if err := store.InsertCommands(ctx, s.id, toStoredCommands(cmds)); err != nil {
		log.Printf("session persist error session=%s seq=%d: %v", s.id, cmds[0].Seq, err)
	}
}

func (s *Session) openRecording(base protocol.SnapshotData) {
	ext := ".lsrec"
	if s.cfg.RecordingFormat == recording.Text {
		ext = ".lstxt"
	}
	name := fmt.Sprintf("%s-%s%s", s.id, time.Now().UTC().Format("20060102T150405"), ext)
	w, err := recording.Create(filepath.Join(s.cfg.RecordingDir, name), s.cfg.RecordingFormat)
	if err != nil {
		log.Printf("session recording error session=%s: %v", s.id, err)
		return
	}
	s.rec = w
	s.record(recording.CheckpointRecord(base))
	cmds, _ := s.log.Since(base.At)
	for _, c := range cmds {
		s.record(recording.CommandRecord(c))
	}
}

func (s *Session) record(rec recording.Record) {
	if s.rec == nil {
		return
	}
	if err := s.rec.Write(rec); err != nil {
		log.Printf("session recording error session=%s: %v", s.id, err)
		_ = s.rec.Close()
		s.rec = nil
	}
}

package dump

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"time"

	"layersync/server/internal/fork"
)

var ErrPlaying = errors.New("player is already playing")

// Divergence reports an entry whose re-execution left the engine in a
// different state than recorded.
type Divergence struct {
	Index int
	Entry Entry
	Field string
	Want  string
	Got   string
}

func (d *Divergence) Error() string {
	return fmt.Sprintf("entry %d (%s): %s diverged: recorded %s, replayed %s", d.Index, d.Entry.Type, d.Field, d.Want, d.Got)
}

// Player re-executes a dump through a fresh fork engine one entry at a
// time.
type Player struct {
	header  Header
	entries []Entry

	mu     sync.Mutex
	engine *fork.Engine
	pos    int
	pause  chan struct{}
}

func NewPlayer(h Header, entries []Entry) (*Player, error) {
	p := &Player{header: h, entries: entries}
	if err := p.Rewind(); err != nil {
		return nil, err
	}
	return p, nil
}

// Load reads a dump and prepares a player at its start.
func Load(r io.Reader) (*Player, error) {
	h, entries, err := Read(r)
	if err != nil {
		return nil, err
	}
	return NewPlayer(h, entries)
}

func Open(path string) (*Player, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dump: %w", err)
	}
	defer f.Close()
	return Load(f)
}

func (p *Player) Header() Header { return p.header }

func (p *Player) Len() int { return len(p.entries) }

// Position is the index of the next entry Step executes.
func (p *Player) Position() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pos
}

// Engine is the replaying engine. Callers must not use it while the
// player is playing.
func (p *Player) Engine() *fork.Engine {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.engine
}

// Rewind discards the replaying engine and starts over.
func (p *Player) Rewind() error {
	engine, err := fork.FromCatchup(p.header.User, p.header.Base, nil, p.header.UndoDepth)
	if err != nil {
		return fmt.Errorf("rewind dump: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.engine = engine
	p.pos = 0
	return nil
}

// Step executes the next entry. It returns io.EOF after the last entry and
// a *Divergence when the result differs from the recording; the position
// advances either way.
func (p *Player) Step() (Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.step()
}

func (p *Player) step() (Entry, error) {
	if p.pos >= len(p.entries) {
		return Entry{}, io.EOF
	}
	idx := p.pos
	want := p.entries[idx]
	p.pos++

	switch want.Type {
	case EntryRemote:
		p.engine.Receive(want.Command)
	case EntryLocal:
		p.engine.Emit(want.Command)
	case EntryDeny:
		p.engine.Deny(want.Deny)
	case EntryReset:
		if _, err := p.engine.Reset(want.Reset); err != nil {
			return want, fmt.Errorf("entry %d: %w", idx, err)
		}
	case EntryForkClear:
		p.engine.Disconnect()
	}

	got := Entry{Type: want.Type, Command: want.Command}
	got.observe(p.engine)
	return want, compare(idx, want, got)
}

func compare(idx int, want, got Entry) error {
	diverged := func(field, w, g string) error {
		return &Divergence{Index: idx, Entry: want, Field: field, Want: w, Got: g}
	}
	if want.Fork != got.Fork {
		return diverged("fork", fmt.Sprintf("%+v", want.Fork), fmt.Sprintf("%+v", got.Fork))
	}
	if want.Label != got.Label {
		return diverged("label", want.Label.String(), got.Label.String())
	}
	if !slices.Equal(want.Gone, got.Gone) {
		return diverged("gone", fmt.Sprint(want.Gone), fmt.Sprint(got.Gone))
	}
	if want.Fingerprint != got.Fingerprint {
		return diverged("fingerprint", fmt.Sprintf("%016x", want.Fingerprint), fmt.Sprintf("%016x", got.Fingerprint))
	}
	return nil
}

// SeekReset steps up to and including the next reset entry, or to the end
// of the dump. It returns the number of entries executed.
func (p *Player) SeekReset() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for {
		e, err := p.step()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		n++
		if err != nil {
			return n, err
		}
		if e.Type == EntryReset {
			return n, nil
		}
	}
}

// Play steps through the remaining entries, one every interval, until the
// end, a divergence, Pause or ctx is done. A zero interval plays as fast as
// possible. fn, if non-nil, sees every executed entry.
func (p *Player) Play(ctx context.Context, interval time.Duration, fn func(idx int, e Entry)) error {
	p.mu.Lock()
	if p.pause != nil {
		p.mu.Unlock()
		return ErrPlaying
	}
	pause := make(chan struct{})
	p.pause = pause
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.pause == pause {
			p.pause = nil
		}
		p.mu.Unlock()
	}()

	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		if tick != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-pause:
				return nil
			case <-tick:
			}
		} else {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-pause:
				return nil
			default:
			}
		}
		idx := p.Position()
		e, err := p.Step()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if fn != nil {
			fn(idx, e)
		}
		if err != nil {
			return err
		}
	}
}

// Pause stops a running Play after the entry in progress.
func (p *Player) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pause != nil {
		close(p.pause)
		p.pause = nil
	}
}

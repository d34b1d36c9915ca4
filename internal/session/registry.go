package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"layersync/server/internal/notify"
	"layersync/server/internal/storage"
)

var (
	ErrNotFound  = errors.New("session not found")
	ErrExists    = errors.New("session already exists")
	ErrInvalidID = errors.New("invalid session id")
)

var aliasPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// CreateOptions describe a new session. An empty ID gets a generated one;
// a non-empty ID is used as a human readable alias. Persist stores the
// session when the registry has a store and keeps it alive without users.
type CreateOptions struct {
	ID      string
	Title   string
	Persist bool
	Config  *Config
}

// Registry tracks the live sessions of a server.
type Registry struct {
	store     storage.Store
	publisher notify.Publisher
	defaults  Config

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry. store and publisher may be nil.
func NewRegistry(store storage.Store, publisher notify.Publisher, defaults Config) *Registry {
	return &Registry{
		store:     store,
		publisher: publisher,
		defaults:  defaults.withDefaults(),
		sessions:  make(map[string]*Session),
	}
}

func (r *Registry) Defaults() Config { return r.defaults }

func (r *Registry) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	id := opts.ID
	if id == "" {
		id = ulid.Make().String()
	} else if !aliasPattern.MatchString(id) {
		return nil, fmt.Errorf("create session %q: %w", id, ErrInvalidID)
	}
	cfg := r.defaults
	if opts.Config != nil {
		cfg = opts.Config.withDefaults()
	}
	if opts.Persist {
		cfg.PersistWithoutUsers = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions == nil {
		return nil, ErrClosed
	}
	if _, exists := r.sessions[id]; exists {
		return nil, fmt.Errorf("create session %q: %w", id, ErrExists)
	}

	deps := Deps{Publisher: r.publisher, OnClose: r.closed}
	created := time.Now().UTC()
	if opts.Persist && r.store != nil {
		raw, err := EncodeConfig(cfg)
		if err != nil {
			return nil, err
		}
		err = r.store.PutSession(ctx, storage.Session{
			ID:        id,
			Title:     opts.Title,
			Persist:   true,
			Config:    raw,
			CreatedAt: created,
		})
		if err != nil {
			return nil, fmt.Errorf("create session %q: %w", id, err)
		}
		deps.Store = r.store
	}
	s, err := New(ctx, id, cfg, deps)
	if err != nil {
		return nil, err
	}
	s.setTitle(opts.Title, created)
	r.sessions[id] = s
	log.Printf("session created session=%s persist=%t", id, deps.Store != nil)
	if r.publisher != nil {
		_ = r.publisher.Publish(ctx, notify.Event{Type: notify.SessionCreated, SessionID: id, Time: created})
	}
	return s, nil
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	return s, nil
}

// GetOrCreate returns the session id, creating it when host is set.
func (r *Registry) GetOrCreate(ctx context.Context, id string, host bool) (*Session, error) {
	s, err := r.Get(id)
	if err == nil || !host {
		return s, err
	}
	s, err = r.Create(ctx, CreateOptions{ID: id})
	if errors.Is(err, ErrExists) {
		return r.Get(id)
	}
	return s, err
}

// List returns session infos ordered by creation time.
func (r *Registry) List() []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Terminate shuts a session down and deletes its stored history.
func (r *Registry) Terminate(ctx context.Context, id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	if err := s.Terminate(ctx); err != nil {
		return fmt.Errorf("terminate session %q: %w", id, err)
	}
	select {
	case <-s.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// closed runs on the sequencer of a session that stopped.
func (r *Registry) closed(s *Session, terminated bool) {
	r.mu.Lock()
	if r.sessions[s.id] == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()
	log.Printf("session closed session=%s terminated=%t", s.id, terminated)

	// A server shutdown keeps stored history, as does a session that
	// persists without users.
	if s.deps.Store == nil || r.shuttingDown() {
		return
	}
	if !terminated && s.cfg.PersistWithoutUsers {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.store.DeleteSession(ctx, s.id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Printf("session delete error session=%s: %v", s.id, err)
	}
}

func (r *Registry) shuttingDown() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions == nil
}

// Restore starts every stored session.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	stored, err := r.store.ListSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore sessions: %w", err)
	}
	n := 0
	for _, row := range stored {
		if !row.Persist {
			continue
		}
		s, err := Restore(ctx, row, r.defaults, Deps{
			Store:     r.store,
			Publisher: r.publisher,
			OnClose:   r.closed,
		})
		if err != nil {
			log.Printf("session restore error session=%s: %v", row.ID, err)
			continue
		}
		r.mu.Lock()
		if r.sessions == nil {
			r.mu.Unlock()
			_ = s.Shutdown(ctx)
			return n, ErrClosed
		}
		r.sessions[s.id] = s
		r.mu.Unlock()
		n++
	}
	return n, nil
}

// Shutdown stops every session, keeping stored history.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = nil
	r.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown session %s: %w", s.id, err))
		}
	}
	return errors.Join(errs...)
}

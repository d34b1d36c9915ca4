package session

import (
	"context"
	"errors"
	"fmt"
	"log"

	"layersync/server/internal/notify"
	"layersync/server/internal/protocol"
	"layersync/server/internal/storage"
)

var (
	ErrNoUser          = errors.New("no such user")
	ErrInvalidSettings = errors.New("invalid settings")
)

// KickedCode is the error code a kicked user receives before its outbox
// closes.
const KickedCode = "kicked"

// ensureOwner makes the longest present user an owner when none of the
// present users owns the session any more, so there is always someone who
// can reset it and manage access.
func (s *Session) ensureOwner() {
	if len(s.members) == 0 || s.rep.ACL.HasOwner() {
		return
	}
	for id := 1; id < 255; id++ {
		if _, ok := s.members[uint8(id)]; !ok {
			continue
		}
		log.Printf("session owner promoted session=%s user=%d", s.id, id)
		s.sequence(protocol.New(0, &protocol.SessionOwner{Users: []uint8{uint8(id)}}))
		return
	}
}

// Kick removes a user from the session. The user is told why before its
// connection is closed.
func (s *Session) Kick(ctx context.Context, user uint8, by string) error {
	var err error
	callErr := s.call(ctx, func() {
		m, ok := s.members[user]
		if !ok {
			err = fmt.Errorf("kick user %d: %w", user, ErrNoUser)
			return
		}
		s.deliver(m, protocol.ErrorMessage(KickedCode, "kicked by "+by))
		log.Printf("session kick session=%s user=%d by=%q", s.id, user, by)
		s.publish(notify.Event{Type: notify.UserKicked, User: user})
		s.leave(m)
	})
	if callErr != nil {
		return callErr
	}
	return err
}

// Settings are the parts of the configuration operators can change on a
// running session. Nil fields are left alone.
type Settings struct {
	Title     *string `json:"title,omitempty"`
	Autoreset *bool   `json:"autoreset,omitempty"`
	SizeLimit *int64  `json:"sizeLimit,omitempty"`
	Persist   *bool   `json:"persist,omitempty"`
}

// Configure applies settings on the sequencer. A lowered size limit takes
// effect immediately; stored sessions store the new configuration.
func (s *Session) Configure(ctx context.Context, set Settings) error {
	if set.SizeLimit != nil && *set.SizeLimit < 0 {
		return fmt.Errorf("size limit %d: %w", *set.SizeLimit, ErrInvalidSettings)
	}
	var err error
	callErr := s.call(ctx, func() { err = s.configure(set) })
	if callErr != nil {
		return callErr
	}
	return err
}

func (s *Session) configure(set Settings) error {
	if set.Title != nil {
		s.setTitle(*set.Title, s.Info().CreatedAt)
	}
	if set.Autoreset != nil {
		s.cfg.Policy.Autoreset = *set.Autoreset
	}
	if set.SizeLimit != nil {
		s.cfg.Policy.Limit = *set.SizeLimit
		s.warned = false
	}
	if set.Persist != nil {
		s.cfg.PersistWithoutUsers = *set.Persist
	}
	if set.Autoreset != nil || set.SizeLimit != nil {
		s.overLimit = false
		s.enforceLimit()
	}
	log.Printf("session configured session=%s autoreset=%t limit=%d persist=%t",
		s.id, s.cfg.Policy.Autoreset, s.cfg.Policy.Limit, s.cfg.PersistWithoutUsers)
	s.publish(notify.Event{Type: notify.SessionConfigured})

	store := s.deps.Store
	if store == nil {
		return nil
	}
	raw, err := EncodeConfig(s.cfg)
	if err != nil {
		return err
	}
	info := s.Info()
	ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
	defer cancel()
	err = store.PutSession(ctx, storage.Session{
		ID:        s.id,
		Title:     info.Title,
		Persist:   true,
		Config:    raw,
		CreatedAt: info.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("configure session %s: %w", s.id, err)
	}
	return nil
}

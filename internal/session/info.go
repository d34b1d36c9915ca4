package session

import "time"

type UserInfo struct {
	ID   uint8  `json:"id"`
	Name string `json:"name"`
	Tier string `json:"tier"`
}

// Info is a read-only view of a session, refreshed by the sequencer after
// every request.
type Info struct {
	ID        string     `json:"id"`
	Title     string     `json:"title,omitempty"`
	State     State      `json:"state"`
	Users     []UserInfo `json:"users"`
	LastSeq   uint64     `json:"lastSeq"`
	Size      int64      `json:"size"`
	Limit     int64      `json:"limit"`
	OverLimit bool       `json:"overLimit"`
	Snapshots int        `json:"snapshots"`
	Width     int32      `json:"width"`
	Height    int32      `json:"height"`
	Stored    bool       `json:"stored"`
	Autoreset bool       `json:"autoreset"`
	Persist   bool       `json:"persist"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Info returns the latest view of the session.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := s.info
	info.Users = append([]UserInfo(nil), s.info.Users...)
	return info
}

func (s *Session) refreshInfo() {
	users := make([]UserInfo, 0, len(s.members))
	for id := 1; id < 255; id++ {
		m, ok := s.members[uint8(id)]
		if !ok {
			continue
		}
		users = append(users, UserInfo{
			ID:   m.ID,
			Name: m.Name,
			Tier: s.rep.ACL.TierOf(m.ID).String(),
		})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info.State = s.state
	s.info.Users = users
	s.info.LastSeq = s.log.Last()
	s.info.Size = s.log.Size()
	s.info.Limit = s.cfg.Policy.Limit
	s.info.OverLimit = s.overLimit
	s.info.Snapshots = s.snaps.Len()
	s.info.Width = s.rep.Canvas.Width
	s.info.Height = s.rep.Canvas.Height
	s.info.Stored = s.deps.Store != nil
	s.info.Autoreset = s.cfg.Policy.Autoreset
	s.info.Persist = s.cfg.PersistWithoutUsers
}

func (s *Session) setTitle(title string, created time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info.Title = title
	if !created.IsZero() {
		s.info.CreatedAt = created
	}
}

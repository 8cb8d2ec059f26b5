package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"assetboard/internal/server/models"
)

var (
	ErrNotFound = errors.New("session not found")
)

// Session is the state of one browser session: its posts and the IP bans
// recorded while it was active.
type Session struct {
	ID        string               `json:"id"`
	Posts     []models.Post        `json:"posts"`
	Bans      map[string]time.Time `json:"bans"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// New returns an empty session with the given id.
func New(id string, now time.Time) *Session {
	return &Session{
		ID:        id,
		Posts:     []models.Post{},
		Bans:      make(map[string]time.Time),
		UpdatedAt: now,
	}
}

// FindPost returns the index of the post with the given id, or -1.
func (s *Session) FindPost(id string) int {
	for i := range s.Posts {
		if s.Posts[i].ID == id {
			return i
		}
	}
	return -1
}

// RemovePost deletes the post at index i, keeping the order of the rest.
func (s *Session) RemovePost(i int) models.Post {
	removed := s.Posts[i]
	s.Posts = append(s.Posts[:i], s.Posts[i+1:]...)
	return removed
}

// Ban records a ban for ip at the given time, replacing any earlier one.
func (s *Session) Ban(ip string, at time.Time) {
	if s.Bans == nil {
		s.Bans = make(map[string]time.Time)
	}
	s.Bans[ip] = at
}

// BanFor returns the ban record for ip, if any.
func (s *Session) BanFor(ip string) (models.BanRecord, bool) {
	at, ok := s.Bans[ip]
	if !ok {
		return models.BanRecord{}, false
	}
	return models.BanRecord{IP: ip, BannedAt: at}, true
}

// Unban clears the ban for ip.
func (s *Session) Unban(ip string) {
	delete(s.Bans, ip)
}

// Store persists sessions between requests.
type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
	Put(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
	// IdleSince returns the ids of sessions not updated since cutoff.
	IdleSince(ctx context.Context, cutoff time.Time) ([]string, error)
	HealthCheck(ctx context.Context) error
}

func encode(s *Session) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session %s: %w", s.ID, err)
	}
	return data, nil
}

func decode(data []byte) (*Session, error) {
	s := &Session{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	if s.Posts == nil {
		s.Posts = []models.Post{}
	}
	if s.Bans == nil {
		s.Bans = make(map[string]time.Time)
	}
	return s, nil
}

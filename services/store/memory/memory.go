// Package memory provides an in-process Backend used for local development
// and as the fake backend in tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"nestsync/services/sleep"
	"nestsync/services/store"
)

type shareKey struct {
	sessionID    string
	sharedWithID string
}

// Store keeps every table in maps guarded by one RWMutex.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]sleep.Session
	shares   map[shareKey]sleep.Share
	links    map[string]sleep.Link
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		sessions: make(map[string]sleep.Session),
		shares:   make(map[shareKey]sleep.Share),
		links:    make(map[string]sleep.Link),
	}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// PutLink inserts or replaces an account link. Link creation is owned by
// another service; this exists for seeding.
func (s *Store) PutLink(link sleep.Link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now().UTC()
	}
	s.links[link.ID] = link
}

// --- SessionStore ---

func (s *Store) InsertSession(ctx context.Context, session sleep.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(session.ID) == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(session.OwnerID) == "" {
		return fmt.Errorf("owner id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; ok {
		return fmt.Errorf("insert session: duplicate id %s", session.ID)
	}
	s.sessions[session.ID] = clone(session)
	return nil
}

func (s *Store) UpdateSession(ctx context.Context, id string, patch sleep.Patch, updatedAt time.Time) (sleep.Session, error) {
	if err := ctx.Err(); err != nil {
		return sleep.Session{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sessions[id]
	if !ok {
		return sleep.Session{}, sleep.ErrNotFound
	}
	next := patch.Apply(clone(current), updatedAt)
	s.sessions[id] = next
	return clone(next), nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) (sleep.Session, error) {
	if err := ctx.Err(); err != nil {
		return sleep.Session{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sessions[id]
	if !ok {
		return sleep.Session{}, sleep.ErrNotFound
	}
	delete(s.sessions, id)
	for key := range s.shares {
		if key.sessionID == id {
			delete(s.shares, key)
		}
	}
	return current, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (sleep.Session, error) {
	if err := ctx.Err(); err != nil {
		return sleep.Session{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	current, ok := s.sessions[id]
	if !ok {
		return sleep.Session{}, sleep.ErrNotFound
	}
	return clone(current), nil
}

func (s *Store) ListSessions(ctx context.Context, f store.SessionFilter) ([]sleep.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.OwnerID == "" && f.PartnerID == "" && f.SharedWithID == "" {
		return nil, fmt.Errorf("list sessions: an account filter is required")
	}

	s.mu.RLock()
	out := make([]sleep.Session, 0)
	for _, session := range s.sessions {
		if f.OwnerID != "" && session.OwnerID != f.OwnerID {
			continue
		}
		if f.PartnerID != "" && sleep.Deref(session.PartnerID) != f.PartnerID {
			continue
		}
		if f.SharedWithID != "" && sleep.Deref(session.SharedWithID) != f.SharedWithID {
			continue
		}
		if f.FilterBaby && !session.SameBaby(f.BabyID) {
			continue
		}
		if f.InProgress && !session.InProgress() {
			continue
		}
		out = append(out, clone(session))
	}
	s.mu.RUnlock()

	sortByStartDesc(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) ListSharedSessions(ctx context.Context, accountID string) ([]sleep.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]sleep.Session, 0)
	for key := range s.shares {
		if key.sharedWithID != accountID {
			continue
		}
		if session, ok := s.sessions[key.sessionID]; ok {
			out = append(out, clone(session))
		}
	}
	s.mu.RUnlock()

	sortByStartDesc(out)
	return out, nil
}

// --- ShareStore ---

func (s *Store) UpsertShare(ctx context.Context, share sleep.Share) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if share.SessionID == "" || share.SharedWithID == "" {
		return false, fmt.Errorf("upsert share: entry id and shared-with id are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := shareKey{sessionID: share.SessionID, sharedWithID: share.SharedWithID}
	if _, ok := s.shares[key]; ok {
		return false, nil
	}
	if share.CreatedAt.IsZero() {
		share.CreatedAt = time.Now().UTC()
	}
	s.shares[key] = share
	return true, nil
}

func (s *Store) ListShareRecipients(ctx context.Context, sessionID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]string, 0)
	for key := range s.shares {
		if key.sessionID == sessionID {
			out = append(out, key.sharedWithID)
		}
	}
	s.mu.RUnlock()

	sort.Strings(out)
	return out, nil
}

func (s *Store) ListUnmigratedLegacy(ctx context.Context, ownerID string) ([]sleep.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]sleep.Session, 0)
	for _, session := range s.sessions {
		if session.SharedWithID == nil || *session.SharedWithID == "" {
			continue
		}
		if ownerID != "" && session.OwnerID != ownerID {
			continue
		}
		if _, ok := s.shares[shareKey{sessionID: session.ID, sharedWithID: *session.SharedWithID}]; ok {
			continue
		}
		out = append(out, clone(session))
	}
	s.mu.RUnlock()

	sortByStartDesc(out)
	return out, nil
}

func (s *Store) ListLegacyOwners(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	seen := make(map[string]struct{})
	for _, session := range s.sessions {
		if session.SharedWithID != nil && *session.SharedWithID != "" {
			seen[session.OwnerID] = struct{}{}
		}
	}
	s.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// --- LinkStore ---

func (s *Store) ListLinks(ctx context.Context, accountID string) ([]sleep.Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]sleep.Link, 0)
	for _, link := range s.links {
		if link.CreatorID == accountID || link.InvitedID == accountID {
			out = append(out, link)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func sortByStartDesc(sessions []sleep.Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if !sessions[i].StartTime.Equal(sessions[j].StartTime) {
			return sessions[i].StartTime.After(sessions[j].StartTime)
		}
		return sessions[i].ID < sessions[j].ID
	})
}

func clone(s sleep.Session) sleep.Session {
	s.BabyID = cloneString(s.BabyID)
	s.Notes = cloneString(s.Notes)
	s.SharedWithID = cloneString(s.SharedWithID)
	s.PartnerID = cloneString(s.PartnerID)
	if s.EndTime != nil {
		end := *s.EndTime
		s.EndTime = &end
	}
	if s.SyncedAt != nil {
		at := *s.SyncedAt
		s.SyncedAt = &at
	}
	if s.DurationMinutes != nil {
		d := *s.DurationMinutes
		s.DurationMinutes = &d
	}
	return s
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

var _ store.Backend = (*Store)(nil)

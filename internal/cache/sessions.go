// Package cache holds the orchestrator's bounded in-memory session cache.
// Persistent storage stays authoritative; a miss here is always answered by
// a storage read.
package cache

import (
	lru "github.com/hashicorp/golang-lru"

	"veil/internal/domain"
)

// DefaultCapacity bounds the number of hot sessions kept in memory.
const DefaultCapacity = 20

// Sessions is an approximately-LRU cache of session states.
type Sessions struct {
	c *lru.Cache
}

// NewSessions returns a cache with the given capacity (DefaultCapacity when
// size <= 0).
func NewSessions(size int) *Sessions {
	if size <= 0 {
		size = DefaultCapacity
	}
	c, _ := lru.New(size)
	return &Sessions{c: c}
}

func key(user domain.UserID, device domain.DeviceID) string {
	return string(user) + "/" + string(device)
}

// Get returns a copy of the cached session, if present.
func (s *Sessions) Get(user domain.UserID, device domain.DeviceID) (domain.SessionState, bool) {
	v, ok := s.c.Get(key(user, device))
	if !ok {
		return domain.SessionState{}, false
	}
	return v.(domain.SessionState).Clone(), true
}

// Put stores a copy of the session, evicting the least-recently-used entry
// on overflow.
func (s *Sessions) Put(sess domain.SessionState) {
	s.c.Add(key(sess.PeerUser, sess.PeerDevice), sess.Clone())
}

// Remove drops one entry.
func (s *Sessions) Remove(user domain.UserID, device domain.DeviceID) {
	s.c.Remove(key(user, device))
}

// Purge drops everything; used on sign-out.
func (s *Sessions) Purge() { s.c.Purge() }

// Len reports the number of cached sessions.
func (s *Sessions) Len() int { return s.c.Len() }

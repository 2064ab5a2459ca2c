package fieldsync

import (
	"sync"
	"time"
)

// sessionCache is a read-through cache of session records with explicit
// invalidation keyed by session and submission identifier. It replaces
// the implicit framework-managed cache of the original client: every
// write path calls Invalidate, so stale entries can only survive for
// the configured TTL.
type sessionCache struct {
	mu           sync.Mutex
	ttl          time.Duration
	entries      map[string]cacheEntry // keyed by session id
	bySubmission map[string]string     // submission id -> session id
	hits         int64
	misses       int64
}

type cacheEntry struct {
	session   *SubmissionSession
	expiresAt time.Time
}

func newSessionCache(ttl time.Duration) *sessionCache {
	return &sessionCache{
		ttl:          ttl,
		entries:      make(map[string]cacheEntry),
		bySubmission: make(map[string]string),
	}
}

// get returns the cached session by session id, or nil.
func (c *sessionCache) get(sessionID string) *SubmissionSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[sessionID]
	if !ok || time.Now().After(entry.expiresAt) {
		if ok {
			c.removeLocked(sessionID)
		}
		c.misses++
		return nil
	}
	c.hits++
	return entry.session.Clone()
}

// getBySubmission returns the cached session by submission id, or nil.
func (c *sessionCache) getBySubmission(submissionID string) *SubmissionSession {
	c.mu.Lock()
	sessionID, ok := c.bySubmission[submissionID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.get(sessionID)
}

// put stores a session under both its identifiers.
func (c *sessionCache) put(session *SubmissionSession) {
	if session == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[session.SessionID] = cacheEntry{
		session:   session.Clone(),
		expiresAt: time.Now().Add(c.ttl),
	}
	if session.SubmissionID != "" {
		c.bySubmission[session.SubmissionID] = session.SessionID
	}
}

// Invalidate drops any entry stored under the given session or
// submission identifiers.
func (c *sessionCache) Invalidate(sessionID, submissionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sessionID != "" {
		c.removeLocked(sessionID)
	}
	if submissionID != "" {
		if sid, ok := c.bySubmission[submissionID]; ok {
			c.removeLocked(sid)
		}
		delete(c.bySubmission, submissionID)
	}
}

func (c *sessionCache) removeLocked(sessionID string) {
	if entry, ok := c.entries[sessionID]; ok && entry.session.SubmissionID != "" {
		delete(c.bySubmission, entry.session.SubmissionID)
	}
	delete(c.entries, sessionID)
}

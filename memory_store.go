package fieldsync

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore implements LocalStore using in-memory maps. Useful for
// tests and WASM environments; it provides the same serialization and
// merge semantics as the SQLite store, without durability.
type MemoryStore struct {
	mu            sync.RWMutex
	sessions      map[string]*SubmissionSession
	submissions   map[string]*Submission
	observations  map[string]Observation // keyed by observation id
	intents       []Intent
	pendingImages map[string][]byte
	closed        bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:      make(map[string]*SubmissionSession),
		submissions:   make(map[string]*Submission),
		observations:  make(map[string]Observation),
		pendingImages: make(map[string][]byte),
	}
}

func (m *MemoryStore) SaveSession(ctx context.Context, session *SubmissionSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	if session.SessionID == "" {
		return newFieldError("session_id", "must not be empty")
	}
	m.sessions[session.SessionID] = session.Clone()
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, sessionID string) (*SubmissionSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) ListSessions(ctx context.Context) ([]*SubmissionSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	out := make([]*SubmissionSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	delete(m.sessions, sessionID)
	return nil
}

func (m *MemoryStore) GetSubmission(ctx context.Context, submissionID string) (*Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	s, ok := m.submissions[submissionID]
	if !ok {
		return nil, ErrSubmissionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) SaveSubmissionOffline(ctx context.Context, submission *Submission, petris, gasifiers []Observation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	if submission.ID == "" {
		return newFieldError("submission_id", "must not be empty")
	}
	cp := *submission
	m.submissions[submission.ID] = &cp
	for _, o := range petris {
		m.observations[o.ID] = o
	}
	for _, o := range gasifiers {
		m.observations[o.ID] = o
	}
	return nil
}

func (m *MemoryStore) SaveObservation(ctx context.Context, obs Observation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.observations[obs.ID] = obs
	return nil
}

func (m *MemoryStore) ListObservations(ctx context.Context, submissionID string) ([]Observation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	var out []Observation
	for _, o := range m.observations {
		if o.SubmissionID == submissionID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeleteSubmission(ctx context.Context, submissionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	delete(m.submissions, submissionID)
	for id, o := range m.observations {
		if o.SubmissionID == submissionID {
			delete(m.observations, id)
		}
	}
	return nil
}

func (m *MemoryStore) RemapSubmissionID(ctx context.Context, oldSubmissionID, newSubmissionID, oldSessionID, newSessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	if sub, ok := m.submissions[oldSubmissionID]; ok {
		sub.ID = newSubmissionID
		m.submissions[newSubmissionID] = sub
		delete(m.submissions, oldSubmissionID)
	}
	for id, o := range m.observations {
		if o.SubmissionID == oldSubmissionID {
			o.SubmissionID = newSubmissionID
			m.observations[id] = o
		}
	}
	if sess, ok := m.sessions[oldSessionID]; ok {
		sess.SessionID = newSessionID
		sess.SubmissionID = newSubmissionID
		m.sessions[newSessionID] = sess
		delete(m.sessions, oldSessionID)
	}
	// Queued intents reference the session by id too; a completion or
	// cancellation recorded offline must replay under the canonical id.
	for i, in := range m.intents {
		if in.SessionID == oldSessionID {
			in.SessionID = newSessionID
		}
		if in.SubmissionID == oldSubmissionID {
			in.SubmissionID = newSubmissionID
		}
		m.intents[i] = in
	}
	return nil
}

func (m *MemoryStore) AppendIntent(ctx context.Context, intent Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.intents = append(m.intents, intent)
	return nil
}

func (m *MemoryStore) PendingIntents(ctx context.Context) ([]Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	return append([]Intent(nil), m.intents...), nil
}

func (m *MemoryStore) RemoveIntent(ctx context.Context, intentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	for i, in := range m.intents {
		if in.ID == intentID {
			m.intents = append(m.intents[:i], m.intents[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *MemoryStore) AddPendingImage(ctx context.Context, key string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.pendingImages[key] = append([]byte(nil), blob...)
	return nil
}

func (m *MemoryStore) PendingImageKeys(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	keys := make([]string, 0, len(m.pendingImages))
	for k := range m.pendingImages {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) GetPendingImage(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	blob, ok := m.pendingImages[key]
	if !ok {
		return nil, newPersistenceError("read pending image", key, ErrImageNotFound)
	}
	return append([]byte(nil), blob...), nil
}

func (m *MemoryStore) RemovePendingImage(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	delete(m.pendingImages, key)
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

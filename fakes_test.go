package fieldsync

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fakeRemote is an in-memory RemoteStore with controllable failures.
type fakeRemote struct {
	mu          sync.Mutex
	nextID      int
	sessions    map[string]*SubmissionSession
	submissions map[string]*Submission
	obs         map[string]Observation
	shared      map[string][]string

	failWith     error
	createCalls  int
	upsertCalls  int
	heartbeats   int
	completions  int
	cancelations int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		sessions:    make(map[string]*SubmissionSession),
		submissions: make(map[string]*Submission),
		obs:         make(map[string]Observation),
		shared:      make(map[string][]string),
	}
}

func (f *fakeRemote) setError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWith = err
}

func (f *fakeRemote) CreateSession(ctx context.Context, siteID, programID string, submission Submission, petriTemplate, gasifierTemplate []TemplateEntry) (*CreateSessionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.nextID++
	subID := fmt.Sprintf("sub-%d", f.nextID)
	sessID := fmt.Sprintf("sess-%d", f.nextID)

	sub := submission
	sub.ID = subID
	f.submissions[subID] = &sub

	now := time.Now()
	_, offset := now.Zone()
	f.sessions[sessID] = &SubmissionSession{
		SessionID:             sessID,
		SubmissionID:          subID,
		SiteID:                siteID,
		ProgramID:             programID,
		OpenedByUserID:        submission.CreatedByUserID,
		SessionStartTime:      now,
		LastActivityTime:      now,
		SessionStatus:         StatusOpened,
		TimezoneOffsetSeconds: offset,
	}
	return &CreateSessionResult{Success: true, SubmissionID: subID, SessionID: sessID}, nil
}

func (f *fakeRemote) FetchSession(ctx context.Context, sessionID string) (*SubmissionSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	return f.sessions[sessionID].Clone(), nil
}

func (f *fakeRemote) FetchSubmissionWithSession(ctx context.Context, submissionID string) (*SubmissionWithSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	sub, ok := f.submissions[submissionID]
	if !ok {
		return nil, nil
	}
	for _, s := range f.sessions {
		if s.SubmissionID == submissionID {
			return &SubmissionWithSession{Submission: sub, Session: s.Clone()}, nil
		}
	}
	return nil, nil
}

func (f *fakeRemote) UpdateActivity(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	if f.failWith != nil {
		return f.failWith
	}
	if s, ok := f.sessions[sessionID]; ok {
		s.LastActivityTime = time.Now()
	}
	return nil
}

func (f *fakeRemote) Complete(ctx context.Context, sessionID string) (*CompleteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions++
	if f.failWith != nil {
		return nil, f.failWith
	}
	s, ok := f.sessions[sessionID]
	if !ok {
		return &CompleteResult{Success: false, Message: "no such session"}, nil
	}
	s.SessionStatus = StatusCompleted
	now := time.Now()
	s.CompletionTime = &now
	return &CompleteResult{Success: true, Session: s.Clone()}, nil
}

func (f *fakeRemote) Cancel(ctx context.Context, sessionID string) (*CancelResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelations++
	if f.failWith != nil {
		return nil, f.failWith
	}
	if s, ok := f.sessions[sessionID]; ok {
		delete(f.submissions, s.SubmissionID)
	}
	delete(f.sessions, sessionID)
	return &CancelResult{Success: true}, nil
}

func (f *fakeRemote) ShareSession(ctx context.Context, sessionID string, userIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.shared[sessionID] = append(f.shared[sessionID], userIDs...)
	return nil
}

func (f *fakeRemote) UpsertObservation(ctx context.Context, obs Observation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertCalls++
	if f.failWith != nil {
		return f.failWith
	}
	f.obs[obs.ID] = obs
	return nil
}

func (f *fakeRemote) sessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeRemote) session(id string) *SubmissionSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[id].Clone()
}

// fakeAccess grants or denies everything.
type fakeAccess struct {
	allow bool
	err   error
}

func (f fakeAccess) CanEditSubmission(ctx context.Context, userID, programID string) (bool, error) {
	return f.allow, f.err
}

// fakeDirectory resolves every user to a fixed name.
type fakeDirectory struct{}

func (fakeDirectory) Lookup(ctx context.Context, userID string) (*UserInfo, error) {
	return &UserInfo{UserID: userID, FullName: "Field Tech " + userID, Email: userID + "@example.com"}, nil
}

// testEngine bundles the pieces most engine tests need.
type testEngine struct {
	local   *MemoryStore
	remote  *fakeRemote
	monitor *ConnectivityMonitor
	sc      *SyncCoordinator
	sm      *SessionManager
}

func newTestEngine(online bool) *testEngine {
	cfg := DefaultConfig()
	cfg.Retry = RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond}

	local := NewMemoryStore()
	remote := newFakeRemote()
	monitor := NewConnectivityMonitor(cfg.Connectivity, nil)
	monitor.SetOnline(online)

	sc := NewSyncCoordinator(cfg, local, remote, monitor, nil)
	sm := NewSessionManager(sc, fakeAccess{allow: true}, fakeDirectory{})
	return &testEngine{local: local, remote: remote, monitor: monitor, sc: sc, sm: sm}
}

// petriTemplate builds a template with n entries.
func petriTemplate(n int) []TemplateEntry {
	entries := make([]TemplateEntry, n)
	for i := range entries {
		entries[i] = TemplateEntry{Code: fmt.Sprintf("P%d", i+1)}
	}
	return entries
}

func gasifierTemplate(n int) []TemplateEntry {
	entries := make([]TemplateEntry, n)
	for i := range entries {
		entries[i] = TemplateEntry{Code: fmt.Sprintf("G%d", i+1)}
	}
	return entries
}

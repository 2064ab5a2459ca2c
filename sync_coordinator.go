package fieldsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SyncEventType classifies non-blocking notifications from background
// sync activity.
type SyncEventType string

const (
	// EventReconnected fires after an offline-to-online transition.
	EventReconnected SyncEventType = "reconnected"
	// EventHeartbeatFailed fires when a background activity push fails.
	EventHeartbeatFailed SyncEventType = "heartbeat_failed"
	// EventAutosaveFailed fires when a periodic flush fails.
	EventAutosaveFailed SyncEventType = "autosave_failed"
	// EventDrainFailed fires when queue draining hits a transient error.
	EventDrainFailed SyncEventType = "drain_failed"
	// EventIntentDropped fires when the remote permanently rejects a
	// queued mutation.
	EventIntentDropped SyncEventType = "intent_dropped"
)

// SyncEvent is a non-blocking notification surfaced to the embedding
// application. Background errors are never raised to callers; they
// arrive here instead.
type SyncEvent struct {
	Type      SyncEventType
	SessionID string
	Err       error
}

// SessionPatch is a partial update merged into a session record by
// Save. Nil fields are left untouched; the most recent local write wins
// for scalar fields.
type SessionPatch struct {
	LastActivityTime *time.Time
}

// SyncCoordinator orchestrates reads and writes across the local and
// remote stores according to the connectivity signal. Local writes are
// optimistic and never blocked on the remote; remote responses are
// authoritative and overwrite the local mirror on successful fetch.
type SyncCoordinator struct {
	config  SyncConfig
	local   LocalStore
	remote  RemoteStore
	monitor *ConnectivityMonitor
	retryer *Retryer
	cache   *sessionCache
	metrics *engineMetrics
	now     func() time.Time

	mu       sync.Mutex
	open     map[string]struct{} // sessions with an active editing surface
	notifier func(SyncEvent)
	running  bool

	drainMu sync.Mutex // one queue drain at a time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSyncCoordinator creates a coordinator. reg may be nil to leave
// metrics unregistered.
func NewSyncCoordinator(cfg Config, local LocalStore, remote RemoteStore, monitor *ConnectivityMonitor, reg prometheus.Registerer) *SyncCoordinator {
	ctx, cancel := context.WithCancel(context.Background())
	sc := &SyncCoordinator{
		config:  cfg.Sync,
		local:   local,
		remote:  remote,
		monitor: monitor,
		retryer: NewRetryer(cfg.Retry),
		cache:   newSessionCache(cfg.Sync.CacheTTL),
		metrics: newEngineMetrics(reg),
		now:     time.Now,
		open:    make(map[string]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	monitor.OnChange(sc.onConnectivityChange)
	return sc
}

// SetNotifier registers the callback receiving non-blocking sync
// events. The callback must not block.
func (sc *SyncCoordinator) SetNotifier(fn func(SyncEvent)) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.notifier = fn
}

func (sc *SyncCoordinator) notify(ev SyncEvent) {
	sc.mu.Lock()
	fn := sc.notifier
	sc.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// Start launches the autosave and queue drain loops.
func (sc *SyncCoordinator) Start() {
	sc.mu.Lock()
	if sc.running {
		sc.mu.Unlock()
		return
	}
	sc.running = true
	sc.mu.Unlock()

	sc.wg.Add(2)
	go sc.autosaveLoop()
	go sc.drainLoop()
}

// Stop shuts down the background loops.
func (sc *SyncCoordinator) Stop() {
	sc.mu.Lock()
	if !sc.running {
		sc.mu.Unlock()
		sc.cancel()
		return
	}
	sc.running = false
	sc.mu.Unlock()

	sc.cancel()
	sc.wg.Wait()
}

// OpenSession registers a session for periodic autosave while it has an
// active editing surface.
func (sc *SyncCoordinator) OpenSession(sessionID string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.open[sessionID] = struct{}{}
}

// CloseSession deregisters a session from autosave.
func (sc *SyncCoordinator) CloseSession(sessionID string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	delete(sc.open, sessionID)
}

func (sc *SyncCoordinator) openSessions() []string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	ids := make([]string, 0, len(sc.open))
	for id := range sc.open {
		ids = append(ids, id)
	}
	return ids
}

// Load resolves a session by session id, submission id, or both. While
// online the remote is consulted first and its answer mirrored into the
// local store; offline, or when the remote misses, the local store is
// searched. A NotFoundError is returned only when neither source yields
// a record.
func (sc *SyncCoordinator) Load(ctx context.Context, sessionID, submissionID string) (*SubmissionSession, error) {
	if sessionID == "" && submissionID == "" {
		return nil, newFieldError("session_id", "either session or submission id is required")
	}

	if s := sc.cacheLookup(sessionID, submissionID); s != nil {
		return sc.resolveAndPersistExpiry(ctx, s)
	}

	if sc.monitor.IsOnline() {
		if s, err := sc.loadRemote(ctx, sessionID, submissionID); err == nil && s != nil {
			return sc.resolveAndPersistExpiry(ctx, s)
		} else if err != nil {
			slog.Warn("remote load failed, falling back to local store",
				"session", sessionID, "submission", submissionID, "err", err)
			sc.metrics.remoteFailures.Inc()
		}
	}

	s, err := sc.loadLocal(ctx, sessionID, submissionID)
	if err != nil {
		return nil, err
	}
	return sc.resolveAndPersistExpiry(ctx, s)
}

func (sc *SyncCoordinator) cacheLookup(sessionID, submissionID string) *SubmissionSession {
	if sessionID != "" {
		if s := sc.cache.get(sessionID); s != nil {
			return s
		}
	}
	if submissionID != "" {
		if s := sc.cache.getBySubmission(submissionID); s != nil {
			return s
		}
	}
	return nil
}

func (sc *SyncCoordinator) loadRemote(ctx context.Context, sessionID, submissionID string) (*SubmissionSession, error) {
	var session *SubmissionSession
	var submission *Submission

	if sessionID != "" && !IsSyntheticID(sessionID) {
		err := sc.retryer.Do(ctx, func() error {
			var rerr error
			session, rerr = sc.remote.FetchSession(ctx, sessionID)
			return rerr
		})
		if err != nil {
			return nil, err
		}
	}
	if session == nil && submissionID != "" && !IsSyntheticID(submissionID) {
		var pair *SubmissionWithSession
		err := sc.retryer.Do(ctx, func() error {
			var rerr error
			pair, rerr = sc.remote.FetchSubmissionWithSession(ctx, submissionID)
			return rerr
		})
		if err != nil {
			return nil, err
		}
		if pair != nil {
			session = pair.Session
			submission = pair.Submission
		}
	}
	if session == nil {
		return nil, nil
	}
	return sc.mirrorRemote(ctx, session, submission)
}

// mirrorRemote overwrites the local copy with the authoritative remote
// record. A remote result is discarded when the local session has moved
// to a terminal state since the call started.
func (sc *SyncCoordinator) mirrorRemote(ctx context.Context, session *SubmissionSession, submission *Submission) (*SubmissionSession, error) {
	local, err := sc.local.GetSession(ctx, session.SessionID)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}
	if local != nil && local.SessionStatus.Terminal() && !session.SessionStatus.Terminal() {
		return local, nil
	}

	if err := sc.local.SaveSession(ctx, session); err != nil {
		return nil, err
	}
	if submission != nil {
		if err := sc.local.SaveSubmissionOffline(ctx, submission, nil, nil); err != nil {
			return nil, err
		}
	}
	sc.cache.put(session)
	return session.Clone(), nil
}

func (sc *SyncCoordinator) loadLocal(ctx context.Context, sessionID, submissionID string) (*SubmissionSession, error) {
	if sessionID != "" {
		s, err := sc.local.GetSession(ctx, sessionID)
		if err == nil {
			sc.cache.put(s)
			return s, nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
	}
	if submissionID != "" {
		sessions, err := sc.local.ListSessions(ctx)
		if err != nil {
			return nil, err
		}
		for _, s := range sessions {
			if s.SubmissionID == submissionID {
				sc.cache.put(s)
				return s, nil
			}
		}
	}
	if sessionID != "" {
		return nil, &NotFoundError{Kind: "session", ID: sessionID}
	}
	return nil, &NotFoundError{Kind: "submission", ID: submissionID}
}

// resolveAndPersistExpiry folds the day boundary into the status before
// the session is returned to a caller, persisting any change.
func (sc *SyncCoordinator) resolveAndPersistExpiry(ctx context.Context, s *SubmissionSession) (*SubmissionSession, error) {
	if !s.resolveExpiry(sc.now()) {
		return s, nil
	}
	if err := sc.local.SaveSession(ctx, s); err != nil {
		return nil, err
	}
	sc.cache.put(s)
	return s, nil
}

// Save merges the patch into the local session record and persists it.
// The local write always succeeds or fails on its own; when online, a
// best-effort activity heartbeat and queue drain follow, whose failures
// are logged and surfaced as non-blocking events, never returned.
func (sc *SyncCoordinator) Save(ctx context.Context, sessionID string, patch SessionPatch) error {
	session, err := sc.local.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if patch.LastActivityTime != nil {
		session.LastActivityTime = *patch.LastActivityTime
	}
	if err := sc.local.SaveSession(ctx, session); err != nil {
		return err
	}
	sc.cache.put(session)

	if sc.monitor.IsOnline() {
		sc.pushBestEffort(ctx, session)
	}
	return nil
}

// pushBestEffort drains the intent queue and sends an activity
// heartbeat. Failures never propagate.
func (sc *SyncCoordinator) pushBestEffort(ctx context.Context, session *SubmissionSession) {
	if _, err := sc.DrainQueue(ctx); err != nil {
		slog.Warn("queue drain failed", "err", err)
		sc.notify(SyncEvent{Type: EventDrainFailed, SessionID: session.SessionID, Err: err})
	}

	// The session may have been remapped to canonical ids by the drain.
	id := session.SessionID
	if IsSyntheticID(id) {
		return
	}
	if err := sc.retryer.Do(ctx, func() error {
		return sc.remote.UpdateActivity(ctx, id)
	}); err != nil {
		slog.Warn("activity heartbeat failed", "session", id, "err", err)
		sc.metrics.remoteFailures.Inc()
		sc.notify(SyncEvent{Type: EventHeartbeatFailed, SessionID: id, Err: err})
	}
}

func (sc *SyncCoordinator) autosaveLoop() {
	defer sc.wg.Done()
	ticker := time.NewTicker(sc.config.AutosaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sc.ctx.Done():
			return
		case <-ticker.C:
			sc.autosaveTick()
		}
	}
}

// autosaveTick flushes every open, non-terminal session to the local
// store.
func (sc *SyncCoordinator) autosaveTick() {
	for _, id := range sc.openSessions() {
		session, err := sc.local.GetSession(sc.ctx, id)
		if err != nil {
			continue
		}
		if session.SessionStatus.Terminal() {
			sc.CloseSession(id)
			continue
		}
		if err := sc.Save(sc.ctx, id, SessionPatch{}); err != nil {
			slog.Warn("autosave failed", "session", id, "err", err)
			sc.notify(SyncEvent{Type: EventAutosaveFailed, SessionID: id, Err: err})
			continue
		}
		sc.metrics.autosaves.Inc()
	}
}

func (sc *SyncCoordinator) drainLoop() {
	defer sc.wg.Done()
	ticker := time.NewTicker(sc.config.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sc.ctx.Done():
			return
		case <-ticker.C:
			if !sc.monitor.IsOnline() {
				continue
			}
			if _, err := sc.DrainQueue(sc.ctx); err != nil {
				slog.Warn("queue drain failed", "err", err)
				sc.notify(SyncEvent{Type: EventDrainFailed, Err: err})
			}
		}
	}
}

// onConnectivityChange performs post-reconnect reconciliation: pending
// intents are drained and every open session gets an activity push.
// All of it is best-effort; errors are logged and surfaced as events.
func (sc *SyncCoordinator) onConnectivityChange(online bool) {
	if online {
		sc.metrics.online.Set(1)
	} else {
		sc.metrics.online.Set(0)
		return
	}

	slog.Info("connectivity restored, reconciling")
	sc.notify(SyncEvent{Type: EventReconnected})

	if _, err := sc.DrainQueue(sc.ctx); err != nil {
		slog.Warn("post-reconnect drain failed", "err", err)
		sc.notify(SyncEvent{Type: EventDrainFailed, Err: err})
	}
	for _, id := range sc.openSessions() {
		session, err := sc.local.GetSession(sc.ctx, id)
		if err != nil || session.SessionStatus.Terminal() || IsSyntheticID(session.SessionID) {
			continue
		}
		if err := sc.retryer.Do(sc.ctx, func() error {
			return sc.remote.UpdateActivity(sc.ctx, session.SessionID)
		}); err != nil {
			slog.Warn("post-reconnect heartbeat failed", "session", id, "err", err)
			sc.notify(SyncEvent{Type: EventHeartbeatFailed, SessionID: id, Err: err})
		}
	}
}

func (sc *SyncCoordinator) updateQueueDepth(ctx context.Context) {
	intents, err := sc.local.PendingIntents(ctx)
	if err != nil {
		return
	}
	sc.metrics.queueDepth.Set(float64(len(intents)))
}

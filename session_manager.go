package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// CreatorInfo pairs a submission and session with display information
// about the user who opened the session.
type CreatorInfo struct {
	Submission *Submission        `json:"submission"`
	Session    *SubmissionSession `json:"session"`
	Creator    *UserInfo          `json:"creator,omitempty"`
}

// SessionManager owns the session state machine. Every operation takes
// explicit identifiers; there is no ambient "current session".
type SessionManager struct {
	coordinator *SyncCoordinator
	access      AccessChecker
	directory   UserDirectory
	now         func() time.Time
}

// NewSessionManager creates a session manager on top of the coordinator.
// directory may be nil, in which case creator lookups are skipped.
func NewSessionManager(coordinator *SyncCoordinator, access AccessChecker, directory UserDirectory) *SessionManager {
	return &SessionManager{
		coordinator: coordinator,
		access:      access,
		directory:   directory,
		now:         time.Now,
	}
}

// CreateSession opens a session for a new submission. While online the
// remote assigns identifiers immediately; offline, synthetic identifiers
// are issued and a create intent is queued for reconciliation. The
// observation slots from both templates are materialized as empty
// records so completion tracking has its expected counts from the start.
func (sm *SessionManager) CreateSession(ctx context.Context, userID, siteID, programID string, submission Submission, petriTemplate, gasifierTemplate []TemplateEntry) (*CreateSessionResult, error) {
	if siteID == "" {
		return nil, newFieldError("site_id", "must not be empty")
	}
	if programID == "" {
		return nil, newFieldError("program_id", "must not be empty")
	}
	if userID == "" {
		return nil, newFieldError("user_id", "must not be empty")
	}
	allowed, err := sm.access.CanEditSubmission(ctx, userID, programID)
	if err != nil {
		return nil, fmt.Errorf("authorization check: %w", err)
	}
	if !allowed {
		return nil, ErrNotAuthorized
	}

	now := sm.now()
	submission.SiteID = siteID
	submission.ProgramID = programID
	submission.CreatedByUserID = userID
	submission.CreatedAt = now

	sc := sm.coordinator
	var result *CreateSessionResult

	if sc.monitor.IsOnline() {
		err := sc.retryer.Do(ctx, func() error {
			var rerr error
			result, rerr = sc.remote.CreateSession(ctx, siteID, programID, submission, petriTemplate, gasifierTemplate)
			return rerr
		})
		if err != nil {
			slog.Warn("remote session create failed, falling back to offline create", "err", err)
			sc.metrics.remoteFailures.Inc()
			result = nil
		} else if !result.Success {
			return result, nil
		}
	}

	if result == nil {
		return sm.createOffline(ctx, userID, siteID, programID, submission, petriTemplate, gasifierTemplate, now)
	}

	submission.ID = result.SubmissionID
	session := sm.newSession(result.SessionID, result.SubmissionID, userID, siteID, programID, now, petriTemplate, gasifierTemplate)
	petris, gasifiers := materializeTemplates(result.SubmissionID, siteID, petriTemplate, gasifierTemplate, now)
	if err := sc.local.SaveSubmissionOffline(ctx, &submission, petris, gasifiers); err != nil {
		return nil, err
	}
	if err := sc.local.SaveSession(ctx, session); err != nil {
		return nil, err
	}
	sc.cache.put(session)
	return result, nil
}

// createOffline issues synthetic identifiers, persists everything
// locally, and queues a create intent for later reconciliation.
func (sm *SessionManager) createOffline(ctx context.Context, userID, siteID, programID string, submission Submission, petriTemplate, gasifierTemplate []TemplateEntry, now time.Time) (*CreateSessionResult, error) {
	sc := sm.coordinator

	submission.ID = NewSyntheticID()
	sessionID := NewSyntheticID()

	session := sm.newSession(sessionID, submission.ID, userID, siteID, programID, now, petriTemplate, gasifierTemplate)
	petris, gasifiers := materializeTemplates(submission.ID, siteID, petriTemplate, gasifierTemplate, now)

	if err := sc.local.SaveSubmissionOffline(ctx, &submission, petris, gasifiers); err != nil {
		return nil, err
	}
	if err := sc.local.SaveSession(ctx, session); err != nil {
		return nil, err
	}
	sc.cache.put(session)

	intent, err := newIntent(IntentCreateSession, sessionID, submission.ID, createSessionPayload{
		SiteID:           siteID,
		ProgramID:        programID,
		Submission:       submission,
		PetriTemplate:    petriTemplate,
		GasifierTemplate: gasifierTemplate,
	})
	if err != nil {
		return nil, err
	}
	if err := sc.local.AppendIntent(ctx, intent); err != nil {
		return nil, err
	}
	sc.updateQueueDepth(ctx)

	return &CreateSessionResult{
		Success:      true,
		SubmissionID: submission.ID,
		SessionID:    sessionID,
	}, nil
}

func (sm *SessionManager) newSession(sessionID, submissionID, userID, siteID, programID string, now time.Time, petriTemplate, gasifierTemplate []TemplateEntry) *SubmissionSession {
	_, offset := now.Zone()
	return &SubmissionSession{
		SessionID:             sessionID,
		SubmissionID:          submissionID,
		SiteID:                siteID,
		ProgramID:             programID,
		OpenedByUserID:        userID,
		SessionStartTime:      now,
		LastActivityTime:      now,
		SessionStatus:         StatusOpened,
		PercentageComplete:    completionPercentage(0, len(petriTemplate)+len(gasifierTemplate)),
		TimezoneOffsetSeconds: offset,
	}
}

// materializeTemplates expands the site templates into empty observation
// slots attached to the submission.
func materializeTemplates(submissionID, siteID string, petriTemplate, gasifierTemplate []TemplateEntry, now time.Time) (petris, gasifiers []Observation) {
	for _, entry := range petriTemplate {
		petris = append(petris, Observation{
			ID:           NewSyntheticID(),
			Kind:         KindPetri,
			SubmissionID: submissionID,
			SiteID:       siteID,
			Payload:      entry.Defaults,
			UpdatedAt:    now,
		})
	}
	for _, entry := range gasifierTemplate {
		gasifiers = append(gasifiers, Observation{
			ID:           NewSyntheticID(),
			Kind:         KindGasifier,
			SubmissionID: submissionID,
			SiteID:       siteID,
			Payload:      entry.Defaults,
			UpdatedAt:    now,
		})
	}
	return petris, gasifiers
}

// GetSessionByID returns the session, consulting remote then local per
// the load policy.
func (sm *SessionManager) GetSessionByID(ctx context.Context, sessionID string) (*SubmissionSession, error) {
	return sm.coordinator.Load(ctx, sessionID, "")
}

// GetSubmissionWithSession returns the submission, its session, and
// display information about the session creator.
func (sm *SessionManager) GetSubmissionWithSession(ctx context.Context, submissionID string) (*CreatorInfo, error) {
	session, err := sm.coordinator.Load(ctx, "", submissionID)
	if err != nil {
		return nil, err
	}
	submission, err := sm.coordinator.local.GetSubmission(ctx, session.SubmissionID)
	if err != nil && !errors.Is(err, ErrSubmissionNotFound) {
		return nil, err
	}

	info := &CreatorInfo{Submission: submission, Session: session}
	if sm.directory != nil {
		creator, err := sm.directory.Lookup(ctx, session.OpenedByUserID)
		if err != nil {
			// The directory is a collaborator nicety, not a dependency.
			slog.Warn("creator lookup failed", "user", session.OpenedByUserID, "err", err)
		} else {
			info.Creator = creator
		}
	}
	return info, nil
}

// UpdateActivity bumps the session's last activity time. It silently
// no-ops when the session is already terminal.
func (sm *SessionManager) UpdateActivity(ctx context.Context, sessionID string) error {
	session, err := sm.coordinator.Load(ctx, sessionID, "")
	if err != nil {
		return err
	}
	if session.SessionStatus.Terminal() {
		return nil
	}
	now := sm.now()
	return sm.coordinator.Save(ctx, session.SessionID, SessionPatch{LastActivityTime: &now})
}

// RecordObservation upserts an observation edit, marks it dirty for the
// next push, recomputes completion, and moves an Opened session to
// Working. The mutation is rejected when the session is terminal or its
// editing window has passed.
func (sm *SessionManager) RecordObservation(ctx context.Context, sessionID string, obs Observation) error {
	sc := sm.coordinator
	session, err := sc.Load(ctx, sessionID, "")
	if err != nil {
		return err
	}
	now := sm.now()
	if session.SessionStatus.Terminal() {
		return &ConflictError{SessionID: session.SessionID, Status: session.SessionStatus}
	}
	if session.ExpiredAt(now) {
		return ErrSessionExpired
	}
	if obs.ID == "" {
		obs.ID = NewSyntheticID()
	}
	obs.SubmissionID = session.SubmissionID
	obs.Dirty = true
	obs.UpdatedAt = now

	if err := sc.local.SaveObservation(ctx, obs); err != nil {
		return err
	}
	intent, err := newIntent(IntentUpsertObservation, session.SessionID, session.SubmissionID, obs)
	if err != nil {
		return err
	}
	if err := sc.local.AppendIntent(ctx, intent); err != nil {
		return err
	}

	if session.SessionStatus == StatusOpened {
		if err := session.transition(StatusWorking); err != nil {
			return err
		}
	}
	if err := sm.recomputeCompletion(ctx, session); err != nil {
		return err
	}
	session.LastActivityTime = now
	if err := sc.local.SaveSession(ctx, session); err != nil {
		return err
	}
	sc.cache.put(session)

	if sc.monitor.IsOnline() {
		sc.pushBestEffort(ctx, session)
	}
	return nil
}

// recomputeCompletion refreshes the derived counts and percentage from
// the materialized observation slots.
func (sm *SessionManager) recomputeCompletion(ctx context.Context, session *SubmissionSession) error {
	observations, err := sm.coordinator.local.ListObservations(ctx, session.SubmissionID)
	if err != nil {
		return err
	}
	stats := statsFromSlots(observations)
	session.ValidPetrisLogged = stats.ValidPetris
	session.ValidGasifiersLogged = stats.ValidGasifiers
	session.PercentageComplete = stats.Percentage
	return nil
}

// statsFromSlots derives completion from materialized template slots:
// every stored observation is an expected slot, and slots with data are
// valid.
func statsFromSlots(observations []Observation) CompletionStats {
	stats := CompletionStats{}
	for _, o := range observations {
		switch o.Kind {
		case KindPetri:
			stats.ExpectedPetris++
			if o.HasData {
				stats.ValidPetris++
			}
		case KindGasifier:
			stats.ExpectedGasifiers++
			if o.HasData {
				stats.ValidGasifiers++
			}
		}
	}
	stats.Percentage = completionPercentage(
		stats.ValidPetris+stats.ValidGasifiers,
		stats.ExpectedPetris+stats.ExpectedGasifiers,
	)
	return stats
}

// CompleteSession marks the session completed. Without force, an
// incomplete session is refused and the counts are returned so the
// caller can present a confirmation step; with force, completion
// proceeds regardless of the percentage.
func (sm *SessionManager) CompleteSession(ctx context.Context, sessionID, userID string, force bool) (*CompleteResult, error) {
	sc := sm.coordinator
	session, err := sc.Load(ctx, sessionID, "")
	if err != nil {
		return nil, err
	}
	now := sm.now()
	if session.SessionStatus.Terminal() {
		return nil, &ConflictError{SessionID: session.SessionID, Status: session.SessionStatus}
	}
	if session.ExpiredAt(now) {
		if _, err := sc.resolveAndPersistExpiry(ctx, session); err != nil {
			return nil, err
		}
		return nil, ErrSessionExpired
	}

	if err := sm.recomputeCompletion(ctx, session); err != nil {
		return nil, err
	}
	if session.PercentageComplete < 100 && !force {
		stats := CompletionStats{
			ValidPetris:    session.ValidPetrisLogged,
			ValidGasifiers: session.ValidGasifiersLogged,
			Percentage:     session.PercentageComplete,
		}
		observations, err := sc.local.ListObservations(ctx, session.SubmissionID)
		if err == nil {
			stats = statsFromSlots(observations)
		}
		return &CompleteResult{
			Success: false,
			Stats:   &stats,
			Message: fmt.Sprintf("session is %d%% complete: %d petri and %d gasifier observations missing",
				stats.Percentage, stats.MissingPetris(), stats.MissingGasifiers()),
		}, nil
	}

	if err := session.transition(StatusCompleted); err != nil {
		return nil, err
	}
	session.CompletionTime = &now
	session.CompletedByUserID = userID
	session.LastActivityTime = now

	if err := sc.local.SaveSession(ctx, session); err != nil {
		return nil, err
	}
	sc.cache.put(session)
	sc.CloseSession(session.SessionID)

	if sc.monitor.IsOnline() && !IsSyntheticID(session.SessionID) {
		var result *CompleteResult
		err := sc.retryer.Do(ctx, func() error {
			var rerr error
			result, rerr = sc.remote.Complete(ctx, session.SessionID)
			return rerr
		})
		switch {
		case err != nil:
			// Completion is already durable locally; queue the replay.
			slog.Warn("remote complete failed, queueing", "session", session.SessionID, "err", err)
			sc.metrics.remoteFailures.Inc()
			if qerr := sm.queueIntent(ctx, IntentComplete, session); qerr != nil {
				return nil, qerr
			}
		case result.Success && result.Session != nil:
			if _, merr := sc.mirrorRemote(ctx, result.Session, nil); merr != nil {
				return nil, merr
			}
		}
		if err == nil {
			return result, nil
		}
	} else {
		if err := sm.queueIntent(ctx, IntentComplete, session); err != nil {
			return nil, err
		}
	}

	return &CompleteResult{Success: true, Session: session.Clone()}, nil
}

// CancelSession cancels the session, deleting the submission and all of
// its observations locally and remotely. Irreversible.
func (sm *SessionManager) CancelSession(ctx context.Context, sessionID string) (*CancelResult, error) {
	sc := sm.coordinator
	session, err := sc.Load(ctx, sessionID, "")
	if err != nil {
		return nil, err
	}
	if err := session.transition(StatusCancelled); err != nil {
		return nil, err
	}
	if err := sc.local.SaveSession(ctx, session); err != nil {
		return nil, err
	}
	if err := sc.local.DeleteSubmission(ctx, session.SubmissionID); err != nil {
		return nil, err
	}
	sc.cache.Invalidate(session.SessionID, session.SubmissionID)
	sc.CloseSession(session.SessionID)

	if sc.monitor.IsOnline() && !IsSyntheticID(session.SessionID) {
		var result *CancelResult
		err := sc.retryer.Do(ctx, func() error {
			var rerr error
			result, rerr = sc.remote.Cancel(ctx, session.SessionID)
			return rerr
		})
		if err == nil {
			// Confirmed remotely: the local tombstone can go.
			if derr := sc.local.DeleteSession(ctx, session.SessionID); derr != nil {
				return nil, derr
			}
			return result, nil
		}
		slog.Warn("remote cancel failed, queueing", "session", session.SessionID, "err", err)
		sc.metrics.remoteFailures.Inc()
	}
	if err := sm.queueIntent(ctx, IntentCancel, session); err != nil {
		return nil, err
	}
	return &CancelResult{Success: true, Message: "cancelled locally, remote deletion queued"}, nil
}

// ShareSession grants additional users edit access and moves the
// session to Shared.
func (sm *SessionManager) ShareSession(ctx context.Context, sessionID string, userIDs []string) error {
	return sm.share(ctx, sessionID, userIDs, StatusShared)
}

// EscalateSession grants additional users edit access and moves the
// session to Escalated.
func (sm *SessionManager) EscalateSession(ctx context.Context, sessionID string, userIDs []string) error {
	return sm.share(ctx, sessionID, userIDs, StatusEscalated)
}

func (sm *SessionManager) share(ctx context.Context, sessionID string, userIDs []string, status SessionStatus) error {
	if len(userIDs) == 0 {
		return newFieldError("user_ids", "must not be empty")
	}
	sc := sm.coordinator
	session, err := sc.Load(ctx, sessionID, "")
	if err != nil {
		return err
	}
	now := sm.now()
	if session.SessionStatus.Terminal() {
		return &ConflictError{SessionID: session.SessionID, Status: session.SessionStatus}
	}
	if session.ExpiredAt(now) {
		return ErrSessionExpired
	}
	if err := session.transition(status); err != nil {
		return err
	}
	for _, id := range userIDs {
		if !session.CanEdit(id) {
			session.EscalatedToUserIDs = append(session.EscalatedToUserIDs, id)
		}
	}
	session.LastActivityTime = now
	if err := sc.local.SaveSession(ctx, session); err != nil {
		return err
	}
	sc.cache.put(session)

	if sc.monitor.IsOnline() && !IsSyntheticID(session.SessionID) {
		if err := sc.retryer.Do(ctx, func() error {
			return sc.remote.ShareSession(ctx, session.SessionID, userIDs)
		}); err != nil {
			slog.Warn("remote share failed, queueing", "session", session.SessionID, "err", err)
			sc.metrics.remoteFailures.Inc()
			return sm.queueShareIntent(ctx, session, userIDs)
		}
		return nil
	}
	return sm.queueShareIntent(ctx, session, userIDs)
}

func (sm *SessionManager) queueIntent(ctx context.Context, t IntentType, session *SubmissionSession) error {
	intent, err := newIntent(t, session.SessionID, session.SubmissionID, nil)
	if err != nil {
		return err
	}
	if err := sm.coordinator.local.AppendIntent(ctx, intent); err != nil {
		return err
	}
	sm.coordinator.updateQueueDepth(ctx)
	return nil
}

func (sm *SessionManager) queueShareIntent(ctx context.Context, session *SubmissionSession, userIDs []string) error {
	intent, err := newIntent(IntentShare, session.SessionID, session.SubmissionID, userIDs)
	if err != nil {
		return err
	}
	if err := sm.coordinator.local.AppendIntent(ctx, intent); err != nil {
		return err
	}
	sm.coordinator.updateQueueDepth(ctx)
	return nil
}

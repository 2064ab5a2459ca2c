package fieldsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// IntentType identifies the remote operation a queued intent represents.
type IntentType string

const (
	// IntentCreateSession replays an offline session creation.
	IntentCreateSession IntentType = "create_session"
	// IntentUpsertObservation pushes a locally modified observation.
	IntentUpsertObservation IntentType = "upsert_observation"
	// IntentHeartbeat pushes an activity bump.
	IntentHeartbeat IntentType = "heartbeat"
	// IntentComplete replays a completion performed offline.
	IntentComplete IntentType = "complete"
	// IntentCancel replays a cancellation performed offline.
	IntentCancel IntentType = "cancel"
	// IntentShare replays a share or escalation grant.
	IntentShare IntentType = "share"
)

// Intent is a durable record of a mutation awaiting confirmation by the
// remote store. Every mutation appends an intent locally; the
// coordinator drains the queue against the remote and removes entries
// only on confirmed success, which makes retries auditable and
// idempotent.
type Intent struct {
	ID           string     `json:"id"`
	Type         IntentType `json:"type"`
	SessionID    string     `json:"session_id"`
	SubmissionID string     `json:"submission_id,omitempty"`
	Payload      []byte     `json:"payload,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	Attempts     int        `json:"attempts"`
}

// createSessionPayload carries everything needed to replay an offline
// session creation against the remote.
type createSessionPayload struct {
	SiteID           string          `json:"site_id"`
	ProgramID        string          `json:"program_id"`
	Submission       Submission      `json:"submission"`
	PetriTemplate    []TemplateEntry `json:"petri_template"`
	GasifierTemplate []TemplateEntry `json:"gasifier_template"`
}

// newIntent creates an intent with a fresh identifier.
func newIntent(t IntentType, sessionID, submissionID string, payload any) (Intent, error) {
	in := Intent{
		ID:           uuid.NewString(),
		Type:         t,
		SessionID:    sessionID,
		SubmissionID: submissionID,
		CreatedAt:    time.Now(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Intent{}, fmt.Errorf("encode intent payload: %w", err)
		}
		in.Payload = data
	}
	return in, nil
}

// DrainQueue pushes every pending intent to the remote store, removing
// each entry only on confirmed success. Draining stops at the first
// transient failure so queue order is preserved; permanent failures
// (validation, conflict) drop the intent, since replaying them can never
// succeed. Returns the number of intents confirmed.
//
// Only one drain runs at a time. The ticker loop, the reconnect hook
// and the save path all call in here, and replaying the same create
// intent twice would mint two remote sessions for one submission. The
// queue head is re-read after every intent because confirming a create
// remaps the identifiers of everything queued behind it.
func (sc *SyncCoordinator) DrainQueue(ctx context.Context) (int, error) {
	sc.drainMu.Lock()
	defer sc.drainMu.Unlock()

	if !sc.monitor.IsOnline() {
		return 0, nil
	}

	drained := 0
	for {
		intents, err := sc.local.PendingIntents(ctx)
		if err != nil {
			return drained, newPersistenceError("read intent queue", "", err)
		}
		if len(intents) == 0 {
			break
		}
		intent := intents[0]
		if err := sc.applyIntent(ctx, intent); err != nil {
			if IsTransient(err) {
				sc.metrics.queueErrors.Inc()
				return drained, err
			}
			// Permanent: the remote has rejected this mutation. Keeping
			// it would wedge the queue forever.
			slog.Warn("dropping unreplayable intent",
				"intent", intent.ID, "type", intent.Type, "err", err)
			sc.notify(SyncEvent{Type: EventIntentDropped, SessionID: intent.SessionID, Err: err})
		}
		if err := sc.local.RemoveIntent(ctx, intent.ID); err != nil {
			return drained, newPersistenceError("remove intent", intent.ID, err)
		}
		drained++
		sc.metrics.intentsDrained.Inc()
	}
	sc.updateQueueDepth(ctx)
	return drained, nil
}

// applyIntent replays a single intent against the remote store.
func (sc *SyncCoordinator) applyIntent(ctx context.Context, intent Intent) error {
	switch intent.Type {
	case IntentCreateSession:
		return sc.reconcileCreate(ctx, intent)

	case IntentUpsertObservation:
		var obs Observation
		if err := json.Unmarshal(intent.Payload, &obs); err != nil {
			return newFieldError("payload", "undecodable observation intent")
		}
		if IsSyntheticID(obs.SubmissionID) {
			if IsSyntheticID(intent.SubmissionID) {
				// Parent never got canonical identifiers; the create
				// intent ahead of this one pushes the observations.
				return nil
			}
			// The intent record was remapped but its payload still
			// carries the synthetic parent id.
			obs.SubmissionID = intent.SubmissionID
		}
		return sc.retryer.Do(ctx, func() error {
			return sc.remote.UpsertObservation(ctx, obs)
		})

	case IntentHeartbeat:
		if IsSyntheticID(intent.SessionID) {
			return nil
		}
		return sc.retryer.Do(ctx, func() error {
			return sc.remote.UpdateActivity(ctx, intent.SessionID)
		})

	case IntentComplete:
		if IsSyntheticID(intent.SessionID) {
			// RemapSubmissionID rewrites queued intents when the create
			// is confirmed, so a synthetic id here means the create
			// itself was rejected.
			return newFieldError("session_id", "no canonical session for queued completion")
		}
		return sc.retryer.Do(ctx, func() error {
			_, err := sc.remote.Complete(ctx, intent.SessionID)
			return err
		})

	case IntentCancel:
		if IsSyntheticID(intent.SessionID) {
			return newFieldError("session_id", "no canonical session for queued cancellation")
		}
		if err := sc.retryer.Do(ctx, func() error {
			_, err := sc.remote.Cancel(ctx, intent.SessionID)
			return err
		}); err != nil {
			return err
		}
		// Remote deletion confirmed; drop the local tombstone.
		return sc.local.DeleteSession(ctx, intent.SessionID)

	case IntentShare:
		if IsSyntheticID(intent.SessionID) {
			return newFieldError("session_id", "no canonical session for queued share")
		}
		var userIDs []string
		if err := json.Unmarshal(intent.Payload, &userIDs); err != nil {
			return newFieldError("payload", "undecodable share intent")
		}
		return sc.retryer.Do(ctx, func() error {
			return sc.remote.ShareSession(ctx, intent.SessionID, userIDs)
		})

	default:
		return newFieldError("type", "unknown intent type "+string(intent.Type))
	}
}

// reconcileCreate replays an offline session creation: the remote
// assigns canonical identifiers, then every local record referencing the
// synthetic identifiers is remapped atomically and the dirty
// observations are pushed under the new submission id.
func (sc *SyncCoordinator) reconcileCreate(ctx context.Context, intent Intent) error {
	var payload createSessionPayload
	if err := json.Unmarshal(intent.Payload, &payload); err != nil {
		return newFieldError("payload", "undecodable create intent")
	}

	var result *CreateSessionResult
	err := sc.retryer.Do(ctx, func() error {
		var rerr error
		result, rerr = sc.remote.CreateSession(ctx, payload.SiteID, payload.ProgramID,
			payload.Submission, payload.PetriTemplate, payload.GasifierTemplate)
		return rerr
	})
	if err != nil {
		return err
	}
	if !result.Success {
		return newFieldError("create_session", result.Message)
	}

	oldSubmissionID := intent.SubmissionID
	oldSessionID := intent.SessionID
	if err := sc.local.RemapSubmissionID(ctx, oldSubmissionID, result.SubmissionID, oldSessionID, result.SessionID); err != nil {
		return newPersistenceError("remap identifiers", oldSubmissionID, err)
	}
	sc.cache.Invalidate(oldSessionID, oldSubmissionID)
	sc.cache.Invalidate(result.SessionID, result.SubmissionID)

	// Push observations recorded while offline under the canonical id.
	observations, err := sc.local.ListObservations(ctx, result.SubmissionID)
	if err != nil {
		return newPersistenceError("list observations", result.SubmissionID, err)
	}
	for _, obs := range observations {
		if !obs.Dirty {
			continue
		}
		obs := obs
		if err := sc.retryer.Do(ctx, func() error {
			return sc.remote.UpsertObservation(ctx, obs)
		}); err != nil {
			return err
		}
		obs.Dirty = false
		if err := sc.local.SaveObservation(ctx, obs); err != nil {
			return newPersistenceError("clear dirty flag", obs.ID, err)
		}
	}

	slog.Info("reconciled offline session",
		"old_session", oldSessionID, "session", result.SessionID)
	sc.metrics.sessionsReconciled.Inc()
	return nil
}

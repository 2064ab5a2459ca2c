package fieldsync

import (
	"context"
)

// LocalStore is the durable on-device store holding session records,
// submission records, observation records, pending-write intents, and
// pending image blobs. It survives process restarts and is the single
// source of truth while offline.
//
// Implementations must guarantee that writes are durable before the call
// returns, that concurrent writes to the same session are serialized
// (last-write-wins on scalar fields, union-merge by id on observation
// collections), and that a failed write propagates an error rather than
// dropping the record.
type LocalStore interface {
	// SaveSession upserts a session record.
	SaveSession(ctx context.Context, session *SubmissionSession) error

	// GetSession returns the session by id, or ErrSessionNotFound.
	GetSession(ctx context.Context, sessionID string) (*SubmissionSession, error)

	// ListSessions returns every stored session.
	ListSessions(ctx context.Context) ([]*SubmissionSession, error)

	// DeleteSession removes a session record.
	DeleteSession(ctx context.Context, sessionID string) error

	// GetSubmission returns the submission by id, or ErrSubmissionNotFound.
	GetSubmission(ctx context.Context, submissionID string) (*Submission, error)

	// SaveSubmissionOffline stores the submission together with its petri
	// and gasifier observations atomically: all rows or none.
	SaveSubmissionOffline(ctx context.Context, submission *Submission, petris, gasifiers []Observation) error

	// SaveObservation upserts a single observation keyed by its id.
	SaveObservation(ctx context.Context, obs Observation) error

	// ListObservations returns all observations of a submission.
	ListObservations(ctx context.Context, submissionID string) ([]Observation, error)

	// DeleteSubmission removes the submission and every observation
	// referencing it.
	DeleteSubmission(ctx context.Context, submissionID string) error

	// RemapSubmissionID atomically rewrites a synthetic submission and
	// session identifier pair to the canonical identifiers assigned by
	// the remote, including every observation foreign key. No orphaned
	// records may remain under the old identifiers.
	RemapSubmissionID(ctx context.Context, oldSubmissionID, newSubmissionID, oldSessionID, newSessionID string) error

	// AppendIntent appends a pending-write intent to the durable queue.
	AppendIntent(ctx context.Context, intent Intent) error

	// PendingIntents returns queued intents in append order.
	PendingIntents(ctx context.Context) ([]Intent, error)

	// RemoveIntent removes a confirmed intent from the queue.
	RemoveIntent(ctx context.Context, intentID string) error

	// AddPendingImage stores an image blob awaiting upload.
	AddPendingImage(ctx context.Context, key string, blob []byte) error

	// PendingImageKeys returns the keys of images awaiting upload.
	PendingImageKeys(ctx context.Context) ([]string, error)

	// GetPendingImage returns a pending image blob by key.
	GetPendingImage(ctx context.Context, key string) ([]byte, error)

	// RemovePendingImage removes an uploaded image blob.
	RemovePendingImage(ctx context.Context, key string) error

	// Close releases store resources.
	Close() error
}

// Ensure interfaces are implemented.
var (
	_ LocalStore = (*SQLiteStore)(nil)
	_ LocalStore = (*MemoryStore)(nil)
)

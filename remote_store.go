package fieldsync

import (
	"context"
)

// CreateSessionResult is the remote store's answer to a session
// creation request.
type CreateSessionResult struct {
	Success      bool   `json:"success"`
	SubmissionID string `json:"submission_id,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	Message      string `json:"message,omitempty"`
}

// CompleteResult is the remote store's answer to a completion request.
// On a refused completion Stats carries the counts the caller needs to
// present a confirmation step.
type CompleteResult struct {
	Success bool               `json:"success"`
	Session *SubmissionSession `json:"session,omitempty"`
	Stats   *CompletionStats   `json:"stats,omitempty"`
	Message string             `json:"message,omitempty"`
}

// CancelResult is the remote store's answer to a cancellation request.
type CancelResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// SubmissionWithSession pairs a submission with its session.
type SubmissionWithSession struct {
	Submission *Submission        `json:"submission"`
	Session    *SubmissionSession `json:"session"`
}

// RemoteStore is the capability interface to the backing service. The
// engine prescribes no wire format; any transport preserving these
// operations satisfies the contract. Fetch operations return (nil, nil)
// when the record does not exist remotely; errors are reserved for
// transport and server failures.
type RemoteStore interface {
	// CreateSession opens a session server-side, creating the submission
	// and its templated observations, and returns canonical identifiers.
	CreateSession(ctx context.Context, siteID, programID string, submission Submission, petriTemplate, gasifierTemplate []TemplateEntry) (*CreateSessionResult, error)

	// FetchSession returns the session by id, or nil if absent.
	FetchSession(ctx context.Context, sessionID string) (*SubmissionSession, error)

	// FetchSubmissionWithSession returns a submission and its session by
	// submission id, or nil if absent.
	FetchSubmissionWithSession(ctx context.Context, submissionID string) (*SubmissionWithSession, error)

	// UpdateActivity bumps the session's last activity time.
	UpdateActivity(ctx context.Context, sessionID string) error

	// Complete marks the session completed.
	Complete(ctx context.Context, sessionID string) (*CompleteResult, error)

	// Cancel cancels the session and deletes its submission and
	// observations server-side.
	Cancel(ctx context.Context, sessionID string) (*CancelResult, error)

	// ShareSession grants edit access to additional users.
	ShareSession(ctx context.Context, sessionID string, userIDs []string) error

	// UpsertObservation pushes one observation record.
	UpsertObservation(ctx context.Context, obs Observation) error
}

// AccessChecker is the consumed authorization capability. The engine
// never evaluates permissions itself; it only gates mutating calls on
// this check.
type AccessChecker interface {
	// CanEditSubmission reports whether the user may edit submissions in
	// the program.
	CanEditSubmission(ctx context.Context, userID, programID string) (bool, error)
}

// UserInfo describes a user as supplied by the external user directory.
type UserInfo struct {
	UserID   string `json:"user_id"`
	FullName string `json:"full_name"`
	Email    string `json:"email"`
}

// UserDirectory resolves user identifiers to display information for
// session creator lookups.
type UserDirectory interface {
	Lookup(ctx context.Context, userID string) (*UserInfo, error)
}

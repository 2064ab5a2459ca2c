package fieldsync

import (
	"time"
)

// SessionStatus is the lifecycle state of a submission session.
type SessionStatus string

// The full set of session statuses. Expired is a transitional value kept
// for records written by older clients; reads resolve it to
// StatusExpiredComplete or StatusExpiredIncomplete.
const (
	StatusOpened            SessionStatus = "Opened"
	StatusWorking           SessionStatus = "Working"
	StatusCompleted         SessionStatus = "Completed"
	StatusCancelled         SessionStatus = "Cancelled"
	StatusExpired           SessionStatus = "Expired"
	StatusEscalated         SessionStatus = "Escalated"
	StatusShared            SessionStatus = "Shared"
	StatusExpiredComplete   SessionStatus = "Expired-Complete"
	StatusExpiredIncomplete SessionStatus = "Expired-Incomplete"
)

// Valid reports whether s is one of the defined statuses.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusOpened, StatusWorking, StatusCompleted, StatusCancelled,
		StatusExpired, StatusEscalated, StatusShared,
		StatusExpiredComplete, StatusExpiredIncomplete:
		return true
	}
	return false
}

// Terminal reports whether s has no outgoing edges.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpiredComplete, StatusExpiredIncomplete:
		return true
	}
	return false
}

// transitions is the session state machine. A status maps to the set of
// statuses reachable from it; anything else is rejected with a
// ValidationError naming both states.
var transitions = map[SessionStatus][]SessionStatus{
	StatusOpened: {
		StatusWorking, StatusCompleted, StatusCancelled,
		StatusShared, StatusEscalated,
		StatusExpiredComplete, StatusExpiredIncomplete,
	},
	StatusWorking: {
		StatusCompleted, StatusCancelled,
		StatusShared, StatusEscalated,
		StatusExpiredComplete, StatusExpiredIncomplete,
	},
	StatusShared: {
		StatusExpiredComplete, StatusExpiredIncomplete,
	},
	StatusEscalated: {
		StatusExpiredComplete, StatusExpiredIncomplete,
	},
	// Legacy transitional value: resolved on read.
	StatusExpired: {
		StatusExpiredComplete, StatusExpiredIncomplete,
	},
}

// CanTransition reports whether the edge from -> to exists in the state
// machine.
func CanTransition(from, to SessionStatus) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// SubmissionSession is the resumable unit of work wrapping a single
// submission's data-entry lifecycle. Exactly one session exists per
// submission at any time.
type SubmissionSession struct {
	// SessionID is server-assigned once synced. Before the first
	// successful sync it holds a synthetic identifier.
	SessionID string `json:"session_id"`

	SubmissionID string `json:"submission_id"`
	SiteID       string `json:"site_id"`
	ProgramID    string `json:"program_id"`

	OpenedByUserID     string   `json:"opened_by_user_id"`
	EscalatedToUserIDs []string `json:"escalated_to_user_ids,omitempty"`

	SessionStartTime time.Time `json:"session_start_time"`
	LastActivityTime time.Time `json:"last_activity_time"`

	SessionStatus SessionStatus `json:"session_status"`

	// PercentageComplete is derived from observation counts against the
	// site template. It is never independently settable.
	PercentageComplete   int `json:"percentage_complete"`
	ValidPetrisLogged    int `json:"valid_petris_logged"`
	ValidGasifiersLogged int `json:"valid_gasifiers_logged"`

	// Set only when the session reaches Completed.
	CompletionTime    *time.Time `json:"completion_time,omitempty"`
	CompletedByUserID string     `json:"completed_by_user_id,omitempty"`

	// TimezoneOffsetSeconds captures the UTC offset of the device at
	// session creation. The expiry boundary (end of the start time's
	// calendar day) is evaluated in this zone so every device agrees on
	// when the session stops being editable.
	TimezoneOffsetSeconds int `json:"timezone_offset_seconds"`
}

// Clone returns a deep copy of the session.
func (s *SubmissionSession) Clone() *SubmissionSession {
	if s == nil {
		return nil
	}
	c := *s
	if s.EscalatedToUserIDs != nil {
		c.EscalatedToUserIDs = append([]string(nil), s.EscalatedToUserIDs...)
	}
	if s.CompletionTime != nil {
		t := *s.CompletionTime
		c.CompletionTime = &t
	}
	return &c
}

// creationZone returns the fixed timezone captured at session creation.
func (s *SubmissionSession) creationZone() *time.Location {
	return time.FixedZone("session", s.TimezoneOffsetSeconds)
}

// EditableUntil returns the instant the session stops being editable:
// the end of the calendar day of SessionStartTime in the creation zone.
func (s *SubmissionSession) EditableUntil() time.Time {
	start := s.SessionStartTime.In(s.creationZone())
	y, m, d := start.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, s.creationZone())
}

// ExpiredAt reports whether the session's editing window has passed at
// the given instant.
func (s *SubmissionSession) ExpiredAt(now time.Time) bool {
	return !now.Before(s.EditableUntil())
}

// ExpiryStatus returns the terminal status the session resolves to once
// the day boundary has been crossed.
func (s *SubmissionSession) ExpiryStatus() SessionStatus {
	if s.PercentageComplete >= 100 {
		return StatusExpiredComplete
	}
	return StatusExpiredIncomplete
}

// Editable reports whether the session can accept mutations at the given
// instant: non-terminal and inside the editing window.
func (s *SubmissionSession) Editable(now time.Time) bool {
	return !s.SessionStatus.Terminal() && !s.ExpiredAt(now)
}

// CanEdit reports whether userID holds edit rights on the session:
// the opener, or any user it has been escalated or shared to.
func (s *SubmissionSession) CanEdit(userID string) bool {
	if userID == s.OpenedByUserID {
		return true
	}
	for _, id := range s.EscalatedToUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// transition moves the session to the requested status, rejecting edges
// absent from the state machine. This is the only mutation path for
// SessionStatus.
func (s *SubmissionSession) transition(to SessionStatus) error {
	if !to.Valid() {
		return newFieldError("session_status", "unknown status "+string(to))
	}
	if s.SessionStatus == to {
		return nil
	}
	if !CanTransition(s.SessionStatus, to) {
		return newTransitionError(s.SessionStatus, to)
	}
	s.SessionStatus = to
	return nil
}

// resolveExpiry folds the day boundary into the status. If the window
// has passed and the session is still in a mutable state, it moves to
// Expired-Complete or Expired-Incomplete depending on the completion
// percentage at expiry. Returns true if the status changed.
func (s *SubmissionSession) resolveExpiry(now time.Time) bool {
	if s.SessionStatus.Terminal() || !s.ExpiredAt(now) {
		return false
	}
	s.SessionStatus = s.ExpiryStatus()
	return true
}

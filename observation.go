package fieldsync

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ObservationKind distinguishes the two observation record types.
type ObservationKind string

const (
	// KindPetri is a petri dish measurement record.
	KindPetri ObservationKind = "petri"
	// KindGasifier is a gasifier measurement record.
	KindGasifier ObservationKind = "gasifier"
)

// Submission holds the environmental readings recorded alongside a
// session's observations. It may exist locally with a synthetic
// identifier before the remote store assigns the canonical one.
type Submission struct {
	ID              string    `json:"id"`
	SiteID          string    `json:"site_id"`
	ProgramID       string    `json:"program_id"`
	Temperature     float64   `json:"temperature"`
	Humidity        float64   `json:"humidity"`
	Weather         string    `json:"weather"`
	Notes           string    `json:"notes"`
	CreatedByUserID string    `json:"created_by_user_id"`
	CreatedAt       time.Time `json:"created_at"`
}

// Observation is a single petri or gasifier record attached to exactly
// one submission and one site.
type Observation struct {
	ID           string          `json:"id"`
	Kind         ObservationKind `json:"kind"`
	SubmissionID string          `json:"submission_id"`
	SiteID       string          `json:"site_id"`

	// HasData is set once the form for this observation has been filled.
	// Only observations with data count toward completion.
	HasData bool `json:"has_data"`

	// Dirty marks a local modification not yet pushed to the remote.
	// Dirty observations are included in the next sync push.
	Dirty bool `json:"dirty"`

	// Payload is the opaque encoded form data.
	Payload []byte `json:"payload,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// TemplateDefaults is the site-level configuration describing the
// expected number and shape of observations. It is a read-only input to
// completion tracking and is never mutated by the engine.
type TemplateDefaults struct {
	SiteID    string          `json:"site_id"`
	Petris    []TemplateEntry `json:"petris"`
	Gasifiers []TemplateEntry `json:"gasifiers"`
}

// TemplateEntry describes one expected observation slot.
type TemplateEntry struct {
	Code     string `json:"code"`
	Defaults []byte `json:"defaults,omitempty"`
}

// syntheticPrefix marks locally generated placeholder identifiers for
// entities created offline, distinguishable from server identifiers.
const syntheticPrefix = "local-"

// NewSyntheticID generates a placeholder identifier for an entity
// created while offline. It is remapped to the canonical server
// identifier during reconciliation.
func NewSyntheticID() string {
	return syntheticPrefix + uuid.NewString()
}

// IsSyntheticID reports whether id is a locally generated placeholder.
func IsSyntheticID(id string) bool {
	return strings.HasPrefix(id, syntheticPrefix)
}

// mergeObservations unions remote and local observation sets keyed by
// observation id. Concurrent edits to different observations never
// clobber each other; edits to the same observation are last-write-wins
// by UpdatedAt with no field merge. (Known gap: two collaborators
// editing the same observation lose the older write silently.)
func mergeObservations(local, remote []Observation) []Observation {
	byID := make(map[string]Observation, len(local)+len(remote))
	order := make([]string, 0, len(local)+len(remote))
	for _, o := range remote {
		byID[o.ID] = o
		order = append(order, o.ID)
	}
	for _, o := range local {
		existing, ok := byID[o.ID]
		if !ok {
			byID[o.ID] = o
			order = append(order, o.ID)
			continue
		}
		if o.UpdatedAt.After(existing.UpdatedAt) {
			byID[o.ID] = o
		}
	}
	merged := make([]Observation, 0, len(order))
	for _, id := range order {
		merged = append(merged, byID[id])
	}
	return merged
}

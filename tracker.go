package fieldsync

import "math"

// CompletionStats summarizes progress of a session's observation set
// against the site template.
type CompletionStats struct {
	ValidPetris       int `json:"valid_petris"`
	ValidGasifiers    int `json:"valid_gasifiers"`
	ExpectedPetris    int `json:"expected_petris"`
	ExpectedGasifiers int `json:"expected_gasifiers"`
	Percentage        int `json:"percentage"`
}

// MissingPetris returns how many expected petri observations still lack data.
func (c CompletionStats) MissingPetris() int {
	if n := c.ExpectedPetris - c.ValidPetris; n > 0 {
		return n
	}
	return 0
}

// MissingGasifiers returns how many expected gasifier observations still
// lack data.
func (c CompletionStats) MissingGasifiers() int {
	if n := c.ExpectedGasifiers - c.ValidGasifiers; n > 0 {
		return n
	}
	return 0
}

// ObservationTracker counts valid observations of each kind and compares
// them against the site's template defaults to gate session completion.
type ObservationTracker struct {
	template TemplateDefaults
}

// NewObservationTracker creates a tracker for the given site template.
func NewObservationTracker(template TemplateDefaults) *ObservationTracker {
	return &ObservationTracker{template: template}
}

// Stats computes valid counts and the completion percentage for the
// given observation set. An observation is valid once its form has been
// filled (HasData). The percentage is
// round(100 * valid / max(1, expected)) clamped to [0, 100].
func (t *ObservationTracker) Stats(observations []Observation) CompletionStats {
	stats := CompletionStats{
		ExpectedPetris:    len(t.template.Petris),
		ExpectedGasifiers: len(t.template.Gasifiers),
	}
	for _, o := range observations {
		if !o.HasData {
			continue
		}
		switch o.Kind {
		case KindPetri:
			stats.ValidPetris++
		case KindGasifier:
			stats.ValidGasifiers++
		}
	}
	stats.Percentage = completionPercentage(
		stats.ValidPetris+stats.ValidGasifiers,
		stats.ExpectedPetris+stats.ExpectedGasifiers,
	)
	return stats
}

// IsComplete reports whether every expected observation has data.
func (t *ObservationTracker) IsComplete(observations []Observation) bool {
	return t.Stats(observations).Percentage >= 100
}

// completionPercentage computes round(100 * valid / max(1, expected))
// clamped to [0, 100].
func completionPercentage(valid, expected int) int {
	if expected < 1 {
		expected = 1
	}
	pct := int(math.Round(100 * float64(valid) / float64(expected)))
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

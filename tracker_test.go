package fieldsync

import "testing"

func obsSet(petrisWithData, petrisEmpty, gasifiersWithData, gasifiersEmpty int) []Observation {
	var out []Observation
	add := func(kind ObservationKind, hasData bool, n int) {
		for i := 0; i < n; i++ {
			out = append(out, Observation{ID: NewSyntheticID(), Kind: kind, HasData: hasData})
		}
	}
	add(KindPetri, true, petrisWithData)
	add(KindPetri, false, petrisEmpty)
	add(KindGasifier, true, gasifiersWithData)
	add(KindGasifier, false, gasifiersEmpty)
	return out
}

func TestTrackerStats(t *testing.T) {
	tracker := NewObservationTracker(TemplateDefaults{
		Petris:    petriTemplate(5),
		Gasifiers: gasifierTemplate(2),
	})

	// 3 of 5 petris and 2 of 2 gasifiers filled: 5/7 = 71%.
	stats := tracker.Stats(obsSet(3, 2, 2, 0))
	if stats.ValidPetris != 3 || stats.ValidGasifiers != 2 {
		t.Errorf("expected 3 petris and 2 gasifiers valid, got %d and %d", stats.ValidPetris, stats.ValidGasifiers)
	}
	if stats.Percentage != 71 {
		t.Errorf("expected 71%%, got %d%%", stats.Percentage)
	}
	if stats.MissingPetris() != 2 || stats.MissingGasifiers() != 0 {
		t.Errorf("expected 2 petris and 0 gasifiers missing, got %d and %d", stats.MissingPetris(), stats.MissingGasifiers())
	}
}

func TestTrackerComplete(t *testing.T) {
	tracker := NewObservationTracker(TemplateDefaults{
		Petris:    petriTemplate(2),
		Gasifiers: gasifierTemplate(1),
	})
	if tracker.IsComplete(obsSet(2, 0, 0, 1)) {
		t.Error("session with an empty gasifier slot must not be complete")
	}
	if !tracker.IsComplete(obsSet(2, 0, 1, 0)) {
		t.Error("session with every slot filled should be complete")
	}
}

func TestCompletionPercentage(t *testing.T) {
	tests := []struct {
		valid, expected, want int
	}{
		{0, 0, 0},    // empty template never divides by zero
		{0, 7, 0},
		{5, 7, 71},
		{7, 7, 100},
		{9, 7, 100}, // extra observations clamp at 100
		{1, 3, 33},
		{2, 3, 67},
	}
	for _, tt := range tests {
		if got := completionPercentage(tt.valid, tt.expected); got != tt.want {
			t.Errorf("completionPercentage(%d, %d) = %d, want %d", tt.valid, tt.expected, got, tt.want)
		}
	}
}

func TestStatsFromSlots(t *testing.T) {
	// Slot-based stats derive the expected counts from the stored rows.
	stats := statsFromSlots(obsSet(3, 2, 2, 0))
	if stats.ExpectedPetris != 5 || stats.ExpectedGasifiers != 2 {
		t.Errorf("expected 5 petri and 2 gasifier slots, got %d and %d", stats.ExpectedPetris, stats.ExpectedGasifiers)
	}
	if stats.Percentage != 71 {
		t.Errorf("expected 71%%, got %d%%", stats.Percentage)
	}
}

package fieldsync

import (
	"errors"
	"testing"
	"time"
)

func TestStatusTerminal(t *testing.T) {
	terminal := []SessionStatus{StatusCompleted, StatusCancelled, StatusExpiredComplete, StatusExpiredIncomplete}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	open := []SessionStatus{StatusOpened, StatusWorking, StatusShared, StatusEscalated, StatusExpired}
	for _, s := range open {
		if s.Terminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestStateMachineEdges(t *testing.T) {
	tests := []struct {
		from, to SessionStatus
		allowed  bool
	}{
		{StatusOpened, StatusWorking, true},
		{StatusOpened, StatusCompleted, true},
		{StatusOpened, StatusCancelled, true},
		{StatusOpened, StatusShared, true},
		{StatusOpened, StatusEscalated, true},
		{StatusWorking, StatusCompleted, true},
		{StatusWorking, StatusCancelled, true},
		{StatusWorking, StatusShared, true},
		{StatusWorking, StatusExpiredIncomplete, true},
		{StatusShared, StatusExpiredComplete, true},
		{StatusEscalated, StatusExpiredIncomplete, true},
		{StatusExpired, StatusExpiredComplete, true},
		{StatusExpired, StatusExpiredIncomplete, true},

		{StatusShared, StatusCompleted, false},
		{StatusShared, StatusCancelled, false},
		{StatusEscalated, StatusCompleted, false},
		{StatusCompleted, StatusWorking, false},
		{StatusCompleted, StatusCancelled, false},
		{StatusCancelled, StatusOpened, false},
		{StatusExpiredComplete, StatusWorking, false},
		{StatusExpiredIncomplete, StatusCompleted, false},
		{StatusWorking, StatusOpened, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.allowed {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.allowed)
		}
	}
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	s := &SubmissionSession{SessionStatus: StatusCompleted}
	err := s.transition(StatusWorking)
	if err == nil {
		t.Fatal("expected error transitioning out of Completed")
	}
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.Current != StatusCompleted || ve.Requested != StatusWorking {
		t.Errorf("expected error to name both states, got %v", ve)
	}
	if s.SessionStatus != StatusCompleted {
		t.Errorf("status must not change on a rejected transition, got %s", s.SessionStatus)
	}
}

func TestTransitionSameStatusIsNoop(t *testing.T) {
	s := &SubmissionSession{SessionStatus: StatusWorking}
	if err := s.transition(StatusWorking); err != nil {
		t.Fatalf("same-status transition should be a no-op, got %v", err)
	}
}

func TestExpiryBoundary(t *testing.T) {
	zone := time.FixedZone("device", -7*3600)
	start := time.Date(2025, 6, 10, 22, 30, 0, 0, zone)
	s := &SubmissionSession{
		SessionStartTime:      start,
		SessionStatus:         StatusWorking,
		TimezoneOffsetSeconds: -7 * 3600,
	}

	// One second before midnight: still editable.
	if s.ExpiredAt(time.Date(2025, 6, 10, 23, 59, 59, 0, zone)) {
		t.Error("session should be editable before the day boundary")
	}
	// Exactly midnight: expired.
	if !s.ExpiredAt(time.Date(2025, 6, 11, 0, 0, 0, 0, zone)) {
		t.Error("session should be expired at the day boundary")
	}
	if !s.ExpiredAt(time.Date(2025, 6, 11, 0, 0, 1, 0, zone)) {
		t.Error("session should be expired after the day boundary")
	}
}

func TestExpiryUsesCreationZone(t *testing.T) {
	// Created at 23:00 in UTC+12; the same instant is morning in UTC.
	zone := time.FixedZone("device", 12*3600)
	start := time.Date(2025, 6, 10, 23, 0, 0, 0, zone)
	s := &SubmissionSession{
		SessionStartTime:      start,
		SessionStatus:         StatusWorking,
		TimezoneOffsetSeconds: 12 * 3600,
	}

	until := s.EditableUntil()
	want := time.Date(2025, 6, 11, 0, 0, 0, 0, zone)
	if !until.Equal(want) {
		t.Errorf("expected editable until %v, got %v", want, until)
	}
	// Two hours after creation it is past local midnight even though the
	// UTC calendar day has not changed.
	if !s.ExpiredAt(start.Add(2 * time.Hour)) {
		t.Error("expiry must follow the creation zone, not the reader's zone")
	}
}

func TestExpiryStatusByPercentage(t *testing.T) {
	s := &SubmissionSession{PercentageComplete: 100}
	if got := s.ExpiryStatus(); got != StatusExpiredComplete {
		t.Errorf("expected Expired-Complete at 100%%, got %s", got)
	}
	s.PercentageComplete = 99
	if got := s.ExpiryStatus(); got != StatusExpiredIncomplete {
		t.Errorf("expected Expired-Incomplete below 100%%, got %s", got)
	}
}

func TestResolveExpiry(t *testing.T) {
	zone := time.FixedZone("device", 0)
	start := time.Date(2025, 6, 10, 10, 0, 0, 0, zone)
	s := &SubmissionSession{
		SessionStartTime:   start,
		SessionStatus:      StatusWorking,
		PercentageComplete: 40,
	}

	if s.resolveExpiry(start.Add(time.Hour)) {
		t.Error("resolveExpiry must not fire inside the editing window")
	}
	if !s.resolveExpiry(start.Add(24 * time.Hour)) {
		t.Error("resolveExpiry should fire past the day boundary")
	}
	if s.SessionStatus != StatusExpiredIncomplete {
		t.Errorf("expected Expired-Incomplete, got %s", s.SessionStatus)
	}

	// Terminal sessions are never re-resolved.
	done := &SubmissionSession{SessionStartTime: start, SessionStatus: StatusCompleted}
	if done.resolveExpiry(start.Add(48 * time.Hour)) {
		t.Error("resolveExpiry must not touch terminal sessions")
	}
}

func TestCanEdit(t *testing.T) {
	s := &SubmissionSession{
		OpenedByUserID:     "u1",
		EscalatedToUserIDs: []string{"u2", "u3"},
	}
	for _, id := range []string{"u1", "u2", "u3"} {
		if !s.CanEdit(id) {
			t.Errorf("expected %s to have edit rights", id)
		}
	}
	if s.CanEdit("u4") {
		t.Error("u4 must not have edit rights")
	}
}

func TestSessionClone(t *testing.T) {
	now := time.Now()
	s := &SubmissionSession{
		SessionID:          "s1",
		EscalatedToUserIDs: []string{"u2"},
		CompletionTime:     &now,
	}
	c := s.Clone()
	c.EscalatedToUserIDs[0] = "changed"
	*c.CompletionTime = now.Add(time.Hour)

	if s.EscalatedToUserIDs[0] != "u2" {
		t.Error("clone must not share the escalation slice")
	}
	if !s.CompletionTime.Equal(now) {
		t.Error("clone must not share the completion time pointer")
	}
}

package fieldsync

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func queueIntents(t *testing.T, eng *testEngine, types ...IntentType) []Intent {
	t.Helper()
	ctx := context.Background()
	out := make([]Intent, 0, len(types))
	for _, typ := range types {
		intent, err := newIntent(typ, "sess-1", "sub-1", nil)
		if err != nil {
			t.Fatalf("intent: %v", err)
		}
		if err := eng.local.AppendIntent(ctx, intent); err != nil {
			t.Fatalf("append: %v", err)
		}
		out = append(out, intent)
	}
	return out
}

func TestDrainQueueOffline(t *testing.T) {
	eng := newTestEngine(false)
	queueIntents(t, eng, IntentHeartbeat)

	drained, err := eng.sc.DrainQueue(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if drained != 0 {
		t.Errorf("offline drain must be a no-op, drained %d", drained)
	}
	pending, _ := eng.local.PendingIntents(context.Background())
	if len(pending) != 1 {
		t.Errorf("expected the queue untouched, got %d", len(pending))
	}
}

func TestDrainQueueConfirmsInOrder(t *testing.T) {
	eng := newTestEngine(true)
	ctx := context.Background()

	queueIntents(t, eng, IntentHeartbeat, IntentHeartbeat)

	drained, err := eng.sc.DrainQueue(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if drained != 2 {
		t.Errorf("expected 2 drained, got %d", drained)
	}
	pending, _ := eng.local.PendingIntents(ctx)
	if len(pending) != 0 {
		t.Errorf("expected an empty queue, got %d", len(pending))
	}
	eng.remote.mu.Lock()
	beats := eng.remote.heartbeats
	eng.remote.mu.Unlock()
	if beats < 2 {
		t.Errorf("expected both heartbeats delivered, got %d", beats)
	}
}

func TestDrainQueueConcurrentDrainsCreateOnce(t *testing.T) {
	eng := newTestEngine(true)
	ctx := context.Background()

	payload := createSessionPayload{
		SiteID:     "site1",
		ProgramID:  "prog1",
		Submission: Submission{Temperature: 21.0},
	}
	intent, err := newIntent(IntentCreateSession, NewSyntheticID(), NewSyntheticID(), payload)
	if err != nil {
		t.Fatalf("intent: %v", err)
	}
	if err := eng.local.AppendIntent(ctx, intent); err != nil {
		t.Fatalf("append: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := eng.sc.DrainQueue(ctx); err != nil {
				t.Errorf("drain: %v", err)
			}
		}()
	}
	wg.Wait()

	eng.remote.mu.Lock()
	creates := eng.remote.createCalls
	eng.remote.mu.Unlock()
	if creates != 1 {
		t.Errorf("a queued creation must reach the remote exactly once, got %d", creates)
	}
	if eng.remote.sessionCount() != 1 {
		t.Errorf("expected one remote session, got %d", eng.remote.sessionCount())
	}
}

func TestDrainQueueStopsOnTransientFailure(t *testing.T) {
	eng := newTestEngine(true)
	ctx := context.Background()

	queueIntents(t, eng, IntentHeartbeat, IntentComplete)
	eng.remote.setError(&NetworkError{Op: "push", StatusCode: 503})

	drained, err := eng.sc.DrainQueue(ctx)
	if err == nil {
		t.Fatal("expected the transient error surfaced")
	}
	if drained != 0 {
		t.Errorf("nothing should be confirmed, drained %d", drained)
	}

	// Queue order must be preserved for the next attempt.
	pending, _ := eng.local.PendingIntents(ctx)
	if len(pending) != 2 || pending[0].Type != IntentHeartbeat || pending[1].Type != IntentComplete {
		t.Errorf("queue disturbed by a transient failure: %+v", pending)
	}
}

func TestDrainQueueDropsUnreplayableIntent(t *testing.T) {
	eng := newTestEngine(true)
	ctx := context.Background()

	queueIntents(t, eng, IntentHeartbeat)
	eng.remote.setError(&NetworkError{Op: "push", StatusCode: 403})

	var dropped []SyncEvent
	eng.sc.SetNotifier(func(ev SyncEvent) {
		if ev.Type == EventIntentDropped {
			dropped = append(dropped, ev)
		}
	})

	drained, err := eng.sc.DrainQueue(ctx)
	if err != nil {
		t.Fatalf("permanent rejection must not stop the drain: %v", err)
	}
	if drained != 1 {
		t.Errorf("the rejected intent still advances the queue, drained %d", drained)
	}
	pending, _ := eng.local.PendingIntents(ctx)
	if len(pending) != 0 {
		t.Errorf("a permanently rejected intent must not wedge the queue, %d left", len(pending))
	}
	if len(dropped) != 1 {
		t.Errorf("expected one intent-dropped event, got %d", len(dropped))
	}
}

func TestDrainQueueSkipsSyntheticIDs(t *testing.T) {
	eng := newTestEngine(true)
	ctx := context.Background()

	// A heartbeat for a session that never got canonical identifiers
	// cannot be replayed, only discarded.
	intent, _ := newIntent(IntentHeartbeat, NewSyntheticID(), NewSyntheticID(), nil)
	if err := eng.local.AppendIntent(ctx, intent); err != nil {
		t.Fatalf("append: %v", err)
	}

	if _, err := eng.sc.DrainQueue(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	eng.remote.mu.Lock()
	beats := eng.remote.heartbeats
	eng.remote.mu.Unlock()
	if beats != 0 {
		t.Errorf("synthetic-id intents must not reach the remote, got %d calls", beats)
	}
}

func TestDrainQueueCancelIntentRemovesLocalSession(t *testing.T) {
	eng := newTestEngine(true)
	ctx := context.Background()

	session := &SubmissionSession{SessionID: "sess-1", SubmissionID: "sub-1", SessionStatus: StatusCancelled}
	if err := eng.local.SaveSession(ctx, session); err != nil {
		t.Fatalf("seed: %v", err)
	}
	queueIntents(t, eng, IntentCancel)

	if _, err := eng.sc.DrainQueue(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if _, err := eng.local.GetSession(ctx, "sess-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected the tombstone removed after confirmed cancel, got %v", err)
	}
}

func TestDrainQueueShareIntent(t *testing.T) {
	eng := newTestEngine(true)
	ctx := context.Background()

	intent, err := newIntent(IntentShare, "sess-1", "sub-1", []string{"u2"})
	if err != nil {
		t.Fatalf("intent: %v", err)
	}
	if err := eng.local.AppendIntent(ctx, intent); err != nil {
		t.Fatalf("append: %v", err)
	}

	if _, err := eng.sc.DrainQueue(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	eng.remote.mu.Lock()
	granted := eng.remote.shared["sess-1"]
	eng.remote.mu.Unlock()
	if len(granted) != 1 || granted[0] != "u2" {
		t.Errorf("expected the grant replayed, got %v", granted)
	}
}

package fieldsync

import (
	"testing"
	"time"
)

func TestCacheGetPut(t *testing.T) {
	c := newSessionCache(time.Minute)
	c.put(&SubmissionSession{SessionID: "s1", SubmissionID: "sub1", SessionStatus: StatusWorking})

	got := c.get("s1")
	if got == nil || got.SessionStatus != StatusWorking {
		t.Fatalf("expected cached session, got %+v", got)
	}
	if c.get("missing") != nil {
		t.Error("expected nil for an unknown key")
	}

	bySub := c.getBySubmission("sub1")
	if bySub == nil || bySub.SessionID != "s1" {
		t.Errorf("expected lookup by submission id to resolve, got %+v", bySub)
	}
}

func TestCacheHandsOutCopies(t *testing.T) {
	c := newSessionCache(time.Minute)
	c.put(&SubmissionSession{SessionID: "s1", SessionStatus: StatusOpened})

	got := c.get("s1")
	got.SessionStatus = StatusCancelled
	if c.get("s1").SessionStatus != StatusOpened {
		t.Error("cache must clone on read")
	}
}

func TestCacheInvalidate(t *testing.T) {
	c := newSessionCache(time.Minute)
	c.put(&SubmissionSession{SessionID: "s1", SubmissionID: "sub1"})
	c.put(&SubmissionSession{SessionID: "s2", SubmissionID: "sub2"})

	c.Invalidate("s1", "")
	if c.get("s1") != nil {
		t.Error("expected s1 invalidated")
	}
	if c.getBySubmission("sub1") != nil {
		t.Error("expected submission index cleaned with the entry")
	}

	c.Invalidate("", "sub2")
	if c.get("s2") != nil {
		t.Error("expected invalidation by submission id to drop the session entry")
	}
	if c.get("s2") != nil || c.getBySubmission("sub2") != nil {
		t.Error("expected sub2 fully invalidated")
	}
}

func TestCacheTTL(t *testing.T) {
	c := newSessionCache(10 * time.Millisecond)
	c.put(&SubmissionSession{SessionID: "s1"})
	if c.get("s1") == nil {
		t.Fatal("expected fresh entry")
	}
	time.Sleep(20 * time.Millisecond)
	if c.get("s1") != nil {
		t.Error("expected entry to expire after the TTL")
	}
}

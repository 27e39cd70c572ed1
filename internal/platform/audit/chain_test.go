package audit

import (
	"testing"
	"time"
)

func TestAppendChainsEvents(t *testing.T) {
	s := NewTrail()
	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	first, err := s.Append(Event{
		AuditID:    "a1",
		RecordedAt: now,
		ActorID:    "producer-1",
		ObjectType: "audit_item",
		ObjectID:   "item-1",
		Action:     "create_item",
		Result:     ResultSuccess,
	})
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	if first.HashPrev != "GENESIS" || first.HashCurr == "" {
		t.Fatalf("unexpected hash chain on first event: %+v", first)
	}

	second, err := s.Append(Event{
		AuditID:    "a2",
		RecordedAt: now.Add(time.Second),
		ActorID:    "auditor-1",
		ObjectType: "audit_item",
		ObjectID:   "item-1",
		Action:     "enroll",
		Result:     ResultSuccess,
	})
	if err != nil {
		t.Fatalf("append second: %v", err)
	}
	if second.HashPrev != first.HashCurr {
		t.Fatalf("expected chain link, got prev=%s want=%s", second.HashPrev, first.HashCurr)
	}
	if err := s.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	s := NewTrail()
	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	for i, action := range []string{"create_item", "enroll", "assign"} {
		if _, err := s.Append(Event{
			AuditID:    "a" + string(rune('1'+i)),
			RecordedAt: now.Add(time.Duration(i) * time.Second),
			ActorID:    "producer-1",
			ObjectType: "audit_item",
			ObjectID:   "item-1",
			Action:     action,
			Result:     ResultSuccess,
		}); err != nil {
			t.Fatalf("append %s: %v", action, err)
		}
	}

	s.events[1].Action = "cancel_item"
	if err := s.Verify(); err != ErrCorruptChain {
		t.Fatalf("expected corruption, got %v", err)
	}
}

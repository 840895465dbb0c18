package reconcile

import (
	"testing"
	"time"

	"github.com/rega1237/renova-crm-sub000/v1/board"
)

func TestTrackerClaim(t *testing.T) {
	tr := NewTracker(time.Minute)
	tr.Add("42", board.LaneScheduled)

	lane, ok := tr.Claim("42")
	if !ok || lane != board.LaneScheduled {
		t.Fatalf("claim = %s, %v", lane, ok)
	}
	if _, ok := tr.Claim("42"); ok {
		t.Fatal("second claim must miss")
	}
}

func TestTrackerEntryExpires(t *testing.T) {
	tr := NewTracker(time.Minute)
	now := time.Now()
	tr.now = func() time.Time { return now }

	tr.Add("42", board.LaneScheduled)
	now = now.Add(2 * time.Minute)

	if _, ok := tr.Claim("42"); ok {
		t.Fatal("expired entry must not suppress an echo")
	}
	if tr.Len() != 0 {
		t.Fatalf("expired entry not dropped on read: %d", tr.Len())
	}
}

func TestTrackerReplaceAndRemove(t *testing.T) {
	tr := NewTracker(time.Minute)
	tr.Add("42", board.LaneScheduled)
	tr.Add("42", board.LaneWon)

	lane, ok := tr.Claim("42")
	if !ok || lane != board.LaneWon {
		t.Fatalf("claim after replace = %s, %v", lane, ok)
	}

	tr.Add("7", board.LaneNoAnswer)
	tr.Remove("7")
	if tr.Len() != 0 {
		t.Fatalf("remove left %d entries", tr.Len())
	}
}

package verify

import (
	"sync"
	"testing"
	"time"
)

func TestReplayLedgerConsumeOnce(t *testing.T) {
	l := NewReplayLedger()
	if l.Seen("h1") {
		t.Fatalf("expected fresh hash unseen")
	}
	if !l.Consume("h1") {
		t.Fatalf("expected first consume to win")
	}
	if l.Consume("h1") {
		t.Fatalf("expected second consume rejected")
	}
	if !l.Seen("h1") {
		t.Fatalf("expected consumed hash seen")
	}
}

func TestReplayLedgerConcurrentConsume(t *testing.T) {
	l := NewReplayLedger()
	const workers = 32
	wins := make(chan bool, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- l.Consume("h1")
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for ok := range wins {
		if ok {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly one winner, got %d", won)
	}
}

func TestReplayLedgerPrunesOnConsume(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	l := NewReplayLedger(WithRetention(30*24*time.Hour), WithLedgerClock(clock))

	if !l.Consume("old") {
		t.Fatalf("consume old: rejected")
	}

	// No sweep happens while nothing new is consumed.
	now = now.Add(31 * 24 * time.Hour)
	if l.Len() != 1 {
		t.Fatalf("expected stale entry retained until next consume, got %d", l.Len())
	}

	if !l.Consume("fresh") {
		t.Fatalf("consume fresh: rejected")
	}
	if l.Len() != 1 {
		t.Fatalf("expected stale entry pruned on consume, got %d", l.Len())
	}
	if l.Seen("old") {
		t.Fatalf("expected pruned hash forgotten")
	}
	if !l.Seen("fresh") {
		t.Fatalf("expected fresh hash retained")
	}
}

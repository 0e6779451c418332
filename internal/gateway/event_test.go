package gateway

import "testing"

func TestHistoryRingEvictsOldest(t *testing.T) {
	var h historyRing
	for i := 0; i < historyCap+10; i++ {
		h.append(Event{Type: EventTextDelta, Text: string(rune('a' + i%26))})
	}
	snap := h.snapshot()
	if len(snap) != historyCap {
		t.Fatalf("expected ring capped at %d, got %d", historyCap, len(snap))
	}
}

func TestHistoryRingPreservesOrder(t *testing.T) {
	var h historyRing
	h.append(Event{Type: EventToolStart, Tool: "first"})
	h.append(Event{Type: EventToolStart, Tool: "second"})
	h.append(Event{Type: EventToolStart, Tool: "third"})

	snap := h.snapshot()
	if len(snap) != 3 || snap[0].Tool != "first" || snap[2].Tool != "third" {
		t.Fatalf("expected arrival order preserved, got %+v", snap)
	}
}

func TestHistoryRingSnapshotIsCopy(t *testing.T) {
	var h historyRing
	h.append(Event{Type: EventDone})
	snap := h.snapshot()
	snap[0].Type = EventError
	if h.events[0].Type != EventDone {
		t.Fatalf("mutating a snapshot must not affect the underlying ring")
	}
}

package devils

import "testing"

func TestWindowOfWraps(t *testing.T) {
	if w := windowOf(0); w != 0 {
		t.Errorf("windowOf(0) = %d, want 0", w)
	}
	if w := windowOf(reliableWindowSize); w != 1 {
		t.Errorf("windowOf(reliableWindowSize) = %d, want 1", w)
	}
	last := uint16(reliableWindowSize*reliableWindows - 1)
	if w := windowOf(last + 1); w != 0 {
		t.Errorf("windowOf wraps past the last window, got %d", w)
	}
}

func TestReserveReleaseWindowTracksUsage(t *testing.T) {
	ch := newChannel()
	seq := uint16(0)
	if ch.usedReliableWindows != 0 {
		t.Fatal("fresh channel should have no windows in use")
	}
	ch.reserveWindow(seq)
	if ch.usedReliableWindows&1 == 0 {
		t.Error("reserving a sequence number should mark its window used")
	}
	ch.reserveWindow(seq + 1) // same window
	if ch.reliableWindowsUsed[0] != 2 {
		t.Fatalf("window 0 count = %d, want 2", ch.reliableWindowsUsed[0])
	}
	ch.releaseWindow(seq)
	if ch.usedReliableWindows&1 == 0 {
		t.Error("window should remain marked used while one reservation remains")
	}
	ch.releaseWindow(seq + 1)
	if ch.usedReliableWindows&1 != 0 {
		t.Error("window should clear once its last reservation is released")
	}
}

func TestCanSendReliableRefusesWhenLookaheadSaturated(t *testing.T) {
	ch := newChannel()
	for i := uint16(0); i < freeReliableWindows; i++ {
		ch.reserveWindow(i * reliableWindowSize)
	}
	if ch.canSendReliable(0) {
		t.Error("canSendReliable should refuse once every lookahead window is occupied")
	}
}

func TestCanSendReliableRefusesFullWindow(t *testing.T) {
	ch := newChannel()
	ch.reliableWindowsUsed[0] = reliableWindowSize
	ch.usedReliableWindows |= 1
	if ch.canSendReliable(0) {
		t.Error("canSendReliable should refuse a saturated window regardless of lookahead")
	}
}

func TestInReliableAcceptanceWindow(t *testing.T) {
	ch := newChannel()
	ch.incomingReliableSequenceNumber = 0
	if !ch.inReliableAcceptanceWindow(0) {
		t.Error("the current window itself must be acceptable")
	}
	if !ch.inReliableAcceptanceWindow(reliableWindowSize * (freeReliableWindows - 1)) {
		t.Error("the last lookahead window must be acceptable")
	}
	if ch.inReliableAcceptanceWindow(reliableWindowSize * freeReliableWindows) {
		t.Error("a window beyond the lookahead range must not be acceptable")
	}
}

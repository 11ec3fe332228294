package debounce

import (
	"sync/atomic"
	"testing"
	"time"
)

// TestDebouncer_Coalesces tests that a burst inside the window fires once
func TestDebouncer_Coalesces(t *testing.T) {
	var count atomic.Int32
	d := New(100*time.Millisecond, func() { count.Add(1) })

	for i := 0; i < 5; i++ {
		d.Trigger()
		time.Sleep(20 * time.Millisecond)
	}
	if !d.Pending() {
		t.Error("Pending() = false during the window")
	}

	time.Sleep(250 * time.Millisecond)
	if got := count.Load(); got != 1 {
		t.Errorf("action fired %d times, want 1", got)
	}
	if d.Pending() {
		t.Error("Pending() = true after firing")
	}
}

// TestDebouncer_SeparateBursts tests that bursts separated by the window fire separately
func TestDebouncer_SeparateBursts(t *testing.T) {
	var count atomic.Int32
	d := New(30*time.Millisecond, func() { count.Add(1) })

	d.Trigger()
	time.Sleep(120 * time.Millisecond)
	d.Trigger()
	time.Sleep(120 * time.Millisecond)

	if got := count.Load(); got != 2 {
		t.Errorf("action fired %d times, want 2", got)
	}
}

// TestDebouncer_Cancel tests that Cancel prevents the action
func TestDebouncer_Cancel(t *testing.T) {
	var count atomic.Int32
	d := New(30*time.Millisecond, func() { count.Add(1) })

	d.Trigger()
	if !d.Cancel() {
		t.Error("Cancel() = false, want true with a pending action")
	}
	time.Sleep(100 * time.Millisecond)

	if got := count.Load(); got != 0 {
		t.Errorf("action fired %d times after Cancel, want 0", got)
	}
	if d.Cancel() {
		t.Error("second Cancel() = true, want false")
	}
}

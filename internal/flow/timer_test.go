package flow

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTimerFires(t *testing.T) {
	tm := NewTimer()
	fired := make(chan struct{})
	tm.ScheduleAfter(10*time.Millisecond, "test", func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	time.Sleep(5 * time.Millisecond)
	if n := len(tm.Active()); n != 0 {
		t.Errorf("expected fired timer to be removed, got %d active", n)
	}
}

func TestTimerCancel(t *testing.T) {
	tm := NewTimer()
	var fired atomic.Bool
	id := tm.ScheduleAfter(20*time.Millisecond, "cancel me", func() { fired.Store(true) })
	if len(tm.Active()) != 1 {
		t.Fatal("expected one active timer")
	}
	tm.Cancel(id)
	tm.Cancel("unknown")
	time.Sleep(50 * time.Millisecond)
	if fired.Load() {
		t.Error("cancelled timer fired")
	}
}

func TestTimerStop(t *testing.T) {
	tm := NewTimer()
	var fired atomic.Int32
	for i := 0; i < 3; i++ {
		tm.ScheduleAfter(20*time.Millisecond, "bulk", func() { fired.Add(1) })
	}
	tm.Stop()
	time.Sleep(50 * time.Millisecond)
	if fired.Load() != 0 {
		t.Errorf("expected no timers to fire after Stop, got %d", fired.Load())
	}
}

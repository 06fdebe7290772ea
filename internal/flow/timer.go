// Package flow holds the volatile per-actor conversation state and the expiry timer used by
// short-lived registries.
package flow

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// timerEntry tracks one scheduled callback.
type timerEntry struct {
	timer       *time.Timer
	scheduledAt time.Time
	expiresAt   time.Time
	description string
}

// TimerInfo describes an active timer.
type TimerInfo struct {
	ID          string
	Description string
	ScheduledAt time.Time
	ExpiresAt   time.Time
}

// Timer runs callbacks after a delay and can cancel them by id.
type Timer struct {
	mu     sync.Mutex
	timers map[string]*timerEntry
	nextID int64
}

// NewTimer creates an empty Timer.
func NewTimer() *Timer {
	return &Timer{timers: make(map[string]*timerEntry)}
}

// ScheduleAfter runs fn after delay and returns the timer id.
func (t *Timer) ScheduleAfter(delay time.Duration, description string, fn func()) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	id := fmt.Sprintf("timer_%d", t.nextID)
	now := time.Now()
	t.timers[id] = &timerEntry{
		timer: time.AfterFunc(delay, func() {
			t.mu.Lock()
			_, live := t.timers[id]
			delete(t.timers, id)
			t.mu.Unlock()
			if !live {
				return
			}
			slog.Debug("Timer firing", "id", id, "description", description)
			fn()
		}),
		scheduledAt: now,
		expiresAt:   now.Add(delay),
		description: description,
	}
	slog.Debug("Timer scheduled", "id", id, "delay", delay, "description", description)
	return id
}

// Cancel stops the timer with id. Unknown ids are ignored.
func (t *Timer) Cancel(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.timers[id]; ok {
		entry.timer.Stop()
		delete(t.timers, id)
		slog.Debug("Timer cancelled", "id", id)
	}
}

// Stop cancels every pending timer.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, entry := range t.timers {
		entry.timer.Stop()
	}
	slog.Info("Timer stopped all timers", "count", len(t.timers))
	t.timers = make(map[string]*timerEntry)
}

// Active returns a snapshot of the pending timers.
func (t *Timer) Active() []TimerInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TimerInfo, 0, len(t.timers))
	for id, e := range t.timers {
		out = append(out, TimerInfo{ID: id, Description: e.description, ScheduledAt: e.scheduledAt, ExpiresAt: e.expiresAt})
	}
	return out
}

// Package actorlock serializes work per actor key.
//
// Operations admitted under the same key run one at a time in arrival order. Operations under
// different keys never wait on each other. A key only occupies memory while it has work
// running or queued.
package actorlock

import (
	"log/slog"
	"sync"
)

// keyQueue is the owned state of one busy key: the holder is implicit, waiters are FIFO.
type keyQueue struct {
	waiters []chan struct{}
}

// Lock is a per-key FIFO mutex. The zero value is not usable; call New.
type Lock struct {
	mu     sync.Mutex
	queues map[string]*keyQueue
}

// New creates an empty Lock.
func New() *Lock {
	return &Lock{queues: make(map[string]*keyQueue)}
}

// admit reserves the caller's place for key. The returned channel is closed once the caller
// owns the key.
func (l *Lock) admit(key string) <-chan struct{} {
	ready := make(chan struct{})

	l.mu.Lock()
	defer l.mu.Unlock()

	q, busy := l.queues[key]
	if !busy {
		l.queues[key] = &keyQueue{}
		close(ready)
		return ready
	}
	q.waiters = append(q.waiters, ready)
	slog.Debug("ActorLock queued", "key", key, "position", len(q.waiters))
	return ready
}

// release hands the key to the next waiter, or forgets the key when nobody is waiting.
func (l *Lock) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	q, ok := l.queues[key]
	if !ok {
		return
	}
	if len(q.waiters) == 0 {
		delete(l.queues, key)
		return
	}
	next := q.waiters[0]
	q.waiters[0] = nil
	q.waiters = q.waiters[1:]
	close(next)
}

// Do runs fn while holding key. The key is released when fn returns, errors or panics.
func (l *Lock) Do(key string, fn func() error) error {
	<-l.admit(key)
	defer l.release(key)
	return fn()
}

// Go reserves a place for key immediately and runs fn on a new goroutine once the key is
// owned. Successive calls from one goroutine keep their order for the same key.
func (l *Lock) Go(key string, fn func()) {
	ready := l.admit(key)
	go func() {
		<-ready
		defer l.release(key)
		defer func() {
			if r := recover(); r != nil {
				slog.Error("ActorLock.Go: operation panicked", "key", key, "panic", r)
			}
		}()
		fn()
	}()
}

// Len returns the number of keys with running or queued work.
func (l *Lock) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queues)
}

// WithLock runs fn under key and returns its result.
func WithLock[T any](l *Lock, key string, fn func() (T, error)) (T, error) {
	<-l.admit(key)
	defer l.release(key)
	return fn()
}

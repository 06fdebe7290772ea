package flow

import (
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/BTreeMap/TalkBridge/internal/models"
)

// ActorStates is the registry of per-participant conversational sub-states.
type ActorStates struct {
	mu     sync.RWMutex
	states map[string]models.ActorState
}

// NewActorStates creates an empty registry.
func NewActorStates() *ActorStates {
	return &ActorStates{states: make(map[string]models.ActorState)}
}

// Set stores the state for userID, replacing any previous one.
func (a *ActorStates) Set(userID string, sub models.ActorSubState, sessionID string, payload map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.states[userID] = models.ActorState{
		UserID:    userID,
		SubState:  sub,
		SessionID: sessionID,
		Payload:   maps.Clone(payload),
		UpdatedAt: time.Now().UTC(),
	}
	slog.Debug("ActorStates Set", "user_id", userID, "sub_state", sub, "session_id", sessionID)
}

// Get returns the state for userID.
func (a *ActorStates) Get(userID string) (models.ActorState, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.states[userID]
	if ok {
		s.Payload = maps.Clone(s.Payload)
	}
	return s, ok
}

// Clear removes the state for userID.
func (a *ActorStates) Clear(userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.states, userID)
}

// ClearSession removes every state tied to sessionID and returns how many were removed.
func (a *ActorStates) ClearSession(sessionID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for id, s := range a.states {
		if s.SessionID == sessionID {
			delete(a.states, id)
			n++
		}
	}
	if n > 0 {
		slog.Debug("ActorStates ClearSession", "session_id", sessionID, "removed", n)
	}
	return n
}

// Len returns the number of tracked actors.
func (a *ActorStates) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.states)
}

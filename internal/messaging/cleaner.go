package messaging

import (
	"log/slog"

	"github.com/BTreeMap/TalkBridge/internal/flow"
	"github.com/BTreeMap/TalkBridge/internal/reframe"
)

// StateCleaner clears the volatile state of a session: pending drafts and actor sub-states.
type StateCleaner struct {
	tracker *reframe.Tracker
	states  *flow.ActorStates
}

// NewStateCleaner creates a StateCleaner.
func NewStateCleaner(tracker *reframe.Tracker, states *flow.ActorStates) *StateCleaner {
	return &StateCleaner{tracker: tracker, states: states}
}

// CleanupSession removes every draft and actor state tied to sessionID.
func (c *StateCleaner) CleanupSession(sessionID string) {
	drafts := c.tracker.RemoveAllForSession(sessionID)
	actors := c.states.ClearSession(sessionID)
	slog.Info("StateCleaner CleanupSession", "session_id", sessionID, "drafts", drafts, "actors", actors)
}

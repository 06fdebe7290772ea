package models

import (
	"strings"
	"time"
)

// RiskLevel is the ascending severity of a message's safety risk.
type RiskLevel string

const (
	RiskL1     RiskLevel = "L1"
	RiskL2     RiskLevel = "L2"
	RiskL3     RiskLevel = "L3"
	RiskL3Plus RiskLevel = "L3_PLUS"
	RiskL4     RiskLevel = "L4"
)

// RiskLevels lists every level from lowest to highest severity.
var RiskLevels = []RiskLevel{RiskL1, RiskL2, RiskL3, RiskL3Plus, RiskL4}

// ParseRiskLevel maps a raw level string onto the closed set. "L3+" is accepted as L3_PLUS.
func ParseRiskLevel(raw string) (RiskLevel, bool) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "L3+" {
		return RiskL3Plus, true
	}
	for _, l := range RiskLevels {
		if string(l) == s {
			return l, true
		}
	}
	return "", false
}

// Severity returns the position of the level in the ordering, or -1 for unknown levels.
func (l RiskLevel) Severity() int {
	for i, v := range RiskLevels {
		if v == l {
			return i
		}
	}
	return -1
}

// AtLeast reports whether l is as severe as other.
func (l RiskLevel) AtLeast(other RiskLevel) bool {
	return l.Severity() >= other.Severity() && l.Severity() >= 0
}

// Display returns the human form of the level.
func (l RiskLevel) Display() string {
	if l == RiskL3Plus {
		return "L3+"
	}
	return string(l)
}

// MaxRiskLevel returns the most severe of the given levels, or "" when empty.
func MaxRiskLevel(levels ...RiskLevel) RiskLevel {
	var top RiskLevel
	for _, l := range levels {
		if l.Severity() > top.Severity() {
			top = l
		}
	}
	return top
}

// Topic is a member of the closed topic enumeration.
type Topic string

const (
	TopicWorkload      Topic = "workload_and_responsibility"
	TopicCommunication Topic = "communication_and_emotion"
	TopicTime          Topic = "time_and_connection"
	TopicMoney         Topic = "money_and_finances"
	TopicBoundaries    Topic = "boundaries_and_space"
	TopicParenting     Topic = "parenting_and_family"
	// TopicFallback is used whenever classification output cannot be trusted.
	TopicFallback Topic = "something_important_to_share"
)

// Topics lists the closed topic set, fallback last.
var Topics = []Topic{
	TopicWorkload,
	TopicCommunication,
	TopicTime,
	TopicMoney,
	TopicBoundaries,
	TopicParenting,
	TopicFallback,
}

// IsValidTopic reports whether t belongs to the closed topic set.
func IsValidTopic(t Topic) bool {
	for _, v := range Topics {
		if v == t {
			return true
		}
	}
	return false
}

// RiskAssessment is a complete classification result.
type RiskAssessment struct {
	Level          RiskLevel `json:"risk_level"`
	Topic          Topic     `json:"topic_category"`
	ActionRequired string    `json:"action_required"`
	Reasoning      string    `json:"reasoning"`
}

// RiskAudit is the persisted record of one classification.
type RiskAudit struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	Sender         Role      `json:"sender"`
	Level          RiskLevel `json:"risk_level"`
	Topic          Topic     `json:"topic"`
	ActionRequired string    `json:"action_required"`
	Reasoning      string    `json:"reasoning"`
	CreatedAt      time.Time `json:"created_at"`
}

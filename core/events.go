package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType enumerates domain events.
type EventType string

const (
	EventLedgerAppended  EventType = "ledger_appended"
	EventBadgeGranted    EventType = "badge_granted"
	EventBadgePending    EventType = "badge_pending"
	EventBadgeApproved   EventType = "badge_approved"
	EventBadgeRevoked    EventType = "badge_revoked"
	EventQuestDiscovered EventType = "quest_discovered"
)

// AllEventTypes lists every event the engine publishes.
var AllEventTypes = []EventType{
	EventLedgerAppended,
	EventBadgeGranted,
	EventBadgePending,
	EventBadgeApproved,
	EventBadgeRevoked,
	EventQuestDiscovered,
}

// Event represents an immutable domain event.
type Event struct {
	Type       EventType       `json:"type"`
	Time       time.Time       `json:"time"`
	UserID     UserID          `json:"user_id"`
	Badge      BadgeID         `json:"badge,omitempty"`
	Quest      QuestID         `json:"quest,omitempty"`
	Delta      decimal.Decimal `json:"delta,omitzero"`
	Balance    decimal.Decimal `json:"balance,omitzero"`
	ReasonCode string          `json:"reason_code,omitempty"`
	SourceID   string          `json:"source_id,omitempty"`
	Hint       string          `json:"hint,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
}

func NewLedgerAppended(e LedgerEntry) Event {
	return Event{
		Type:       EventLedgerAppended,
		Time:       time.Now().UTC(),
		UserID:     e.UserID,
		Delta:      e.Delta,
		Balance:    e.BalanceAfter,
		ReasonCode: e.ReasonCode,
		SourceID:   e.SourceID,
	}
}

func NewBadgeEvent(typ EventType, user UserID, badge BadgeID) Event {
	return Event{Type: typ, Time: time.Now().UTC(), UserID: user, Badge: badge}
}

func NewQuestDiscovered(user UserID, quest QuestID, hint string) Event {
	return Event{Type: EventQuestDiscovered, Time: time.Now().UTC(), UserID: user, Quest: quest, Hint: hint}
}

package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// UserID uniquely identifies a user account.
type UserID string

// BadgeID identifies a published badge definition.
type BadgeID string

// QuestID identifies a quest definition.
type QuestID string

// SourceType classifies what kind of action produced a ledger entry.
type SourceType string

const (
	SourceReward     SourceType = "reward"
	SourceTransfer   SourceType = "transfer"
	SourcePurchase   SourceType = "purchase"
	SourceAdjustment SourceType = "adjustment"
)

// Valid reports whether s is one of the known source types.
func (s SourceType) Valid() bool {
	switch s {
	case SourceReward, SourceTransfer, SourcePurchase, SourceAdjustment:
		return true
	}
	return false
}

// GrantStatus is the lifecycle state of a badge grant.
type GrantStatus string

const (
	GrantPending GrantStatus = "pending"
	GrantActive  GrantStatus = "active"
	GrantRevoked GrantStatus = "revoked"
)

// GrantResult is the outcome of a single grant attempt.
type GrantResult string

const (
	ResultGranted         GrantResult = "granted"
	ResultAlreadyActive   GrantResult = "already_active"
	ResultPendingApproval GrantResult = "pending_approval"
	ResultNotEligible     GrantResult = "not_eligible"
)

// Visibility of a quest for one user.
type Visibility string

const (
	QuestHidden     Visibility = "hidden"
	QuestDiscovered Visibility = "discovered"
)

// LedgerKey is the idempotency key of a ledger write.
type LedgerKey struct {
	UserID     UserID     `json:"user_id"`
	SourceType SourceType `json:"source_type"`
	ReasonCode string     `json:"reason_code"`
	SourceID   string     `json:"source_id"`
}

// String renders the key in a stable form usable as a storage field name.
func (k LedgerKey) String() string {
	return fmt.Sprintf("%s|%s|%s|%s", k.UserID, k.SourceType, k.ReasonCode, k.SourceID)
}

// Validate checks that every component of the key is present.
func (k LedgerKey) Validate() error {
	if strings.TrimSpace(string(k.UserID)) == "" {
		return errors.New("empty user id")
	}
	if !k.SourceType.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSourceType, k.SourceType)
	}
	if strings.TrimSpace(k.ReasonCode) == "" {
		return errors.New("empty reason code")
	}
	if strings.TrimSpace(k.SourceID) == "" {
		return errors.New("empty source id")
	}
	return nil
}

// LedgerEntry is one append-only currency movement.
type LedgerEntry struct {
	ID           string          `json:"id" db:"id"`
	Seq          int64           `json:"seq" db:"seq"`
	UserID       UserID          `json:"user_id" db:"user_id"`
	Delta        decimal.Decimal `json:"delta" db:"delta"`
	SourceType   SourceType      `json:"source_type" db:"source_type"`
	ReasonCode   string          `json:"reason_code" db:"reason_code"`
	SourceID     string          `json:"source_id" db:"source_id"`
	BalanceAfter decimal.Decimal `json:"balance_after" db:"balance_after"`
	Flagged      bool            `json:"flagged,omitempty" db:"flagged"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Key returns the idempotency key the entry was written under.
func (e LedgerEntry) Key() LedgerKey {
	return LedgerKey{UserID: e.UserID, SourceType: e.SourceType, ReasonCode: e.ReasonCode, SourceID: e.SourceID}
}

// BadgeGrant binds a badge to the user that earned it.
type BadgeGrant struct {
	ID        string      `json:"id" db:"id"`
	UserID    UserID      `json:"user_id" db:"user_id"`
	BadgeID   BadgeID     `json:"badge_id" db:"badge_id"`
	Status    GrantStatus `json:"status" db:"status"`
	GrantedAt time.Time   `json:"granted_at" db:"granted_at"`
	UpdatedAt time.Time   `json:"updated_at" db:"updated_at"`
}

// QuestState is a user's progress on one quest.
type QuestState struct {
	UserID       UserID     `json:"user_id" db:"user_id"`
	QuestID      QuestID    `json:"quest_id" db:"quest_id"`
	TargetCount  int64      `json:"target_count" db:"target_count"`
	CurrentCount int64      `json:"current_count" db:"current_count"`
	Visibility   Visibility `json:"visibility" db:"visibility"`
	DiscoveredAt *time.Time `json:"discovered_at,omitempty" db:"discovered_at"`
}

// Activity is a raw activity record metrics are derived from.
// Seq is assigned by the store and orders records globally.
type Activity struct {
	Seq      int64     `json:"seq" db:"seq"`
	UserID   UserID    `json:"user_id" db:"user_id"`
	Kind     string    `json:"kind" db:"kind"`
	Value    float64   `json:"value" db:"value"`
	SourceID string    `json:"source_id,omitempty" db:"source_id"`
	At       time.Time `json:"at" db:"occurred_at"`
}

// NormalizeUserID trims and lowercases user identifiers.
func NormalizeUserID(id UserID) (UserID, error) {
	s := strings.TrimSpace(string(id))
	if s == "" {
		return "", errors.New("empty user id")
	}
	return UserID(strings.ToLower(s)), nil
}

// ValidateBadgeID ensures non-empty badge id with simple charset check.
func ValidateBadgeID(b BadgeID) error {
	if err := validateSlug(string(b)); err != nil {
		return fmt.Errorf("badge id: %w", err)
	}
	return nil
}

// ValidateQuestID applies the badge id rules to quest ids.
func ValidateQuestID(q QuestID) error {
	if err := validateSlug(string(q)); err != nil {
		return fmt.Errorf("quest id: %w", err)
	}
	return nil
}

func validateSlug(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return errors.New("empty")
	}
	// alnum, dash, underscore
	for _, r := range s {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' {
			continue
		}
		return fmt.Errorf("invalid character %q", r)
	}
	return nil
}

// GrantTransition moves the current non-revoked grant of (UserID, BadgeID) to
// To, provided its status is one of From.
type GrantTransition struct {
	UserID  UserID
	BadgeID BadgeID
	From    []GrantStatus
	To      GrantStatus
	At      time.Time
}

// Allows reports whether status is a valid starting point.
func (t GrantTransition) Allows(status GrantStatus) bool {
	for _, f := range t.From {
		if f == status {
			return true
		}
	}
	return false
}

// Apply checks and applies the transition to g. On ErrInvalidTransition g is
// returned unchanged so callers can inspect the current status.
func (t GrantTransition) Apply(g BadgeGrant) (BadgeGrant, error) {
	if !t.Allows(g.Status) {
		return g, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, g.Status, t.To)
	}
	g.Status = t.To
	g.UpdatedAt = t.At
	return g, nil
}

// ProgressRatio is current/target capped at 1.
func (q QuestState) ProgressRatio() float64 {
	if q.TargetCount <= 0 {
		return 0
	}
	r := float64(q.CurrentCount) / float64(q.TargetCount)
	if r > 1 {
		return 1
	}
	return r
}

package sdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"rewardkit/core"
)

// AppendInput is the body of a ledger append.
type AppendInput struct {
	Delta      decimal.Decimal `json:"-"`
	SourceType core.SourceType `json:"source_type"`
	ReasonCode string          `json:"reason_code"`
	SourceID   string          `json:"source_id"`
	// Retry asks the server to retry transient store failures with the same key.
	Retry bool `json:"retry,omitempty"`
}

func (in AppendInput) MarshalJSON() ([]byte, error) {
	type alias AppendInput
	return json.Marshal(struct {
		Delta string `json:"delta"`
		alias
	}{Delta: in.Delta.String(), alias: alias(in)})
}

// AppendResult is the written or replayed ledger entry.
type AppendResult struct {
	Entry    core.LedgerEntry `json:"entry"`
	Replayed bool             `json:"replayed"`
}

// Balance pairs the authoritative ledger sum with the cached balance.
type Balance struct {
	UserID core.UserID     `json:"user_id"`
	Total  decimal.Decimal `json:"balance"`
	Cached decimal.Decimal `json:"cached_balance"`
}

// ActivityInput is a raw activity record.
type ActivityInput struct {
	Kind     string     `json:"kind"`
	Value    float64    `json:"value"`
	SourceID string     `json:"source_id,omitempty"`
	At       *time.Time `json:"at,omitempty"`
}

// Badge is the public view of a badge definition.
type Badge struct {
	ID                     core.BadgeID    `json:"badge_id"`
	Name                   string          `json:"name"`
	Category               string          `json:"category"`
	NonTransferable        bool            `json:"non_transferable"`
	RequiresManualApproval bool            `json:"requires_manual_approval"`
	Reward                 decimal.Decimal `json:"reward"`
}

// Explanation is a dry-run badge evaluation.
type Explanation struct {
	BadgeID  core.BadgeID   `json:"badge_id"`
	Eligible bool           `json:"eligible"`
	Unmet    []string       `json:"unmet"`
	Snapshot map[string]any `json:"snapshot"`
	AsOf     time.Time      `json:"as_of"`
}

// Quest is a user's quest state. Title and Hint are only set once discovered.
type Quest struct {
	core.QuestState
	Title string `json:"title,omitempty"`
	Hint  string `json:"hint_text,omitempty"`
}

// QuestProgress is returned by progress and check calls.
type QuestProgress struct {
	State    Quest `json:"state"`
	Revealed bool  `json:"revealed"`
}

// HealthStatus describes the /healthz response.
type HealthStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int             `json:"-"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("request failed: status %d", e.Status)
	}
	return fmt.Sprintf("request failed: status %d: %s: %s", e.Status, e.Code, e.Message)
}

// Is lets callers match server errors against the core sentinels.
func (e *APIError) Is(target error) bool {
	switch e.Code {
	case "negative_balance":
		return target == core.ErrNegativeBalance
	case "idempotency_conflict":
		return target == core.ErrIdempotencyConflict
	case "invalid_transition":
		return target == core.ErrInvalidTransition
	case "unknown_badge":
		return target == core.ErrUnknownBadge
	case "unknown_quest":
		return target == core.ErrUnknownQuest
	case "not_found":
		return target == core.ErrGrantNotFound
	}
	return false
}

func decodeJSON(resp *http.Response, target any) error {
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = json.Unmarshal(body, apiErr)
		return apiErr
	}
	if target == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

// ErrEmptyUserID is returned when user id is empty.
var ErrEmptyUserID = errors.New("user id is required")

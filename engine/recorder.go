package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"rewardkit/core"
)

// Ledger append outcomes reported to a Recorder.
const (
	OutcomeCreated  = "created"
	OutcomeReplayed = "replayed"
	OutcomeNegative = "rejected_negative"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"
)

// Recorder receives engine measurements. The telemetry package provides a
// Prometheus implementation.
type Recorder interface {
	LedgerAppend(outcome string, delta decimal.Decimal)
	GrantResult(badge core.BadgeID, result core.GrantResult)
	GrantTransition(badge core.BadgeID, to core.GrantStatus)
	QuestRevealed(quest core.QuestID)
	Evaluation(d time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) LedgerAppend(string, decimal.Decimal)           {}
func (noopRecorder) GrantResult(core.BadgeID, core.GrantResult)     {}
func (noopRecorder) GrantTransition(core.BadgeID, core.GrantStatus) {}
func (noopRecorder) QuestRevealed(core.QuestID)                     {}
func (noopRecorder) Evaluation(time.Duration)                       {}

// NopRecorder discards every measurement.
func NopRecorder() Recorder { return noopRecorder{} }

package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"rewardkit/aggregate"
	"rewardkit/core"
)

// LedgerStore persists ledger entries and the cached balance projection.
type LedgerStore interface {
	// AppendEntry performs the idempotency lookup, reads the latest balance_after
	// and writes the next entry as one atomic step per user. When an entry with
	// req.Key exists it is returned with created=false and nothing is written.
	// The cached balance is updated in the same atomic step.
	AppendEntry(ctx context.Context, req core.AppendRequest) (entry core.LedgerEntry, created bool, err error)
	// Entries returns a user's entries ordered by Seq.
	Entries(ctx context.Context, user core.UserID) ([]core.LedgerEntry, error)
	LatestEntry(ctx context.Context, user core.UserID) (core.LedgerEntry, bool, error)
	CachedBalance(ctx context.Context, user core.UserID) (decimal.Decimal, error)
	// RepairCachedBalance writes balance as the cached projection only while
	// the user's latest entry still has seq latest (0 for an empty ledger),
	// checked in the same atomic step that appends use. It reports false and
	// writes nothing when the ledger moved on.
	RepairCachedBalance(ctx context.Context, user core.UserID, latest int64, balance decimal.Decimal) (bool, error)
}

// GrantStore persists badge grants. Revoked grants are kept as history.
type GrantStore interface {
	// ActiveGrant returns the non-revoked grant for (user, badge), if any.
	ActiveGrant(ctx context.Context, user core.UserID, badge core.BadgeID) (core.BadgeGrant, bool, error)
	// CreateGrant fails with core.ErrGrantExists when a non-revoked grant exists.
	CreateGrant(ctx context.Context, g core.BadgeGrant) error
	// TransitionGrant fails with core.ErrGrantNotFound when no non-revoked grant
	// exists and core.ErrInvalidTransition (returning the current grant) when its
	// status is not in t.From.
	TransitionGrant(ctx context.Context, t core.GrantTransition) (core.BadgeGrant, error)
	Grants(ctx context.Context, user core.UserID) ([]core.BadgeGrant, error)
	GrantsByStatus(ctx context.Context, status core.GrantStatus) ([]core.BadgeGrant, error)
}

// QuestStore persists per-user quest state. Absent state reads as hidden with
// zero progress.
type QuestStore interface {
	QuestState(ctx context.Context, user core.UserID, quest core.QuestID) (core.QuestState, error)
	AdvanceQuest(ctx context.Context, user core.UserID, quest core.QuestID, target, n int64) (core.QuestState, error)
	// RevealQuest flips hidden to discovered. Exactly one caller observes
	// revealed=true; later callers get false and the discovered state.
	RevealQuest(ctx context.Context, user core.UserID, quest core.QuestID, target int64, at time.Time) (revealed bool, st core.QuestState, err error)
}

// ActivityStore records raw activity and serves it to the aggregator.
type ActivityStore interface {
	aggregate.ActivitySource
	// RecordActivity assigns Seq and stores the record.
	RecordActivity(ctx context.Context, act core.Activity) (core.Activity, error)
	// Users lists every user with at least one activity record or ledger entry.
	Users(ctx context.Context) ([]core.UserID, error)
}

// Storage is everything the engine persists.
type Storage interface {
	LedgerStore
	GrantStore
	QuestStore
	ActivityStore
}

// Pinger is implemented by stores backed by a remote service.
type Pinger interface {
	Ping(ctx context.Context) error
}

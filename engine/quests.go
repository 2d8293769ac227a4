package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"rewardkit/core"
	"rewardkit/logging"
	"rewardkit/rules"
)

// QuestDiscoveryEngine reveals hidden quests once their discovery trigger holds.
// The hidden to discovered flip is a compare-and-swap in the store, so only one
// caller ever reveals a quest and only that caller publishes the event.
type QuestDiscoveryEngine struct {
	catalog *rules.QuestCatalog
	store   QuestStore
	metrics SnapshotSource
	bus     *EventBus
	rec     Recorder
	log     *zerolog.Logger
	now     func() time.Time
}

type QuestOption func(*QuestDiscoveryEngine)

func WithQuestRecorder(r Recorder) QuestOption {
	return func(q *QuestDiscoveryEngine) {
		if r != nil {
			q.rec = r
		}
	}
}

func WithQuestLogger(l *zerolog.Logger) QuestOption {
	return func(q *QuestDiscoveryEngine) {
		if l != nil {
			q.log = l
		}
	}
}

func WithQuestClock(now func() time.Time) QuestOption {
	return func(q *QuestDiscoveryEngine) { q.now = now }
}

func NewQuestDiscoveryEngine(catalog *rules.QuestCatalog, store QuestStore, metrics SnapshotSource, bus *EventBus, opts ...QuestOption) *QuestDiscoveryEngine {
	if catalog == nil || store == nil || metrics == nil || bus == nil {
		panic("NewQuestDiscoveryEngine requires non-nil catalog, store, metrics, and bus")
	}
	q := &QuestDiscoveryEngine{
		catalog: catalog,
		store:   store,
		metrics: metrics,
		bus:     bus,
		rec:     NopRecorder(),
		log:     logging.Nop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Catalog returns the quest definitions.
func (q *QuestDiscoveryEngine) Catalog() *rules.QuestCatalog { return q.catalog }

func (q *QuestDiscoveryEngine) lookup(user core.UserID, quest core.QuestID) (core.UserID, rules.QuestDefinition, error) {
	def, ok := q.catalog.Get(quest)
	if !ok {
		return "", rules.QuestDefinition{}, fmt.Errorf("%w: %s", core.ErrUnknownQuest, quest)
	}
	user, err := core.NormalizeUserID(user)
	if err != nil {
		return "", rules.QuestDefinition{}, err
	}
	return user, def, nil
}

// State returns user's progress on quest.
func (q *QuestDiscoveryEngine) State(ctx context.Context, user core.UserID, quest core.QuestID) (core.QuestState, error) {
	user, def, err := q.lookup(user, quest)
	if err != nil {
		return core.QuestState{}, err
	}
	st, err := q.store.QuestState(ctx, user, quest)
	if err != nil {
		return core.QuestState{}, err
	}
	st.TargetCount = def.TargetCount
	return st, nil
}

// Advance adds n to the quest's progress counter.
func (q *QuestDiscoveryEngine) Advance(ctx context.Context, user core.UserID, quest core.QuestID, n int64) (core.QuestState, error) {
	if n <= 0 {
		return core.QuestState{}, errors.New("progress increment must be positive")
	}
	user, def, err := q.lookup(user, quest)
	if err != nil {
		return core.QuestState{}, err
	}
	return q.store.AdvanceQuest(ctx, user, quest, def.TargetCount, n)
}

// CheckAndReveal evaluates the quest's trigger and reveals it when satisfied.
// It returns true only for the call that performed the reveal; checking an
// already discovered quest is a no-op.
func (q *QuestDiscoveryEngine) CheckAndReveal(ctx context.Context, user core.UserID, quest core.QuestID) (bool, error) {
	user, def, err := q.lookup(user, quest)
	if err != nil {
		return false, err
	}
	st, err := q.store.QuestState(ctx, user, quest)
	if err != nil {
		return false, fmt.Errorf("load quest state: %w", err)
	}
	if st.Visibility == core.QuestDiscovered {
		return false, nil
	}
	st.TargetCount = def.TargetCount

	conds := def.Trigger.Conditions
	snap, err := q.metrics.Snapshot(ctx, user, q.now(), conds)
	if err != nil {
		return false, fmt.Errorf("snapshot for quest %s: %w", quest, err)
	}
	for _, c := range conds {
		switch c.Metric {
		case rules.MetricProgressCount:
			snap[c.Key] = rules.Number(float64(st.CurrentCount))
		case rules.MetricProgressRatio:
			snap[c.Key] = rules.Number(st.ProgressRatio())
		}
	}
	if !rules.Evaluate(conds, snap) {
		return false, nil
	}

	revealed, _, err := q.store.RevealQuest(ctx, user, quest, def.TargetCount, q.now())
	if err != nil {
		return false, fmt.Errorf("reveal quest: %w", err)
	}
	if !revealed {
		return false, nil
	}
	q.rec.QuestRevealed(quest)
	logging.FromContextOr(ctx, q.log).Info().
		Str("user_id", string(user)).
		Str("quest_id", string(quest)).
		Msg("quest discovered")
	q.bus.Publish(ctx, core.NewQuestDiscovered(user, quest, def.Trigger.Hint))
	return true, nil
}

// AdvanceAndCheck records progress and then checks the trigger.
func (q *QuestDiscoveryEngine) AdvanceAndCheck(ctx context.Context, user core.UserID, quest core.QuestID, n int64) (core.QuestState, bool, error) {
	if _, err := q.Advance(ctx, user, quest, n); err != nil {
		return core.QuestState{}, false, err
	}
	revealed, err := q.CheckAndReveal(ctx, user, quest)
	if err != nil {
		return core.QuestState{}, false, err
	}
	st, err := q.State(ctx, user, quest)
	return st, revealed, err
}

// CheckAll checks every catalog quest for user and returns the revealed ids.
func (q *QuestDiscoveryEngine) CheckAll(ctx context.Context, user core.UserID) ([]core.QuestID, error) {
	var out []core.QuestID
	for _, def := range q.catalog.All() {
		ok, err := q.CheckAndReveal(ctx, user, def.ID)
		if err != nil {
			return out, err
		}
		if ok {
			out = append(out, def.ID)
		}
	}
	return out, nil
}

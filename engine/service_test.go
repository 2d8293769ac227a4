package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mem "rewardkit/adapters/memory"
	"rewardkit/aggregate"
	"rewardkit/core"
	"rewardkit/rules"
)

const catalogJSON = `{
  "reputation": [
    {"badge_id": "trusted_trader", "name": "Trusted Trader",
     "conditions": {"min_rep_score": 400, "min_trust_percent": 75},
     "non_transferable": true, "reward_ggg": "0.25"}
  ],
  "stewardship": [
    {"badge_id": "vault_steward", "name": "Vault Steward",
     "conditions": {"passed_vault_compliance": true},
     "non_transferable": true, "requires_manual_approval": true, "reward_ggg": "1"}
  ],
  "community": [
    {"badge_id": "mystery", "name": "Mystery",
     "conditions": {"min_rep_score": 1, "favourite_colour": "blue"},
     "non_transferable": true}
  ]
}`

const questsJSON = `{"quests": [
  {"quest_id": "hidden_grove", "title": "Hidden Grove", "target_count": 5,
   "discovery_trigger": {"conditions": {"min_progress_count": 2}, "hint_text": "Something stirs"}}
]}`

func newTestService(t *testing.T, opts Options) (*Service, *mem.Store) {
	t.Helper()
	badges, err := rules.LoadDefinitions(strings.NewReader(catalogJSON), "json")
	require.NoError(t, err)
	quests, err := rules.LoadQuests(strings.NewReader(questsJSON), "json")
	require.NoError(t, err)
	store := mem.New()
	svc := NewService(store, NewEventBus(DispatchSync), badges, quests, opts)
	t.Cleanup(svc.Close)
	return svc, store
}

func record(t *testing.T, svc *Service, user core.UserID, kind string, v float64) {
	t.Helper()
	_, err := svc.RecordActivity(context.Background(), core.Activity{UserID: user, Kind: kind, Value: v})
	require.NoError(t, err)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestConcurrentModuleRewards(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, mod := range []string{"mod_A", "mod_B"} {
		wg.Add(1)
		go func(mod string) {
			defer wg.Done()
			_, err := svc.Ledger.Append(ctx, "alice", d("0.01"), core.SourceReward, "course_module", mod)
			assert.NoError(t, err)
		}(mod)
	}
	wg.Wait()

	bal, err := svc.Ledger.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, bal.Equal(d("0.02")), bal.String())

	entries, _ := svc.Ledger.Entries(ctx, "alice")
	require.Len(t, entries, 2)
	assert.True(t, entries[0].BalanceAfter.Equal(d("0.01")))
	assert.True(t, entries[1].BalanceAfter.Equal(d("0.02")))

	// retry after a timeout reuses mod_A
	again, err := svc.Ledger.Append(ctx, "alice", d("0.01"), core.SourceReward, "course_module", "mod_A")
	require.NoError(t, err)
	assert.True(t, again.Equal(entries[0].BalanceAfter) || again.Equal(entries[1].BalanceAfter))

	bal, _ = svc.Ledger.Balance(ctx, "alice")
	assert.True(t, bal.Equal(d("0.02")))
	entries, _ = svc.Ledger.Entries(ctx, "alice")
	assert.Len(t, entries, 2)
}

func TestLedgerSumMatchesCacheUnderLoad(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()
	users := []core.UserID{"a", "b", "c"}

	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u := users[i%len(users)]
			_, err := svc.Ledger.Append(ctx, u, d("0.10"), core.SourceReward, "journal_entry", fmt.Sprintf("j%d", i))
			assert.NoError(t, err)
			// duplicate delivery of the same action
			_, err = svc.Ledger.Append(ctx, u, d("0.10"), core.SourceReward, "journal_entry", fmt.Sprintf("j%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for _, u := range users {
		entries, err := svc.Ledger.Entries(ctx, u)
		require.NoError(t, err)
		assert.Len(t, entries, 20)
		sum, err := core.VerifyChain(entries)
		require.NoError(t, err)
		bal, _ := svc.Ledger.Balance(ctx, u)
		cached, _ := svc.Ledger.CachedBalance(ctx, u)
		assert.True(t, sum.Equal(d("2")))
		assert.True(t, bal.Equal(sum))
		assert.True(t, cached.Equal(sum))
	}
}

func TestLedgerPolicies(t *testing.T) {
	ctx := context.Background()

	svc, _ := newTestService(t, Options{})
	_, err := svc.Ledger.Append(ctx, "bob", d("-1"), core.SourcePurchase, "shop", "order_1")
	assert.ErrorIs(t, err, core.ErrNegativeBalance)
	entries, _ := svc.Ledger.Entries(ctx, "bob")
	assert.Empty(t, entries)

	_, err = svc.Ledger.Append(ctx, "bob", decimal.Zero, core.SourceReward, "x", "y")
	assert.ErrorIs(t, err, core.ErrInvalidDelta)
	_, err = svc.Ledger.Append(ctx, "bob", d("0.123456789"), core.SourceReward, "x", "y")
	assert.ErrorIs(t, err, core.ErrInvalidDelta, "finer than the stored scale")
	_, err = svc.Ledger.Append(ctx, "bob", d("1"), core.SourceType("gift"), "x", "y")
	assert.ErrorIs(t, err, core.ErrInvalidSourceType)

	_, err = svc.Ledger.Append(ctx, "bob", d("1"), core.SourceReward, "x", "y")
	require.NoError(t, err)
	bal, err := svc.Ledger.Append(ctx, "bob", d("2"), core.SourceReward, "x", "y")
	assert.ErrorIs(t, err, core.ErrIdempotencyConflict)
	assert.True(t, bal.Equal(d("1")), "conflict reports the stored balance")

	flagged, _ := newTestService(t, Options{Policy: core.PolicyAllowFlagged})
	res, err := flagged.Ledger.AppendKey(ctx, core.LedgerKey{UserID: "bob", SourceType: core.SourcePurchase, ReasonCode: "shop", SourceID: "order_1"}, d("-1"))
	require.NoError(t, err)
	assert.True(t, res.Entry.Flagged)
	assert.True(t, res.Balance().Equal(d("-1")))
}

type flakyStore struct {
	LedgerStore
	failures atomic.Int32
}

func (f *flakyStore) AppendEntry(ctx context.Context, req core.AppendRequest) (core.LedgerEntry, bool, error) {
	e, created, err := f.LedgerStore.AppendEntry(ctx, req)
	if err == nil && f.failures.Add(-1) >= 0 {
		// the write landed but the caller sees a timeout
		return core.LedgerEntry{}, false, errors.New("i/o timeout")
	}
	return e, created, err
}

func TestAppendWithRetryReusesKey(t *testing.T) {
	store := &flakyStore{LedgerStore: mem.New()}
	store.failures.Store(2)
	ledger := NewLedgerService(store, NewEventBus(DispatchSync), WithRetryPolicy(RetryPolicy{
		MaxRetries: 5, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxElapsedTime: time.Second,
	}))
	ctx := context.Background()

	key := core.LedgerKey{UserID: "carol", SourceType: core.SourceReward, ReasonCode: "course_module", SourceID: "mod_A"}
	res, err := ledger.AppendWithRetry(ctx, key, d("0.01"))
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.True(t, res.Balance().Equal(d("0.01")))

	entries, _ := ledger.Entries(ctx, "carol")
	assert.Len(t, entries, 1)

	_, err = ledger.AppendWithRetry(ctx, core.LedgerKey{UserID: "carol", SourceType: core.SourceReward, ReasonCode: "refund", SourceID: "r"}, d("-5"))
	assert.ErrorIs(t, err, core.ErrNegativeBalance)
}

func TestReconcileRepairsCache(t *testing.T) {
	svc, store := newTestService(t, Options{})
	ctx := context.Background()
	res, err := svc.Ledger.AppendKey(ctx, core.LedgerKey{UserID: "dan", SourceType: core.SourceReward, ReasonCode: "r", SourceID: "1"}, d("3"))
	require.NoError(t, err)
	ok, err := store.RepairCachedBalance(ctx, "dan", res.Entry.Seq, d("99"))
	require.NoError(t, err)
	require.True(t, ok)

	rep, err := svc.Ledger.Reconcile(ctx, "dan")
	require.NoError(t, err)
	assert.True(t, rep.Repaired)
	cached, _ := svc.Ledger.CachedBalance(ctx, "dan")
	assert.True(t, cached.Equal(d("3")))

	rep, err = svc.Ledger.Reconcile(ctx, "dan")
	require.NoError(t, err)
	assert.False(t, rep.Repaired)
}

// appendOnRead appends an entry the first time the cached balance is read,
// landing a write between Reconcile's ledger read and its repair.
type appendOnRead struct {
	LedgerStore
	once sync.Once
	req  core.AppendRequest
}

func (a *appendOnRead) CachedBalance(ctx context.Context, user core.UserID) (decimal.Decimal, error) {
	var err error
	a.once.Do(func() { _, _, err = a.LedgerStore.AppendEntry(ctx, a.req) })
	if err != nil {
		return decimal.Zero, err
	}
	return a.LedgerStore.CachedBalance(ctx, user)
}

func TestReconcileKeepsAppendLandingMidway(t *testing.T) {
	ctx := context.Background()
	base := mem.New()
	_, _, err := base.AppendEntry(ctx, core.AppendRequest{
		Key:   core.LedgerKey{UserID: "eve", SourceType: core.SourceReward, ReasonCode: "r", SourceID: "1"},
		Delta: d("10"), Policy: core.PolicyReject, EntryID: "e1", At: time.Now().UTC(),
	})
	require.NoError(t, err)

	store := &appendOnRead{LedgerStore: base, req: core.AppendRequest{
		Key:   core.LedgerKey{UserID: "eve", SourceType: core.SourceReward, ReasonCode: "r", SourceID: "2"},
		Delta: d("5"), Policy: core.PolicyReject, EntryID: "e2", At: time.Now().UTC(),
	}}
	ledger := NewLedgerService(store, NewEventBus(DispatchSync))

	rep, err := ledger.Reconcile(ctx, "eve")
	require.NoError(t, err)
	assert.False(t, rep.Repaired)
	assert.True(t, rep.Sum.Equal(d("15")))

	entries, _ := base.Entries(ctx, "eve")
	sum, err := core.VerifyChain(entries)
	require.NoError(t, err)
	cached, _ := base.CachedBalance(ctx, "eve")
	assert.True(t, sum.Equal(d("15")))
	assert.True(t, cached.Equal(sum), "cached %s, ledger %s", cached, sum)
}

func TestReconcileConcurrentWithAppends(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Ledger.Append(ctx, "fay", d("0.01"), core.SourceReward, "course_module", fmt.Sprintf("mod_%d", i))
			assert.NoError(t, err)
		}(i)
		go func() {
			defer wg.Done()
			_, err := svc.Ledger.Reconcile(ctx, "fay")
			if err != nil {
				assert.ErrorIs(t, err, core.ErrLedgerBusy)
			}
		}()
	}
	wg.Wait()

	bal, err := svc.Ledger.Balance(ctx, "fay")
	require.NoError(t, err)
	cached, _ := svc.Ledger.CachedBalance(ctx, "fay")
	assert.True(t, bal.Equal(d("0.5")))
	assert.True(t, cached.Equal(bal), "cached %s, ledger %s", cached, bal)
}

func TestTryGrantThresholds(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()
	record(t, svc, "erin", aggregate.KindRepScore, 500)
	record(t, svc, "erin", aggregate.KindTrustPercent, 70)

	res, err := svc.Badges.TryGrant(ctx, "erin", "trusted_trader")
	require.NoError(t, err)
	assert.Equal(t, core.ResultNotEligible, res)

	record(t, svc, "erin", aggregate.KindTrustPercent, 80)
	res, err = svc.Badges.TryGrant(ctx, "erin", "trusted_trader")
	require.NoError(t, err)
	assert.Equal(t, core.ResultGranted, res)

	res, err = svc.Badges.TryGrant(ctx, "erin", "trusted_trader")
	require.NoError(t, err)
	assert.Equal(t, core.ResultAlreadyActive, res)

	bal, _ := svc.Ledger.Balance(ctx, "erin")
	assert.True(t, bal.Equal(d("0.25")), "reward credited once")

	_, err = svc.Badges.TryGrant(ctx, "erin", "no_such_badge")
	assert.ErrorIs(t, err, core.ErrUnknownBadge)
}

func TestUnknownConditionNeverGrants(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	record(t, svc, "finn", aggregate.KindRepScore, 1000)
	res, err := svc.Badges.TryGrant(context.Background(), "finn", "mystery")
	require.NoError(t, err)
	assert.Equal(t, core.ResultNotEligible, res)
}

func TestConcurrentTryGrantSingleGrant(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()
	record(t, svc, "gia", aggregate.KindRepScore, 900)
	record(t, svc, "gia", aggregate.KindTrustPercent, 99)

	granted := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Badges.TryGrant(ctx, "gia", "trusted_trader")
			assert.NoError(t, err)
			if res == core.ResultGranted {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, granted)

	grants, _ := svc.Badges.Grants(ctx, "gia")
	assert.Len(t, grants, 1)
	entries, _ := svc.Ledger.Entries(ctx, "gia")
	assert.Len(t, entries, 1)
}

func TestManualApprovalFlow(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()
	record(t, svc, "hal", aggregate.KindVaultCompliancePass, 1)

	var events []core.EventType
	svc.Bus().SubscribeAll(func(_ context.Context, e core.Event) { events = append(events, e.Type) })

	res, err := svc.Badges.TryGrant(ctx, "hal", "vault_steward")
	require.NoError(t, err)
	assert.Equal(t, core.ResultPendingApproval, res)
	res, _ = svc.Badges.TryGrant(ctx, "hal", "vault_steward")
	assert.Equal(t, core.ResultPendingApproval, res)
	bal, _ := svc.Ledger.Balance(ctx, "hal")
	assert.True(t, bal.IsZero(), "no reward before approval")

	g, err := svc.Badges.Approve(ctx, "hal", "vault_steward")
	require.NoError(t, err)
	assert.Equal(t, core.GrantActive, g.Status)
	_, err = svc.Badges.Approve(ctx, "hal", "vault_steward")
	require.NoError(t, err, "approving an active grant is a no-op")

	bal, _ = svc.Ledger.Balance(ctx, "hal")
	assert.True(t, bal.Equal(d("1")))

	_, err = svc.Badges.Revoke(ctx, "hal", "vault_steward")
	require.NoError(t, err)
	_, err = svc.Badges.Revoke(ctx, "hal", "vault_steward")
	assert.ErrorIs(t, err, core.ErrGrantNotFound)
	bal, _ = svc.Ledger.Balance(ctx, "hal")
	assert.True(t, bal.Equal(d("1")), "revocation never debits")

	assert.Equal(t, []core.EventType{
		core.EventBadgePending,
		core.EventBadgeApproved,
		core.EventLedgerAppended,
		core.EventBadgeRevoked,
	}, events)
}

type failingLedger struct {
	LedgerStore
	fail atomic.Bool
}

func (f *failingLedger) AppendEntry(ctx context.Context, req core.AppendRequest) (core.LedgerEntry, bool, error) {
	if f.fail.Load() {
		return core.LedgerEntry{}, false, context.DeadlineExceeded
	}
	return f.LedgerStore.AppendEntry(ctx, req)
}

func TestGrantRewardRepairedAfterPartialFailure(t *testing.T) {
	badges, err := rules.LoadDefinitions(strings.NewReader(catalogJSON), "json")
	require.NoError(t, err)
	store := mem.New()
	ledgerStore := &failingLedger{LedgerStore: store}
	bus := NewEventBus(DispatchSync)
	ledger := NewLedgerService(ledgerStore, bus)
	grants := NewBadgeGrantService(badges, store, aggregate.New(store), ledger, bus)
	ctx := context.Background()

	_, err = store.RecordActivity(ctx, core.Activity{UserID: "ivy", Kind: aggregate.KindRepScore, Value: 450})
	require.NoError(t, err)
	_, err = store.RecordActivity(ctx, core.Activity{UserID: "ivy", Kind: aggregate.KindTrustPercent, Value: 90})
	require.NoError(t, err)

	ledgerStore.fail.Store(true)
	res, err := grants.TryGrant(ctx, "ivy", "trusted_trader")
	assert.Equal(t, core.ResultGranted, res)
	require.Error(t, err)
	entries, _ := ledger.Entries(ctx, "ivy")
	assert.Empty(t, entries)

	ledgerStore.fail.Store(false)
	n, err := grants.ReconcileRewards(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err = grants.TryGrant(ctx, "ivy", "trusted_trader")
	require.NoError(t, err)
	assert.Equal(t, core.ResultAlreadyActive, res)
	n, err = grants.ReconcileRewards(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	bal, _ := ledger.Balance(ctx, "ivy")
	assert.True(t, bal.Equal(d("0.25")))
}

func TestEvaluateAll(t *testing.T) {
	svc, _ := newTestService(t, Options{Concurrency: 4})
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		u := core.UserID(fmt.Sprintf("user%02d", i))
		record(t, svc, u, aggregate.KindRepScore, float64(100*i))
		record(t, svc, u, aggregate.KindTrustPercent, 80)
	}
	users, err := svc.Users(ctx)
	require.NoError(t, err)

	sum, err := svc.Badges.EvaluateAll(ctx, users, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 6, sum.Results[core.ResultGranted]) // rep 400..900
	assert.Equal(t, 0, sum.Errors)

	sum, err = svc.Badges.EvaluateAll(ctx, users, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 6, sum.Results[core.ResultAlreadyActive])
	assert.Zero(t, sum.Results[core.ResultGranted])
}

func TestQuestDiscoveryMonotonic(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ctx := context.Background()
	var discovered atomic.Int32
	svc.Subscribe(core.EventQuestDiscovered, func(_ context.Context, e core.Event) {
		assert.Equal(t, "Something stirs", e.Hint)
		discovered.Add(1)
	})

	st, revealed, err := svc.Quests.AdvanceAndCheck(ctx, "jo", "hidden_grove", 1)
	require.NoError(t, err)
	assert.False(t, revealed)
	assert.Equal(t, core.QuestHidden, st.Visibility)

	_, err = svc.Quests.Advance(ctx, "jo", "hidden_grove", 1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := svc.Quests.CheckAndReveal(ctx, "jo", "hidden_grove")
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(1), discovered.Load())

	ok, err := svc.Quests.CheckAndReveal(ctx, "jo", "hidden_grove")
	require.NoError(t, err)
	assert.False(t, ok)

	st, err = svc.Quests.State(ctx, "jo", "hidden_grove")
	require.NoError(t, err)
	assert.Equal(t, core.QuestDiscovered, st.Visibility)
	assert.Equal(t, int64(5), st.TargetCount)

	_, err = svc.Quests.CheckAndReveal(ctx, "jo", "nowhere")
	assert.ErrorIs(t, err, core.ErrUnknownQuest)
	_, err = svc.Quests.Advance(ctx, "jo", "hidden_grove", 0)
	assert.Error(t, err)
}

func TestRecordActivityValidates(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	_, err := svc.RecordActivity(context.Background(), core.Activity{UserID: "  ", Kind: "sale"})
	assert.Error(t, err)
	_, err = svc.RecordActivity(context.Background(), core.Activity{UserID: "kai", Kind: " "})
	assert.Error(t, err)
	act, err := svc.RecordActivity(context.Background(), core.Activity{UserID: " Kai ", Kind: "sale", Value: 3})
	require.NoError(t, err)
	assert.Equal(t, core.UserID("kai"), act.UserID)
	assert.NotZero(t, act.Seq)
}

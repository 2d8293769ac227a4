package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rewardkit/core"
)

func req(user core.UserID, source string, delta string) core.AppendRequest {
	return core.AppendRequest{
		Key:    core.LedgerKey{UserID: user, SourceType: core.SourceReward, ReasonCode: "course_module", SourceID: source},
		Delta:  decimal.RequireFromString(delta),
		Policy: core.PolicyReject,
	}
}

func TestAppendEntryRunningSum(t *testing.T) {
	s := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := s.AppendEntry(ctx, req("u", fmt.Sprintf("mod_%d", i), "0.01"))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	entries, err := s.Entries(ctx, "u")
	require.NoError(t, err)
	require.Len(t, entries, 50)
	sum, err := core.VerifyChain(entries)
	require.NoError(t, err)
	assert.Equal(t, "0.5", sum.String())

	cached, _ := s.CachedBalance(ctx, "u")
	assert.True(t, cached.Equal(sum))
}

func TestAppendEntryIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()

	first, created, err := s.AppendEntry(ctx, req("u", "mod_A", "0.01"))
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := s.AppendEntry(ctx, req("u", "mod_A", "0.01"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	_, _, err = s.AppendEntry(ctx, req("u", "mod_A", "0.02"))
	assert.True(t, errors.Is(err, core.ErrIdempotencyConflict))

	_, _, err = s.AppendEntry(ctx, req("u", "refund", "-1"))
	assert.True(t, errors.Is(err, core.ErrNegativeBalance))

	entries, _ := s.Entries(ctx, "u")
	assert.Len(t, entries, 1)
}

func TestGrantLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()
	g := core.BadgeGrant{ID: "g1", UserID: "u", BadgeID: "b", Status: core.GrantPending, GrantedAt: now}

	require.NoError(t, s.CreateGrant(ctx, g))
	assert.ErrorIs(t, s.CreateGrant(ctx, g), core.ErrGrantExists)

	approved, err := s.TransitionGrant(ctx, core.GrantTransition{UserID: "u", BadgeID: "b", From: []core.GrantStatus{core.GrantPending}, To: core.GrantActive, At: now})
	require.NoError(t, err)
	assert.Equal(t, core.GrantActive, approved.Status)

	cur, err := s.TransitionGrant(ctx, core.GrantTransition{UserID: "u", BadgeID: "b", From: []core.GrantStatus{core.GrantPending}, To: core.GrantActive, At: now})
	assert.ErrorIs(t, err, core.ErrInvalidTransition)
	assert.Equal(t, core.GrantActive, cur.Status)

	_, err = s.TransitionGrant(ctx, core.GrantTransition{UserID: "u", BadgeID: "b", From: []core.GrantStatus{core.GrantActive, core.GrantPending}, To: core.GrantRevoked, At: now})
	require.NoError(t, err)
	_, ok, _ := s.ActiveGrant(ctx, "u", "b")
	assert.False(t, ok)

	// revoked grant frees the slot
	require.NoError(t, s.CreateGrant(ctx, core.BadgeGrant{ID: "g2", UserID: "u", BadgeID: "b", Status: core.GrantActive, GrantedAt: now}))
	all, _ := s.Grants(ctx, "u")
	assert.Len(t, all, 2)
	revoked, _ := s.GrantsByStatus(ctx, core.GrantRevoked)
	assert.Len(t, revoked, 1)
}

func TestRevealQuestOnce(t *testing.T) {
	s := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			revealed, _, err := s.RevealQuest(ctx, "u", "grove", 5, time.Now())
			assert.NoError(t, err)
			if revealed {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	st, _ := s.QuestState(ctx, "u", "grove")
	assert.Equal(t, core.QuestDiscovered, st.Visibility)
	assert.NotNil(t, st.DiscoveredAt)
}

func TestActivitiesAndExport(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, err := s.RecordActivity(ctx, core.Activity{UserID: "u", Kind: "sale", Value: 10, At: base.AddDate(0, 0, i)})
		require.NoError(t, err)
	}
	_, err := s.RecordActivity(ctx, core.Activity{UserID: "v", Kind: "flag", At: base})
	require.NoError(t, err)
	_, _, err = s.AppendEntry(ctx, req("w", "mod_A", "1"))
	require.NoError(t, err)

	acts, _ := s.Activities(ctx, "u", []string{"sale"}, base.AddDate(0, 0, 1), base.AddDate(0, 0, 5))
	assert.Len(t, acts, 2)
	pop, _ := s.PopulationActivities(ctx, nil, time.Time{}, base.AddDate(1, 0, 0))
	assert.Len(t, pop, 4)
	users, _ := s.Users(ctx)
	assert.Equal(t, []core.UserID{"u", "v", "w"}, users)

	restored := Restore(s.Export())
	entries, _ := restored.Entries(ctx, "w")
	assert.Len(t, entries, 1)
	_, created, err := restored.AppendEntry(ctx, req("w", "mod_A", "1"))
	require.NoError(t, err)
	assert.False(t, created)
	act, _ := restored.RecordActivity(ctx, core.Activity{UserID: "u", Kind: "sale"})
	assert.Equal(t, int64(5), act.Seq)
}

func TestRepairCachedBalanceChecksLatestSeq(t *testing.T) {
	s := New()
	ctx := context.Background()

	first, _, err := s.AppendEntry(ctx, req("u", "mod_A", "1"))
	require.NoError(t, err)
	ok, err := s.RepairCachedBalance(ctx, "u", first.Seq, decimal.RequireFromString("7"))
	require.NoError(t, err)
	assert.True(t, ok)

	_, _, err = s.AppendEntry(ctx, req("u", "mod_B", "2"))
	require.NoError(t, err)
	ok, err = s.RepairCachedBalance(ctx, "u", first.Seq, decimal.RequireFromString("1"))
	require.NoError(t, err)
	assert.False(t, ok)

	cached, _ := s.CachedBalance(ctx, "u")
	assert.Equal(t, "3", cached.String(), "appends build on the entry chain, not the cache")
}

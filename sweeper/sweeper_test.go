package sweeper

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mem "rewardkit/adapters/memory"
	"rewardkit/core"
	"rewardkit/engine"
	"rewardkit/rules"
)

const badges = `{"reputation": [
  {"badge_id": "trusted_trader", "name": "Trusted Trader",
   "conditions": {"min_rep_score": 400}, "non_transferable": true, "reward_ggg": "0.25"}]}`

const quests = `{"quests": [{"quest_id": "grove", "title": "Grove", "target_count": 3,
  "discovery_trigger": {"conditions": {"min_rep_score": 100}, "hint_text": "look"}}]}`

type countingObserver struct{ runs int }

func (o *countingObserver) SweepRun(time.Duration, error) { o.runs++ }

func newService(t *testing.T) *engine.Service {
	t.Helper()
	cat, err := rules.LoadDefinitions(strings.NewReader(badges), "json")
	require.NoError(t, err)
	qc, err := rules.LoadQuests(strings.NewReader(quests), "json")
	require.NoError(t, err)
	svc := engine.NewService(mem.New(), engine.NewEventBus(engine.DispatchSync), cat, qc, engine.Options{})
	t.Cleanup(svc.Close)
	return svc
}

func TestRunOnce(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	for user, score := range map[core.UserID]float64{"alice": 450, "bob": 120, "carol": 10} {
		_, err := svc.RecordActivity(ctx, core.Activity{UserID: user, Kind: "rep_score", Value: score})
		require.NoError(t, err)
	}

	obs := &countingObserver{}
	sw, err := New(svc, WithObserver(obs))
	require.NoError(t, err)

	rep, err := sw.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Users)
	assert.Equal(t, 1, rep.Badges.Results[core.ResultGranted])
	assert.Equal(t, 2, rep.Badges.Results[core.ResultNotEligible])
	assert.Equal(t, 2, rep.Revealed)
	assert.Equal(t, 0, rep.Repaired)
	assert.Equal(t, 1, obs.runs)

	rep, err = sw.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Badges.Results[core.ResultAlreadyActive])
	assert.Equal(t, 0, rep.Revealed)
	assert.Equal(t, rep, sw.Last())
}

func TestInvalidSchedule(t *testing.T) {
	_, err := New(newService(t), WithSchedule("every now and then"))
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	sw, err := New(newService(t), WithSchedule("@every 1h"))
	require.NoError(t, err)
	require.NoError(t, sw.Start())
	assert.Error(t, sw.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sw.Stop(ctx))
	require.NoError(t, sw.Stop(ctx))
}

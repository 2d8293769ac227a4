package sdk

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mem "rewardkit/adapters/memory"
	"rewardkit/api/httpapi"
	"rewardkit/core"
	"rewardkit/engine"
	"rewardkit/realtime"
	"rewardkit/rules"
)

const catalog = `{
  "reputation": [
    {"badge_id": "trusted_trader", "name": "Trusted Trader",
     "conditions": {"min_rep_score": 400, "min_trust_percent": 75},
     "non_transferable": true, "reward_ggg": "0.25"}
  ]
}`

const quests = `{"quests": [
  {"quest_id": "hidden_grove", "title": "Hidden Grove", "target_count": 5,
   "discovery_trigger": {"conditions": {"min_progress_count": 2}, "hint_text": "Something stirs"}}
]}`

func newTestServer(t *testing.T, opts httpapi.Options) (*httptest.Server, *realtime.Hub) {
	t.Helper()
	badges, err := rules.LoadDefinitions(strings.NewReader(catalog), "json")
	require.NoError(t, err)
	qs, err := rules.LoadQuests(strings.NewReader(quests), "json")
	require.NoError(t, err)
	bus := engine.NewEventBus(engine.DispatchSync)
	hub := realtime.NewHub()
	bus.SubscribeAll(hub.Broadcast)
	svc := engine.NewService(mem.New(), bus, badges, qs, engine.Options{})
	t.Cleanup(svc.Close)

	srv := httptest.NewServer(httpapi.NewMux(svc, hub, opts))
	t.Cleanup(srv.Close)
	return srv, hub
}

func TestClientLedgerAndBadges(t *testing.T) {
	srv, _ := newTestServer(t, httpapi.Options{PathPrefix: "/api", APIKeys: []string{"k1"}})
	client, err := NewClient(srv.URL+"/api", WithAPIKey("k1"))
	require.NoError(t, err)
	ctx := context.Background()

	in := AppendInput{Delta: decimal.RequireFromString("2.5"), SourceType: core.SourceReward, ReasonCode: "module:intro", SourceID: "m1"}
	res, err := client.Append(ctx, "alice", in)
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	res, err = client.Append(ctx, "alice", in)
	require.NoError(t, err)
	assert.True(t, res.Replayed)

	in.Delta = decimal.NewFromInt(3)
	_, err = client.Append(ctx, "alice", in)
	assert.ErrorIs(t, err, core.ErrIdempotencyConflict)

	_, err = client.Append(ctx, "alice", AppendInput{Delta: decimal.NewFromInt(-10), SourceType: core.SourcePurchase, ReasonCode: "shop", SourceID: "o1"})
	assert.ErrorIs(t, err, core.ErrNegativeBalance)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 409, apiErr.Status)

	_, err = client.RecordActivity(ctx, "alice", ActivityInput{Kind: "rep_score", Value: 450})
	require.NoError(t, err)
	_, err = client.RecordActivity(ctx, "alice", ActivityInput{Kind: "trust_percent", Value: 90})
	require.NoError(t, err)

	ex, err := client.ExplainBadge(ctx, "alice", "trusted_trader")
	require.NoError(t, err)
	assert.True(t, ex.Eligible)

	result, err := client.EvaluateBadge(ctx, "alice", "trusted_trader")
	require.NoError(t, err)
	assert.Equal(t, core.ResultGranted, result)

	bal, err := client.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, bal.Total.Equal(decimal.RequireFromString("2.75")), bal.Total.String())

	entries, err := client.Entries(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	grants, err := client.Grants(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, grants, 1)

	badges, err := client.Badges(ctx)
	require.NoError(t, err)
	require.Len(t, badges, 1)
	assert.Equal(t, "Trusted Trader", badges[0].Name)

	_, err = client.EvaluateBadge(ctx, "alice", "nope")
	assert.ErrorIs(t, err, core.ErrUnknownBadge)

	_, err = client.Append(ctx, "", in)
	assert.ErrorIs(t, err, ErrEmptyUserID)

	hs, err := client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", hs.Status)
}

func TestClientQuests(t *testing.T) {
	srv, _ := newTestServer(t, httpapi.Options{PathPrefix: "/api"})
	client, err := NewClient(srv.URL + "/api")
	require.NoError(t, err)
	ctx := context.Background()

	q, err := client.Quest(ctx, "bob", "hidden_grove")
	require.NoError(t, err)
	assert.Equal(t, core.QuestHidden, q.Visibility)

	qp, err := client.AdvanceQuest(ctx, "bob", "hidden_grove", 2, true)
	require.NoError(t, err)
	assert.True(t, qp.Revealed)
	assert.Equal(t, "Something stirs", qp.State.Hint)

	qp, err = client.CheckQuest(ctx, "bob", "hidden_grove")
	require.NoError(t, err)
	assert.False(t, qp.Revealed)
}

func TestClientSubscribeEvents(t *testing.T) {
	srv, hub := newTestServer(t, httpapi.Options{PathPrefix: "/api"})
	client, err := NewClient(srv.URL + "/api")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	events, err := client.SubscribeEvents(ctx, SubscribeOptions{UserID: "carol", Types: []core.EventType{core.EventLedgerAppended}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	_, err = client.Append(ctx, "dave", AppendInput{Delta: decimal.NewFromInt(1), SourceType: core.SourceReward, ReasonCode: "r", SourceID: "1"})
	require.NoError(t, err)
	_, err = client.Append(ctx, "carol", AppendInput{Delta: decimal.NewFromInt(4), SourceType: core.SourceReward, ReasonCode: "r", SourceID: "1"})
	require.NoError(t, err)

	select {
	case evt := <-events:
		assert.Equal(t, core.EventLedgerAppended, evt.Type)
		assert.Equal(t, core.UserID("carol"), evt.UserID)
		assert.True(t, evt.Delta.Equal(decimal.NewFromInt(4)))
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

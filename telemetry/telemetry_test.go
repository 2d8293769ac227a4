package telemetry

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rewardkit/core"
	"rewardkit/engine"
)

var _ engine.Recorder = (*Collector)(nil)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector("")
	c.LedgerAppend(engine.OutcomeCreated, decimal.RequireFromString("0.25"))
	c.LedgerAppend(engine.OutcomeCreated, decimal.RequireFromString("-0.05"))
	c.LedgerAppend(engine.OutcomeReplayed, decimal.RequireFromString("0.25"))
	c.GrantResult("trusted_trader", core.ResultGranted)
	c.GrantTransition("vault_steward", core.GrantActive)
	c.QuestRevealed("hidden_grove")
	c.Evaluation(3 * time.Millisecond)
	c.SweepRun(time.Second, errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(c.ledgerAppends.WithLabelValues(engine.OutcomeCreated)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ledgerAppends.WithLabelValues(engine.OutcomeReplayed)))
	assert.InDelta(t, 0.25, testutil.ToFloat64(c.ledgerVolume.WithLabelValues("credit")), 1e-9)
	assert.InDelta(t, 0.05, testutil.ToFloat64(c.ledgerVolume.WithLabelValues("debit")), 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.grantResults.WithLabelValues("trusted_trader", "granted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.questReveals.WithLabelValues("hidden_grove")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sweepRuns.WithLabelValues("error")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector("rk")
	c.GaugeFunc("rk_events_dropped", "dropped events", func() float64 { return 7 })
	c.QuestRevealed("hidden_grove")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `rk_quests_reveals_total{quest="hidden_grove"} 1`)
	assert.Contains(t, string(body), "rk_events_dropped 7")
}

package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRecords(t *testing.T) {
	t.Parallel()
	c := NewCollector()

	c.RunStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Processing))

	c.IncIteration()
	c.IncIteration()
	c.ObserveModelCall("claude", "Agent turn", "success", 2*time.Second)
	c.AddTokens("claude", "input", 100)
	c.AddTokens("claude", "output", 0)
	c.ObserveToolCall("update_cell", ToolSuccess, 10*time.Millisecond)
	c.ObserveToolCall("update_cell", ToolError, 10*time.Millisecond)
	c.AddCost("Agent turn", 0.25)
	c.AddCost("Agent turn", 0.5)
	c.RunFinished("completed")

	assert.Equal(t, 0.0, testutil.ToFloat64(c.Processing))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.IterationsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.RunsTotal.WithLabelValues("completed")))
	assert.Equal(t, 100.0, testutil.ToFloat64(c.LLMTokensTotal.WithLabelValues("claude", "input")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ToolCallsTotal.WithLabelValues("update_cell", ToolError)))
	assert.InDelta(t, 0.75, testutil.ToFloat64(c.CostTotal.WithLabelValues("Agent turn")), 1e-12)

	families, err := c.Registry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["docpilot_llm_request_duration_seconds"])
	assert.True(t, names["docpilot_tool_duration_seconds"])
}

func TestNilCollectorIsNoop(t *testing.T) {
	t.Parallel()
	var c *Collector

	c.RunStarted()
	c.IncIteration()
	c.ObserveModelCall("m", "k", "success", time.Second)
	c.AddTokens("m", "input", 5)
	c.ObserveToolCall("t", ToolSuccess, time.Second)
	c.AddCost("k", 1)
	c.RunFinished("completed")
	assert.Nil(t, c.Registry())
}

func TestHandlerServesMetrics(t *testing.T) {
	t.Parallel()
	c := NewCollector()
	c.AddCost("Context compression", 0.01)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), `docpilot_cost_total{kind="Context compression"}`)
}

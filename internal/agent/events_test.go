package agent

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/samsaffron/docpilot/internal/usage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventWireShapes(t *testing.T) {
	cases := []struct {
		name string
		ev   Event
		want string
	}{
		{"message", MessageEvent("hi <b>"), `{"type":"message","content":"hi <b>"}`},
		{"tool_call", ToolCallEvent("update_cell", json.RawMessage(`{"row": 1}`)), `{"type":"tool_call","name":"update_cell","args":{"row":1}}`},
		{"tool_call without args", ToolCallEvent("list", nil), `{"type":"tool_call","name":"list","args":{}}`},
		{"tool_result", ToolResultEvent(json.RawMessage(`{"status":"ok","document":{}}`)), `{"type":"tool_result","content":{"status":"ok","document":{}}}`},
		{"tool_error", ToolErrorEvent("boom"), `{"type":"tool_error","content":"boom"}`},
		{"cost", CostEvent(usage.Charge{Cost: 0.25, Lifetime: 1.5, Kind: usage.KindTurn}), `{"type":"cost","cost":0.25,"total":1.5,"kind":"Agent turn"}`},
		{"zero cost", CostEvent(usage.Charge{Kind: usage.KindCompaction}), `{"type":"cost","cost":0,"total":0,"kind":"Context compression"}`},
		{"cancelled", CancelledEvent("stopped"), `{"type":"cancelled","message":"stopped"}`},
		{"max_iterations", MaxIterationsEvent(), `{"type":"max_iterations"}`},
		{"compressing_context", CompressingContextEvent(), `{"type":"compressing_context"}`},
		{"error", ErrorEvent("model provider unavailable"), `{"type":"error","message":"model provider unavailable"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var b strings.Builder
			require.NoError(t, NewNDJSONWriter(&b).Emit(tc.ev))
			assert.Equal(t, tc.want+"\n", b.String())
		})
	}
}

func TestEventUnknownType(t *testing.T) {
	_, err := json.Marshal(Event{Type: "bogus"})
	assert.Error(t, err)
}

func TestNDJSONWriterFlushes(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewNDJSONWriter(rec)

	require.NoError(t, w.Emit(MessageEvent("one")))
	require.NoError(t, w.Emit(MaxIterationsEvent()))

	assert.True(t, rec.Flushed)
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"type":"message","content":"one"}`, lines[0])
	assert.JSONEq(t, `{"type":"max_iterations"}`, lines[1])
}

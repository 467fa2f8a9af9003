package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/samsaffron/docpilot/internal/llm"
	"github.com/samsaffron/docpilot/internal/mcp"
	"github.com/samsaffron/docpilot/internal/usage"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var turnUsage = llm.Usage{InputTokens: 1000, OutputTokens: 100, CacheWriteTokens: 200, CacheReadTokens: 400}

// fakeModel answers turn calls with respond and compaction calls with summary.
type fakeModel struct {
	mu       sync.Mutex
	requests []llm.Request
	respond  func(turn int, req llm.Request) (*llm.Response, error)
	summary  string
}

func (m *fakeModel) Name() string { return "fake-model" }

func (m *fakeModel) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	turn := len(m.turnRequestsLocked())
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if isCompaction(req) {
		summary := m.summary
		if summary == "" {
			summary = "summary of the run"
		}
		return textResponse(summary), nil
	}
	return m.respond(turn, req)
}

func (m *fakeModel) turnRequestsLocked() []llm.Request {
	var out []llm.Request
	for _, req := range m.requests {
		if !isCompaction(req) {
			out = append(out, req)
		}
	}
	return out
}

func (m *fakeModel) turnRequests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turnRequestsLocked()
}

func (m *fakeModel) compactionRequests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []llm.Request
	for _, req := range m.requests {
		if isCompaction(req) {
			out = append(out, req)
		}
	}
	return out
}

func isCompaction(req llm.Request) bool {
	if len(req.Tools) > 0 || len(req.Messages) == 0 {
		return false
	}
	last := req.Messages[len(req.Messages)-1]
	if len(last.Parts) == 0 {
		return false
	}
	p := last.Parts[len(last.Parts)-1]
	return p.Type == llm.PartText && p.Text == summaryInstruction
}

func textResponse(text string) *llm.Response {
	return &llm.Response{Model: "fake-model", Parts: []llm.Part{llm.TextPart(text)}, Usage: turnUsage}
}

func toolResponse(parts ...llm.Part) *llm.Response {
	return &llm.Response{Model: "fake-model", Parts: parts, Usage: turnUsage}
}

func callPart(id, name, args string) llm.Part {
	return llm.ToolCallPart(llm.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)})
}

// fakeTools is an in-process tool provider.
type fakeTools struct {
	mu        sync.Mutex
	specs     []mcp.ToolSpec
	listErr   error
	listCalls int
	calls     []string
	handle    func(name string, args json.RawMessage) (*mcp.Result, error)
}

func newFakeTools(handle func(name string, args json.RawMessage) (*mcp.Result, error)) *fakeTools {
	return &fakeTools{
		specs: []mcp.ToolSpec{
			{Name: "get_reference", Description: "Resolve a reference", Schema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"ref": map[string]any{"type": "string"}},
				"required":   []any{"ref"},
			}},
			{Name: "update_cell", Description: "Edit a table cell", Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"row":   map[string]any{"type": "integer"},
					"value": map[string]any{"type": "string"},
				},
				"required": []any{"row"},
			}},
		},
		handle: handle,
	}
}

func (f *fakeTools) ListTools(ctx context.Context) ([]mcp.ToolSpec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]mcp.ToolSpec(nil), f.specs...), nil
}

func (f *fakeTools) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	handle := f.handle
	f.mu.Unlock()
	if handle == nil {
		return &mcp.Result{Payload: json.RawMessage(`{"status":"ok"}`)}, nil
	}
	return handle(name, args)
}

func (f *fakeTools) callNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func okResult(payload string) (*mcp.Result, error) {
	return &mcp.Result{Payload: json.RawMessage(payload)}, nil
}

// recorder collects emitted events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Emit(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) types() []EventType {
	var out []EventType
	for _, ev := range r.all() {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) count(t EventType) int {
	n := 0
	for _, ev := range r.all() {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func newTestSession(model llm.Model, tools ToolProvider, tweak ...func(*Options)) *Session {
	opts := Options{
		Model:         model,
		Tools:         tools,
		Rates:         usage.DefaultRates(),
		Logger:        zerolog.Nop(),
		MaxIterations: 20,
		ResolveTool:   "get_reference",
		StripFields:   []string{"document"},
		ValidateArgs:  true,
	}
	for _, fn := range tweak {
		fn(&opts)
	}
	return NewSession(opts)
}

func messageText(m llm.Message) string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == llm.PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/samsaffron/docpilot/internal/agent"
	"github.com/samsaffron/docpilot/internal/llm"
	"github.com/samsaffron/docpilot/internal/mcp"
	"github.com/samsaffron/docpilot/internal/metrics"
	"github.com/samsaffron/docpilot/internal/usage"
)

// stubModel answers every turn with text; calls without tools are
// compaction calls and get the summary.
type stubModel struct {
	reply   string
	call    *llm.ToolCall // returned alongside reply on every turn when set
	entered chan struct{} // receives once per turn call when non-nil
	release chan struct{} // turn calls block on it when non-nil
}

func (m *stubModel) Name() string { return "stub" }

func (m *stubModel) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	u := llm.Usage{InputTokens: 100, OutputTokens: 10}
	if len(req.Tools) == 0 {
		return &llm.Response{Parts: []llm.Part{llm.TextPart("short summary")}, Usage: u}, nil
	}
	if m.entered != nil {
		m.entered <- struct{}{}
	}
	if m.release != nil {
		select {
		case <-m.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	parts := []llm.Part{llm.TextPart(m.reply)}
	if m.call != nil {
		parts = append(parts, llm.ToolCallPart(*m.call))
	}
	return &llm.Response{Parts: parts, Usage: u}, nil
}

type stubTools struct {
	mu       sync.Mutex
	running  bool
	startErr error
	starts   int

	startEntered chan struct{} // receives once per Start when non-nil
	startRelease chan struct{} // Start blocks on it when non-nil
}

func (t *stubTools) Start(ctx context.Context) error {
	if t.startEntered != nil {
		t.startEntered <- struct{}{}
	}
	if t.startRelease != nil {
		<-t.startRelease
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.starts++
	if t.startErr != nil {
		return t.startErr
	}
	t.running = true
	return nil
}

func (t *stubTools) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *stubTools) ListTools(ctx context.Context) ([]mcp.ToolSpec, error) {
	return []mcp.ToolSpec{
		{Name: "get_reference", Schema: map[string]any{"type": "object"}},
		{Name: "update_cell", Schema: map[string]any{"type": "object"}},
	}, nil
}

func (t *stubTools) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.Result, error) {
	return &mcp.Result{Payload: json.RawMessage(`{"status":"ok"}`)}, nil
}

func newTestServer(t *testing.T, model llm.Model, tools *stubTools, token string) *serveServer {
	t.Helper()
	collector := metrics.NewCollector()
	session := agent.NewSession(agent.Options{
		Model:   model,
		Tools:   tools,
		Rates:   usage.DefaultRates(),
		Metrics: collector,
		Logger:  zerolog.Nop(),
	})
	return &serveServer{
		cfg: serveServerConfig{
			token:       token,
			corsOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
		},
		baseCtx: context.Background(),
		session: session,
		tools:   tools,
		metrics: collector,
		log:     zerolog.Nop(),
	}
}

func postJSON(path, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeEvents(t *testing.T, body string) []map[string]any {
	t.Helper()
	var events []map[string]any
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		var ev map[string]any
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("invalid NDJSON line %q: %v", sc.Text(), err)
		}
		events = append(events, ev)
	}
	return events
}

func TestServeHealthz(t *testing.T) {
	s := newTestServer(t, &stubModel{reply: "hi"}, &stubTools{}, "")
	rr := httptest.NewRecorder()
	s.routes().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["tools_connected"] != false {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestServeSetupConnectsAndResets(t *testing.T) {
	tools := &stubTools{running: true}
	s := newTestServer(t, &stubModel{reply: "done"}, tools, "")
	h := s.routes()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, postJSON("/message", `{"query":"hello"}`))
	if s.session.TotalCost() == 0 {
		t.Fatalf("expected cost after a run")
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/setup/", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("setup status = %d, body %s", rr.Code, rr.Body.String())
	}
	var body struct {
		Status string   `json:"status"`
		Tools  []string `json:"tools"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if strings.Join(body.Tools, ",") != "get_reference,update_cell" {
		t.Fatalf("tools = %v", body.Tools)
	}
	if tools.starts != 1 {
		t.Fatalf("starts = %d, want 1", tools.starts)
	}
	if got := s.session.Status(); got.TotalCost != 0 || got.Context != agent.NoPriorContext {
		t.Fatalf("session not reset: %+v", got)
	}
}

func TestServeSetupUnavailable(t *testing.T) {
	tools := &stubTools{startErr: errors.New("connection refused")}
	s := newTestServer(t, &stubModel{}, tools, "")
	rr := httptest.NewRecorder()
	s.routes().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/setup", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}

func TestServeMessageRejectedDuringSetup(t *testing.T) {
	tools := &stubTools{
		running:      true,
		startEntered: make(chan struct{}, 1),
		startRelease: make(chan struct{}),
	}
	s := newTestServer(t, &stubModel{reply: "done"}, tools, "")
	h := s.routes()

	setupDone := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/setup", nil))
		setupDone <- rr
	}()
	<-tools.startEntered

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, postJSON("/message", `{"query":"hello"}`))
	if rr.Code != http.StatusConflict {
		t.Fatalf("message during setup: status = %d, want 409", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/setup", nil))
	if rr.Code != http.StatusConflict {
		t.Fatalf("second setup: status = %d, want 409", rr.Code)
	}

	close(tools.startRelease)
	if rr := <-setupDone; rr.Code != http.StatusOK {
		t.Fatalf("setup status = %d, body %s", rr.Code, rr.Body.String())
	}
	if s.session.IsProcessing() {
		t.Fatalf("session still busy after setup")
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, postJSON("/message", `{"query":"hello"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("message after setup: status = %d, want 200", rr.Code)
	}
}

func TestServeMessageStreamsEvents(t *testing.T) {
	s := newTestServer(t, &stubModel{reply: "The table is renamed."}, &stubTools{running: true}, "")
	rr := httptest.NewRecorder()
	s.routes().ServeHTTP(rr, postJSON("/message/", `{"query":"rename the table","selected":[]}`))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("Content-Type = %q", ct)
	}

	events := decodeEvents(t, rr.Body.String())
	var types []string
	for _, ev := range events {
		types = append(types, ev["type"].(string))
	}
	want := "cost,message,compressing_context,cost"
	if got := strings.Join(types, ","); got != want {
		t.Fatalf("event types = %s, want %s", got, want)
	}
	if events[1]["content"] != "The table is renamed." {
		t.Fatalf("message content = %v", events[1]["content"])
	}
	if events[0]["kind"] != string(usage.KindTurn) || events[3]["kind"] != string(usage.KindCompaction) {
		t.Fatalf("cost kinds = %v, %v", events[0]["kind"], events[3]["kind"])
	}
	if total := events[3]["total"].(float64); total != s.session.TotalCost() {
		t.Fatalf("last total %v != session total %v", total, s.session.TotalCost())
	}
	if s.session.Context() != "short summary" {
		t.Fatalf("context = %q", s.session.Context())
	}
}

func TestServeMessageRejectsBadRequests(t *testing.T) {
	cases := []struct {
		name    string
		req     func() *http.Request
		running bool
		want    int
	}{
		{"wrong method", func() *http.Request { return httptest.NewRequest(http.MethodGet, "/message", nil) }, true, http.StatusMethodNotAllowed},
		{"no content type", func() *http.Request {
			return httptest.NewRequest(http.MethodPost, "/message", strings.NewReader(`{"query":"x"}`))
		}, true, http.StatusUnsupportedMediaType},
		{"bad json", func() *http.Request { return postJSON("/message", `{"query":`) }, true, http.StatusBadRequest},
		{"empty query", func() *http.Request { return postJSON("/message", `{"query":"   "}`) }, true, http.StatusBadRequest},
		{"not set up", func() *http.Request { return postJSON("/message", `{"query":"x"}`) }, false, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(t, &stubModel{reply: "x"}, &stubTools{running: tc.running}, "")
			rr := httptest.NewRecorder()
			s.routes().ServeHTTP(rr, tc.req())
			if rr.Code != tc.want {
				t.Fatalf("status = %d, want %d (body %s)", rr.Code, tc.want, rr.Body.String())
			}
		})
	}
}

func TestServeBusyAndCancel(t *testing.T) {
	model := &stubModel{
		reply:   "working",
		call:    &llm.ToolCall{ID: "c1", Name: "update_cell", Arguments: json.RawMessage(`{"row":1}`)},
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	s := newTestServer(t, model, &stubTools{running: true}, "")
	h := s.routes()

	first := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.ServeHTTP(first, postJSON("/message", `{"query":"long task"}`))
	}()

	select {
	case <-model.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("run never reached the model")
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, postJSON("/message", `{"query":"second"}`))
	if rr.Code != http.StatusConflict {
		t.Fatalf("concurrent message status = %d, want 409", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))
	var status agent.Status
	if err := json.Unmarshal(rr.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.Processing {
		t.Fatalf("status.processing = false during a run")
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/cancel", nil))
	if strings.TrimSpace(rr.Body.String()) != `{"cancelled":true}` {
		t.Fatalf("cancel body = %s", rr.Body.String())
	}

	close(model.release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}

	events := decodeEvents(t, first.Body.String())
	last := events[len(events)-1]
	if last["type"] != "cancelled" {
		t.Fatalf("last event = %v, want cancelled", last)
	}
	if s.session.Context() != agent.NoPriorContext {
		t.Fatalf("cancelled run changed context to %q", s.session.Context())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/cancel", nil))
	if strings.TrimSpace(rr.Body.String()) != `{"cancelled":false}` {
		t.Fatalf("idle cancel body = %s", rr.Body.String())
	}
}

func TestServeClearContext(t *testing.T) {
	s := newTestServer(t, &stubModel{reply: "ok"}, &stubTools{running: true}, "")
	h := s.routes()
	h.ServeHTTP(httptest.NewRecorder(), postJSON("/message", `{"query":"hi"}`))
	if s.session.Context() == agent.NoPriorContext {
		t.Fatalf("expected compacted context")
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/clear_context", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if s.session.Context() != agent.NoPriorContext {
		t.Fatalf("context = %q after clear", s.session.Context())
	}
}

func TestServeAuth(t *testing.T) {
	s := newTestServer(t, &stubModel{}, &stubTools{}, "secret")
	h := s.routes()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d, want 401", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("valid token: status = %d, want 200", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz must not require auth, got %d", rr.Code)
	}
}

func TestServeCORSPreflight(t *testing.T) {
	s := newTestServer(t, &stubModel{}, &stubTools{}, "secret")
	h := s.routes()

	req := httptest.NewRequest(http.MethodOptions, "/message", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("Allow-Origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/message", nil)
	req.Header.Set("Origin", "http://evil.example")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected Allow-Origin %q for unknown origin", got)
	}
}

func TestServeMetrics(t *testing.T) {
	s := newTestServer(t, &stubModel{reply: "ok"}, &stubTools{running: true}, "")
	h := s.routes()
	h.ServeHTTP(httptest.NewRecorder(), postJSON("/message", `{"query":"hi"}`))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `docpilot_agent_runs_total{outcome="completed"} 1`) {
		t.Fatalf("runs counter missing from:\n%s", rr.Body.String())
	}
}

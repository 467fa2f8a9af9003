package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/samsaffron/docpilot/internal/usage"
)

// EventType tags an Event on the wire.
type EventType string

const (
	EventMessage            EventType = "message"
	EventToolCall           EventType = "tool_call"
	EventToolResult         EventType = "tool_result"
	EventToolError          EventType = "tool_error"
	EventCost               EventType = "cost"
	EventCancelled          EventType = "cancelled"
	EventMaxIterations      EventType = "max_iterations"
	EventCompressingContext EventType = "compressing_context"
	EventError              EventType = "error"
)

// Event is one entry of the run's event stream. Only the fields belonging
// to Type are meaningful; MarshalJSON writes exactly those.
type Event struct {
	Type EventType

	Text    string          // message, tool_error, cancelled, error
	Name    string          // tool_call
	Args    json.RawMessage // tool_call
	Payload json.RawMessage // tool_result, unstripped

	Cost  float64    // cost: incremental
	Total float64    // cost: session lifetime
	Kind  usage.Kind // cost
}

func MessageEvent(text string) Event {
	return Event{Type: EventMessage, Text: text}
}

func ToolCallEvent(name string, args json.RawMessage) Event {
	return Event{Type: EventToolCall, Name: name, Args: args}
}

func ToolResultEvent(payload json.RawMessage) Event {
	return Event{Type: EventToolResult, Payload: payload}
}

func ToolErrorEvent(msg string) Event {
	return Event{Type: EventToolError, Text: msg}
}

func CostEvent(c usage.Charge) Event {
	return Event{Type: EventCost, Cost: c.Cost, Total: c.Lifetime, Kind: c.Kind}
}

func CancelledEvent(msg string) Event {
	return Event{Type: EventCancelled, Text: msg}
}

func MaxIterationsEvent() Event {
	return Event{Type: EventMaxIterations}
}

func CompressingContextEvent() Event {
	return Event{Type: EventCompressingContext}
}

func ErrorEvent(msg string) Event {
	return Event{Type: EventError, Text: msg}
}

func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventMessage, EventToolError:
		return marshal(struct {
			Type    EventType `json:"type"`
			Content string    `json:"content"`
		}{e.Type, e.Text})
	case EventToolCall:
		return marshal(struct {
			Type EventType       `json:"type"`
			Name string          `json:"name"`
			Args json.RawMessage `json:"args"`
		}{e.Type, e.Name, objectOrEmpty(e.Args)})
	case EventToolResult:
		return marshal(struct {
			Type    EventType       `json:"type"`
			Content json.RawMessage `json:"content"`
		}{e.Type, objectOrEmpty(e.Payload)})
	case EventCost:
		return marshal(struct {
			Type  EventType  `json:"type"`
			Cost  float64    `json:"cost"`
			Total float64    `json:"total"`
			Kind  usage.Kind `json:"kind"`
		}{e.Type, e.Cost, e.Total, e.Kind})
	case EventCancelled, EventError:
		return marshal(struct {
			Type    EventType `json:"type"`
			Message string    `json:"message"`
		}{e.Type, e.Text})
	case EventMaxIterations, EventCompressingContext:
		return marshal(struct {
			Type EventType `json:"type"`
		}{e.Type})
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
}

// marshal encodes without HTML escaping so markup in messages stays readable.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func objectOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || !json.Valid(raw) {
		return json.RawMessage(`{}`)
	}
	return raw
}

// Emitter receives events in production order.
type Emitter interface {
	Emit(Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event) error

func (f EmitterFunc) Emit(ev Event) error { return f(ev) }

type flusher interface {
	Flush()
}

// NDJSONWriter writes one JSON object per line and flushes after each
// event when the underlying writer supports it (http.ResponseWriter does).
type NDJSONWriter struct {
	mu  sync.Mutex
	w   io.Writer
	enc *json.Encoder
}

func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &NDJSONWriter{w: w, enc: enc}
}

func (n *NDJSONWriter) Emit(ev Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.enc.Encode(ev); err != nil {
		return fmt.Errorf("write %s event: %w", ev.Type, err)
	}
	if f, ok := n.w.(flusher); ok {
		f.Flush()
	}
	return nil
}

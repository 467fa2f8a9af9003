package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrProviderUnavailable reports that the model provider could not serve a
// request. Runs treat it as fatal.
var ErrProviderUnavailable = errors.New("model provider unavailable")

// Model completes one conversation turn.
type Model interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Request represents a single model turn.
type Request struct {
	System    string
	Messages  []Message
	Tools     []ToolSpec
	MaxTokens int
}

// Response is a decoded, non-streaming model reply.
type Response struct {
	ID         string
	Model      string
	StopReason string
	Parts      []Part
	Usage      Usage
	// Unrecognized lists block kinds the provider returned that have no
	// Part representation. They are reported, never replayed.
	Unrecognized []string
}

// Role identifies a message role.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType tags the variant held by a Part.
type PartType string

const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool_use"
	PartToolResult PartType = "tool_result"
)

// Message is one role-tagged turn of a conversation.
type Message struct {
	Role  Role
	Parts []Part
}

// Part is one content block. Exactly one payload matches Type:
// Text for PartText, ToolCall for PartToolCall, ToolResult for PartToolResult.
type Part struct {
	Type       PartType
	Text       string
	ToolCall   *ToolCall
	ToolResult *ToolResult
}

// ToolSpec describes a tool offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
	// Cacheable marks the prompt cache breakpoint. Only the last tool of
	// a request should carry it.
	Cacheable bool
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolResult answers a ToolCall. ID must equal the originating call's ID.
type ToolResult struct {
	ID      string
	Content string
	IsError bool
}

// Usage holds the four billed token classes of one model call.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheWriteTokens int64
	CacheReadTokens  int64
}

func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

func ToolCallPart(call ToolCall) Part {
	return Part{Type: PartToolCall, ToolCall: &call}
}

func ToolResultPart(result ToolResult) Part {
	return Part{Type: PartToolResult, ToolResult: &result}
}

func UserText(text string) Message {
	return Message{Role: RoleUser, Parts: []Part{TextPart(text)}}
}

func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Parts: []Part{TextPart(text)}}
}

// ToolErrorResult builds an error result for a failed call.
// The error is passed to the model so it can respond gracefully instead of
// failing the run.
func ToolErrorResult(callID string, err error) ToolResult {
	return ToolResult{ID: callID, Content: fmt.Sprintf("Error: %v", err), IsError: true}
}

// Text returns the concatenated text parts of the response.
func (r *Response) Text() string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range r.Parts {
		if part.Type == PartText {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// ToolCalls returns tool invocations in response order.
func (r *Response) ToolCalls() []ToolCall {
	if r == nil {
		return nil
	}
	var calls []ToolCall
	for _, part := range r.Parts {
		if part.Type == PartToolCall && part.ToolCall != nil {
			calls = append(calls, *part.ToolCall)
		}
	}
	return calls
}

// ProviderError wraps a failed model call. It matches ErrProviderUnavailable
// with errors.Is.
type ProviderError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: HTTP %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool {
	return target == ErrProviderUnavailable
}

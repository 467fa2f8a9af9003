package mcp

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Result is a successful tool call. Payload is always a JSON object: the
// structured content when the tool provides it, the text content when it is
// a JSON object, or {"content": ...} wrapping anything else.
type Result struct {
	Payload json.RawMessage
}

// decodeResult turns an SDK result into a Result or a *ToolError.
func decodeResult(tool string, res *mcp.CallToolResult) (*Result, error) {
	if res == nil {
		return nil, &ToolError{Tool: tool, Message: "empty result", Err: ErrMalformedResult}
	}
	text := formatContent(res.Content)

	if res.IsError {
		return nil, &ToolError{Tool: tool, Message: errorMessage(text)}
	}

	if res.StructuredContent != nil {
		data, err := json.Marshal(res.StructuredContent)
		if err != nil {
			return nil, &ToolError{Tool: tool, Message: err.Error(), Err: ErrMalformedResult}
		}
		return &Result{Payload: asObject(data)}, nil
	}

	payload, err := parsePayload(text)
	if err != nil {
		return nil, &ToolError{Tool: tool, Message: err.Error(), Err: ErrMalformedResult}
	}
	return &Result{Payload: payload}, nil
}

// formatContent joins the content parts of a result. Text parts are kept
// verbatim, anything else is JSON encoded.
func formatContent(content []mcp.Content) string {
	parts := make([]string, 0, len(content))
	for _, c := range content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
			continue
		}
		data, err := json.Marshal(c)
		if err != nil {
			continue
		}
		parts = append(parts, string(data))
	}
	return strings.Join(parts, "\n")
}

func parsePayload(text string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(text)
	switch {
	case strings.HasPrefix(trimmed, "{"):
		if !gjson.Valid(trimmed) {
			return nil, fmt.Errorf("invalid JSON object in tool output")
		}
		return json.RawMessage(trimmed), nil
	case strings.HasPrefix(trimmed, "["):
		if !gjson.Valid(trimmed) {
			return nil, fmt.Errorf("invalid JSON array in tool output")
		}
		out, err := sjson.SetRawBytes([]byte("{}"), "content", []byte(trimmed))
		if err != nil {
			return nil, err
		}
		return out, nil
	default:
		out, err := sjson.SetBytes([]byte("{}"), "content", text)
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}

func asObject(data []byte) json.RawMessage {
	if gjson.ParseBytes(data).IsObject() {
		return data
	}
	out, err := sjson.SetRawBytes([]byte("{}"), "content", data)
	if err != nil {
		return data
	}
	return out
}

// errorMessage extracts a human readable message from an error payload.
func errorMessage(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "tool reported an error"
	}
	if gjson.Valid(trimmed) {
		for _, path := range []string{"error.message", "error", "message", "detail"} {
			if v := gjson.Get(trimmed, path); v.Exists() && v.Type == gjson.String && v.String() != "" {
				return v.String()
			}
		}
	}
	return trimmed
}

// StripFields removes top-level fields from a JSON object payload.
// Missing fields are ignored.
func StripFields(payload json.RawMessage, fields ...string) (json.RawMessage, error) {
	out := append([]byte(nil), payload...)
	for _, field := range fields {
		if !gjson.GetBytes(out, field).Exists() {
			continue
		}
		var err error
		out, err = sjson.DeleteBytes(out, field)
		if err != nil {
			return nil, fmt.Errorf("strip %s: %w", field, err)
		}
	}
	return out, nil
}

package mcp

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderUnavailable means the tool session cannot be reached.
	ErrProviderUnavailable = errors.New("tool provider unavailable")
	// ErrNotConnected is returned when no session has been established.
	ErrNotConnected = errors.New("mcp session not connected")
	// ErrMalformedResult marks a successful call whose payload cannot be parsed.
	ErrMalformedResult = errors.New("malformed tool result")
)

// UnreachableError is a transport or communication failure during a tool
// call, including per-call deadlines.
type UnreachableError struct {
	Tool string
	Err  error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("tool %s unreachable: %v", e.Tool, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// ToolError is an application-level failure: the provider answered, but the
// tool reported an error or returned a payload that cannot be consumed.
type ToolError struct {
	Tool    string
	Message string
	Err     error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s returned error: %s", e.Tool, e.Message)
}

func (e *ToolError) Unwrap() error { return e.Err }

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/samsaffron/docpilot/internal/llm"
	"github.com/samsaffron/docpilot/internal/mcp"
	"github.com/samsaffron/docpilot/internal/metrics"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ArgumentError reports tool arguments that do not satisfy the tool's
// input schema. The call is never sent to the provider.
type ArgumentError struct {
	Tool string
	Err  error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.Tool, e.Err)
}

func (e *ArgumentError) Unwrap() error { return e.Err }

// invocation is the outcome of one tool call.
type invocation struct {
	// payload is the provider's full result object, set on success only.
	payload json.RawMessage
	// result is what the model sees: the stripped payload, or an error.
	result llm.ToolResult
	err    error
}

type invoker struct {
	tools    ToolProvider
	strip    []string
	validate bool
	log      zerolog.Logger
	metrics  *metrics.Collector

	schemas  map[string]map[string]any
	compiled map[string]*jsonschema.Schema
}

func newInvoker(tools ToolProvider, strip []string, validate bool, log zerolog.Logger, m *metrics.Collector) *invoker {
	return &invoker{tools: tools, strip: strip, validate: validate, log: log, metrics: m}
}

// useCatalog swaps in the schemas of a freshly fetched catalog.
func (inv *invoker) useCatalog(specs []llm.ToolSpec) {
	inv.schemas = make(map[string]map[string]any, len(specs))
	inv.compiled = make(map[string]*jsonschema.Schema)
	for _, spec := range specs {
		inv.schemas[spec.Name] = spec.Schema
	}
}

// invoke runs one call. Every failure is contained in the returned
// invocation as an is_error result; invoke never aborts the run.
func (inv *invoker) invoke(ctx context.Context, call llm.ToolCall) invocation {
	start := time.Now()
	out := inv.call(ctx, call)

	status := metrics.ToolSuccess
	if out.err != nil {
		status = toolStatus(out.err)
		inv.log.Warn().Err(out.err).Str("tool", call.Name).Str("call_id", call.ID).Msg("tool call failed")
	} else {
		inv.log.Debug().Str("tool", call.Name).Str("call_id", call.ID).Int("bytes", len(out.payload)).Msg("tool call succeeded")
	}
	inv.metrics.ObserveToolCall(call.Name, status, time.Since(start))
	return out
}

func (inv *invoker) call(ctx context.Context, call llm.ToolCall) invocation {
	if inv.validate {
		if err := inv.validateArgs(call); err != nil {
			return failed(call.ID, err)
		}
	}

	res, err := inv.tools.CallTool(ctx, call.Name, call.Arguments)
	if err != nil {
		return failed(call.ID, err)
	}

	stripped, err := mcp.StripFields(res.Payload, inv.strip...)
	if err != nil {
		return failed(call.ID, &mcp.ToolError{Tool: call.Name, Message: err.Error(), Err: mcp.ErrMalformedResult})
	}
	return invocation{
		payload: res.Payload,
		result:  llm.ToolResult{ID: call.ID, Content: string(stripped)},
	}
}

func failed(callID string, err error) invocation {
	return invocation{result: llm.ToolErrorResult(callID, err), err: err}
}

func toolStatus(err error) string {
	var unreachable *mcp.UnreachableError
	var badArgs *ArgumentError
	switch {
	case errors.As(err, &unreachable):
		return metrics.ToolUnreachable
	case errors.As(err, &badArgs):
		return metrics.ToolInvalidArgs
	default:
		return metrics.ToolError
	}
}

func (inv *invoker) validateArgs(call llm.ToolCall) error {
	schema := inv.schemaFor(call.Name)
	if schema == nil {
		return nil
	}

	args := call.Arguments
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage(`{}`)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return &ArgumentError{Tool: call.Name, Err: fmt.Errorf("arguments are not valid JSON: %w", err)}
	}
	if err := schema.Validate(instance); err != nil {
		return &ArgumentError{Tool: call.Name, Err: err}
	}
	return nil
}

// schemaFor compiles the tool's input schema once per catalog. Tools that
// are not in the catalog, or whose schema does not compile, are left for
// the provider to judge.
func (inv *invoker) schemaFor(name string) *jsonschema.Schema {
	if s, ok := inv.compiled[name]; ok {
		return s
	}
	doc, ok := inv.schemas[name]
	if !ok || len(doc) == 0 {
		return nil
	}

	schema, err := compileSchema(name+".json", doc)
	if err != nil {
		inv.log.Debug().Err(err).Str("tool", name).Msg("skipping argument validation")
	}
	inv.compiled[name] = schema
	return schema
}

func compileSchema(url string, doc map[string]any) (*jsonschema.Schema, error) {
	// Re-decode so numbers carry the json.Number representation the
	// compiler expects.
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	resource, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, resource); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}

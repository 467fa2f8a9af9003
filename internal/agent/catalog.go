package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/samsaffron/docpilot/internal/llm"
	"github.com/samsaffron/docpilot/internal/mcp"
)

// ToolProvider is the remote tool session. *mcp.Client implements it.
type ToolProvider interface {
	ListTools(ctx context.Context) ([]mcp.ToolSpec, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.Result, error)
}

// fetchCatalog lists the provider's tools in provider order and marks the
// last one as the prompt cache breakpoint. Failures are fatal to the run.
func fetchCatalog(ctx context.Context, tools ToolProvider) ([]llm.ToolSpec, error) {
	listed, err := tools.ListTools(ctx)
	if err != nil {
		if errors.Is(err, mcp.ErrProviderUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: list tools: %v", mcp.ErrProviderUnavailable, err)
	}

	specs := make([]llm.ToolSpec, 0, len(listed))
	for _, t := range listed {
		specs = append(specs, llm.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Schema:      t.Schema,
		})
	}
	return annotateCatalog(specs), nil
}

// annotateCatalog sets Cacheable on the last tool only. Cacheability is
// positional, so it has to be re-applied to every freshly fetched list.
func annotateCatalog(specs []llm.ToolSpec) []llm.ToolSpec {
	for i := range specs {
		specs[i].Cacheable = i == len(specs)-1
	}
	return specs
}

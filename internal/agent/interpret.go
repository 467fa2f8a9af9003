package agent

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/samsaffron/docpilot/internal/llm"
)

// interpretation is a model response decomposed into ordered blocks.
type interpretation struct {
	parts []llm.Part
	calls []llm.ToolCall
	usage llm.Usage
}

func (in interpretation) hasToolCalls() bool {
	return len(in.calls) > 0
}

// interpret copies the response blocks in order, assigns ids to tool calls
// that arrived without one and reports block kinds it cannot replay.
func interpret(resp *llm.Response, log zerolog.Logger) interpretation {
	in := interpretation{usage: resp.Usage}

	for _, kind := range resp.Unrecognized {
		log.Warn().Str("block_type", kind).Msg("unrecognized block in model response")
	}

	for _, part := range resp.Parts {
		switch part.Type {
		case llm.PartText:
			in.parts = append(in.parts, llm.TextPart(part.Text))
		case llm.PartToolCall:
			if part.ToolCall == nil {
				log.Warn().Msg("tool_use block without payload")
				continue
			}
			call := *part.ToolCall
			if strings.TrimSpace(call.ID) == "" {
				call.ID = fmt.Sprintf("toolcall-%d", len(in.calls)+1)
			}
			in.calls = append(in.calls, call)
			in.parts = append(in.parts, llm.ToolCallPart(call))
		case llm.PartToolResult:
			log.Warn().Msg("model returned a tool_result block; ignoring")
		default:
			log.Warn().Str("block_type", string(part.Type)).Msg("unrecognized block in model response")
		}
	}
	return in
}

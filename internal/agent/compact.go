package agent

import (
	"context"
	"strings"

	"github.com/samsaffron/docpilot/internal/llm"
	"github.com/samsaffron/docpilot/internal/usage"
)

const summaryInstruction = "Please provide a brief summary of the conversation so far. Make sure to prioritize the user's goals, actions taken, and any important data like document keys that will be important for the continuation of work. List the most recent actions first"

// compact asks the model to summarize the run's conversation and replaces
// the running context with the answer. On failure the previous context is
// kept.
func (r *run) compact(ctx context.Context) {
	s := r.session
	r.emit(CompressingContextEvent())

	resp, err := r.callModel(ctx, llm.Request{
		System:    r.system,
		Messages:  withInstruction(r.messages, summaryInstruction),
		MaxTokens: s.opts.SummaryMaxTokens,
	}, usage.KindCompaction)
	if err != nil {
		r.log.Error().Err(err).Msg("context compression failed; keeping previous context")
		return
	}

	summary := strings.TrimSpace(resp.Text())
	if summary == "" {
		r.log.Warn().Msg("context compression returned no text; keeping previous context")
		return
	}
	s.setContext(summary)
	r.log.Debug().Int("chars", len(summary)).Msg("context compressed")
}

// withInstruction appends a user instruction without mutating messages. A
// trailing user turn (tool results) gets the instruction as an extra part
// so roles keep alternating.
func withInstruction(messages []llm.Message, instruction string) []llm.Message {
	out := make([]llm.Message, len(messages), len(messages)+1)
	copy(out, messages)

	if n := len(out); n > 0 && out[n-1].Role == llm.RoleUser {
		last := out[n-1]
		parts := make([]llm.Part, 0, len(last.Parts)+1)
		parts = append(parts, last.Parts...)
		parts = append(parts, llm.TextPart(instruction))
		out[n-1] = llm.Message{Role: llm.RoleUser, Parts: parts}
		return out
	}
	return append(out, llm.UserText(instruction))
}

package agent

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/samsaffron/docpilot/internal/llm"
	"github.com/samsaffron/docpilot/internal/usage"
)

const cancelledMessage = "Processing cancelled by user"

// run is the state owned by one Session.Run call. The conversation buffer
// is never shared, so no locking is needed inside the loop.
type run struct {
	id      string
	session *Session
	log     zerolog.Logger
	invoker *invoker

	system     string
	messages   []llm.Message
	iterations int

	emitter    Emitter
	emitBroken bool
}

// loop drives the iterations. A non-nil error means a fatal provider failure
// and comes with OutcomeFailed.
//
// ctx is only consulted at iteration boundaries. Model and tool calls run on
// a detached context so a caller that goes away mid-call ends the run as
// cancelled rather than failed.
func (r *run) loop(ctx context.Context) (Outcome, error) {
	s := r.session
	callCtx := context.WithoutCancel(ctx)
	for r.iterations < s.opts.MaxIterations {
		if r.stopRequested(ctx) {
			return OutcomeCancelled, nil
		}
		r.iterations++
		s.opts.Metrics.IncIteration()

		catalog, err := fetchCatalog(callCtx, s.opts.Tools)
		if err != nil {
			return OutcomeFailed, err
		}
		r.invoker.useCatalog(catalog)

		resp, err := r.callModel(callCtx, llm.Request{
			System:    r.system,
			Messages:  r.messages,
			Tools:     catalog,
			MaxTokens: s.opts.MaxTokens,
		}, usage.KindTurn)
		if err != nil {
			return OutcomeFailed, err
		}

		turn := interpret(resp, r.log)
		var results []llm.Part
		for _, part := range turn.parts {
			switch part.Type {
			case llm.PartText:
				if part.Text == "" {
					continue
				}
				r.messages = append(r.messages, llm.AssistantText(part.Text))
				r.emit(MessageEvent(part.Text))
			case llm.PartToolCall:
				call := *part.ToolCall
				r.emit(ToolCallEvent(call.Name, call.Arguments))
				out := r.invoker.invoke(callCtx, call)
				if out.err != nil {
					r.emit(ToolErrorEvent(out.err.Error()))
				} else {
					r.emit(ToolResultEvent(out.payload))
				}
				results = append(results, llm.ToolResultPart(out.result))
			case llm.PartToolResult:
				// interpret drops these
			}
		}

		if !turn.hasToolCalls() {
			return OutcomeCompleted, nil
		}
		r.messages = append(r.messages,
			llm.Message{Role: llm.RoleAssistant, Parts: turn.parts},
			llm.Message{Role: llm.RoleUser, Parts: results},
		)
	}

	// a cancel during the final iteration still wins over the ceiling
	if r.stopRequested(ctx) {
		return OutcomeCancelled, nil
	}
	r.log.Warn().Int("max_iterations", s.opts.MaxIterations).Msg("reached maximum iterations")
	r.emit(MaxIterationsEvent())
	return OutcomeMaxIterations, nil
}

// stopRequested reports a cancel flag or a done ctx, emitting the
// cancelled event when either is set.
func (r *run) stopRequested(ctx context.Context) bool {
	if !r.session.cancelRequested() && ctx.Err() == nil {
		return false
	}
	r.log.Info().Int("iteration", r.iterations).Msg("run cancelled")
	r.emit(CancelledEvent(cancelledMessage))
	return true
}

// callModel performs one model call and accounts for it: cost event,
// ledger row and metrics.
func (r *run) callModel(ctx context.Context, req llm.Request, kind usage.Kind) (*llm.Response, error) {
	s := r.session
	model := s.opts.Model.Name()

	start := time.Now()
	resp, err := s.opts.Model.Complete(ctx, req)
	if err != nil {
		s.opts.Metrics.ObserveModelCall(model, string(kind), "error", time.Since(start))
		return nil, err
	}
	if resp.Model != "" {
		model = resp.Model
	}
	s.opts.Metrics.ObserveModelCall(model, string(kind), "success", time.Since(start))
	s.opts.Metrics.AddTokens(model, "input", resp.Usage.InputTokens)
	s.opts.Metrics.AddTokens(model, "output", resp.Usage.OutputTokens)
	s.opts.Metrics.AddTokens(model, "cache_write", resp.Usage.CacheWriteTokens)
	s.opts.Metrics.AddTokens(model, "cache_read", resp.Usage.CacheReadTokens)

	charge := s.acct.Charge(r.id, model, kind, resp.Usage)
	s.opts.Metrics.AddCost(string(kind), charge.Cost)
	if err := s.opts.Ledger.Record(context.WithoutCancel(ctx), charge); err != nil {
		r.log.Warn().Err(err).Msg("failed to record charge")
	}
	r.log.Debug().
		Str("kind", string(kind)).
		Int64("input_tokens", resp.Usage.InputTokens).
		Int64("output_tokens", resp.Usage.OutputTokens).
		Float64("cost", charge.Cost).
		Float64("total", charge.Lifetime).
		Msg("model call")

	r.emit(CostEvent(charge))
	return resp, nil
}

// emit forwards an event to the caller. A caller that stops reading cancels
// the run at the next iteration boundary.
func (r *run) emit(ev Event) {
	if r.emitBroken || r.emitter == nil {
		return
	}
	if err := r.emitter.Emit(ev); err != nil {
		r.emitBroken = true
		r.log.Warn().Err(err).Msg("event stream closed; cancelling run")
		r.session.cancel.Store(true)
	}
}

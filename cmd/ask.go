package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/samsaffron/docpilot/internal/agent"
	"github.com/samsaffron/docpilot/internal/signal"
	"github.com/spf13/cobra"
)

var (
	askJSON     bool
	askDocument string
	askSelected []string
)

var askCmd = &cobra.Command{
	Use:   "ask <query>",
	Short: "Run one query against the tool server",
	Long: `Run one query through the agent loop and print its events.

Press Ctrl+C once to cancel at the next iteration boundary, twice to abort.

Examples:
  docpilot ask "what is in the first table?"
  docpilot ask --document doc.json --select '#/texts/3' "shorten this paragraph"
  docpilot ask --json "summarize the document" | jq .`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	rootCmd.AddCommand(askCmd)
	askCmd.Flags().BoolVar(&askJSON, "json", false, "Print events as NDJSON")
	askCmd.Flags().StringVar(&askDocument, "document", "", "Path to a JSON document snapshot")
	askCmd.Flags().StringArrayVar(&askSelected, "select", nil, "Selected element reference (repeatable)")
}

func runAsk(cmd *cobra.Command, args []string) error {
	req := agent.RunRequest{
		Query:    strings.Join(args, " "),
		Selected: askSelected,
	}
	if askDocument != "" {
		data, err := os.ReadFile(askDocument)
		if err != nil {
			return fmt.Errorf("read document: %w", err)
		}
		if !json.Valid(data) {
			return fmt.Errorf("document %s is not valid JSON", askDocument)
		}
		req.Document = data
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := newRuntime(cfg, nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	stop := signal.OnFirst(func() {
		if rt.session.Cancel() {
			fmt.Fprintln(cmd.ErrOrStderr(), mutedStyle().Render("cancelling after the current step (Ctrl+C again to abort)"))
		}
	})
	defer stop()

	ctx := context.Background()
	if err := rt.tools.Start(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var emitter agent.Emitter
	if askJSON {
		emitter = agent.NewNDJSONWriter(out)
	} else {
		emitter = newEventPrinter(out, !stdoutIsTerminal(), terminalWidth())
	}

	res, err := rt.session.Run(ctx, req, emitter)
	if err != nil {
		return err
	}
	if !askJSON {
		fmt.Fprintln(cmd.ErrOrStderr(), mutedStyle().Render(fmt.Sprintf("%s after %d iteration(s), %s", res.Outcome, res.Iterations, formatCost(res.Cost))))
	}
	return nil
}

// eventPrinter renders events for a person at a terminal.
type eventPrinter struct {
	w     io.Writer
	plain bool
	width int
}

func newEventPrinter(w io.Writer, plain bool, width int) *eventPrinter {
	return &eventPrinter{w: w, plain: plain, width: width}
}

func (p *eventPrinter) Emit(ev agent.Event) error {
	var line string
	switch ev.Type {
	case agent.EventMessage:
		line = ev.Text
		if !p.plain {
			line = renderMarkdown(ev.Text, p.width)
		}
	case agent.EventToolCall:
		line = p.style(toolStyle().Render, "→ "+ev.Name) + " " + p.style(mutedStyle().Render, truncate(compactJSON(ev.Args), p.width))
	case agent.EventToolResult:
		line = p.style(mutedStyle().Render, "  ✓ "+truncate(compactJSON(ev.Payload), p.width))
	case agent.EventToolError:
		line = p.style(errorStyle().Render, "  ✗ "+ev.Text)
	case agent.EventCost:
		line = p.style(mutedStyle().Render, fmt.Sprintf("  %s: %s (session %s)", ev.Kind, formatCost(ev.Cost), formatCost(ev.Total)))
	case agent.EventCompressingContext:
		line = p.style(mutedStyle().Render, "compressing context…")
	case agent.EventMaxIterations:
		line = p.style(warningStyle().Render, "stopped: maximum iterations reached")
	case agent.EventCancelled:
		line = p.style(warningStyle().Render, ev.Text)
	case agent.EventError:
		line = p.style(errorStyle().Render, "error: "+ev.Text)
	default:
		return nil
	}
	_, err := fmt.Fprintln(p.w, line)
	return err
}

func (p *eventPrinter) style(render func(...string) string, s string) string {
	if p.plain {
		return s
	}
	return render(s)
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 3 || len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/samsaffron/docpilot/internal/usage"
	"github.com/spf13/cobra"
)

var (
	usageSince     string
	usageRun       string
	usageJSON      bool
	usageBreakdown bool
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show model costs recorded in the cost ledger",
	Long: `Show token usage and costs recorded in the cost ledger.

The ledger is written by serve and ask when ledger.path is set.

Examples:
  docpilot usage                    # show last 7 days
  docpilot usage --since 20260101   # from Jan 1, 2026
  docpilot usage --breakdown        # totals per charge kind
  docpilot usage --run <run-id>     # cost of one run
  docpilot usage --json             # output as JSON`,
	RunE: runUsage,
}

func init() {
	rootCmd.AddCommand(usageCmd)
	usageCmd.Flags().StringVar(&usageSince, "since", "", "Start date (YYYYMMDD)")
	usageCmd.Flags().StringVar(&usageRun, "run", "", "Show the total cost of one run")
	usageCmd.Flags().BoolVar(&usageJSON, "json", false, "Output as JSON")
	usageCmd.Flags().BoolVar(&usageBreakdown, "breakdown", false, "Show per-kind breakdown")
}

func runUsage(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ledger, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer ledger.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if usageRun != "" {
		total, err := ledger.RunTotal(ctx, usageRun)
		if err != nil {
			return fmt.Errorf("query run %s: %w", usageRun, err)
		}
		if usageJSON {
			return writeIndentedJSON(out, map[string]any{"run_id": usageRun, "totalCost": total})
		}
		fmt.Fprintf(out, "%s\t%s\n", usageRun, formatCost(total))
		return nil
	}

	since := usage.DefaultSince(time.Now())
	if usageSince != "" {
		t, err := usage.ParseDateYYYYMMDD(usageSince)
		if err != nil {
			return fmt.Errorf("invalid --since date (expected YYYYMMDD): %w", err)
		}
		since = t
	}

	daily, err := ledger.Daily(ctx, since)
	if err != nil {
		return err
	}
	if len(daily) == 0 {
		if usageJSON {
			fmt.Fprintln(out, `{"daily": [], "totals": {}}`)
		} else {
			fmt.Fprintln(out, "No usage recorded for the specified date range.")
		}
		return nil
	}

	totals := usage.CalculateTotals(daily)
	if usageJSON {
		return outputUsageJSON(out, daily, totals)
	}
	return outputUsageTable(out, daily, totals, since)
}

type jsonOutput struct {
	Daily     []jsonDailyUsage    `json:"daily"`
	Totals    jsonDailyUsage      `json:"totals"`
	Breakdown []jsonKindBreakdown `json:"breakdown,omitempty"`
}

type jsonDailyUsage struct {
	Date             string  `json:"date"`
	Kind             string  `json:"kind,omitempty"`
	Calls            int     `json:"calls"`
	InputTokens      int64   `json:"inputTokens"`
	OutputTokens     int64   `json:"outputTokens"`
	CacheWriteTokens int64   `json:"cacheWriteTokens"`
	CacheReadTokens  int64   `json:"cacheReadTokens"`
	TotalTokens      int64   `json:"totalTokens"`
	TotalCost        float64 `json:"totalCost"`
}

type jsonKindBreakdown struct {
	Kind  string  `json:"kind"`
	Calls int     `json:"calls"`
	Cost  float64 `json:"cost"`
}

func toJSONDaily(d usage.DailyUsage) jsonDailyUsage {
	return jsonDailyUsage{
		Date:             d.Date,
		Kind:             string(d.Kind),
		Calls:            d.Calls,
		InputTokens:      d.InputTokens,
		OutputTokens:     d.OutputTokens,
		CacheWriteTokens: d.CacheWriteTokens,
		CacheReadTokens:  d.CacheReadTokens,
		TotalTokens:      d.TotalTokens(),
		TotalCost:        d.TotalCost,
	}
}

func outputUsageJSON(w io.Writer, daily []usage.DailyUsage, totals usage.DailyUsage) error {
	output := jsonOutput{
		Daily:  make([]jsonDailyUsage, len(daily)),
		Totals: toJSONDaily(totals),
	}
	for i, d := range daily {
		output.Daily[i] = toJSONDaily(d)
	}
	if usageBreakdown {
		for _, kb := range usage.GetKindBreakdown(daily) {
			output.Breakdown = append(output.Breakdown, jsonKindBreakdown{Kind: string(kb.Kind), Calls: kb.Calls, Cost: kb.Cost})
		}
	}
	return writeIndentedJSON(w, output)
}

func writeIndentedJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func outputUsageTable(out io.Writer, daily []usage.DailyUsage, totals usage.DailyUsage, since time.Time) error {
	fmt.Fprintf(out, "%s\n\n", headerStyle().Render("Usage since "+since.Format("2006-01-02")))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)

	fmt.Fprintf(w, "Date\t Kind\t Calls\t Input\t Output\t Cache Write\t Cache Read\t Cost\t\n")
	fmt.Fprintf(w, "────\t ────\t ─────\t ─────\t ──────\t ───────────\t ──────────\t ────\t\n")

	lastDate := ""
	for _, d := range daily {
		date := d.Date
		if date == lastDate {
			date = ""
		}
		lastDate = d.Date
		fmt.Fprintf(w, "%s\t %s\t %d\t %s\t %s\t %s\t %s\t %s\t\n",
			date,
			shortKind(d.Kind),
			d.Calls,
			formatTokens(d.InputTokens),
			formatTokens(d.OutputTokens),
			formatTokens(d.CacheWriteTokens),
			formatTokens(d.CacheReadTokens),
			formatCost(d.TotalCost))
	}

	fmt.Fprintf(w, "────\t ────\t ─────\t ─────\t ──────\t ───────────\t ──────────\t ────\t\n")

	if usageBreakdown {
		for _, kb := range usage.GetKindBreakdown(daily) {
			fmt.Fprintf(w, "%s\t\t %d\t\t\t\t\t %s\t\n", shortKind(kb.Kind), kb.Calls, formatCost(kb.Cost))
		}
	}

	fmt.Fprintf(w, "Total\t\t %d\t %s\t %s\t %s\t %s\t %s\t\n",
		totals.Calls,
		formatTokens(totals.InputTokens),
		formatTokens(totals.OutputTokens),
		formatTokens(totals.CacheWriteTokens),
		formatTokens(totals.CacheReadTokens),
		formatCost(totals.TotalCost))

	return w.Flush()
}

func shortKind(k usage.Kind) string {
	switch k {
	case usage.KindTurn:
		return "turn"
	case usage.KindCompaction:
		return "compaction"
	default:
		return string(k)
	}
}

// formatTokens formats a token count in human-readable form (e.g., 1.5M, 384k)
func formatTokens(n int64) string {
	if n == 0 {
		return "0"
	}
	if n >= 1_000_000 {
		val := float64(n) / 1_000_000
		if val >= 100 {
			return fmt.Sprintf("%.0fM", val)
		} else if val >= 10 {
			return fmt.Sprintf("%.1fM", val)
		}
		return fmt.Sprintf("%.2fM", val)
	}
	if n >= 1_000 {
		val := float64(n) / 1_000
		if val >= 100 {
			return fmt.Sprintf("%.0fk", val)
		} else if val >= 10 {
			return fmt.Sprintf("%.1fk", val)
		}
		return fmt.Sprintf("%.2fk", val)
	}
	return fmt.Sprintf("%d", n)
}

// formatCost formats a cost in USD. Sub-cent amounts keep four decimals.
func formatCost(cost float64) string {
	switch {
	case cost == 0:
		return "$0.00"
	case cost < 0.01:
		return fmt.Sprintf("$%.4f", cost)
	default:
		return fmt.Sprintf("$%.2f", cost)
	}
}

package usage

import (
	"sort"
	"time"
)

// CalculateTotals sums daily rows into one row labelled "Total".
func CalculateTotals(daily []DailyUsage) DailyUsage {
	total := DailyUsage{Date: "Total"}
	for _, d := range daily {
		total.Calls += d.Calls
		total.InputTokens += d.InputTokens
		total.OutputTokens += d.OutputTokens
		total.CacheWriteTokens += d.CacheWriteTokens
		total.CacheReadTokens += d.CacheReadTokens
		total.TotalCost += d.TotalCost
	}
	return total
}

// KindBreakdown is the cost share of one charge kind.
type KindBreakdown struct {
	Kind  Kind
	Calls int
	Cost  float64
}

// GetKindBreakdown totals rows per kind, most expensive first.
func GetKindBreakdown(daily []DailyUsage) []KindBreakdown {
	byKind := make(map[Kind]*KindBreakdown)
	for _, d := range daily {
		kb, ok := byKind[d.Kind]
		if !ok {
			kb = &KindBreakdown{Kind: d.Kind}
			byKind[d.Kind] = kb
		}
		kb.Calls += d.Calls
		kb.Cost += d.TotalCost
	}

	out := make([]KindBreakdown, 0, len(byKind))
	for _, kb := range byKind {
		out = append(out, *kb)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Cost != out[j].Cost {
			return out[i].Cost > out[j].Cost
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// DefaultSince returns the start of the default window (last 7 days, today included).
func DefaultSince(now time.Time) time.Time {
	since := now.AddDate(0, 0, -6)
	return time.Date(since.Year(), since.Month(), since.Day(), 0, 0, 0, 0, since.Location())
}

// ParseDateYYYYMMDD parses a date in YYYYMMDD format
func ParseDateYYYYMMDD(s string) (time.Time, error) {
	return time.Parse("20060102", s)
}

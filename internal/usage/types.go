package usage

import "time"

// Kind distinguishes turn cost from compaction cost.
type Kind string

const (
	KindTurn       Kind = "Agent turn"
	KindCompaction Kind = "Context compression"
)

// Record is the priced usage of one model call.
type Record struct {
	InputTokens      int64
	OutputTokens     int64
	CacheWriteTokens int64
	CacheReadTokens  int64

	InputCost      float64
	OutputCost     float64
	CacheWriteCost float64
	CacheReadCost  float64
}

// Total returns the sum of the four token-class costs.
func (r Record) Total() float64 {
	return r.InputCost + r.OutputCost + r.CacheWriteCost + r.CacheReadCost
}

// TotalTokens returns the sum of all token types
func (r Record) TotalTokens() int64 {
	return r.InputTokens + r.OutputTokens + r.CacheWriteTokens + r.CacheReadTokens
}

// Charge is one accounted model call.
type Charge struct {
	RunID  string
	Model  string
	Kind   Kind
	Record Record
	// Cost is Record.Total(); RunTotal and Lifetime include it.
	Cost     float64
	RunTotal float64
	Lifetime float64
	At       time.Time
}

// DailyUsage aggregates ledger rows for one day and kind.
type DailyUsage struct {
	Date             string // YYYY-MM-DD format
	Kind             Kind
	Calls            int
	InputTokens      int64
	OutputTokens     int64
	CacheWriteTokens int64
	CacheReadTokens  int64
	TotalCost        float64
}

// TotalTokens returns the sum of all token types for the day
func (d DailyUsage) TotalTokens() int64 {
	return d.InputTokens + d.OutputTokens + d.CacheWriteTokens + d.CacheReadTokens
}

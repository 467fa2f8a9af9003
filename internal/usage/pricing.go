package usage

import (
	"fmt"
	"sync"
	"time"

	"github.com/samsaffron/docpilot/internal/llm"
)

const perMillion = 1_000_000

// Rates are prices per million tokens for each token class.
type Rates struct {
	Input      float64 `mapstructure:"input" yaml:"input"`
	Output     float64 `mapstructure:"output" yaml:"output"`
	CacheWrite float64 `mapstructure:"cache_write" yaml:"cache_write"`
	CacheRead  float64 `mapstructure:"cache_read" yaml:"cache_read"`
}

// DefaultRates returns the published Claude Sonnet prices.
func DefaultRates() Rates {
	return Rates{Input: 3, Output: 15, CacheWrite: 3.75, CacheRead: 0.30}
}

// Validate rejects negative rates.
func (r Rates) Validate() error {
	for name, v := range map[string]float64{
		"input": r.Input, "output": r.Output, "cache_write": r.CacheWrite, "cache_read": r.CacheRead,
	} {
		if v < 0 {
			return fmt.Errorf("pricing.%s must not be negative (got %v)", name, v)
		}
	}
	return nil
}

// Price converts token usage into a Record.
func (r Rates) Price(u llm.Usage) Record {
	return Record{
		InputTokens:      u.InputTokens,
		OutputTokens:     u.OutputTokens,
		CacheWriteTokens: u.CacheWriteTokens,
		CacheReadTokens:  u.CacheReadTokens,

		InputCost:      tokenCost(u.InputTokens, r.Input),
		OutputCost:     tokenCost(u.OutputTokens, r.Output),
		CacheWriteCost: tokenCost(u.CacheWriteTokens, r.CacheWrite),
		CacheReadCost:  tokenCost(u.CacheReadTokens, r.CacheRead),
	}
}

func tokenCost(tokens int64, ratePerMillion float64) float64 {
	if tokens <= 0 || ratePerMillion <= 0 {
		return 0
	}
	return float64(tokens) / perMillion * ratePerMillion
}

// Accountant keeps the per-run and lifetime cost totals of one session.
// The lifetime total only grows until Reset.
type Accountant struct {
	mu       sync.Mutex
	rates    Rates
	run      float64
	lifetime float64
	now      func() time.Time
}

func NewAccountant(rates Rates) *Accountant {
	return &Accountant{rates: rates, now: time.Now}
}

// StartRun zeroes the per-run total.
func (a *Accountant) StartRun() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.run = 0
}

// Reset zeroes both totals. Called on session setup.
func (a *Accountant) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.run = 0
	a.lifetime = 0
}

// Charge prices one model call and adds it to both totals.
func (a *Accountant) Charge(runID, model string, kind Kind, u llm.Usage) Charge {
	rec := a.rates.Price(u)
	cost := rec.Total()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.run += cost
	a.lifetime += cost
	return Charge{
		RunID:    runID,
		Model:    model,
		Kind:     kind,
		Record:   rec,
		Cost:     cost,
		RunTotal: a.run,
		Lifetime: a.lifetime,
		At:       a.now(),
	}
}

func (a *Accountant) RunTotal() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.run
}

func (a *Accountant) Lifetime() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lifetime
}

func (a *Accountant) Rates() Rates {
	return a.rates
}

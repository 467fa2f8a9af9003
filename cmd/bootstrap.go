package cmd

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/samsaffron/docpilot/internal/agent"
	"github.com/samsaffron/docpilot/internal/config"
	"github.com/samsaffron/docpilot/internal/llm"
	"github.com/samsaffron/docpilot/internal/logging"
	"github.com/samsaffron/docpilot/internal/mcp"
	"github.com/samsaffron/docpilot/internal/metrics"
	"github.com/samsaffron/docpilot/internal/usage"
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyOverrides(modelFlag, mcpURLFlag, maxIterationsFlag)
	if logLevelFlag != "" {
		cfg.Log.Level = logLevelFlag
	}
	return cfg, nil
}

// runtime bundles what a command needs to run queries.
type runtime struct {
	cfg     *config.Config
	log     zerolog.Logger
	tools   *mcp.Client
	ledger  usage.Ledger
	metrics *metrics.Collector
	session *agent.Session
}

// newRuntime wires logging, the model, the tool client, the ledger and a
// session from cfg. The tool client is not connected yet. collector may be nil.
func newRuntime(cfg *config.Config, collector *metrics.Collector) (*runtime, error) {
	log, err := logging.Init(logging.Options{
		Level:  cfg.Log.Level,
		File:   cfg.Log.File,
		Pretty: cfg.Log.Pretty,
	})
	if err != nil {
		return nil, err
	}

	anthropic, err := llm.NewAnthropic(llm.AnthropicOptions{
		APIKey:         cfg.Anthropic.APIKey,
		BaseURL:        cfg.Anthropic.BaseURL,
		Model:          cfg.Anthropic.Model,
		MaxTokens:      cfg.Anthropic.MaxTokens,
		RequestTimeout: cfg.Anthropic.RequestTimeout,
	})
	if err != nil {
		return nil, err
	}
	model := llm.WrapWithRetry(anthropic, cfg.RetryPolicy(), log)

	var ledger usage.Ledger = usage.NoopLedger{}
	if path := cfg.LedgerPath(); path != "" {
		l, err := usage.OpenLedger(path)
		if err != nil {
			return nil, err
		}
		ledger = l
		log.Debug().Str("path", path).Msg("cost ledger opened")
	}

	tools := mcp.NewClient(cfg.MCP, Version)
	session := agent.NewSession(agent.Options{
		Model:            model,
		Tools:            tools,
		Rates:            cfg.Pricing,
		Ledger:           ledger,
		Metrics:          collector,
		Logger:           log,
		MaxIterations:    cfg.Agent.MaxIterations,
		MaxTokens:        cfg.Anthropic.MaxTokens,
		SummaryMaxTokens: cfg.Agent.SummaryMaxTokens,
		ResolveTool:      cfg.Agent.ResolveTool,
		StripFields:      cfg.Agent.StripFields,
		ValidateArgs:     cfg.Agent.ValidateArgs,
	})

	return &runtime{
		cfg:     cfg,
		log:     log,
		tools:   tools,
		ledger:  ledger,
		metrics: collector,
		session: session,
	}, nil
}

func (rt *runtime) Close() error {
	return errors.Join(rt.tools.Stop(), rt.ledger.Close())
}

// openLedger opens the configured ledger for reading.
func openLedger(cfg *config.Config) (*usage.SQLiteLedger, error) {
	path := cfg.LedgerPath()
	if path == "" {
		return nil, fmt.Errorf("cost ledger is disabled (set ledger.path, e.g. %q)", config.LedgerAuto)
	}
	return usage.OpenLedger(path)
}

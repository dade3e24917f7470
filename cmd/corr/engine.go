package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"corr/internal/budget"
	"corr/internal/collector"
	"corr/internal/config"
	"corr/internal/correlate"
	"corr/internal/embedding"
	"corr/internal/evidence"
	"corr/internal/insight"
	"corr/internal/llm"
	"corr/internal/metrics"
	"corr/internal/prefilter"
	"corr/internal/score"
	"corr/internal/store"
	"corr/internal/story"
)

// engine bundles the wired runner with everything that needs closing
// when the command finishes.
type engine struct {
	runner   *correlate.Runner
	registry *collector.Registry
	ledger   *budget.Ledger
	store    store.Store
	closers  []func() error
}

// Close releases engine resources in reverse wiring order.
func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i]()
	}
}

// buildEngine assembles the pipeline from configuration: ledger,
// identity map, pre-filter, source registry, the paid tiers when they
// are configured and funded, the run store, and the scoring stages.
func buildEngine(ctx context.Context, cfg *config.Config, log *zap.Logger) (*engine, error) {
	return assemble(ctx, cfg, log, true)
}

// buildOfflineEngine wires everything except the paid tiers. Commands
// that only read persisted state use it so they never need provider
// credentials.
func buildOfflineEngine(cfg *config.Config, log *zap.Logger) (*engine, error) {
	return assemble(context.Background(), cfg, log, false)
}

func assemble(ctx context.Context, cfg *config.Config, log *zap.Logger, paidTiers bool) (*engine, error) {
	eng := &engine{}
	rep := metrics.NewZapReporter(log)

	ledger, err := buildLedger(cfg, log)
	if err != nil {
		return nil, err
	}
	eng.ledger = ledger

	var resolver prefilter.IdentityResolver
	ids := evidence.NewIdentityMap(log)
	switch err := ids.Load(cfg.Paths.IdentityMap); {
	case err == nil:
		if werr := ids.Watch(); werr != nil {
			log.Warn("identity map watch unavailable", zap.Error(werr))
		} else {
			eng.closers = append(eng.closers, func() error { ids.Stop(); return nil })
		}
		resolver = ids
	case errors.Is(err, os.ErrNotExist):
		// No mapping file; raw handles stand in for canonical ids.
	default:
		return nil, fmt.Errorf("load identity map: %w", err)
	}

	filter, err := prefilter.New(prefilter.Config{
		AuthorWindow:   cfg.AuthorWindow(),
		RapidWindow:    cfg.RapidWindow(),
		NgramThreshold: cfg.Prefilter.NgramThreshold,
	}, resolver, log)
	if err != nil {
		return nil, fmt.Errorf("compile prefilter rules: %w", err)
	}

	registry := collector.NewRegistry(cfg.AdapterTimeout(), log, rep)
	if dir := cfg.Collect.EvidenceDir; dir != "" {
		if err := registerFileAdapters(registry, dir); err != nil {
			return nil, err
		}
	}
	eng.registry = registry

	pricing := budget.NewPricing(cfg.Budget.EmbedUnitPrice,
		cfg.Budget.LLMInputPrice, cfg.Budget.LLMOutputPrice)

	deps := correlate.Deps{
		Registry: registry,
		Filter:   filter,
		Ledger:   ledger,
		Log:      log,
		Reporter: rep,
	}

	paid := paidTiers && cfg.Budget.MonthlyUSD > 0 &&
		cfg.Embedding.Provider != "" && cfg.Embedding.Provider != "none"
	if paid {
		provider, err := embedding.NewProvider(ctx, embedding.ProviderConfig{
			Provider: cfg.Embedding.Provider,
			APIKey:   cfg.Embedding.APIKey,
			Model:    cfg.Embedding.Model,
			BaseURL:  cfg.Embedding.BaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("embedding provider: %w", err)
		}
		cache, err := embedding.NewCache(cfg.Paths.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("open embedding cache: %w", err)
		}
		tier, err := embedding.NewTier(provider, cache, ledger, pricing, embedding.TierConfig{
			BatchSize:     cfg.Embedding.BatchSize,
			Workers:       cfg.Embedding.Workers,
			Timeout:       cfg.EmbedTimeout(),
			HighThreshold: cfg.Embedding.HighThreshold,
			LowThreshold:  cfg.Embedding.LowThreshold,
			ConfidenceMin: cfg.Embedding.ConfidenceMin,
			ConfidenceMax: cfg.Embedding.ConfidenceMax,
			TokensPerItem: int64(cfg.Embedding.TokensPerItem),
		}, log, rep)
		if err != nil {
			return nil, fmt.Errorf("embedding tier: %w", err)
		}
		deps.Embedding = tier
		deps.Projector = correlate.NewProjector(pricing, correlate.ProjectorConfig{
			TokensPerItem:       int64(cfg.Embedding.TokensPerItem),
			TokensPerPair:       int64(cfg.LLM.TokensPerPair),
			OutputTokensPerPair: int64(cfg.LLM.MaxOutputTokens),
			ResidualRate:        cfg.LLM.ResidualRate,
			InitialHitRate:      cfg.Embedding.InitialCacheRate,
		})

		client, err := buildLLMClient(cfg)
		if err != nil {
			return nil, err
		}
		if client != nil {
			ltier, err := llm.NewTier(client, ledger, pricing, llm.TierConfig{
				Workers:           cfg.LLM.Workers,
				Timeout:           cfg.LLMTimeout(),
				RequestsPerSecond: cfg.LLM.RequestsPerSecond,
				Burst:             cfg.LLM.Burst,
				CardLimit:         cfg.LLM.CardLimit,
				RationaleLimit:    cfg.LLM.RationaleLimit,
				MaxOutputTokens:   cfg.LLM.MaxOutputTokens,
				RunRequestCap:     cfg.LLM.RunRequestCap,
				TokensPerPair:     int64(cfg.LLM.TokensPerPair),
			}, log, rep)
			if err != nil {
				return nil, fmt.Errorf("llm tier: %w", err)
			}
			deps.LLM = ltier
		}
	}

	if cfg.Paths.DataDir != "" {
		st, err := store.NewSQLiteStore(filepath.Join(cfg.Paths.DataDir, "corr.db"))
		if err != nil {
			return nil, fmt.Errorf("open run store: %w", err)
		}
		deps.Store = st
		eng.store = st
		eng.closers = append(eng.closers, st.Close)
	}

	priors := make(map[score.Signal]float64, len(cfg.Scoring.Priors))
	for name, p := range cfg.Scoring.Priors {
		priors[score.Signal(name)] = p
	}
	damping := cfg.Scoring.NegativeFactor
	if !cfg.Scoring.NegativeDampening {
		damping = -1
	}
	deps.Scorer = score.New(score.Config{
		Priors:          priors,
		NegativeDamping: damping,
		AcceptThreshold: cfg.Scoring.AcceptThreshold,
	}, log)
	deps.Grouper = story.New(story.Config{
		GroupThreshold: cfg.Grouping.EdgeThreshold,
		MaxMembers:     cfg.Grouping.MaxStorySize,
	}, log)
	deps.Enricher = insight.New(insight.Config{
		PhaseGap:     cfg.PhaseGap(),
		BugFixCount:  cfg.Grouping.BugFixCluster,
		BugFixWindow: cfg.BugFixWindow(),
		ReviewFactor: cfg.Grouping.ReviewHeavyMul,
		SpecLead:     cfg.SpecLeadTime(),
	}, log)

	runner, err := correlate.New(deps, correlate.Config{
		Deadline:  cfg.RunDeadline(),
		BodyLimit: cfg.Prefilter.BodyLimit,
	})
	if err != nil {
		return nil, err
	}
	eng.runner = runner
	return eng, nil
}

// buildLedger opens the monthly spend ledger from configuration.
func buildLedger(cfg *config.Config, log *zap.Logger) (*budget.Ledger, error) {
	ledger, err := budget.NewLedger(budget.Config{
		CapMicro:        budget.FromUSD(cfg.Budget.MonthlyUSD),
		WarnFraction:    cfg.Budget.WarnFraction,
		LLMCutFraction:  cfg.Budget.LLMCutFraction,
		HardCutFraction: cfg.Budget.HardCutFraction,
		Dir:             filepath.Join(cfg.Paths.DataDir, "budget"),
	}, log)
	if err != nil {
		return nil, fmt.Errorf("open budget ledger: %w", err)
	}
	return ledger, nil
}

// buildLLMClient picks the adjudication backend. An empty or "none"
// provider disables the tier; auto mode then stops at embeddings.
func buildLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "none":
		return nil, nil
	case "gemini":
		return llm.NewGeminiClient(cfg.LLM.APIKey, cfg.LLM.Model)
	case "stub":
		return llm.NewStubClient(), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}

// registerFileAdapters registers one file-backed source per *.json file
// in dir, named by the file's base name.
func registerFileAdapters(reg *collector.Registry, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read evidence dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".json")
		fc := collector.NewFileCollector(name, filepath.Join(dir, entry.Name()))
		if err := reg.Register(fc); err != nil {
			return fmt.Errorf("register source %q: %w", name, err)
		}
	}
	return nil
}

// Package config loads and validates the correlation core configuration.
// Defaults cover every tunable; a YAML file refines them; CORR_*
// environment variables win over both.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all corr configuration.
type Config struct {
	// Budget and pricing
	Budget BudgetConfig `yaml:"budget"`

	// Embedding tier
	Embedding EmbeddingConfig `yaml:"embedding"`

	// LLM tier
	LLM LLMConfig `yaml:"llm"`

	// Candidate pair generation
	Prefilter PrefilterConfig `yaml:"prefilter"`

	// Confidence calibration
	Scoring ScoringConfig `yaml:"scoring"`

	// Story grouping and insights
	Grouping GroupingConfig `yaml:"grouping"`

	// Per-run limits and worker counts
	Run RunConfig `yaml:"run"`

	// Collector behavior
	Collect CollectConfig `yaml:"collect"`

	// Filesystem locations
	Paths PathsConfig `yaml:"paths"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// BudgetConfig configures the monthly spend ledger.
type BudgetConfig struct {
	MonthlyUSD float64 `yaml:"monthly_usd"` // 0 disables all paid tiers

	// Unit prices per 1k tokens, in dollars.
	EmbedUnitPrice float64 `yaml:"embed_unit_price"`
	LLMInputPrice  float64 `yaml:"llm_input_price"`
	LLMOutputPrice float64 `yaml:"llm_output_price"`

	// Degradation thresholds as fractions of the cap.
	WarnFraction    float64 `yaml:"warn_fraction"`     // prefer cache-only embeddings
	LLMCutFraction  float64 `yaml:"llm_cut_fraction"`  // disable the LLM tier
	HardCutFraction float64 `yaml:"hard_cut_fraction"` // rule-based only
}

// EmbeddingConfig configures the vector similarity tier.
type EmbeddingConfig struct {
	Provider  string `yaml:"provider"` // gemini, ollama, none
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"` // ollama only
	BatchSize int    `yaml:"batch_size"`
	Workers   int    `yaml:"workers"`
	Timeout   string `yaml:"timeout"`

	// Cosine thresholds and the confidence band they map into.
	HighThreshold float64 `yaml:"high_threshold"`
	LowThreshold  float64 `yaml:"low_threshold"`
	ConfidenceMin float64 `yaml:"confidence_min"`
	ConfidenceMax float64 `yaml:"confidence_max"`

	// Projection inputs.
	TokensPerItem    int     `yaml:"tokens_per_item"`
	InitialCacheRate float64 `yaml:"initial_cache_rate"`
}

// LLMConfig configures the adjudication tier.
type LLMConfig struct {
	Provider string `yaml:"provider"` // gemini, none
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Workers  int    `yaml:"workers"`
	Timeout  string `yaml:"timeout"`

	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`

	CardLimit       int     `yaml:"card_limit"`        // chars per item card in the prompt
	RationaleLimit  int     `yaml:"rationale_limit"`   // chars of verdict rationale kept
	MaxOutputTokens int     `yaml:"max_output_tokens"` // per-call cap
	RunRequestCap   int     `yaml:"run_request_cap"`   // per-run call cap
	TokensPerPair   int     `yaml:"tokens_per_pair"`   // projection input
	ResidualRate    float64 `yaml:"residual_rate"`     // expected fraction reaching this tier
}

// PrefilterConfig configures the free rule tier.
type PrefilterConfig struct {
	AuthorWindow   string  `yaml:"author_window"`   // same-author pair window
	RapidWindow    string  `yaml:"rapid_window"`    // rapid-iteration window, default author/4
	NgramThreshold float64 `yaml:"ngram_threshold"` // title-overlap jaccard floor
	BodyLimit      int     `yaml:"body_limit"`      // runes kept before paid tiers
}

// ScoringConfig configures confidence calibration.
type ScoringConfig struct {
	Priors            map[string]float64 `yaml:"priors"`
	NegativeDampening bool               `yaml:"negative_dampening"`
	NegativeFactor    float64            `yaml:"negative_factor"`
	AcceptThreshold   float64            `yaml:"accept_threshold"`
}

// GroupingConfig configures story grouping and insight extraction.
type GroupingConfig struct {
	EdgeThreshold  float64 `yaml:"edge_threshold"`
	MaxStorySize   int     `yaml:"max_story_size"`
	PhaseGap       string  `yaml:"phase_gap"`
	BugFixCluster  int     `yaml:"bug_fix_cluster"`  // solves within the cluster window
	BugFixWindow   string  `yaml:"bug_fix_window"`   // window for the cluster flag
	ReviewHeavyMul float64 `yaml:"review_heavy_mul"` // comments >= code * mul
	SpecLeadTime   string  `yaml:"spec_lead_time"`   // document precedes code by this much
}

// RunConfig bounds a single correlation run.
type RunConfig struct {
	Deadline string `yaml:"deadline"`
}

// CollectConfig configures evidence collection.
type CollectConfig struct {
	AdapterTimeout string `yaml:"adapter_timeout"`
	EvidenceDir    string `yaml:"evidence_dir"` // file adapter fixture root
}

// PathsConfig locates on-disk state.
type PathsConfig struct {
	CacheDir    string `yaml:"cache_dir"`
	DataDir     string `yaml:"data_dir"`
	IdentityMap string `yaml:"identity_map"`
}

// LoggingConfig configures the zap logger built by the CLI.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".corr")
	return &Config{
		Budget: BudgetConfig{
			MonthlyUSD:      0,
			EmbedUnitPrice:  0.0001,
			LLMInputPrice:   0.003,
			LLMOutputPrice:  0.015,
			WarnFraction:    0.75,
			LLMCutFraction:  0.90,
			HardCutFraction: 1.00,
		},
		Embedding: EmbeddingConfig{
			Provider:         "gemini",
			Model:            "text-embedding-004",
			BatchSize:        64,
			Workers:          4,
			Timeout:          "15s",
			HighThreshold:    0.82,
			LowThreshold:     0.55,
			ConfidenceMin:    0.75,
			ConfidenceMax:    0.92,
			TokensPerItem:    200,
			InitialCacheRate: 0.3,
		},
		LLM: LLMConfig{
			Provider:          "gemini",
			Model:             "gemini-2.0-flash",
			Workers:           2,
			Timeout:           "30s",
			RequestsPerSecond: 2,
			Burst:             2,
			CardLimit:         1200,
			RationaleLimit:    280,
			MaxOutputTokens:   512,
			RunRequestCap:     200,
			TokensPerPair:     900,
			ResidualRate:      0.08,
		},
		Prefilter: PrefilterConfig{
			AuthorWindow:   "24h",
			RapidWindow:    "6h",
			NgramThreshold: 0.35,
			BodyLimit:      4000,
		},
		Scoring: ScoringConfig{
			Priors: map[string]float64{
				"explicit_reference":   0.95,
				"llm_positive":         0.88,
				"embedding_high":       0.78,
				"same_author_temporal": 0.62,
				"ngram_overlap":        0.45,
			},
			NegativeDampening: true,
			NegativeFactor:    0.7,
			AcceptThreshold:   0.50,
		},
		Grouping: GroupingConfig{
			EdgeThreshold:  0.55,
			MaxStorySize:   50,
			PhaseGap:       "72h",
			BugFixCluster:  3,
			BugFixWindow:   "168h",
			ReviewHeavyMul: 2,
			SpecLeadTime:   "24h",
		},
		Run: RunConfig{
			Deadline: "30s",
		},
		Collect: CollectConfig{
			AdapterTimeout: "10s",
		},
		Paths: PathsConfig{
			CacheDir:    filepath.Join(base, "cache"),
			DataDir:     filepath.Join(base, "data"),
			IdentityMap: filepath.Join(base, "identities.yaml"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file. A missing file is not an
// error; defaults plus environment overrides apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CORR_MONTHLY_BUDGET_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Budget.MonthlyUSD = f
		}
	}
	if v := os.Getenv("CORR_EMBED_UNIT_PRICE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Budget.EmbedUnitPrice = f
		}
	}
	if v := os.Getenv("CORR_LLM_INPUT_PRICE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Budget.LLMInputPrice = f
		}
	}
	if v := os.Getenv("CORR_LLM_OUTPUT_PRICE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Budget.LLMOutputPrice = f
		}
	}
	if v := os.Getenv("CORR_RUN_DEADLINE_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.Run.Deadline = (time.Duration(ms) * time.Millisecond).String()
		}
	}
	if v := os.Getenv("CORR_EMBED_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Embedding.Workers = n
		}
	}
	if v := os.Getenv("CORR_LLM_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.LLM.Workers = n
		}
	}
	if v := os.Getenv("CORR_CACHE_DIR"); v != "" {
		c.Paths.CacheDir = v
	}
	if v := os.Getenv("CORR_DATA_DIR"); v != "" {
		c.Paths.DataDir = v
	}
	if v := os.Getenv("CORR_IDENTITY_MAP"); v != "" {
		c.Paths.IdentityMap = v
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		if c.Embedding.APIKey == "" {
			c.Embedding.APIKey = key
		}
		if c.LLM.APIKey == "" {
			c.LLM.APIKey = key
		}
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Budget.MonthlyUSD < 0 {
		return fmt.Errorf("budget.monthly_usd must be >= 0, got %v", c.Budget.MonthlyUSD)
	}
	if c.Budget.EmbedUnitPrice < 0 || c.Budget.LLMInputPrice < 0 || c.Budget.LLMOutputPrice < 0 {
		return fmt.Errorf("unit prices must be >= 0")
	}
	if c.Embedding.BatchSize <= 0 {
		return fmt.Errorf("embedding.batch_size must be > 0, got %d", c.Embedding.BatchSize)
	}
	if c.Embedding.Workers <= 0 || c.LLM.Workers <= 0 {
		return fmt.Errorf("worker counts must be > 0")
	}
	if !(c.Embedding.LowThreshold < c.Embedding.HighThreshold) {
		return fmt.Errorf("embedding.low_threshold %v must be below high_threshold %v",
			c.Embedding.LowThreshold, c.Embedding.HighThreshold)
	}
	if c.Scoring.AcceptThreshold < 0 || c.Scoring.AcceptThreshold > 1 {
		return fmt.Errorf("scoring.accept_threshold must be in [0,1], got %v", c.Scoring.AcceptThreshold)
	}
	if c.Grouping.EdgeThreshold < 0 || c.Grouping.EdgeThreshold > 1 {
		return fmt.Errorf("grouping.edge_threshold must be in [0,1], got %v", c.Grouping.EdgeThreshold)
	}
	if c.Grouping.MaxStorySize < 2 {
		return fmt.Errorf("grouping.max_story_size must be >= 2, got %d", c.Grouping.MaxStorySize)
	}
	for _, d := range []struct {
		name, val string
	}{
		{"embedding.timeout", c.Embedding.Timeout},
		{"llm.timeout", c.LLM.Timeout},
		{"run.deadline", c.Run.Deadline},
		{"collect.adapter_timeout", c.Collect.AdapterTimeout},
		{"prefilter.author_window", c.Prefilter.AuthorWindow},
	} {
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("%s: bad duration %q", d.name, d.val)
		}
	}
	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// duration parses a duration string with a fallback for the zero value.
func duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// RunDeadline returns the wall-clock deadline for one correlation run.
func (c *Config) RunDeadline() time.Duration {
	return duration(c.Run.Deadline, 30*time.Second)
}

// AdapterTimeout returns the per-collector timeout.
func (c *Config) AdapterTimeout() time.Duration {
	return duration(c.Collect.AdapterTimeout, 10*time.Second)
}

// EmbedTimeout returns the per-call embedding provider timeout.
func (c *Config) EmbedTimeout() time.Duration {
	return duration(c.Embedding.Timeout, 15*time.Second)
}

// LLMTimeout returns the per-call LLM provider timeout.
func (c *Config) LLMTimeout() time.Duration {
	return duration(c.LLM.Timeout, 30*time.Second)
}

// AuthorWindow returns the same-author pairing window.
func (c *Config) AuthorWindow() time.Duration {
	return duration(c.Prefilter.AuthorWindow, 24*time.Hour)
}

// RapidWindow returns the rapid-iteration window, defaulting to a
// quarter of the author window.
func (c *Config) RapidWindow() time.Duration {
	if c.Prefilter.RapidWindow == "" {
		return c.AuthorWindow() / 4
	}
	return duration(c.Prefilter.RapidWindow, c.AuthorWindow()/4)
}

// PhaseGap returns the timeline gap that opens a new phase.
func (c *Config) PhaseGap() time.Duration {
	return duration(c.Grouping.PhaseGap, 72*time.Hour)
}

// BugFixWindow returns the window for the bug-fix cluster flag.
func (c *Config) BugFixWindow() time.Duration {
	return duration(c.Grouping.BugFixWindow, 7*24*time.Hour)
}

// SpecLeadTime returns the lead a document needs over code for the
// spec-led flag.
func (c *Config) SpecLeadTime() time.Duration {
	return duration(c.Grouping.SpecLeadTime, 24*time.Hour)
}

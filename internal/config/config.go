package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config aggregates per-component configuration for every stage of the
// analysis pipeline.
type Config struct {
	Fetcher   FetcherConfig   `toml:"fetcher"`
	DocIngest DocIngestConfig `toml:"doc_ingest"`
	Parse     ParseConfig     `toml:"parse"`
	Evaluator EvaluatorConfig `toml:"evaluator"`
	Reporter  ReporterConfig  `toml:"reporter"`
	LLM       LLMConfig       `toml:"llm"`
}

// FetcherConfig configures the STIX bundle fetcher.
type FetcherConfig struct {
	SourceURL       string        `toml:"source_url"`
	BackupSourceURL string        `toml:"backup_source_url"`
	CacheDir        string        `toml:"cache_dir"`
	UpdateInterval  time.Duration `toml:"update_interval"`
	MaxRetries      int           `toml:"max_retries"`
	RequestTimeout  time.Duration `toml:"request_timeout"`
}

// DocIngestConfig configures document ingestion (fetch + extract + chunk).
type DocIngestConfig struct {
	MaxDocumentSize int64         `toml:"max_document_size"`
	MaxChunkSize    int           `toml:"max_chunk_size"`
	ChunkOverlap    int           `toml:"chunk_overlap"`
	UserAgent       string        `toml:"user_agent"`
	Timeout         time.Duration `toml:"timeout"`
	Retries         int           `toml:"retries"`
	FollowRedirects bool          `toml:"follow_redirects"`
}

// ParseConfig configures which STIX object families the parser resolves.
type ParseConfig struct {
	IncludeSubtechniques bool `toml:"include_subtechniques"`
	IncludeTactics       bool `toml:"include_tactics"`
	IncludeDataSources   bool `toml:"include_data_sources"`
	ExtractKeywords      bool `toml:"extract_keywords"`
}

// EvaluatorConfig configures the multi-signal matcher.
type EvaluatorConfig struct {
	MinConfidenceScore int               `toml:"min_confidence_score"`
	MaxMatches         int               `toml:"max_matches"`
	ContextWindowSize  int               `toml:"context_window_size"`
	UseKeyword         bool              `toml:"use_keyword"`
	UseTfIdf           bool              `toml:"use_tfidf"`
	UseFuzzy           bool              `toml:"use_fuzzy"`
	ParallelChunks     int               `toml:"parallel_chunks"`
	LLM                *LLMAugmentConfig `toml:"llm_augment"`
}

// LLMAugmentConfig enables/shapes the optional LLM augmentation pass inside
// evaluation. A nil value on EvaluatorConfig disables augmentation.
type LLMAugmentConfig struct {
	Enabled            bool `toml:"enabled"`
	MinConfidenceScore int  `toml:"min_confidence_score"`
}

// ReporterConfig configures report summarization.
type ReporterConfig struct {
	MaxMatchesInSummary    int  `toml:"max_matches_in_summary"`
	ConfidenceThreshold    int  `toml:"confidence_threshold"`
	IncludeTacticBreakdown bool `toml:"include_tactic_breakdown"`
}

// LLMConfig configures the optional remote-completion client used for
// evaluation augmentation.
type LLMConfig struct {
	Enabled     bool          `toml:"enabled"`
	Endpoint    string        `toml:"endpoint"`
	APIKey      string        `toml:"api_key"`
	Model       string        `toml:"model"`
	Temperature float64       `toml:"temperature"`
	MaxTokens   int           `toml:"max_tokens"`
	Timeout     time.Duration `toml:"timeout"`
	CacheTTL    time.Duration `toml:"cache_ttl"`
	CacheCap    int           `toml:"cache_capacity"`
}

// Default returns a Config with every documented default applied.
func Default() Config {
	return Config{
		Fetcher: FetcherConfig{
			SourceURL:      "https://raw.githubusercontent.com/mitre/cti/master/enterprise-attack/enterprise-attack.json",
			CacheDir:       "./.attackscore-cache",
			UpdateInterval: 24 * time.Hour,
			MaxRetries:     3,
			RequestTimeout: 30 * time.Second,
		},
		DocIngest: DocIngestConfig{
			MaxDocumentSize: 50 << 20,
			MaxChunkSize:    10000,
			ChunkOverlap:    500,
			UserAgent:       "attackscore/1.0",
			Timeout:         30 * time.Second,
			Retries:         3,
			FollowRedirects: true,
		},
		Parse: ParseConfig{
			IncludeSubtechniques: true,
			IncludeTactics:       true,
			IncludeDataSources:   true,
			ExtractKeywords:      true,
		},
		Evaluator: EvaluatorConfig{
			MinConfidenceScore: 65,
			MaxMatches:         100,
			ContextWindowSize:  200,
			UseKeyword:         true,
			UseTfIdf:           true,
			UseFuzzy:           true,
			ParallelChunks:     4,
		},
		Reporter: ReporterConfig{
			MaxMatchesInSummary:    10,
			ConfidenceThreshold:    75,
			IncludeTacticBreakdown: true,
		},
		LLM: LLMConfig{
			Temperature: 0.0,
			MaxTokens:   2048,
			Timeout:     60 * time.Second,
			CacheTTL:    24 * time.Hour,
			CacheCap:    1000,
		},
	}
}

// Load reads config: defaults, then the TOML file at path (if readable),
// then environment overrides. A missing or malformed file is not an error;
// whatever was loaded so far (defaults, or defaults+TOML) is kept.
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "attackscore.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("ATTACKSCORE_SOURCE_URL"); v != "" {
		cfg.Fetcher.SourceURL = v
	}
	if v := os.Getenv("ATTACKSCORE_BACKUP_SOURCE_URL"); v != "" {
		cfg.Fetcher.BackupSourceURL = v
	}
	if v := os.Getenv("ATTACKSCORE_CACHE_DIR"); v != "" {
		cfg.Fetcher.CacheDir = v
	}
	if v := os.Getenv("ATTACKSCORE_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("ATTACKSCORE_LLM_ENDPOINT"); v != "" {
		cfg.LLM.Endpoint = v
	}
	if v := os.Getenv("ATTACKSCORE_LLM_ENABLED"); v == "true" || v == "1" {
		cfg.LLM.Enabled = true
	}
	// The evaluator's augmentation pass shares the LLM client's key by
	// default so callers don't have to set it twice.
	if cfg.Evaluator.LLM != nil && cfg.Evaluator.LLM.Enabled && cfg.LLM.APIKey == "" {
		if v := os.Getenv("ATTACKSCORE_LLM_API_KEY"); v != "" {
			cfg.LLM.APIKey = v
		}
	}

	return cfg
}

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Evaluator.MinConfidenceScore != 65 {
		t.Errorf("expected min confidence 65, got %d", cfg.Evaluator.MinConfidenceScore)
	}
	if cfg.DocIngest.MaxChunkSize != 10000 {
		t.Errorf("expected max chunk size 10000, got %d", cfg.DocIngest.MaxChunkSize)
	}
	if cfg.DocIngest.ChunkOverlap != 500 {
		t.Errorf("expected chunk overlap 500, got %d", cfg.DocIngest.ChunkOverlap)
	}
	if !cfg.Parse.IncludeSubtechniques {
		t.Error("expected include_subtechniques default true")
	}
	if cfg.Reporter.ConfidenceThreshold != 75 {
		t.Errorf("expected reporter confidence threshold 75, got %d", cfg.Reporter.ConfidenceThreshold)
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[fetcher]
source_url = "https://example.test/bundle.json"

[evaluator]
min_confidence_score = 80
`), 0644)

	cfg := Load(path)
	if cfg.Fetcher.SourceURL != "https://example.test/bundle.json" {
		t.Errorf("expected overridden source url, got %s", cfg.Fetcher.SourceURL)
	}
	if cfg.Evaluator.MinConfidenceScore != 80 {
		t.Errorf("expected min confidence 80, got %d", cfg.Evaluator.MinConfidenceScore)
	}
	// Defaults preserved for fields not set in the file.
	if cfg.DocIngest.MaxChunkSize != 10000 {
		t.Errorf("default should be preserved, got %d", cfg.DocIngest.MaxChunkSize)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("ATTACKSCORE_SOURCE_URL", "https://env.test/bundle.json")
	t.Setenv("ATTACKSCORE_LLM_API_KEY", "env-key")
	t.Setenv("ATTACKSCORE_LLM_ENABLED", "true")

	cfg := Load("/nonexistent/path.toml")
	if cfg.Fetcher.SourceURL != "https://env.test/bundle.json" {
		t.Errorf("expected env-overridden source url, got %s", cfg.Fetcher.SourceURL)
	}
	if cfg.LLM.APIKey != "env-key" {
		t.Errorf("expected env-key, got %s", cfg.LLM.APIKey)
	}
	if !cfg.LLM.Enabled {
		t.Error("expected LLM enabled true from env")
	}
}

func TestEvaluatorLLMAugmentFallback(t *testing.T) {
	t.Setenv("ATTACKSCORE_LLM_API_KEY", "env-key")

	cfg := Default()
	cfg.Evaluator.LLM = &LLMAugmentConfig{Enabled: true, MinConfidenceScore: 50}
	cfg.LLM.APIKey = ""

	// Re-run the env layer manually the way Load would.
	if cfg.Evaluator.LLM != nil && cfg.Evaluator.LLM.Enabled && cfg.LLM.APIKey == "" {
		if v := os.Getenv("ATTACKSCORE_LLM_API_KEY"); v != "" {
			cfg.LLM.APIKey = v
		}
	}
	if cfg.LLM.APIKey != "env-key" {
		t.Errorf("expected LLM key fallback to env-key, got %s", cfg.LLM.APIKey)
	}
}

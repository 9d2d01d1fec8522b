package eval

import (
	"context"
	"testing"

	attackscore "github.com/mitreval/attackscore"
	"github.com/mitreval/attackscore/internal/config"
)

func testCatalog() *attackscore.TechniqueCatalog {
	phishing := &attackscore.Technique{
		Id:          "T1566",
		Name:        "Phishing",
		Description: "Adversaries send spearphishing emails with malicious attachments to gain initial access.",
		Tactics:     []string{"initial-access"},
		Keywords:    map[string]struct{}{"phishing": {}, "spearphishing": {}, "malicious attachment": {}},
	}
	exfil := &attackscore.Technique{
		Id:          "T1041",
		Name:        "Exfiltration Over C2 Channel",
		Description: "Adversaries steal data by sending it over an existing command and control channel.",
		Tactics:     []string{"exfiltration"},
		Keywords:    map[string]struct{}{"exfiltration": {}, "command and control": {}},
	}
	return &attackscore.TechniqueCatalog{
		ById: map[attackscore.TechniqueId]*attackscore.Technique{
			"T1566": phishing,
			"T1041": exfil,
		},
		TacticsToTechniques: map[string]map[attackscore.TechniqueId]struct{}{
			"initial-access": {"T1566": {}},
			"exfiltration":   {"T1041": {}},
		},
		Version: "test",
	}
}

func defaultEvalConfig() config.EvaluatorConfig {
	return config.EvaluatorConfig{
		MinConfidenceScore: 40,
		MaxMatches:         100,
		ContextWindowSize:  100,
		UseKeyword:         true,
		UseTfIdf:           true,
		UseFuzzy:           true,
	}
}

func TestEvaluateChunkFindsKeywordMatch(t *testing.T) {
	e := New(defaultEvalConfig(), nil)
	e.Initialize(testCatalog())

	matches := e.EvaluateChunk("The attacker sent a spearphishing email with a malicious attachment to the target.")
	found := false
	for _, m := range matches {
		if m.TechniqueId == "T1566" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected T1566 phishing match, got %v", matches)
	}
}

func TestEvaluateChunkExactTechniqueIdForcesHighScore(t *testing.T) {
	e := New(defaultEvalConfig(), nil)
	e.Initialize(testCatalog())

	matches := e.EvaluateChunk("This activity maps to T1566 in the ATT&CK matrix.")
	for _, m := range matches {
		if m.TechniqueId == "T1566" && m.ConfidenceScore < 40 {
			t.Errorf("expected high confidence for exact id match, got %d", m.ConfidenceScore)
		}
	}
}

func TestEvaluateAggregatesAcrossChunks(t *testing.T) {
	e := New(defaultEvalConfig(), nil)
	e.Initialize(testCatalog())

	doc := attackscore.Document{
		Chunks: []string{
			"First chunk mentions spearphishing attacks against the finance team.",
			"Second chunk describes exfiltration over an existing command and control channel.",
		},
	}
	result := e.Evaluate(context.Background(), doc)
	if result.Summary.MatchCount == 0 {
		t.Fatal("expected at least one aggregated match")
	}
	if len(result.Summary.TopTechniques) == 0 {
		t.Errorf("expected top techniques to be populated")
	}
}

func TestEvaluateChunkDropsBelowThreshold(t *testing.T) {
	cfg := defaultEvalConfig()
	cfg.MinConfidenceScore = 99
	e := New(cfg, nil)
	e.Initialize(testCatalog())

	matches := e.EvaluateChunk("unrelated text about gardening and weather patterns")
	if len(matches) != 0 {
		t.Errorf("expected no matches above threshold 99, got %v", matches)
	}
}

func TestSplitForLLMShortChunkUnsplit(t *testing.T) {
	chunks := splitForLLM("short text")
	if len(chunks) != 1 {
		t.Errorf("expected single chunk for short text, got %d", len(chunks))
	}
}

func TestSplitForLLMLongChunkSplits(t *testing.T) {
	long := make([]byte, (llmTokenSplitThreshold+1000)*approxCharsPerToken)
	for i := range long {
		long[i] = 'a'
	}
	chunks := splitForLLM(string(long))
	if len(chunks) < 2 {
		t.Errorf("expected the oversize chunk to split, got %d pieces", len(chunks))
	}
}

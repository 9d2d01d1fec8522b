// Package eval scores ingested documents against a TechniqueCatalog: three
// matcher strategies run per chunk, their RawMatches are merged into
// confidence-scored EvalMatches, and results are aggregated across chunks.
package eval

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	attackscore "github.com/mitreval/attackscore"
	"github.com/mitreval/attackscore/internal/config"
	"github.com/mitreval/attackscore/llm"
)

// Evaluator scores Documents against a TechniqueCatalog using keyword,
// TF-IDF, and fuzzy matchers, optionally augmented by an LLM pass.
type Evaluator struct {
	cfg     config.EvaluatorConfig
	catalog *attackscore.TechniqueCatalog
	tfidf   *tfidfModel
	llm     *llm.Client
}

// New constructs an Evaluator. llmClient may be nil (no LLM augmentation).
func New(cfg config.EvaluatorConfig, llmClient *llm.Client) *Evaluator {
	return &Evaluator{cfg: cfg, llm: llmClient}
}

// Initialize builds the TF-IDF corpus model against catalog. Must be
// called before Evaluate/EvaluateChunk.
func (e *Evaluator) Initialize(catalog *attackscore.TechniqueCatalog) {
	e.catalog = catalog
	if e.cfg.UseTfIdf {
		e.tfidf = buildTfidfModel(catalog)
	}
}

// EvaluateChunk runs the configured matchers over a single chunk
// concurrently and returns their merged, confidence-scored, thresholded
// EvalMatches.
func (e *Evaluator) EvaluateChunk(chunk string) []attackscore.EvalMatch {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var raw []attackscore.RawMatch

	runMatcher := func(match func() []attackscore.RawMatch) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := match()
			if len(m) == 0 {
				return
			}
			mu.Lock()
			raw = append(raw, m...)
			mu.Unlock()
		}()
	}

	if e.cfg.UseKeyword {
		runMatcher(func() []attackscore.RawMatch { return keywordMatches(chunk, e.catalog) })
	}
	if e.cfg.UseTfIdf && e.tfidf != nil {
		runMatcher(func() []attackscore.RawMatch { return tfidfMatches(chunk, e.catalog, e.tfidf) })
	}
	if e.cfg.UseFuzzy {
		runMatcher(func() []attackscore.RawMatch { return fuzzyMatches(chunk, e.catalog) })
	}
	wg.Wait()

	merged := merge(raw, e.cfg.ContextWindowSize, chunk)

	var kept []attackscore.EvalMatch
	for _, m := range merged {
		if m.ConfidenceScore >= e.cfg.MinConfidenceScore {
			kept = append(kept, m)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].ConfidenceScore > kept[j].ConfidenceScore })
	if len(kept) > e.cfg.MaxMatches {
		kept = kept[:e.cfg.MaxMatches]
	}
	return kept
}

// Evaluate scores every chunk of doc, running up to ParallelChunks chunk
// evaluations concurrently, aggregates across chunks (keeping the
// highest-confidence EvalMatch per technique), and optionally augments each
// chunk's result with the LLM path when configured and available.
// Cancelling ctx stops new chunk evaluations from starting and is observed
// by any outstanding LLM call.
func (e *Evaluator) Evaluate(ctx context.Context, doc attackscore.Document) attackscore.EvalResult {
	start := time.Now()

	chunks := doc.Chunks
	if len(chunks) == 0 && doc.Text != "" {
		chunks = []string{doc.Text}
	}

	parallelism := e.cfg.ParallelChunks
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}

	type chunkOutcome struct {
		matches []attackscore.EvalMatch
		llmUsed bool
	}

	sem := make(chan struct{}, parallelism)
	outcomes := make(chan chunkOutcome, len(chunks))
	var wg sync.WaitGroup

chunkFanOut:
	for _, chunk := range chunks {
		select {
		case <-ctx.Done():
			break chunkFanOut
		default:
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(chunk string) {
			defer wg.Done()
			defer func() { <-sem }()

			matches := e.EvaluateChunk(chunk)
			llmUsed := false
			if ctx.Err() == nil && e.cfg.LLM != nil && e.cfg.LLM.Enabled && e.llm.Available() {
				if augmented, err := e.augmentChunk(ctx, chunk); err == nil {
					llmUsed = true
					matches = append(matches, augmented...)
				}
			}
			outcomes <- chunkOutcome{matches: matches, llmUsed: llmUsed}
		}(chunk)
	}

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	byTechnique := make(map[attackscore.TechniqueId]attackscore.EvalMatch)
	llmUsed := false
	for outcome := range outcomes {
		if outcome.llmUsed {
			llmUsed = true
		}
		for _, m := range outcome.matches {
			if existing, ok := byTechnique[m.TechniqueId]; !ok || m.ConfidenceScore > existing.ConfidenceScore {
				byTechnique[m.TechniqueId] = m
			}
		}
	}

	matches := make([]attackscore.EvalMatch, 0, len(byTechnique))
	for _, m := range byTechnique {
		matches = append(matches, m)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ConfidenceScore > matches[j].ConfidenceScore })

	tacticsCoverage := make(map[string]int)
	for _, m := range matches {
		if t, ok := e.catalog.Lookup(m.TechniqueId); ok {
			for _, tactic := range t.Tactics {
				tacticsCoverage[tactic]++
			}
		}
	}

	topN := 5
	if len(matches) < topN {
		topN = len(matches)
	}
	top := make([]attackscore.TechniqueId, topN)
	for i := 0; i < topN; i++ {
		top[i] = matches[i].TechniqueId
	}

	return attackscore.EvalResult{
		Matches: matches,
		Summary: attackscore.EvalSummary{
			MatchCount:       len(matches),
			TopTechniques:    top,
			TacticsCoverage:  tacticsCoverage,
			LLMUsed:          llmUsed,
			ProcessingTimeMs: time.Since(start).Milliseconds(),
		},
	}
}

const llmTokenSplitThreshold = 6000
const llmSubChunkTokens = 3000
const llmSubChunkOverlapTokens = 200
const approxCharsPerToken = 4

// augmentChunk sends chunk (split into token-bounded sub-chunks if large)
// to the LLM client and merges its matches, deduplicating across
// sub-chunks by keeping the highest confidence plus a +5 bonus per
// additional sub-chunk that also found the technique (capped at 100).
func (e *Evaluator) augmentChunk(ctx context.Context, chunk string) ([]attackscore.EvalMatch, error) {
	subChunks := splitForLLM(chunk)

	counts := make(map[attackscore.TechniqueId]int)
	best := make(map[attackscore.TechniqueId]attackscore.EvalMatch)

	for _, sub := range subChunks {
		resp, err := e.llm.Complete(ctx, llmSystemPrompt(), llmUserPrompt(sub, e.catalog))
		if err != nil {
			return nil, err
		}
		for _, m := range resp {
			id := attackscore.TechniqueId(m.TechniqueId)
			counts[id]++
			candidate := attackscore.EvalMatch{
				TechniqueId:     id,
				TechniqueName:   m.TechniqueName,
				ConfidenceScore: m.ConfidenceScore,
				MatchedText:     m.MatchedText,
				Context:         m.Rationale,
				MatchSource:     attackscore.SourceLLM,
			}
			if existing, ok := best[id]; !ok || candidate.ConfidenceScore > existing.ConfidenceScore {
				best[id] = candidate
			}
		}
	}

	out := make([]attackscore.EvalMatch, 0, len(best))
	for id, m := range best {
		if bonus := counts[id] - 1; bonus > 0 {
			m.ConfidenceScore += 5 * bonus
			if m.ConfidenceScore > 100 {
				m.ConfidenceScore = 100
			}
		}
		out = append(out, m)
	}
	return out, nil
}

func splitForLLM(chunk string) []string {
	if len(chunk)/approxCharsPerToken <= llmTokenSplitThreshold {
		return []string{chunk}
	}
	maxChars := llmSubChunkTokens * approxCharsPerToken
	overlapChars := llmSubChunkOverlapTokens * approxCharsPerToken
	return chunkBySize(chunk, maxChars, overlapChars)
}

func chunkBySize(text string, maxChars, overlapChars int) []string {
	var out []string
	for start := 0; start < len(text); {
		end := start + maxChars
		if end > len(text) {
			end = len(text)
		}
		out = append(out, text[start:end])
		if end == len(text) {
			break
		}
		start = end - overlapChars
		if start < 0 {
			start = 0
		}
	}
	return out
}

func llmSystemPrompt() string {
	return "You are a MITRE ATT&CK technique classifier. Given a document excerpt and a list of candidate techniques, " +
		"respond with a JSON object {\"matches\":[{\"techniqueId\",\"techniqueName\",\"confidenceScore\",\"matchedText\",\"rationale\"}]}."
}

func llmUserPrompt(chunk string, catalog *attackscore.TechniqueCatalog) string {
	var sb strings.Builder
	sb.WriteString("Candidate techniques:\n")
	for _, t := range catalog.Techniques() {
		fmt.Fprintf(&sb, "- %s: %s\n", t.Id, t.Name)
	}
	sb.WriteString("\nDocument excerpt:\n")
	sb.WriteString(chunk)
	return sb.String()
}

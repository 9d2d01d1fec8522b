// Package report turns an EvalResult into the final, user-facing Report:
// a confidence summary, tactic coverage breakdown, top techniques, and a
// handful of deterministic key-finding sentences.
package report

import (
	"fmt"
	"sort"
	"time"

	attackscore "github.com/mitreval/attackscore"
	"github.com/mitreval/attackscore/internal/config"
)

// Reporter generates Reports from evaluation results.
type Reporter struct {
	cfg config.ReporterConfig
}

// New constructs a Reporter.
func New(cfg config.ReporterConfig) *Reporter {
	return &Reporter{cfg: cfg}
}

// DocumentInfo describes the source document a Report is generated for.
type DocumentInfo struct {
	Source         string
	CatalogVersion string
}

// Generate builds a Report from eval and info. id and timestamp are
// supplied by the caller (the pipeline), since this package must stay free
// of time.Now()/uuid-style nondeterminism for testability.
func (r *Reporter) Generate(id string, timestamp time.Time, eval attackscore.EvalResult, info DocumentInfo) attackscore.Report {
	highConfidence := 0
	for _, m := range eval.Matches {
		if m.ConfidenceScore >= r.cfg.ConfidenceThreshold {
			highConfidence++
		}
	}

	var tacticsBreakdown map[string]int
	if r.cfg.IncludeTacticBreakdown {
		tacticsBreakdown = make(map[string]int)
		for tactic, count := range eval.Summary.TacticsCoverage {
			if count > 0 {
				tacticsBreakdown[tactic] = count
			}
		}
	}

	top := topTechniques(eval.Matches, r.cfg.MaxMatchesInSummary)
	findings := keyFindings(eval.Matches, tacticsBreakdown, r.cfg.ConfidenceThreshold)

	return attackscore.Report{
		Id:              id,
		Timestamp:       timestamp,
		Source:          info.Source,
		DetailedMatches: eval.Matches,
		CatalogVersion:  info.CatalogVersion,
		Summary: attackscore.ReportSummary{
			MatchCount:          eval.Summary.MatchCount,
			HighConfidenceCount: highConfidence,
			TacticsBreakdown:    tacticsBreakdown,
			TopTechniques:       top,
			KeyFindings:         findings,
		},
	}
}

func topTechniques(matches []attackscore.EvalMatch, max int) []attackscore.TopTechnique {
	sorted := append([]attackscore.EvalMatch(nil), matches...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ConfidenceScore > sorted[j].ConfidenceScore })
	if max > 0 && len(sorted) > max {
		sorted = sorted[:max]
	}
	out := make([]attackscore.TopTechnique, len(sorted))
	for i, m := range sorted {
		out[i] = attackscore.TopTechnique{Id: m.TechniqueId, Name: m.TechniqueName, Score: m.ConfidenceScore}
	}
	return out
}

// keyFindings generates up to four deterministic sentences, each emitted
// only if its precondition holds, in documented order.
func keyFindings(matches []attackscore.EvalMatch, tacticsBreakdown map[string]int, confidenceThreshold int) []string {
	var findings []string

	if tactic, count, ok := mostPrevalentTactic(tacticsBreakdown); ok {
		findings = append(findings, fmt.Sprintf("The most prevalent tactic is %s, observed in %d technique match(es).", tactic, count))
	}

	if len(matches) > 0 {
		best := matches[0]
		for _, m := range matches {
			if m.ConfidenceScore > best.ConfidenceScore {
				best = m
			}
		}
		if best.ConfidenceScore >= confidenceThreshold {
			findings = append(findings, fmt.Sprintf("The highest-confidence match is %s (%s) at %d%% confidence.", best.TechniqueId, best.TechniqueName, best.ConfidenceScore))
		}
	}

	distinctTechniques := make(map[attackscore.TechniqueId]struct{})
	for _, m := range matches {
		distinctTechniques[m.TechniqueId] = struct{}{}
	}
	if len(distinctTechniques) > 5 {
		findings = append(findings, fmt.Sprintf("The document touches %d distinct techniques.", len(distinctTechniques)))
	}

	if len(tacticsBreakdown) >= 3 {
		findings = append(findings, fmt.Sprintf("Matches span %d distinct tactics.", len(tacticsBreakdown)))
	}

	if len(findings) > 4 {
		findings = findings[:4]
	}
	return findings
}

func mostPrevalentTactic(tacticsBreakdown map[string]int) (string, int, bool) {
	if len(tacticsBreakdown) == 0 {
		return "", 0, false
	}
	tactics := make([]string, 0, len(tacticsBreakdown))
	for t := range tacticsBreakdown {
		tactics = append(tactics, t)
	}
	sort.Strings(tactics) // stable tie-break
	best, bestCount := tactics[0], tacticsBreakdown[tactics[0]]
	for _, t := range tactics[1:] {
		if tacticsBreakdown[t] > bestCount {
			best, bestCount = t, tacticsBreakdown[t]
		}
	}
	return best, bestCount, true
}

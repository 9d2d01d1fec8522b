package eval

import (
	"sort"

	attackscore "github.com/mitreval/attackscore"
)

// merge groups overlapping RawMatches of the same technique into
// EvalMatches and synthesizes a confidence score per the documented
// weighting (0.4 keyword + 0.35 tfidf + 0.25 fuzzy, +10 if multi-method).
func merge(raw []attackscore.RawMatch, contextWindow int, chunk string) []attackscore.EvalMatch {
	if len(raw) == 0 {
		return nil
	}

	sort.SliceStable(raw, func(i, j int) bool {
		if raw[i].TechniqueId != raw[j].TechniqueId {
			return raw[i].TechniqueId < raw[j].TechniqueId
		}
		return raw[i].Position.StartChar < raw[j].Position.StartChar
	})

	sourcesByTechnique := make(map[attackscore.TechniqueId]map[attackscore.MatchSource]struct{})
	for _, m := range raw {
		set, ok := sourcesByTechnique[m.TechniqueId]
		if !ok {
			set = make(map[attackscore.MatchSource]struct{})
			sourcesByTechnique[m.TechniqueId] = set
		}
		set[m.MatchSource] = struct{}{}
	}

	var groups [][]attackscore.RawMatch
	for i := 0; i < len(raw); {
		j := i + 1
		group := []attackscore.RawMatch{raw[i]}
		for j < len(raw) && raw[j].TechniqueId == raw[i].TechniqueId && overlaps(group[len(group)-1].Position, raw[j].Position) {
			group = append(group, raw[j])
			j++
		}
		groups = append(groups, group)
		i = j
	}

	var out []attackscore.EvalMatch
	for _, group := range groups {
		out = append(out, synthesize(group, sourcesByTechnique, contextWindow, chunk))
	}
	return out
}

func overlaps(a, b attackscore.Position) bool {
	return a.StartChar <= b.EndChar && b.StartChar <= a.EndChar
}

func synthesize(group []attackscore.RawMatch, sources map[attackscore.TechniqueId]map[attackscore.MatchSource]struct{}, contextWindow int, chunk string) attackscore.EvalMatch {
	var k, t, f int
	var best attackscore.RawMatch
	bestScore := -1
	start, end := group[0].Position.StartChar, group[0].Position.EndChar

	for _, m := range group {
		if m.KeywordScore > k {
			k = m.KeywordScore
		}
		if m.TfIdfScore > t {
			t = m.TfIdfScore
		}
		if m.FuzzyScore > f {
			f = m.FuzzyScore
		}
		score := m.KeywordScore + m.TfIdfScore + m.FuzzyScore
		if score > bestScore {
			bestScore = score
			best = m
		}
		if m.Position.StartChar < start {
			start = m.Position.StartChar
		}
		if m.Position.EndChar > end {
			end = m.Position.EndChar
		}
	}

	multiMethod := len(sources[group[0].TechniqueId]) >= 2
	confidence := 0.4*float64(k) + 0.35*float64(t) + 0.25*float64(f)
	if multiMethod {
		confidence += 10
	}
	if confidence > 100 {
		confidence = 100
	}

	ctxStart := start - contextWindow/2
	if ctxStart < 0 {
		ctxStart = 0
	}
	ctxEnd := end + contextWindow/2
	if ctxEnd > len(chunk) {
		ctxEnd = len(chunk)
	}
	context := ""
	if ctxStart < ctxEnd && ctxEnd <= len(chunk) {
		context = chunk[ctxStart:ctxEnd]
	}

	return attackscore.EvalMatch{
		TechniqueId:              group[0].TechniqueId,
		TechniqueName:            best.TechniqueName,
		ConfidenceScore:          int(confidence),
		MatchedText:              best.MatchedText,
		Context:                  context,
		TextPosition:             attackscore.Position{StartChar: start, EndChar: end},
		MatchSource:              best.MatchSource,
		MatchedByMultipleMethods: multiMethod,
	}
}

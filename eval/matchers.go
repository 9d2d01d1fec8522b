package eval

import (
	"math"
	"sort"
	"strings"

	attackscore "github.com/mitreval/attackscore"
)

// keywordBase returns the base score for a keyword by its n-gram size:
// 60 for a unigram, 75 for a bigram, 85 for a trigram or longer.
func keywordBase(kw string) int {
	switch strings.Count(strings.TrimSpace(kw), " ") {
	case 0:
		return 60
	case 1:
		return 75
	default:
		return 85
	}
}

// keywordMatches scans chunk for literal (case-insensitive) occurrences of
// every keyword on every technique in the catalog. Each technique with at
// least one hit produces one RawMatch, positioned at its strongest (highest
// base-score) hit and scored `min(100, base + 15*hits)`. An exact
// technique-id token match is forced to at least 90.
func keywordMatches(chunk string, catalog *attackscore.TechniqueCatalog) []attackscore.RawMatch {
	lower := strings.ToLower(chunk)
	var out []attackscore.RawMatch

	for _, t := range catalog.Techniques() {
		if idx := strings.Index(lower, strings.ToLower(string(t.Id))); idx >= 0 {
			out = append(out, attackscore.RawMatch{
				TechniqueId:   t.Id,
				TechniqueName: t.Name,
				Tactics:       t.Tactics,
				MatchedText:   chunk[idx : idx+len(t.Id)],
				Position:      attackscore.Position{StartChar: idx, EndChar: idx + len(t.Id)},
				KeywordScore:  100,
				MatchSource:   attackscore.SourceKeyword,
			})
			continue
		}

		hits := 0
		bestBase := 0
		bestIdx, bestLen := -1, 0
		for kw := range t.Keywords {
			idx := strings.Index(lower, kw)
			if idx < 0 {
				continue
			}
			hits++
			if base := keywordBase(kw); base > bestBase {
				bestBase, bestIdx, bestLen = base, idx, len(kw)
			}
		}
		if hits == 0 {
			continue
		}

		score := bestBase + 15*hits
		if score > 100 {
			score = 100
		}
		out = append(out, attackscore.RawMatch{
			TechniqueId:   t.Id,
			TechniqueName: t.Name,
			Tactics:       t.Tactics,
			MatchedText:   chunk[bestIdx : bestIdx+bestLen],
			Position:      attackscore.Position{StartChar: bestIdx, EndChar: bestIdx + bestLen},
			KeywordScore:  score,
			MatchSource:   attackscore.SourceKeyword,
		})
	}
	return out
}

// tfidfVector is a technique's TF-IDF document vector built once at
// Initialize time, keyed by term.
type tfidfVector map[string]float64

// tfidfModel holds per-technique vectors and the corpus-wide IDF table.
type tfidfModel struct {
	vectors map[attackscore.TechniqueId]tfidfVector
	idf     map[string]float64
}

func buildTfidfModel(catalog *attackscore.TechniqueCatalog) *tfidfModel {
	docs := make(map[attackscore.TechniqueId][]string)
	df := make(map[string]int)

	for _, t := range catalog.Techniques() {
		text := t.Name + " " + t.Description
		for kw := range t.Keywords {
			text += " " + kw
		}
		tokens := tokenize(text)
		docs[t.Id] = tokens
		seen := make(map[string]struct{})
		for _, tok := range tokens {
			if _, ok := seen[tok]; ok {
				continue
			}
			seen[tok] = struct{}{}
			df[tok]++
		}
	}

	n := float64(len(docs))
	idf := make(map[string]float64, len(df))
	for term, count := range df {
		idf[term] = math.Log(1 + n/float64(count))
	}

	vectors := make(map[attackscore.TechniqueId]tfidfVector, len(docs))
	for id, tokens := range docs {
		vectors[id] = tfVector(tokens, idf)
	}

	return &tfidfModel{vectors: vectors, idf: idf}
}

func tfVector(tokens []string, idf map[string]float64) tfidfVector {
	tf := make(map[string]int)
	for _, tok := range tokens {
		tf[tok]++
	}
	vec := make(tfidfVector, len(tf))
	for term, count := range tf {
		vec[term] = float64(count) * idf[term]
	}
	return vec
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	out := fields[:0:0]
	for _, f := range fields {
		if len(f) >= 2 {
			out = append(out, f)
		}
	}
	return out
}

func cosineSimilarity(a, b tfidfVector) float64 {
	var dot, normA, normB float64
	for term, va := range a {
		normA += va * va
		if vb, ok := b[term]; ok {
			dot += va * vb
		}
	}
	for _, vb := range b {
		normB += vb * vb
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

const tfidfThreshold = 0.15

func tfidfMatches(chunk string, catalog *attackscore.TechniqueCatalog, model *tfidfModel) []attackscore.RawMatch {
	chunkVec := tfVector(tokenize(chunk), model.idf)
	mid := len(chunk) / 2

	var out []attackscore.RawMatch
	for _, t := range catalog.Techniques() {
		vec, ok := model.vectors[t.Id]
		if !ok {
			continue
		}
		sim := cosineSimilarity(chunkVec, vec)
		if sim < tfidfThreshold {
			continue
		}
		score := int(math.Round(100 * sim))
		if score > 100 {
			score = 100
		}
		out = append(out, attackscore.RawMatch{
			TechniqueId:   t.Id,
			TechniqueName: t.Name,
			Tactics:       t.Tactics,
			MatchedText:   mostOverlappingSentence(chunk, mid),
			Position:      attackscore.Position{StartChar: mid, EndChar: mid},
			TfIdfScore:    score,
			MatchSource:   attackscore.SourceTfIdf,
		})
	}
	return out
}

func mostOverlappingSentence(chunk string, pos int) string {
	if chunk == "" {
		return ""
	}
	start := strings.LastIndexAny(chunk[:min(pos, len(chunk))], ".!?\n")
	if start < 0 {
		start = 0
	} else {
		start++
	}
	end := len(chunk)
	if rel := strings.IndexAny(chunk[min(pos, len(chunk)):], ".!?\n"); rel >= 0 {
		end = pos + rel + 1
	}
	if start >= end {
		return strings.TrimSpace(chunk)
	}
	return strings.TrimSpace(chunk[start:end])
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// importantPhrases returns the phrases the fuzzy matcher slides against:
// the technique name, description sentences of length 6..99, and keywords.
func importantPhrases(t *attackscore.Technique) []string {
	phrases := []string{t.Name}
	for _, sentence := range splitSentences(t.Description) {
		l := len(sentence)
		if l >= 6 && l <= 99 {
			phrases = append(phrases, sentence)
		}
	}
	for kw := range t.Keywords {
		phrases = append(phrases, kw)
	}
	return phrases
}

func splitSentences(s string) []string {
	raw := strings.FieldsFunc(s, func(r rune) bool { return r == '.' || r == '!' || r == '?' })
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if trimmed := strings.TrimSpace(r); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func trigramSet(s string) map[string]struct{} {
	s = strings.ToLower(s)
	out := make(map[string]struct{})
	if len(s) < 3 {
		if s != "" {
			out[s] = struct{}{}
		}
		return out
	}
	for i := 0; i+3 <= len(s); i++ {
		out[s[i:i+3]] = struct{}{}
	}
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

const (
	fuzzyWindow    = 100
	fuzzyStride    = 50
	fuzzyThreshold = 0.6
)

func fuzzyMatches(chunk string, catalog *attackscore.TechniqueCatalog) []attackscore.RawMatch {
	var out []attackscore.RawMatch

	type phraseEntry struct {
		technique *attackscore.Technique
		phrase    string
		grams     map[string]struct{}
	}
	var entries []phraseEntry
	for _, t := range catalog.Techniques() {
		for _, p := range importantPhrases(t) {
			if len(p) < 4 {
				continue
			}
			entries = append(entries, phraseEntry{technique: t, phrase: p, grams: trigramSet(p)})
		}
	}

	for winStart := 0; winStart < len(chunk); winStart += fuzzyStride {
		winEnd := winStart + fuzzyWindow
		if winEnd > len(chunk) {
			winEnd = len(chunk)
		}
		window := chunk[winStart:winEnd]

		for _, e := range entries {
			plen := len(e.phrase)
			candMin := maxInt(4, plen/2)
			candMax := minInt(2*plen, len(window))
			if candMin > candMax {
				continue
			}
			best := 0.0
			bestSub := ""
			for i := 0; i+candMin <= len(window); i += maxInt(1, int(float64(candMin)*0.7)) {
				for l := candMin; l <= candMax && i+l <= len(window); l++ {
					sub := window[i : i+l]
					sim := jaccard(e.grams, trigramSet(sub))
					if sim > best {
						best = sim
						bestSub = sub
					}
				}
			}
			if best > fuzzyThreshold {
				absStart := winStart + strings.Index(window, bestSub)
				if absStart < winStart {
					absStart = winStart
				}
				out = append(out, attackscore.RawMatch{
					TechniqueId:   e.technique.Id,
					TechniqueName: e.technique.Name,
					Tactics:       e.technique.Tactics,
					MatchedText:   bestSub,
					Position:      attackscore.Position{StartChar: absStart, EndChar: absStart + len(bestSub)},
					FuzzyScore:    int(math.Round(100 * best)),
					MatchSource:   attackscore.SourceFuzzy,
				})
			}
		}
		if winEnd == len(chunk) {
			break
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Position.StartChar < out[j].Position.StartChar })
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Package keyword extracts a set of indexable keywords from free text:
// technical terms and significant words kept verbatim, n-grams assembled
// from the raw token stream, and synonym expansion against a fixed
// cybersecurity vocabulary.
package keyword

import (
	"regexp"
	"strings"
)

// technicalTerms are kept as keywords regardless of length or stop-word
// status: short acronyms that would otherwise be filtered out.
var technicalTerms = map[string]struct{}{
	"ssh": {}, "api": {}, "rpc": {}, "ftp": {}, "dns": {}, "url": {}, "sql": {},
	"xss": {}, "ssl": {}, "tls": {}, "vpn": {}, "smb": {}, "cmd": {}, "exe": {},
	"dll": {}, "tcp": {}, "udp": {}, "icmp": {}, "http": {}, "apt": {}, "pdf": {},
	"xls": {}, "csv": {}, "doc": {}, "ppt": {}, "zip": {}, "rar": {}, "tar": {},
	"git": {}, "php": {}, "pem": {}, "crt": {}, "key": {}, "log": {}, "mac": {},
	"ip": {}, "os": {},
}

var stopWords = map[string]struct{}{
	"a": {}, "about": {}, "above": {}, "after": {}, "again": {}, "against": {},
	"all": {}, "am": {}, "an": {}, "and": {}, "any": {}, "are": {}, "as": {},
	"at": {}, "be": {}, "because": {}, "been": {}, "before": {}, "being": {},
	"below": {}, "between": {}, "both": {}, "but": {}, "by": {}, "can": {},
	"could": {}, "did": {}, "do": {}, "does": {}, "doing": {}, "down": {},
	"during": {}, "each": {}, "few": {}, "for": {}, "from": {}, "further": {},
	"had": {}, "has": {}, "have": {}, "having": {}, "he": {}, "her": {},
	"here": {}, "hers": {}, "herself": {}, "him": {}, "himself": {}, "his": {},
	"how": {}, "i": {}, "if": {}, "in": {}, "into": {}, "is": {}, "it": {},
	"its": {}, "itself": {}, "just": {}, "me": {}, "more": {}, "most": {},
	"my": {}, "myself": {}, "no": {}, "nor": {}, "not": {}, "now": {}, "of": {},
	"off": {}, "on": {}, "once": {}, "only": {}, "or": {}, "other": {}, "our": {},
	"ours": {}, "ourselves": {}, "out": {}, "over": {}, "own": {}, "same": {},
	"she": {}, "should": {}, "so": {}, "some": {}, "such": {}, "than": {},
	"that": {}, "the": {}, "their": {}, "theirs": {}, "them": {}, "themselves": {},
	"then": {}, "there": {}, "these": {}, "they": {}, "this": {}, "those": {},
	"through": {}, "to": {}, "too": {}, "under": {}, "until": {}, "up": {},
	"very": {}, "was": {}, "we": {}, "were": {}, "what": {}, "when": {},
	"where": {}, "which": {}, "while": {}, "who": {}, "whom": {}, "why": {},
	"will": {}, "with": {}, "would": {}, "you": {}, "your": {}, "yours": {},
	"yourself": {}, "yourselves": {}, "also": {}, "may": {}, "might": {},
	"must": {}, "one": {}, "using": {}, "used": {}, "via": {},
}

// synonymMap pairs each canonical cybersecurity term with its synonyms.
// Expansion walks both directions: canonical -> synonyms, and synonym ->
// canonical. A synonym's sibling synonyms are not added.
var synonymMap = map[string][]string{
	"malware":        {"virus", "trojan", "ransomware", "worm", "spyware", "adware", "rootkit"},
	"phishing":       {"spearphishing", "whaling", "smishing", "vishing"},
	"credential":     {"password", "passphrase", "secret", "token"},
	"exfiltration":   {"exfil", "leak", "theft"},
	"persistence":    {"implant", "backdoor", "foothold"},
	"reconnaissance": {"recon", "scanning", "enumeration", "discovery"},
	"lateral":        {"pivot", "pivoting"},
	"privilege":      {"escalation", "elevation"},
	"encryption":     {"cipher", "encrypted", "encoding"},
	"command":        {"c2", "c&c", "beacon", "beaconing"},
	"exploit":        {"exploitation", "vulnerability", "cve"},
	"payload":        {"dropper", "loader", "stager"},
	"injection":      {"inject", "injected"},
	"authentication": {"auth", "login", "logon"},
	"network":        {"traffic", "packet"},
}

// synonymLookup maps every synonym back to its canonical term(s), built
// once from synonymMap.
var synonymLookup = buildSynonymLookup(synonymMap)

func buildSynonymLookup(m map[string][]string) map[string][]string {
	out := make(map[string][]string)
	for canonical, syns := range m {
		for _, s := range syns {
			out[s] = append(out[s], canonical)
		}
	}
	return out
}

var nonWordDashSpace = regexp.MustCompile(`[^a-z0-9\-\s]`)
var htmlTag = regexp.MustCompile(`<[^>]*>`)
var htmlEntity = regexp.MustCompile(`&[a-z#0-9]+;`)
var whitespaceRun = regexp.MustCompile(`\s+`)

func sanitize(s string) string {
	s = strings.ToLower(s)
	s = htmlTag.ReplaceAllString(s, " ")
	s = htmlEntity.ReplaceAllString(s, " ")
	s = nonWordDashSpace.ReplaceAllString(s, " ")
	s = whitespaceRun.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func keepToken(tok string) bool {
	if _, ok := technicalTerms[tok]; ok {
		return true
	}
	return len(tok) >= 3 && !isStopWord(tok)
}

func isStopWord(tok string) bool {
	_, ok := stopWords[tok]
	return ok
}

// Extract returns the deduplicated set of keywords found in description
// and title: single significant tokens, 2- and 3-grams over the raw token
// stream, and (if expandSynonyms) their synonym-map expansions.
func Extract(description, title string, expandSynonyms bool) map[string]struct{} {
	raw := sanitize(title + " " + description)
	if raw == "" {
		return map[string]struct{}{}
	}
	tokens := strings.Fields(raw)

	result := make(map[string]struct{})
	for _, tok := range tokens {
		if keepToken(tok) {
			result[tok] = struct{}{}
		}
	}

	for _, n := range []int{2, 3} {
		for i := 0; i+n <= len(tokens); i++ {
			gram := tokens[i : i+n]
			if tooManyStopWords(gram, n) {
				continue
			}
			result[strings.Join(gram, " ")] = struct{}{}
		}
	}

	if expandSynonyms {
		expansions := make(map[string]struct{})
		for kw := range result {
			for _, syn := range synonymMap[kw] {
				expansions[syn] = struct{}{}
			}
			for _, canonical := range synonymLookup[kw] {
				expansions[canonical] = struct{}{}
			}
		}
		for kw := range expansions {
			result[kw] = struct{}{}
		}
	}

	return result
}

// tooManyStopWords reports whether gram's stop-word count exceeds floor(n/2).
func tooManyStopWords(gram []string, n int) bool {
	count := 0
	for _, tok := range gram {
		if isStopWord(tok) {
			count++
		}
	}
	return count > n/2
}

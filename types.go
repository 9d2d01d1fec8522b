package attackscore

import "time"

// TechniqueId identifies a technique or sub-technique: "T<digits>" or
// "T<digits>.<digits>".
type TechniqueId string

// MitigationRef is a course-of-action linked to a technique via a
// "mitigates" STIX relationship.
type MitigationRef struct {
	Id          string
	Name        string
	Description string
}

// Technique is one MITRE ATT&CK attack-pattern, resolved against its
// tactics, mitigations, and (for sub-techniques) its parent.
type Technique struct {
	Id          TechniqueId
	Name        string
	Description string

	Tactics     []string
	Platforms   []string
	DataSources []string
	Detection   string
	Mitigations []MitigationRef

	Url      string
	Keywords map[string]struct{}

	ParentId TechniqueId // empty unless this is a sub-technique
	Children []TechniqueId

	CreatedAt  time.Time
	ModifiedAt time.Time
}

// IsSubtechnique reports whether t has a resolved parent.
func (t *Technique) IsSubtechnique() bool { return t.ParentId != "" }

// TechniqueCatalog is the immutable, parsed output of the StixParser.
type TechniqueCatalog struct {
	ById                map[TechniqueId]*Technique
	TacticsToTechniques map[string]map[TechniqueId]struct{}
	Version             string
}

// Lookup resolves id to a Technique, whether id is a STIX id or an
// external (MITRE) id alias.
func (c *TechniqueCatalog) Lookup(id TechniqueId) (*Technique, bool) {
	t, ok := c.ById[id]
	return t, ok
}

// Techniques returns the deduplicated set of techniques in the catalog
// (ById may alias the same *Technique under two keys).
func (c *TechniqueCatalog) Techniques() []*Technique {
	seen := make(map[*Technique]struct{}, len(c.ById))
	out := make([]*Technique, 0, len(c.ById))
	for _, t := range c.ById {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// RawFetchResult is the Fetcher's output for one Fetch call.
type RawFetchResult struct {
	Bytes     []byte
	Version   string
	FetchedAt time.Time
	SourceUrl string
	FromCache bool
	Changed   bool
}

// Format identifies the structural format of an ingested document.
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
	FormatHTML Format = "html"
	FormatTXT  Format = "txt"
	FormatMD   Format = "md"
	FormatRTF  Format = "rtf"
)

// Metadata describes what's known about a Document beyond its text.
type Metadata struct {
	Title     string
	Author    string
	PageCount int
	CharCount int
	Format    Format
	MimeType  string
	Language  string
}

// Document is the normalized, chunked result of DocIngest.
type Document struct {
	Url      string
	Filename string

	Text   string
	Chunks []string

	Metadata Metadata
}

// Position marks a byte range in a chunk's text.
type Position struct {
	StartChar int
	EndChar   int
}

// MatchSource identifies which matcher (or the LLM) produced a match.
type MatchSource string

const (
	SourceKeyword MatchSource = "keyword"
	SourceTfIdf   MatchSource = "tfidf"
	SourceFuzzy   MatchSource = "fuzzy"
	SourceLLM     MatchSource = "llm"
)

// RawMatch is produced by exactly one matcher over exactly one chunk.
type RawMatch struct {
	TechniqueId   TechniqueId
	TechniqueName string
	Tactics       []string

	MatchedText string
	Position    Position

	KeywordScore int // 0 if not set
	TfIdfScore   int
	FuzzyScore   int

	MatchSource MatchSource
}

// EvalMatch is the user-facing, merged match for one technique.
type EvalMatch struct {
	TechniqueId              TechniqueId
	TechniqueName            string
	ConfidenceScore          int
	MatchedText              string
	Context                  string
	TextPosition             Position
	MatchSource              MatchSource
	MatchedByMultipleMethods bool
}

// EvalSummary aggregates an EvalResult's matches.
type EvalSummary struct {
	DocumentId       string
	MatchCount       int
	TopTechniques    []TechniqueId
	TacticsCoverage  map[string]int
	LLMUsed          bool
	ProcessingTimeMs int64
}

// EvalResult is the immutable output of Evaluate.
type EvalResult struct {
	Matches []EvalMatch
	Summary EvalSummary
}

// ReportSummary is the top-level summary embedded in a Report.
type ReportSummary struct {
	MatchCount          int
	HighConfidenceCount int
	TacticsBreakdown    map[string]int
	TopTechniques       []TopTechnique
	KeyFindings         []string
}

// TopTechnique is one entry of ReportSummary.TopTechniques.
type TopTechnique struct {
	Id    TechniqueId
	Name  string
	Score int
}

// Report is the final, user-facing artifact produced by the Reporter.
// Persistence and export are both external to this module.
type Report struct {
	Id              string
	Timestamp       time.Time
	Source          string
	Summary         ReportSummary
	DetailedMatches []EvalMatch
	CatalogVersion  string
}

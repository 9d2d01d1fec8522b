// Package ingest implements DocIngest: fetching a document (by URL or from
// disk), detecting its format, extracting plain text, normalizing it, and
// chunking it to bounded size with overlap.
package ingest

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	attackscore "github.com/mitreval/attackscore"
	"github.com/mitreval/attackscore/ingest/docx"
	"github.com/mitreval/attackscore/ingest/html"
	"github.com/mitreval/attackscore/ingest/pdf"
	"github.com/mitreval/attackscore/internal/retry"
)

// Config configures DocIngest.
type Config struct {
	MaxDocumentSize int64
	MaxChunkSize    int
	ChunkOverlap    int
	UserAgent       string
	Timeout         time.Duration
	Retries         int
	FollowRedirects bool
}

// DocIngest retrieves, extracts, normalizes, and chunks documents.
type DocIngest struct {
	cfg    Config
	client *http.Client
	log    *slog.Logger
}

// New creates a DocIngest with the given config and logger.
func New(cfg Config, log *slog.Logger) *DocIngest {
	if log == nil {
		log = slog.Default()
	}
	client := &http.Client{Timeout: cfg.Timeout}
	if !cfg.FollowRedirects {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return attackscore.Invalid("too many redirects fetching %s", req.URL)
			}
			return nil
		}
	}
	return &DocIngest{cfg: cfg, client: client, log: log}
}

// ProcessUrl fetches a URL, extracts its text, normalizes, and chunks it.
func (d *DocIngest) ProcessUrl(ctx context.Context, rawURL string) (attackscore.Document, error) {
	if err := ValidateUrl(rawURL); err != nil {
		return attackscore.Document{}, err
	}

	body, contentType, err := d.fetch(ctx, rawURL)
	if err != nil {
		return attackscore.Document{}, err
	}

	format := DetectFormat(rawURL, contentType)
	text, meta, err := d.ExtractText(body, format, rawURL)
	if err != nil {
		return attackscore.Document{}, err
	}

	normalized := NormalizeText(text)
	chunks := ChunkText(normalized, ChunkerConfig{MaxChars: d.cfg.MaxChunkSize, OverlapChars: d.cfg.ChunkOverlap})

	meta.CharCount = len(normalized)
	meta.Format = format
	meta.MimeType = contentType

	return attackscore.Document{
		Url:      rawURL,
		Text:     normalized,
		Chunks:   chunks,
		Metadata: meta,
	}, nil
}

// ProcessFile extracts the text of an already-read file, normalizes, and
// chunks it; it does not touch the disk. name is the original filename used
// for format detection and reporting; content is the file bytes.
func (d *DocIngest) ProcessFile(content []byte, name string) (attackscore.Document, error) {
	if int64(len(content)) > d.cfg.MaxDocumentSize {
		return attackscore.Document{}, attackscore.Invalid("file %q exceeds max document size %d", name, d.cfg.MaxDocumentSize)
	}

	format := DetectFormat(name, "")
	text, meta, err := d.ExtractText(content, format, name)
	if err != nil {
		return attackscore.Document{}, err
	}

	normalized := NormalizeText(text)
	chunks := ChunkText(normalized, ChunkerConfig{MaxChars: d.cfg.MaxChunkSize, OverlapChars: d.cfg.ChunkOverlap})

	meta.CharCount = len(normalized)
	meta.Format = format

	return attackscore.Document{
		Filename: name,
		Text:     normalized,
		Chunks:   chunks,
		Metadata: meta,
	}, nil
}

// fetch retrieves rawURL's body, retrying transport errors with exponential
// backoff, and rejects bodies over MaxDocumentSize.
func (d *DocIngest) fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	var body []byte
	var contentType string

	err := retry.Do(ctx, d.cfg.Retries+1, time.Second, attackscore.IsTransient, func(attempt int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return attackscore.Invalid("build request: %v", err)
		}
		req.Header.Set("User-Agent", d.cfg.UserAgent)
		req.Header.Set("Accept", "text/html,application/pdf,application/vnd.openxmlformats-officedocument.wordprocessingml.document,text/plain;q=0.9,*/*;q=0.5")

		resp, err := d.client.Do(req)
		if err != nil {
			return attackscore.Transient(err, "fetch %s", rawURL)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return attackscore.Transient(nil, "fetch %s: http %d", rawURL, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return attackscore.FetchFailed(nil, "fetch %s: http %d", rawURL, resp.StatusCode)
		}

		limit := d.cfg.MaxDocumentSize
		data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
		if err != nil {
			return attackscore.Transient(err, "read body of %s", rawURL)
		}
		if int64(len(data)) > limit {
			return attackscore.Invalid("document at %s exceeds max document size %d", rawURL, limit)
		}

		body = data
		contentType = resp.Header.Get("Content-Type")
		return nil
	})

	return body, contentType, err
}

// ValidateUrl rejects anything that isn't a plain http(s) URL pointing
// somewhere other than localhost, a private range, or a .local domain.
func ValidateUrl(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return attackscore.Invalid("invalid url %q: %v", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return attackscore.Invalid("unsupported url scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return attackscore.Invalid("url %q has no host", rawURL)
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".local") {
		return attackscore.Invalid("url %q targets a blocked host", rawURL)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() {
			return attackscore.Invalid("url %q targets a blocked host", rawURL)
		}
	}

	return nil
}

// DetectFormat maps a filename or URL path (plus an optional content-type
// hint) to a Format. Unknown URL paths default to html; "doc" best-effort
// maps to docx.
func DetectFormat(nameOrUrl string, contentType string) attackscore.Format {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "pdf"):
		return attackscore.FormatPDF
	case strings.Contains(ct, "wordprocessingml"):
		return attackscore.FormatDOCX
	case strings.Contains(ct, "html"):
		return attackscore.FormatHTML
	case strings.Contains(ct, "markdown"):
		return attackscore.FormatMD
	case strings.Contains(ct, "rtf"):
		return attackscore.FormatRTF
	case strings.Contains(ct, "text/plain"):
		return attackscore.FormatTXT
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(nameOrUrl), "."))
	// Strip any query string that leaked into the extension from a URL path.
	if idx := strings.IndexAny(ext, "?#"); idx >= 0 {
		ext = ext[:idx]
	}

	switch ext {
	case "pdf":
		return attackscore.FormatPDF
	case "docx":
		return attackscore.FormatDOCX
	case "doc":
		return attackscore.FormatDOCX
	case "md", "markdown":
		return attackscore.FormatMD
	case "rtf":
		return attackscore.FormatRTF
	case "txt":
		return attackscore.FormatTXT
	case "html", "htm":
		return attackscore.FormatHTML
	}

	if looksLikeUrl(nameOrUrl) {
		return attackscore.FormatHTML
	}
	return attackscore.FormatTXT
}

func looksLikeUrl(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// ExtractText extracts plain text (and whatever metadata the format
// carries) for the given format.
func (d *DocIngest) ExtractText(content []byte, format attackscore.Format, sourceURL string) (string, attackscore.Metadata, error) {
	if len(content) == 0 {
		return "", attackscore.Metadata{}, attackscore.Invalid("empty content for format %s", format)
	}

	switch format {
	case attackscore.FormatPDF:
		res, err := pdf.Extract(content)
		if err != nil {
			return "", attackscore.Metadata{}, attackscore.ExtractionFailed(err, "extract pdf")
		}
		return res.Text, attackscore.Metadata{PageCount: res.PageCount}, nil

	case attackscore.FormatDOCX:
		res, err := docx.Extract(content)
		if err != nil {
			return "", attackscore.Metadata{}, attackscore.ExtractionFailed(err, "extract docx")
		}
		return res.Text, attackscore.Metadata{}, nil

	case attackscore.FormatHTML:
		res, err := html.Extract(content, sourceURL)
		if err != nil {
			return "", attackscore.Metadata{}, attackscore.ExtractionFailed(err, "extract html")
		}
		return res.Text, attackscore.Metadata{Title: res.Title}, nil

	case attackscore.FormatRTF:
		return stripRtf(string(content)), attackscore.Metadata{}, nil

	case attackscore.FormatMD, attackscore.FormatTXT:
		return string(content), attackscore.Metadata{}, nil

	default:
		return "", attackscore.Metadata{}, attackscore.Invalid("unsupported format %q", format)
	}
}

// stripRtf removes RTF control words, group braces, and stray backslashes,
// leaving plain text.
func stripRtf(content string) string {
	var out strings.Builder
	i := 0
	for i < len(content) {
		c := content[i]
		switch c {
		case '{', '}':
			i++
		case '\\':
			i++
			// Control word: backslash followed by letters, optional signed
			// digits, optional trailing space (consumed as the delimiter).
			start := i
			for i < len(content) && isAsciiLetter(content[i]) {
				i++
			}
			if i > start {
				if i < len(content) && (content[i] == '-' || isAsciiDigit(content[i])) {
					if content[i] == '-' {
						i++
					}
					for i < len(content) && isAsciiDigit(content[i]) {
						i++
					}
				}
				if i < len(content) && content[i] == ' ' {
					i++
				}
				continue
			}
			// Escaped literal char (\\, \{, \}) or unrecognized control symbol.
			if i < len(content) {
				out.WriteByte(content[i])
				i++
			}
		default:
			out.WriteByte(c)
			i++
		}
	}
	return collapseRtfWhitespace(out.String())
}

func isAsciiLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func isAsciiDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

func collapseRtfWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.TrimSpace(strings.Join(fields, " "))
}

// NormalizeText applies the fixed normalization pipeline: line-ending and
// whitespace canonicalization, and ASCII folding of common "smart"
// punctuation. Idempotent.
func NormalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.ReplaceAll(text, "\t", " ")

	replacer := strings.NewReplacer(
		"‘", "'", "’", "'",
		"“", "\"", "”", "\"",
		"–", "-", "—", "-",
		"…", "...",
	)
	text = replacer.Replace(text)

	text = collapseSpaces(text)
	text = collapseBlankLines(text)

	return strings.TrimSpace(text)
}

func collapseSpaces(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
		if strings.TrimSpace(line) == "" {
			lines[i] = ""
		}
	}
	return strings.Join(lines, "\n")
}

func collapseBlankLines(text string) string {
	lines := strings.Split(text, "\n")
	var out []string
	blanks := 0
	for _, line := range lines {
		if line == "" {
			blanks++
			if blanks <= 1 {
				out = append(out, line)
			}
			continue
		}
		blanks = 0
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// Package html extracts structured plain text from an HTML document: headings,
// paragraphs, list items, and tables become separate lines, in document
// order, from the page's main content container. It falls back to a
// readability-style full-text extraction when the structured pass yields too
// little text (e.g. a page that renders its content with JS, or one that
// doesn't use any of the recognized container selectors).
//
// This is a leaf package with no dependency on the parent ingest package.
package html

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
)

// containerSelectors is tried in order; the first one that matches an
// element is used as the extraction root.
var containerSelectors = []string{"main", "article", "#content", "#main", ".content", ".main"}

// minStructuredLen is the threshold below which the structured pass is
// considered too sparse and the readability fallback is used instead.
const minStructuredLen = 200

// Result is an HTML document's extracted text plus whatever metadata the
// markup itself carries.
type Result struct {
	Text  string
	Title string
}

// Extract returns the plain-text rendering of an HTML document.
func Extract(content []byte, sourceURL string) (Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(content)))
	if err != nil {
		return Result{}, err
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())

	doc.Find("script, style, noscript, iframe, svg").Remove()

	root := selectContainer(doc)
	structured := extractStructured(root)
	if len(structured) >= minStructuredLen {
		return Result{Text: structured, Title: title}, nil
	}

	if fallback := readabilityFallback(content, sourceURL); len(fallback) > len(structured) {
		return Result{Text: fallback, Title: title}, nil
	}
	if structured != "" {
		return Result{Text: structured, Title: title}, nil
	}
	return Result{Text: strings.TrimSpace(root.Text()), Title: title}, nil
}

func selectContainer(doc *goquery.Document) *goquery.Selection {
	for _, sel := range containerSelectors {
		if s := doc.Find(sel); s.Length() > 0 {
			return s.First()
		}
	}
	return doc.Find("body")
}

// extractStructured walks block-level elements in document order, emitting
// one line per heading/paragraph/list-item, and one pipe-joined line per
// table row.
func extractStructured(root *goquery.Selection) string {
	var lines []string

	root.Find("h1, h2, h3, h4, h5, h6, p, li, tr").Each(func(_ int, s *goquery.Selection) {
		// Skip elements nested inside a list item or table row below root:
		// goquery's Find returns every match regardless of nesting depth,
		// and the enclosing li/tr already emits this text.
		if s.ParentsFilteredUntilSelection("li, tr", root).Length() > 0 {
			return
		}
		tag := goquery.NodeName(s)
		text := strings.TrimSpace(s.Text())
		if text == "" {
			return
		}

		switch tag {
		case "li":
			lines = append(lines, "- "+collapseSpace(text))
		case "tr":
			var cells []string
			s.Find("td, th").Each(func(_ int, cell *goquery.Selection) {
				c := strings.TrimSpace(cell.Text())
				if c != "" {
					cells = append(cells, c)
				}
			})
			if len(cells) > 0 {
				lines = append(lines, strings.Join(cells, " | "))
			}
		default:
			lines = append(lines, collapseSpace(text))
		}
	})

	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func readabilityFallback(content []byte, sourceURL string) string {
	parsed, _ := url.Parse(sourceURL)
	article, err := readability.FromReader(strings.NewReader(string(content)), parsed)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(article.TextContent)
}

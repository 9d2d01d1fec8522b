// Package pdf extracts text and the page count from PDF files using
// ledongthuc/pdf (pure Go, no CGO). It is a leaf package with no dependency
// on the parent ingest package, so ingest can import it for format dispatch
// without an import cycle.
package pdf

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Result holds extracted text and the page count.
type Result struct {
	Text      string
	PageCount int
}

// Extract parses content as a PDF and returns its text, page by page.
func Extract(content []byte) (Result, error) {
	if len(content) == 0 {
		return Result{}, fmt.Errorf("empty PDF content")
	}

	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return Result{}, fmt.Errorf("open pdf: %w", err)
	}

	var text strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(pageText)
	}

	return Result{
		Text:      strings.TrimSpace(text.String()),
		PageCount: r.NumPage(),
	}, nil
}

package docx

import (
	"archive/zip"
	"bytes"
	"fmt"
	"strings"
	"testing"
)

func TestExtractEmpty(t *testing.T) {
	_, err := Extract(nil)
	if err == nil {
		t.Error("expected error for nil content")
	}
}

func TestExtractInvalid(t *testing.T) {
	_, err := Extract([]byte("not a zip"))
	if err == nil {
		t.Error("expected error for invalid content")
	}
}

func TestExtractMinimalDocx(t *testing.T) {
	content := buildTestDocx(t, []testParagraph{
		{text: "Hello World", style: ""},
		{text: "Second paragraph", style: ""},
	})

	result, err := Extract(content)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result.Text, "Hello World") {
		t.Errorf("missing text: %q", result.Text)
	}
	if !strings.Contains(result.Text, "Second paragraph") {
		t.Errorf("missing text: %q", result.Text)
	}
}

func TestExtractWithHeadings(t *testing.T) {
	content := buildTestDocx(t, []testParagraph{
		{text: "Chapter 1", style: "Heading1"},
		{text: "Some content", style: ""},
		{text: "Section 1.1", style: "Heading2"},
		{text: "More content", style: ""},
	})

	result, err := Extract(content)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result.Text, "Chapter 1") {
		t.Errorf("missing heading: %q", result.Text)
	}

	hasHeading := false
	for _, s := range result.Sections {
		if s.Heading == "Chapter 1" || s.Heading == "Section 1.1" {
			hasHeading = true
		}
	}
	if !hasHeading {
		t.Error("expected heading section")
	}
}

func TestExtractHeadingByteOffsets(t *testing.T) {
	content := buildTestDocx(t, []testParagraph{
		{text: "Intro", style: "Heading1"},
		{text: "Body text here", style: ""},
		{text: "Next", style: "Heading1"},
		{text: "More body", style: ""},
	})

	result, err := Extract(content)
	if err != nil {
		t.Fatal(err)
	}

	for _, s := range result.Sections {
		if s.StartByte > s.EndByte {
			t.Errorf("heading %q: start %d > end %d", s.Heading, s.StartByte, s.EndByte)
		}
		if s.EndByte > len(result.Text) {
			t.Errorf("heading %q: end %d > text len %d", s.Heading, s.EndByte, len(result.Text))
		}
	}
}

func TestExtractWithTable(t *testing.T) {
	content := buildTestDocxWithTable(t,
		[]string{"Name", "Age"},
		[][]string{{"John", "30"}, {"Jane", "25"}},
	)

	result, err := Extract(content)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result.Text, "Name: John") || !strings.Contains(result.Text, "Age: 30") {
		t.Errorf("table not converted to labeled format: %q", result.Text)
	}
	if !strings.Contains(result.Text, "Name: Jane") || !strings.Contains(result.Text, "Age: 25") {
		t.Errorf("second row missing: %q", result.Text)
	}
}

func TestExtractTableEmptyCells(t *testing.T) {
	content := buildTestDocxWithTable(t,
		[]string{"Name", "Age"},
		[][]string{{"John", ""}, {"", "25"}},
	)

	result, err := Extract(content)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(result.Text, "Age: ,") || strings.Contains(result.Text, "Name: ,") {
		t.Errorf("empty cell not handled: %q", result.Text)
	}
}

func TestExtractMissingDocumentXML(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("word/styles.xml")
	w.Write([]byte("<styles/>"))
	zw.Close()

	_, err := Extract(buf.Bytes())
	if err == nil {
		t.Error("expected error for missing document.xml")
	}
	if !strings.Contains(err.Error(), "missing word/document.xml") {
		t.Errorf("unexpected error: %v", err)
	}
}

// --- test helpers ---

type testParagraph struct {
	text  string
	style string
}

func buildTestDocx(t *testing.T, paragraphs []testParagraph) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	var body strings.Builder
	body.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	body.WriteString("\n")
	body.WriteString(`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">`)
	body.WriteString("\n<w:body>")
	for _, p := range paragraphs {
		body.WriteString("<w:p>")
		if p.style != "" {
			body.WriteString(fmt.Sprintf(`<w:pPr><w:pStyle w:val="%s"/></w:pPr>`, p.style))
		}
		body.WriteString(fmt.Sprintf("<w:r><w:t>%s</w:t></w:r>", p.text))
		body.WriteString("</w:p>")
	}
	body.WriteString("</w:body></w:document>")

	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte(body.String())); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func buildTestDocxWithTable(t *testing.T, headers []string, rows [][]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	var body strings.Builder
	body.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	body.WriteString("\n")
	body.WriteString(`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">`)
	body.WriteString("\n<w:body><w:tbl>")

	body.WriteString("<w:tr>")
	for _, h := range headers {
		body.WriteString(fmt.Sprintf("<w:tc><w:p><w:r><w:t>%s</w:t></w:r></w:p></w:tc>", h))
	}
	body.WriteString("</w:tr>")

	for _, row := range rows {
		body.WriteString("<w:tr>")
		for _, cell := range row {
			body.WriteString(fmt.Sprintf("<w:tc><w:p><w:r><w:t>%s</w:t></w:r></w:p></w:tc>", cell))
		}
		body.WriteString("</w:tr>")
	}

	body.WriteString("</w:tbl></w:body></w:document>")

	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte(body.String())); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

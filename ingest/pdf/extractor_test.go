package pdf

import "testing"

func TestExtractEmptyContent(t *testing.T) {
	_, err := Extract(nil)
	if err == nil {
		t.Error("expected error for empty content")
	}
}

func TestExtractInvalidContent(t *testing.T) {
	_, err := Extract([]byte("not a pdf"))
	if err == nil {
		t.Error("expected error for non-PDF content")
	}
}

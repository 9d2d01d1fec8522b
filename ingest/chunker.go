package ingest

import "strings"

// ChunkerConfig bounds chunk size and the overlap carried between adjacent
// chunks, in characters (bytes, since the accumulation logic only ever
// truncates at space/paragraph boundaries which fall on rune boundaries for
// the text this pipeline handles).
type ChunkerConfig struct {
	MaxChars     int
	OverlapChars int
}

// DefaultChunkerConfig returns the documented defaults: 10,000-char chunks
// with 500 chars of overlap.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{MaxChars: 10000, OverlapChars: 500}
}

// ChunkText splits normalized text into overlapping, bounded-size chunks.
//
// Every character of text appears in at least one chunk; adjacent chunks
// share exactly OverlapChars characters, except at a hard split (a single
// paragraph too large to fit), where they share up to OverlapChars.
func ChunkText(text string, cfg ChunkerConfig) []string {
	if text == "" {
		return nil
	}
	if len(text) <= cfg.MaxChars {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder

	flush := func() {
		chunk := strings.TrimSpace(current.String())
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		current.Reset()
	}

	startNextWithOverlap := func(emitted string) {
		overlap := lastNCharsExact(emitted, cfg.OverlapChars)
		current.WriteString(overlap)
	}

	paragraphs := strings.Split(text, "\n\n")
	for _, p := range paragraphs {
		if p == "" {
			continue
		}

		candidate := p
		if current.Len() > 0 {
			candidate = current.String() + "\n\n" + p
		}

		if len(candidate) <= cfg.MaxChars {
			current.Reset()
			current.WriteString(candidate)
			continue
		}

		// Appending p would overflow the current chunk: emit what we have
		// (carrying overlap into the next chunk), then place p on its own.
		if current.Len() > 0 {
			emitted := current.String()
			flush()
			startNextWithOverlap(emitted)
			if current.Len() > 0 {
				current.WriteString("\n\n")
			}
		}

		if len(p) <= cfg.MaxChars-current.Len() {
			current.WriteString(p)
			continue
		}

		// A single paragraph (plus any carried overlap) is still too big:
		// hard-split it.
		hardSplitInto(&current, &chunks, p, cfg)
	}

	flush()
	return chunks
}

// hardSplitInto breaks an oversize paragraph at the last space before
// cfg.MaxChars, or at cfg.MaxChars outright if that space falls before the
// 50%-of-max mark. Each resulting piece becomes its own chunk (carrying
// overlap forward); the remainder is left in current for the caller to keep
// accumulating against.
func hardSplitInto(current *strings.Builder, chunks *[]string, text string, cfg ChunkerConfig) {
	for {
		room := cfg.MaxChars - current.Len()
		if room < 0 {
			room = 0
		}
		if len(text) <= room {
			current.WriteString(text)
			return
		}

		splitAt := room
		if idx := lastSpaceBefore(text, room); idx >= 0 && idx >= room/2 {
			splitAt = idx
		}
		if splitAt <= 0 {
			splitAt = room
		}
		if splitAt > len(text) {
			splitAt = len(text)
		}

		current.WriteString(text[:splitAt])
		emitted := current.String()
		chunk := strings.TrimSpace(emitted)
		if chunk != "" {
			*chunks = append(*chunks, chunk)
		}
		current.Reset()

		overlap := lastNCharsWordAligned(emitted, cfg.OverlapChars)
		current.WriteString(overlap)
		if current.Len() > 0 {
			current.WriteString(" ")
		}

		text = strings.TrimLeft(text[splitAt:], " ")
	}
}

// lastSpaceBefore returns the byte index of the last space in text[:limit],
// or -1 if none exists.
func lastSpaceBefore(text string, limit int) int {
	if limit > len(text) {
		limit = len(text)
	}
	return strings.LastIndex(text[:limit], " ")
}

// lastNCharsExact returns the trailing n characters (bytes) of s, trimmed
// only to a rune boundary. Used for the normal-path overlap, where adjacent
// chunks must share exactly OverlapChars characters.
func lastNCharsExact(s string, n int) string {
	if n <= 0 || s == "" {
		return ""
	}
	if len(s) <= n {
		return s
	}
	pos := len(s) - n
	for pos < len(s) && !isRuneStart(s[pos]) {
		pos++
	}
	return s[pos:]
}

// lastNCharsWordAligned returns lastNCharsExact further trimmed of any
// leading partial-word fragment. Used only at a hard split, where sharing up
// to (rather than exactly) OverlapChars is acceptable.
func lastNCharsWordAligned(s string, n int) string {
	suffix := lastNCharsExact(s, n)
	if idx := strings.IndexByte(suffix, ' '); idx >= 0 && idx < len(suffix)-1 {
		suffix = suffix[idx+1:]
	}
	return strings.TrimSpace(suffix)
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

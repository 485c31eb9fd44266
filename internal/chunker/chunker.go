// Package chunker splits transcript sources into bounded-size text units and
// computes the content hashes that drive incremental indexing. Chunk
// boundaries are deterministic for a given input: the same source text always
// produces the same units with the same hashes, which is what makes re-scans
// idempotent.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrMalformedSource indicates a transcript record that cannot be parsed.
// The scanner skips such records with a warning and continues.
var ErrMalformedSource = errors.New("malformed source record")

// Chunker splits content into sentence-aware units no larger than
// MaxChunkChars. No overlap is added between units: overlapping text would
// make chunk hashes unstable across re-scans.
type Chunker struct {
	MaxChunkChars int // Maximum chunk size in characters (default: 2000)
}

// New creates a Chunker with the given maximum chunk size.
func New(maxChunkChars int) *Chunker {
	if maxChunkChars <= 0 {
		maxChunkChars = 2000
	}
	return &Chunker{MaxChunkChars: maxChunkChars}
}

// Split divides content into ordered chunks. Sentence boundaries are
// respected where possible; a single sentence longer than MaxChunkChars
// becomes its own oversized chunk rather than being cut mid-sentence, and is
// left for the caller to mark skipped_oversized when it also exceeds the
// embedding provider's limit.
func (c *Chunker) Split(content string) []string {
	if len(strings.TrimSpace(content)) == 0 {
		return []string{}
	}

	if len(content) <= c.MaxChunkChars {
		return []string{strings.TrimSpace(content)}
	}

	sentences := splitSentences(content)
	if len(sentences) == 0 {
		return []string{}
	}

	var chunks []string
	var current strings.Builder

	for _, sentence := range sentences {
		if current.Len() > 0 && current.Len()+len(sentence) > c.MaxChunkChars {
			chunks = append(chunks, strings.TrimSpace(current.String()))
			current.Reset()
		}
		current.WriteString(sentence)
	}

	if current.Len() > 0 {
		if chunk := strings.TrimSpace(current.String()); chunk != "" {
			chunks = append(chunks, chunk)
		}
	}

	return chunks
}

// HashContent returns the SHA-256 hex digest of text. This is the chunk
// content hash used for change detection.
func HashContent(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// EstimateTokens estimates the number of tokens in the given text using the
// ~4 characters per token heuristic that holds for English text with
// GPT-style tokenizers.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// ParseTranscript extracts the text records from a raw transcript. Each
// non-empty line is one record. Lines that are not valid UTF-8 are malformed
// and counted in skipped rather than aborting the parse.
func ParseTranscript(raw string) (records []string, skipped int) {
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !utf8.ValidString(line) {
			skipped++
			continue
		}
		records = append(records, line)
	}
	return records, skipped
}

// splitSentences splits text into sentences on common terminators, keeping
// terminators and trailing whitespace with the sentence so that
// concatenating the sentences reproduces the input.
func splitSentences(text string) []string {
	if len(text) == 0 {
		return []string{}
	}

	var sentences []string
	var current strings.Builder
	runes := []rune(text)

	flush := func() {
		if s := current.String(); strings.TrimSpace(s) != "" {
			sentences = append(sentences, s)
		}
		current.Reset()
	}

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		current.WriteRune(r)

		if r != '.' && r != '!' && r != '?' && r != '\n' {
			continue
		}

		// Consume trailing whitespace so it stays with this sentence.
		for i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
			current.WriteRune(runes[i+1])
			i++
		}
		flush()
	}

	flush()
	return sentences
}

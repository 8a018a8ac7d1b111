package textproc

import (
	"fmt"
	"os"
	"unicode/utf8"

	"github.com/tmc/langchaingo/textsplitter"
)

const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 100
)

// Separators lists split points in order of preference. The empty separator
// is the hard character cut.
var Separators = []string{"\n\n", "\n", " ", ""}

// Chunk is one overlapped slice of the input text.
type Chunk struct {
	Index       int    `json:"index"`
	Text        string `json:"text"`
	TotalChunks int    `json:"total_chunks"`
}

// Chunker splits text into bounded segments and widens each segment with
// characters borrowed from both of its neighbors.
type Chunker struct {
	Size    int
	Overlap int
}

func NewChunker(size, overlap int) Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	return Chunker{Size: size, Overlap: overlap}
}

// Split runs the recursive separator split without any overlap.
func (c Chunker) Split(text string) []string {
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(c.Size),
		textsplitter.WithChunkOverlap(0),
		textsplitter.WithSeparators(Separators),
		textsplitter.WithLenFunc(utf8.RuneCountInString),
	)

	// RecursiveCharacter never returns an error for plain text input.
	splits, err := splitter.SplitText(text)
	if err != nil {
		return nil
	}
	return splits
}

// Chunk splits text and applies the symmetric overlap pass.
func (c Chunker) Chunk(text string) []Chunk {
	texts := ApplyOverlap(c.Split(text), c.Overlap)

	chunks := make([]Chunk, len(texts))
	for i, t := range texts {
		chunks[i] = Chunk{
			Index:       i,
			Text:        t,
			TotalChunks: len(texts),
		}
	}
	return chunks
}

// ApplyOverlap prefixes every text with the last overlap runes of its
// predecessor and suffixes it with the first overlap runes of its successor.
// Overlap characters are therefore duplicated into both neighbors.
func ApplyOverlap(texts []string, overlap int) []string {
	out := make([]string, 0, len(texts))
	if overlap < 0 {
		overlap = 0
	}

	for i, current := range texts {
		var prefix, suffix string
		if i > 0 {
			prefix = lastRunes(texts[i-1], overlap)
		}
		if i < len(texts)-1 {
			suffix = firstRunes(texts[i+1], overlap)
		}
		out = append(out, prefix+current+suffix)
	}

	return out
}

// ChunkFile reads a text or markdown file and chunks its whole content.
func ChunkFile(filename string, size, overlap int) ([]Chunk, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filename, err)
	}
	return NewChunker(size, overlap).Chunk(string(content)), nil
}

func lastRunes(s string, n int) string {
	if n == 0 {
		return ""
	}
	r := []rune(s)
	if n >= len(r) {
		return s
	}
	return string(r[len(r)-n:])
}

func firstRunes(s string, n int) string {
	if n == 0 {
		return ""
	}
	r := []rune(s)
	if n >= len(r) {
		return s
	}
	return string(r[:n])
}

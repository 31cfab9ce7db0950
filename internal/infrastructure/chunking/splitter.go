package chunking

import "strings"

const defaultChunkSize = 800

// Splitter cuts serialized JSON (or flattened text) at top-level commas.
// It only tracks '[' / ']' nesting and never parses the content, so a split
// can not land inside an open array.
type Splitter struct {
	ChunkSize int
}

func NewSplitter(chunkSize int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &Splitter{ChunkSize: chunkSize}
}

// Split returns chunks whose comma-join reproduces the input. A chunk is at
// least ChunkSize bytes unless it is the remainder, and grows past ChunkSize
// until bracket depth is back to zero at a comma. Input ending in a top-level
// comma yields an empty last chunk.
func (s *Splitter) Split(serialized string) []string {
	if serialized == "" {
		return nil
	}

	chunks := make([]string, 0, len(serialized)/s.ChunkSize+1)
	start := 0
	for {
		end := s.boundary(serialized, start)
		chunks = append(chunks, serialized[start:end])
		if end >= len(serialized) {
			return chunks
		}
		start = end + 1
	}
}

// boundary returns the index of the comma ending the chunk that begins at
// start, or len(s) when the remainder has no acceptable comma.
func (s *Splitter) boundary(serialized string, start int) int {
	depth := 0
	windowEnd := start + s.ChunkSize
	if windowEnd > len(serialized) {
		windowEnd = len(serialized)
	}
	for i := start; i < windowEnd; i++ {
		depth += bracketDelta(serialized[i])
	}

	for i := windowEnd; i < len(serialized); i++ {
		c := serialized[i]
		depth += bracketDelta(c)
		if depth == 0 && c == ',' {
			return i
		}
	}
	return len(serialized)
}

func bracketDelta(c byte) int {
	switch c {
	case '[':
		return 1
	case ']':
		return -1
	default:
		return 0
	}
}

var quoteReplacer = strings.NewReplacer(`"`, `'`)

// NormalizeQuotes swaps double quotes for single quotes so chunk text can be
// embedded in JSON payloads and prompts without escaping.
func NormalizeQuotes(chunk string) string {
	return quoteReplacer.Replace(chunk)
}

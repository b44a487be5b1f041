package text

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

var ErrInvalidPolicy = errors.New("invalid chunking policy")

// Tier applies to inputs strictly smaller than MaxBytes. The last tier of a
// Policy uses MaxBytes == 0 and catches everything else.
type Tier struct {
	MaxBytes  int
	ChunkSize int
	Overlap   int
}

// Policy picks chunk size and overlap from the raw input size.
type Policy []Tier

// DefaultPolicy keeps small documents in tighter chunks and lets large ones
// use bigger windows to bound the number of embedding calls.
func DefaultPolicy() Policy {
	const kb = 1024
	return Policy{
		{MaxBytes: 5 * kb, ChunkSize: 4000, Overlap: 400},
		{MaxBytes: 10 * kb, ChunkSize: 4500, Overlap: 450},
		{MaxBytes: 25 * kb, ChunkSize: 5000, Overlap: 500},
		{MaxBytes: 50 * kb, ChunkSize: 6000, Overlap: 600},
		{MaxBytes: 500 * kb, ChunkSize: 8000, Overlap: 800},
		{MaxBytes: 1500 * kb, ChunkSize: 10000, Overlap: 1000},
		{MaxBytes: 3000 * kb, ChunkSize: 12000, Overlap: 1200},
		{MaxBytes: 0, ChunkSize: 16000, Overlap: 1600},
	}
}

// Validate checks that tiers are ordered, chunk sizes never shrink as inputs
// grow, and overlap stays below chunk size.
func (p Policy) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("%w: no tiers", ErrInvalidPolicy)
	}
	prevMax, prevSize := 0, 0
	for i, t := range p {
		if t.ChunkSize <= 0 {
			return fmt.Errorf("%w: tier %d chunk size must be positive", ErrInvalidPolicy, i)
		}
		if t.Overlap < 0 || t.Overlap >= t.ChunkSize {
			return fmt.Errorf("%w: tier %d overlap must be in [0, chunk size)", ErrInvalidPolicy, i)
		}
		if t.ChunkSize < prevSize {
			return fmt.Errorf("%w: tier %d chunk size decreases", ErrInvalidPolicy, i)
		}
		last := i == len(p)-1
		if !last && t.MaxBytes <= prevMax {
			return fmt.Errorf("%w: tier %d bounds not increasing", ErrInvalidPolicy, i)
		}
		if last && t.MaxBytes != 0 && t.MaxBytes <= prevMax {
			return fmt.Errorf("%w: tier %d bounds not increasing", ErrInvalidPolicy, i)
		}
		prevMax, prevSize = t.MaxBytes, t.ChunkSize
	}
	return nil
}

// Params returns (chunkSize, overlap) for an input of size bytes.
func (p Policy) Params(size int) (int, int) {
	for _, t := range p {
		if t.MaxBytes == 0 || size < t.MaxBytes {
			return t.ChunkSize, t.Overlap
		}
	}
	last := p[len(p)-1]
	return last.ChunkSize, last.Overlap
}

// Segmenter splits cleaned text into overlapping windows.
type Segmenter struct {
	policy Policy
}

func NewSegmenter(p Policy) (*Segmenter, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Segmenter{policy: p}, nil
}

// Segment cleans text and chunks it with parameters chosen from contentSize.
func (s *Segmenter) Segment(text string, contentSize int) []Chunk {
	size, overlap := s.policy.Params(contentSize)
	return SegmentWith(text, size, overlap)
}

// SegmentWith cleans text and applies a sliding window of at most chunkSize
// characters. A window is cut back to its last space when there is one, and
// the next window starts overlap characters before the previous window's end,
// so neighbours share exactly overlap characters. Chunk text is not trimmed.
func SegmentWith(text string, chunkSize, overlap int) []Chunk {
	cleaned := Clean(text)
	if cleaned == "" {
		return nil
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = 0
	}

	r := []rune(cleaned)
	if len(r) <= chunkSize {
		return []Chunk{NewChunk(cleaned)}
	}

	var chunks []Chunk
	start := 0
	for start < len(r) {
		end := start + chunkSize
		if end < len(r) {
			if sp := lastSpace(r, start, end); sp > start {
				end = sp
			}
		} else {
			end = len(r)
		}

		if piece := string(r[start:end]); strings.TrimSpace(piece) != "" {
			chunks = append(chunks, NewChunk(piece))
		}

		if end >= len(r) {
			break
		}
		next := end - overlap
		// A window cut very early would not advance; drop the overlap instead.
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// lastSpace finds the last space in r[start:end], or -1.
func lastSpace(r []rune, start, end int) int {
	for i := end - 1; i >= start; i-- {
		if r[i] == ' ' {
			return i
		}
	}
	return -1
}

// Clean strips control characters that are unsafe to store and collapses
// whitespace runs into single spaces.
func Clean(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	space := false
	for _, c := range text {
		if unicode.IsSpace(c) {
			space = true
			continue
		}
		if unicode.IsControl(c) {
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(c)
	}
	return b.String()
}

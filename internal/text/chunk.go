package text

import (
	"crypto/sha256"
	"encoding/hex"
)

// Chunk is one segment of a document. Fingerprint is computed once at
// creation and reused for deduplication and storage.
type Chunk struct {
	Text        string
	Fingerprint string
}

// NewChunk builds a Chunk with its fingerprint.
func NewChunk(s string) Chunk {
	return Chunk{Text: s, Fingerprint: Fingerprint(s)}
}

// Fingerprint returns the lowercase hex SHA-256 of s (64 characters).
func Fingerprint(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// ChunkStats summarizes a segmentation result.
type ChunkStats struct {
	Count   int
	AvgSize int
	MinSize int
	MaxSize int
}

// Stats reports count and size figures for a set of chunks, in characters.
func Stats(chunks []Chunk) ChunkStats {
	if len(chunks) == 0 {
		return ChunkStats{}
	}
	st := ChunkStats{Count: len(chunks), MinSize: -1}
	total := 0
	for _, c := range chunks {
		n := len([]rune(c.Text))
		total += n
		if n > st.MaxSize {
			st.MaxSize = n
		}
		if st.MinSize < 0 || n < st.MinSize {
			st.MinSize = n
		}
	}
	st.AvgSize = total / len(chunks)
	return st
}

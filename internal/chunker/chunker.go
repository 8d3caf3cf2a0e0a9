// Package chunker cuts record text into overlapping windows sized for the
// embedding model.
package chunker

// Chunking defaults, in runes.
const (
	DefaultChunkSize = 1000
	DefaultOverlap   = 100
)

// TextChunker splits text into fixed-size chunks with configurable overlap.
type TextChunker struct {
	ChunkSize int // default 1000
	Overlap   int // default 100
}

// Chunk is a segment of a record's searchable text. PayloadIndex identifies
// the corpus record the segment came from; Index orders segments within it.
type Chunk struct {
	Text         string `json:"text"`
	Index        int    `json:"index"`
	PayloadIndex int    `json:"payload_index"`
}

// NewTextChunker returns a TextChunker using the package defaults.
func NewTextChunker() *TextChunker {
	return &TextChunker{
		ChunkSize: DefaultChunkSize,
		Overlap:   DefaultOverlap,
	}
}

// settings resolves the effective chunk size and overlap, substituting the
// defaults and clamping overlap below the chunk size so splitting always
// advances.
func (tc *TextChunker) settings() (size, overlap int) {
	size = tc.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	overlap = tc.Overlap
	if overlap < 0 {
		overlap = 0
	} else if overlap >= size {
		overlap = size - 1
	}
	return size, overlap
}

// Split cuts text into rune-based chunks of at most ChunkSize runes, with
// adjacent chunks sharing Overlap runes. Every chunk carries payloadIndex
// and a position index starting at 0. Text no longer than ChunkSize comes
// back as a single chunk; empty text yields none. Splitting on runes keeps
// multi-byte characters intact.
func (tc *TextChunker) Split(text string, payloadIndex int) []Chunk {
	if text == "" {
		return []Chunk{}
	}

	size, overlap := tc.settings()
	step := size - overlap
	runes := []rune(text)

	chunks := make([]Chunk, 0, (len(runes)+step-1)/step)
	for start := 0; ; start += step {
		end := start + size
		last := end >= len(runes)
		if last {
			end = len(runes)
		}
		chunks = append(chunks, Chunk{
			Text:         string(runes[start:end]),
			Index:        len(chunks),
			PayloadIndex: payloadIndex,
		})
		if last {
			return chunks
		}
	}
}

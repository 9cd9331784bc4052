package knowledge

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// SlidingWindowChunker splits text into fixed-size windows with overlap. It
// is the fallback when no domain-aware chunker is injected.
type SlidingWindowChunker struct {
	Size    int
	Overlap int
}

// NewSlidingWindowChunker creates a chunker with the standard window
func NewSlidingWindowChunker() *SlidingWindowChunker {
	return &SlidingWindowChunker{Size: DefaultChunkSize, Overlap: DefaultChunkOverlap}
}

// Chunk splits text into overlapping windows. Empty text yields no chunks.
func (c *SlidingWindowChunker) Chunk(text string) []Chunk {
	size := c.Size
	if size <= 0 {
		size = DefaultChunkSize
	}
	overlap := c.Overlap
	if overlap < 0 || overlap >= size {
		overlap = DefaultChunkOverlap
	}

	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	var chunks []Chunk
	step := size - overlap
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, Chunk{
			Content: string(runes[start:end]),
			Index:   len(chunks),
		})
		if end == len(runes) {
			break
		}
	}
	return chunks
}

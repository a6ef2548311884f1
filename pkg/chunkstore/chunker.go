package chunkstore

import (
	"fmt"
)

// Chunking defaults. The boundary mask makes expected chunk sizes track
// the target; the minimum suppresses degenerate small chunks and the
// maximum caps how far a single boundary search runs.
const (
	DefaultTargetSize = 64 * 1024
	DefaultMinSize    = 16 * 1024
	DefaultMaxSize    = 256 * 1024

	// Rabin fingerprint parameters. Changing any of these changes every
	// boundary, which breaks deduplication against existing chunks, so
	// they are fixed rather than configurable.
	rabinWindow  = 48
	rabinPrime   = 3
	rabinModulus = 1<<16 - 1
	rabinMask    = 1<<13 - 1
)

// Chunking algorithms.
const (
	AlgorithmRabin = "rabin"
	AlgorithmFixed = "fixed"
)

// Span is one chunk's position within the original input.
type Span struct {
	Offset int64
	Size   int64
}

// Chunker splits byte streams into chunk spans. Implementations are
// deterministic: the same input always yields the same spans.
type Chunker interface {
	// Split returns spans covering data exactly, in order, with no
	// gaps or overlap. Empty input yields no spans.
	Split(data []byte) []Span
}

// ChunkerConfig selects and sizes a chunking algorithm.
type ChunkerConfig struct {
	// Algorithm is rabin (content-defined) or fixed (equal spans).
	// Default: rabin.
	Algorithm string

	// TargetSize is the aimed-for chunk size (default 64 KiB). Fixed
	// chunking uses it as the exact span size.
	TargetSize int

	// MinSize and MaxSize bound content-defined chunk sizes
	// (defaults 16 KiB and 256 KiB).
	MinSize int
	MaxSize int
}

func (c *ChunkerConfig) applyDefaults() {
	if c.Algorithm == "" {
		c.Algorithm = AlgorithmRabin
	}
	if c.TargetSize <= 0 {
		c.TargetSize = DefaultTargetSize
	}
	if c.MinSize <= 0 {
		c.MinSize = DefaultMinSize
	}
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultMaxSize
	}
}

func (c *ChunkerConfig) validate() error {
	if c.MinSize < rabinWindow {
		return fmt.Errorf("minimum chunk size %d below fingerprint window %d", c.MinSize, rabinWindow)
	}
	if c.MinSize > c.TargetSize || c.TargetSize > c.MaxSize {
		return fmt.Errorf("chunk sizes must order min <= target <= max, got %d/%d/%d",
			c.MinSize, c.TargetSize, c.MaxSize)
	}
	return nil
}

// NewChunker creates the configured chunker.
func NewChunker(cfg ChunkerConfig) (Chunker, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid chunker config: %w", err)
	}

	switch cfg.Algorithm {
	case AlgorithmRabin:
		return newRabinChunker(cfg), nil
	case AlgorithmFixed:
		return &fixedChunker{size: cfg.TargetSize}, nil
	default:
		return nil, fmt.Errorf("unknown chunking algorithm %q", cfg.Algorithm)
	}
}

// ============================================================================
// Rabin content-defined chunking
// ============================================================================

// rabinChunker finds chunk boundaries with a rolling polynomial
// fingerprint over a sliding window. A boundary is declared at the first
// offset past the minimum size where the low mask bits of the
// fingerprint are zero; the search runs up to the maximum size. When no
// boundary appears the cut falls back to the target size, so low-entropy
// runs (constant bytes, zero padding) still split into target-sized,
// alignable chunks instead of one maximum-sized blob per call.
// Because boundaries depend only on window content, an insertion early
// in a stream shifts at most the chunks around the edit instead of
// re-aligning everything after it.
type rabinChunker struct {
	minSize    int
	targetSize int
	maxSize    int

	// pow is prime^(window-1) mod modulus, the coefficient of the
	// byte leaving the window.
	pow uint32
}

func newRabinChunker(cfg ChunkerConfig) *rabinChunker {
	pow := uint32(1)
	for i := 0; i < rabinWindow-1; i++ {
		pow = (pow * rabinPrime) % rabinModulus
	}
	return &rabinChunker{
		minSize:    cfg.MinSize,
		targetSize: cfg.TargetSize,
		maxSize:    cfg.MaxSize,
		pow:        pow,
	}
}

func (c *rabinChunker) Split(data []byte) []Span {
	var spans []Span
	offset := 0
	for offset < len(data) {
		size := c.nextBoundary(data[offset:])
		spans = append(spans, Span{Offset: int64(offset), Size: int64(size)})
		offset += size
	}
	return spans
}

// nextBoundary returns the length of the chunk starting at data[0].
func (c *rabinChunker) nextBoundary(data []byte) int {
	if len(data) <= c.minSize {
		return len(data)
	}
	limit := c.maxSize
	if len(data) < limit {
		limit = len(data)
	}

	var window [rabinWindow]byte
	var hash uint32
	wpos := 0
	filled := 0

	for i := 0; i < limit; i++ {
		in := uint32(data[i])
		if filled == rabinWindow {
			out := uint32(window[wpos])
			hash = (hash + rabinModulus - (out*c.pow)%rabinModulus) % rabinModulus
		} else {
			filled++
		}
		hash = (hash*rabinPrime + in) % rabinModulus
		window[wpos] = data[i]
		wpos = (wpos + 1) % rabinWindow

		if i+1 > c.minSize && hash&rabinMask == 0 {
			return i + 1
		}
	}
	if len(data) < c.targetSize {
		return len(data)
	}
	return c.targetSize
}

// ============================================================================
// Fixed-size chunking
// ============================================================================

// fixedChunker cuts equal spans of the target size. Fallback for inputs
// where content-defined boundaries buy nothing (already-compressed or
// encrypted data shifts every byte on edit anyway).
type fixedChunker struct {
	size int
}

func (c *fixedChunker) Split(data []byte) []Span {
	var spans []Span
	for offset := 0; offset < len(data); offset += c.size {
		size := c.size
		if offset+size > len(data) {
			size = len(data) - offset
		}
		spans = append(spans, Span{Offset: int64(offset), Size: int64(size)})
	}
	return spans
}

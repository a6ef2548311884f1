package chunkstore

import (
	"bytes"
	"math/rand"
	"testing"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	rng := rand.New(rand.NewSource(42))
	if _, err := rng.Read(buf); err != nil {
		t.Fatalf("failed to generate test data: %v", err)
	}
	return buf
}

func newTestRabin(t *testing.T) Chunker {
	t.Helper()
	chunker, err := NewChunker(ChunkerConfig{Algorithm: AlgorithmRabin})
	if err != nil {
		t.Fatalf("failed to create chunker: %v", err)
	}
	return chunker
}

func TestRabinChunker_CoversInputExactly(t *testing.T) {
	chunker := newTestRabin(t)

	sizes := []int{0, 1, 100, DefaultMinSize, DefaultMinSize + 1, DefaultTargetSize, 1 << 20}
	for _, size := range sizes {
		data := randomBytes(t, size)
		spans := chunker.Split(data)

		if size == 0 {
			if len(spans) != 0 {
				t.Errorf("size 0: got %d spans, want none", len(spans))
			}
			continue
		}

		var offset int64
		for i, span := range spans {
			if span.Offset != offset {
				t.Fatalf("size %d: span %d starts at %d, want %d (gap or overlap)", size, i, span.Offset, offset)
			}
			if span.Size <= 0 {
				t.Fatalf("size %d: span %d has size %d", size, i, span.Size)
			}
			offset += span.Size
		}
		if offset != int64(size) {
			t.Errorf("size %d: spans cover %d bytes", size, offset)
		}
	}
}

func TestRabinChunker_RespectsSizeBounds(t *testing.T) {
	chunker := newTestRabin(t)
	data := randomBytes(t, 4<<20)
	spans := chunker.Split(data)

	if len(spans) < 2 {
		t.Fatalf("4 MiB input produced %d spans, expected several", len(spans))
	}

	// Every span except the final one must exceed the minimum; every
	// span must stay within the maximum.
	for i, span := range spans {
		if span.Size > DefaultMaxSize {
			t.Errorf("span %d size %d exceeds maximum %d", i, span.Size, DefaultMaxSize)
		}
		if i < len(spans)-1 && span.Size <= DefaultMinSize {
			t.Errorf("non-final span %d size %d not above minimum %d", i, span.Size, DefaultMinSize)
		}
	}
}

func TestRabinChunker_Deterministic(t *testing.T) {
	chunker := newTestRabin(t)
	data := randomBytes(t, 1<<20)

	first := chunker.Split(data)
	second := chunker.Split(data)

	if len(first) != len(second) {
		t.Fatalf("span counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("span %d differs: %+v vs %+v", i, first[i], second[i])
		}
	}
}

// Boundaries are decided greedily left to right, so chunking any prefix
// that ends on a span boundary reproduces exactly the spans before it.
func TestRabinChunker_PrefixStable(t *testing.T) {
	chunker := newTestRabin(t)
	data := randomBytes(t, 2<<20)

	spans := chunker.Split(data)
	if len(spans) < 4 {
		t.Fatalf("need at least 4 spans, got %d", len(spans))
	}

	cut := spans[2].Offset + spans[2].Size
	prefixSpans := chunker.Split(data[:cut])

	if len(prefixSpans) != 3 {
		t.Fatalf("prefix produced %d spans, want 3", len(prefixSpans))
	}
	for i := 0; i < 3; i++ {
		if prefixSpans[i] != spans[i] {
			t.Errorf("prefix span %d = %+v, want %+v", i, prefixSpans[i], spans[i])
		}
	}
}

func TestRabinChunker_ConstantData(t *testing.T) {
	chunker := newTestRabin(t)

	// A constant input never satisfies the boundary mask, so every
	// chunk cuts at the target-size fallback. This keeps repeated
	// low-entropy regions aligned and therefore deduplicable.
	data := bytes.Repeat([]byte{0x41}, 1<<20)
	spans := chunker.Split(data)

	if len(spans) != (1<<20)/DefaultTargetSize {
		t.Fatalf("got %d spans, want %d", len(spans), (1<<20)/DefaultTargetSize)
	}
	for i, span := range spans {
		if span.Size != DefaultTargetSize {
			t.Errorf("span %d size %d, want %d", i, span.Size, DefaultTargetSize)
		}
	}
}

func TestFixedChunker(t *testing.T) {
	chunker, err := NewChunker(ChunkerConfig{Algorithm: AlgorithmFixed, TargetSize: 1024, MinSize: 512, MaxSize: 2048})
	if err != nil {
		t.Fatalf("failed to create chunker: %v", err)
	}

	data := randomBytes(t, 2500)
	spans := chunker.Split(data)

	want := []Span{
		{Offset: 0, Size: 1024},
		{Offset: 1024, Size: 1024},
		{Offset: 2048, Size: 452},
	}
	if len(spans) != len(want) {
		t.Fatalf("got %d spans, want %d", len(spans), len(want))
	}
	for i := range want {
		if spans[i] != want[i] {
			t.Errorf("span %d = %+v, want %+v", i, spans[i], want[i])
		}
	}
}

func TestNewChunker_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  ChunkerConfig
	}{
		{"unknown algorithm", ChunkerConfig{Algorithm: "buzhash"}},
		{"min above target", ChunkerConfig{MinSize: 128 * 1024, TargetSize: 64 * 1024}},
		{"target above max", ChunkerConfig{TargetSize: 512 * 1024, MaxSize: 256 * 1024}},
		{"min below window", ChunkerConfig{MinSize: 16}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewChunker(tt.cfg); err == nil {
				t.Error("expected config validation error")
			}
		})
	}

	// Zero config applies all defaults and validates.
	if _, err := NewChunker(ChunkerConfig{}); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

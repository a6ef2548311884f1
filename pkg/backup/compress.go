package backup

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz/lzma"
)

// Algorithm selects the manifest payload compression.
type Algorithm string

const (
	// CompressionAuto prefers zstd and falls back to none when the
	// compressed output is not at least 10% smaller than the input.
	CompressionAuto Algorithm = "auto"
	CompressionZstd Algorithm = "zstd"
	CompressionGzip Algorithm = "gzip"
	CompressionLZMA Algorithm = "lzma"
	CompressionNone Algorithm = "none"
)

// IsValid reports whether a is a known compression algorithm.
func (a Algorithm) IsValid() bool {
	switch a {
	case CompressionAuto, CompressionZstd, CompressionGzip, CompressionLZMA, CompressionNone:
		return true
	}
	return false
}

// ParseAlgorithm validates a configuration string as an Algorithm.
// An empty string selects auto.
func ParseAlgorithm(s string) (Algorithm, error) {
	if s == "" {
		return CompressionAuto, nil
	}
	a := Algorithm(s)
	if !a.IsValid() {
		return "", fmt.Errorf("unknown compression algorithm %q", s)
	}
	return a, nil
}

// The zstd encoder and decoder are stateless once built and safe for
// concurrent EncodeAll/DecodeAll calls, so one pair serves the process.
var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func zstdInit() {
	// Both constructors only fail on invalid options; none are passed.
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
}

// Compress compresses data with the given algorithm and returns the
// output together with the algorithm actually used. Auto tries zstd and
// keeps it only when the output is at least 10% smaller; explicit
// algorithms compress unconditionally so the round trip stays total.
func Compress(data []byte, alg Algorithm) ([]byte, Algorithm, error) {
	switch alg {
	case CompressionAuto:
		zstdOnce.Do(zstdInit)
		out := zstdEncoder.EncodeAll(data, nil)
		// Keep zstd only when it saves at least 10%.
		if len(out)*10 <= len(data)*9 {
			return out, CompressionZstd, nil
		}
		return data, CompressionNone, nil

	case CompressionZstd:
		zstdOnce.Do(zstdInit)
		return zstdEncoder.EncodeAll(data, nil), CompressionZstd, nil

	case CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, "", fmt.Errorf("gzip compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, "", fmt.Errorf("gzip compress: %w", err)
		}
		return buf.Bytes(), CompressionGzip, nil

	case CompressionLZMA:
		var buf bytes.Buffer
		w, err := lzma.NewWriter(&buf)
		if err != nil {
			return nil, "", fmt.Errorf("lzma compress: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, "", fmt.Errorf("lzma compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, "", fmt.Errorf("lzma compress: %w", err)
		}
		return buf.Bytes(), CompressionLZMA, nil

	case CompressionNone, "":
		return data, CompressionNone, nil

	default:
		return nil, "", fmt.Errorf("unknown compression algorithm %q", alg)
	}
}

// Decompress reverses Compress for the algorithm recorded at compress
// time. Auto is not a valid input here: compressed payloads always carry
// the concrete algorithm.
func Decompress(data []byte, alg Algorithm) ([]byte, error) {
	switch alg {
	case CompressionZstd:
		zstdOnce.Do(zstdInit)
		out, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil

	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}
		return out, nil

	case CompressionLZMA:
		r, err := lzma.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("lzma decompress: %w", err)
		}
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("lzma decompress: %w", err)
		}
		return out, nil

	case CompressionNone:
		return data, nil

	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", alg)
	}
}

package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// envelopeVersion is bumped when the stored envelope layout changes.
const envelopeVersion = 1

// ChunkRef locates one chunk within the restored payload.
type ChunkRef struct {
	// ID is the chunk's hex-encoded SHA-256.
	ID string `json:"id"`

	// Offset is the chunk's position in the restored payload.
	Offset int64 `json:"offset"`

	// Size is the chunk byte length.
	Size int64 `json:"size"`
}

// Manifest is the ordered chunk list of one snapshot. Manifests are
// complete: they cover the entire payload regardless of snapshot kind.
// Incrementality is a property of how many chunk bytes were new at
// create time, not of the manifest, so restoring never walks the chain.
type Manifest struct {
	Chunks []ChunkRef `json:"chunks"`
}

// LogicalSize returns the restored payload size described by the
// manifest.
func (m *Manifest) LogicalSize() int64 {
	var total int64
	for _, ref := range m.Chunks {
		total += ref.Size
	}
	return total
}

// envelope is the JSON document stored in object storage for each
// snapshot. The header fields stay in the clear so a snapshot remains
// identifiable without the metadata database; the manifest is compressed
// then encrypted per configuration.
type envelope struct {
	Version    int       `json:"version"`
	SnapshotID string    `json:"snapshot_id"`
	SourceID   string    `json:"source_id"`
	Kind       string    `json:"kind"`
	ParentID   *string   `json:"parent_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`

	// Compression and Encryption record how Manifest was processed,
	// in application order: compress first, then encrypt.
	Compression Algorithm `json:"compression"`
	Encryption  Method    `json:"encryption"`

	// Manifest is the processed (compressed, encrypted) manifest JSON.
	Manifest []byte `json:"manifest"`

	// ManifestSHA256 is the hex digest of the processed manifest bytes,
	// validated before decryption.
	ManifestSHA256 string `json:"manifest_sha256"`

	// LogicalSize and Checksum describe the restorable payload: its
	// byte length and hex SHA-256.
	LogicalSize int64  `json:"logical_size"`
	Checksum    string `json:"checksum"`
}

// sealManifest serializes, compresses, and encrypts a manifest.
// It returns the processed bytes, their digest, and the compression
// algorithm actually applied (auto may settle on none).
func sealManifest(m *Manifest, alg Algorithm, enc Encryptor) ([]byte, string, Algorithm, error) {
	plain, err := json.Marshal(m)
	if err != nil {
		return nil, "", "", fmt.Errorf("encoding manifest: %w", err)
	}

	compressed, used, err := Compress(plain, alg)
	if err != nil {
		return nil, "", "", fmt.Errorf("compressing manifest: %w", err)
	}

	sealed, err := enc.Encrypt(compressed)
	if err != nil {
		return nil, "", "", fmt.Errorf("encrypting manifest: %w", err)
	}

	sum := sha256.Sum256(sealed)
	return sealed, hex.EncodeToString(sum[:]), used, nil
}

// openManifest reverses sealManifest using the algorithms recorded in
// the envelope.
func openManifest(env *envelope, enc Encryptor) (*Manifest, error) {
	sum := sha256.Sum256(env.Manifest)
	if hex.EncodeToString(sum[:]) != env.ManifestSHA256 {
		return nil, fmt.Errorf("%w: manifest digest mismatch", ErrSnapshotCorrupt)
	}

	compressed, err := enc.Decrypt(env.Manifest)
	if err != nil {
		return nil, fmt.Errorf("decrypting manifest: %w", err)
	}

	plain, err := Decompress(compressed, env.Compression)
	if err != nil {
		return nil, fmt.Errorf("decompressing manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(plain, &m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	return &m, nil
}

func encodeEnvelope(env *envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot envelope: %w", err)
	}
	return data, nil
}

func decodeEnvelope(data []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding snapshot envelope: %w", err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("unsupported snapshot envelope version %d", env.Version)
	}
	return &env, nil
}

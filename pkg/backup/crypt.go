package backup

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/fernet/fernet-go"
	"golang.org/x/crypto/chacha20poly1305"
)

// Method selects the manifest payload encryption.
type Method string

const (
	EncryptionAESGCM   Method = "aes-gcm"
	EncryptionChaCha20 Method = "chacha20-poly1305"
	EncryptionFernet   Method = "fernet"
	EncryptionNone     Method = "none"
)

// IsValid reports whether m is a known encryption method.
func (m Method) IsValid() bool {
	switch m {
	case EncryptionAESGCM, EncryptionChaCha20, EncryptionFernet, EncryptionNone:
		return true
	}
	return false
}

// ParseMethod validates a configuration string as a Method.
// An empty string selects none.
func ParseMethod(s string) (Method, error) {
	if s == "" {
		return EncryptionNone, nil
	}
	m := Method(s)
	if !m.IsValid() {
		return "", fmt.Errorf("unknown encryption method %q", s)
	}
	return m, nil
}

// ErrDecrypt indicates a payload failed authentication or decryption.
// Both methods authenticate, so a failed decrypt means the ciphertext
// was tampered with or the key is wrong.
var ErrDecrypt = errors.New("payload decryption failed")

// Encryptor encrypts and decrypts manifest payloads. Implementations are
// safe for concurrent use.
type Encryptor interface {
	Method() Method
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// DeriveKey derives 32 bytes of key material from a secret. Used when no
// customer-managed key is configured: the process secret becomes the
// backup encryption key.
func DeriveKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

// NewEncryptor builds an Encryptor for the method. The AEAD methods and
// Fernet require exactly 32 bytes of key material; none ignores the key.
func NewEncryptor(method Method, key []byte) (Encryptor, error) {
	switch method {
	case EncryptionAESGCM:
		if len(key) != 32 {
			return nil, fmt.Errorf("aes-gcm requires a 32-byte key, got %d bytes", len(key))
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("creating AES cipher: %w", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("creating GCM: %w", err)
		}
		return &aeadEncryptor{method: EncryptionAESGCM, aead: aead}, nil

	case EncryptionChaCha20:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("creating ChaCha20-Poly1305: %w", err)
		}
		return &aeadEncryptor{method: EncryptionChaCha20, aead: aead}, nil

	case EncryptionFernet:
		if len(key) != 32 {
			return nil, fmt.Errorf("fernet requires a 32-byte key, got %d bytes", len(key))
		}
		var k fernet.Key
		copy(k[:], key)
		return &fernetEncryptor{key: &k}, nil

	case EncryptionNone, "":
		return noneEncryptor{}, nil

	default:
		return nil, fmt.Errorf("unknown encryption method %q", method)
	}
}

// aeadEncryptor covers the AEAD methods, with a random nonce prepended
// to each ciphertext.
type aeadEncryptor struct {
	method Method
	aead   cipher.AEAD
}

var _ Encryptor = (*aeadEncryptor)(nil)

func (e *aeadEncryptor) Method() Method { return e.method }

func (e *aeadEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (e *aeadEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < e.aead.NonceSize() {
		return nil, ErrDecrypt
	}
	nonce, sealed := ciphertext[:e.aead.NonceSize()], ciphertext[e.aead.NonceSize():]
	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// fernetEncryptor wraps fernet tokens. Tokens carry their own timestamp
// and HMAC; decryption passes a zero TTL so archived payloads never
// expire.
type fernetEncryptor struct {
	key *fernet.Key
}

var _ Encryptor = (*fernetEncryptor)(nil)

func (e *fernetEncryptor) Method() Method { return EncryptionFernet }

func (e *fernetEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	tok, err := fernet.EncryptAndSign(plaintext, e.key)
	if err != nil {
		return nil, fmt.Errorf("fernet encrypt: %w", err)
	}
	return tok, nil
}

func (e *fernetEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	msg := fernet.VerifyAndDecrypt(ciphertext, 0, []*fernet.Key{e.key})
	if msg == nil {
		return nil, ErrDecrypt
	}
	return msg, nil
}

// noneEncryptor stores payloads in the clear. Selected by configuration
// in development; production validation rejects DisableEncryption.
type noneEncryptor struct{}

var _ Encryptor = noneEncryptor{}

func (noneEncryptor) Method() Method                   { return EncryptionNone }
func (noneEncryptor) Encrypt(p []byte) ([]byte, error) { return p, nil }
func (noneEncryptor) Decrypt(c []byte) ([]byte, error) { return c, nil }

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// ErrDecryption is returned when a ciphertext is malformed, truncated, or was
// produced under a different key.
var ErrDecryption = errors.New("decryption failed")

// Helper performs authenticated symmetric encryption of arbitrary byte
// payloads. Output layout is [nonce][ciphertext||tag].
type Helper struct {
	aead cipher.AEAD
}

// NewHelper creates a Helper from a raw 32-byte key.
func NewHelper(key []byte) (*Helper, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Helper{aead: aead}, nil
}

// NewHelperFromHex creates a Helper from a hex-encoded key, the format the
// config file stores.
func NewHelperFromHex(hexKey string) (*Helper, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}
	return NewHelper(key)
}

// GenerateKey returns a new random hex-encoded key. Generated once at first
// run; regenerating it makes all previously encrypted data unreadable.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate encryption key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (h *Helper) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, h.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return h.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a payload produced by Encrypt. Any tampering, truncation, or
// key mismatch yields ErrDecryption.
func (h *Helper) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < h.aead.NonceSize() {
		return nil, fmt.Errorf("%w: payload shorter than nonce", ErrDecryption)
	}

	nonce := ciphertext[:h.aead.NonceSize()]
	sealed := ciphertext[h.aead.NonceSize():]

	plaintext, err := h.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	return plaintext, nil
}

// Package atrest encrypts access-log lines before they touch disk. Each
// line becomes one newline-delimited record:
//
//	base64url(nonce || XChaCha20-Poly1305 ciphertext)
package atrest

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrDecrypt is returned for any record that cannot be authenticated and
// decrypted.
var ErrDecrypt = errors.New("decrypting record")

// KeySize is the length of a raw key in bytes.
const KeySize = chacha20poly1305.KeySize

// Codec turns plaintext into a record and back.
type Codec interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(record []byte) ([]byte, error)
}

var enc = base64.RawURLEncoding

// Cipher is the XChaCha20-Poly1305 Codec.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher returns a Cipher for a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	buf := make([]byte, ns, ns+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	sealed := c.aead.Seal(buf, buf[:ns], plaintext, nil)
	out := make([]byte, enc.EncodedLen(len(sealed)))
	enc.Encode(out, sealed)
	return out, nil
}

// Decrypt opens one record. Surrounding whitespace is ignored.
func (c *Cipher) Decrypt(record []byte) ([]byte, error) {
	trimmed := strings.TrimSpace(string(record))
	raw, err := enc.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: bad encoding: %v", ErrDecrypt, err)
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns+c.aead.Overhead() {
		return nil, fmt.Errorf("%w: record too short", ErrDecrypt)
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plain, nil
}

// ParseKey decodes a base64 key (standard or URL alphabet, padded or not).
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("encryption key is empty")
	}
	for _, e := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if key, err := e.DecodeString(s); err == nil {
			if len(key) != KeySize {
				return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
			}
			return key, nil
		}
	}
	return nil, errors.New("encryption key is not valid base64")
}

// GenerateKey returns a new random key, base64-encoded.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

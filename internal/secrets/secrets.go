// Package secrets seals provider credentials at rest so an encrypted API key
// can live in the environment next to the key that opens it.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"

	"github.com/rotisserie/eris"
)

const KeyEnvVar = "LLM_SECRETS_KEY"

var (
	newGCM     = cipher.NewGCM
	randReader = rand.Reader

	ErrKeyRequired  = eris.New(KeyEnvVar + " is required")
	ErrKeyMalformed = eris.New(KeyEnvVar + " must be 32 bytes or base64-encoded 32 bytes")
	ErrCiphertext   = eris.New("invalid encrypted secret")
)

// ParseKey accepts a raw 32-byte key or its standard base64 encoding.
func ParseKey(raw string) ([]byte, error) {
	if raw == "" {
		return nil, ErrKeyRequired
	}
	if len(raw) == 32 {
		return []byte(raw), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(decoded) != 32 {
		return nil, ErrKeyMalformed
	}
	return decoded, nil
}

// Sealer encrypts with AES-256-GCM. Sealed values are base64(nonce||ciphertext).
type Sealer struct {
	aead cipher.AEAD
}

func NewSealer(key []byte) (*Sealer, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, eris.Wrap(err, "secrets: cipher")
	}
	aead, err := newGCM(block)
	if err != nil {
		return nil, eris.Wrap(err, "secrets: gcm")
	}
	return &Sealer{aead: aead}, nil
}

func (s *Sealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(randReader, nonce); err != nil {
		return "", eris.Wrap(err, "secrets: nonce")
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *Sealer) Open(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", eris.Wrap(err, "secrets: decode")
	}
	size := s.aead.NonceSize()
	if len(data) < size {
		return "", ErrCiphertext
	}
	plain, err := s.aead.Open(nil, data[:size], data[size:], nil)
	if err != nil {
		return "", eris.Wrap(ErrCiphertext, err.Error())
	}
	return string(plain), nil
}

// ResolveCredential prefers a plaintext credential and otherwise opens the
// encrypted one with rawKey. Both empty resolves to "" without error so the
// provider can report the missing credential per request.
func ResolveCredential(plain, encrypted, rawKey string) (string, error) {
	if plain != "" || encrypted == "" {
		return plain, nil
	}
	key, err := ParseKey(rawKey)
	if err != nil {
		return "", err
	}
	sealer, err := NewSealer(key)
	if err != nil {
		return "", err
	}
	return sealer.Open(encrypted)
}

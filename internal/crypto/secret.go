// Package crypto seals user credentials (CalDAV password) for storage at rest.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Argon2id parameters for key derivation from the server master key.
const (
	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024 // 64 MB
	argonThreads uint8  = 1
	keyLen       uint32 = 32
	saltLen             = 16
)

// Box seals and opens short secrets with XChaCha20-Poly1305 under a key
// derived from the process master key. Each sealed value carries its own
// salt and nonce, so the same plaintext never produces the same ciphertext.
type Box struct {
	master []byte
}

// NewBox constructs a Box from a non-empty master key.
func NewBox(masterKey []byte) (*Box, error) {
	if len(masterKey) == 0 {
		return nil, errors.New("crypto: empty master key")
	}
	b := &Box{master: make([]byte, len(masterKey))}
	copy(b.master, masterKey)
	return b, nil
}

func randBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

func (b *Box) deriveKey(salt []byte) []byte {
	return argon2.IDKey(b.master, salt, argonTime, argonMemory, argonThreads, keyLen)
}

// Seal encrypts plaintext and returns a base64 string: salt || nonce || ct.
func (b *Box) Seal(plaintext string) (string, error) {
	salt, err := randBytes(saltLen)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(b.deriveKey(salt))
	if err != nil {
		return "", err
	}
	nonce, err := randBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return "", err
	}
	out := make([]byte, 0, saltLen+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, []byte(plaintext), nil)...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal.
func (b *Box) Open(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	if len(raw) < saltLen+chacha20poly1305.NonceSizeX {
		return "", errors.New("crypto: sealed value too short")
	}
	salt := raw[:saltLen]
	nonce := raw[saltLen : saltLen+chacha20poly1305.NonceSizeX]
	ct := raw[saltLen+chacha20poly1305.NonceSizeX:]

	aead, err := chacha20poly1305.NewX(b.deriveKey(salt))
	if err != nil {
		return "", err
	}
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

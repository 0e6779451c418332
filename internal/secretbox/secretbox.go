// Package secretbox provides fails-closed authenticated encryption for
// operator-provided secret values (API keys, tokens) before they are
// persisted by the store. The master key is derived once at process
// startup from an operator-supplied passphrase and held for the life of
// the process; every Seal/Open call is otherwise stateless.
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/exla-ai/synv2/internal/apierr"
)

const (
	keySize   = 32 // 256-bit key
	nonceSize = 16 // 128-bit nonce, per the on-disk format
	tagSize   = 16 // 128-bit authentication tag

	// hkdfSalt is fixed rather than random: SecretBox derives exactly one
	// key per process from the operator's master secret, so there is no
	// multi-key namespace that a random salt would need to separate.
	hkdfSalt = "synv2.secretbox.kdf.v1"
	hkdfInfo = "synv2.secretbox.aead.v1"
)

// Box derives and holds the process-wide master key used to seal and open
// every operator secret. Construct exactly once at startup from the
// configured master secret; absence of that secret is a startup error.
type Box struct {
	key []byte
}

// New derives a Box's AEAD key from masterSecret via HKDF-SHA256 with a
// fixed salt and info string. masterSecret must be non-empty.
func New(masterSecret string) (*Box, error) {
	if strings.TrimSpace(masterSecret) == "" {
		return nil, apierr.New(apierr.KindFatalInit, "secretbox master secret is empty")
	}
	reader := hkdf.New(sha256.New, []byte(masterSecret), []byte(hkdfSalt), []byte(hkdfInfo))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, apierr.Wrap(apierr.KindFatalInit, err, "deriving secretbox key")
	}
	return &Box{key: key}, nil
}

// aead builds the AES-256-GCM cipher with a 16-byte nonce. x/chacha20poly1305
// only exposes 12- and 24-byte nonce constructors, neither of which matches
// the 128-bit nonce this format commits to, so the stdlib AES-GCM
// constructor with an explicit nonce size is used for the cipher itself
// while HKDF (golang.org/x/crypto/hkdf) still derives the key.
func (b *Box) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, nonceSize)
}

// Seal encrypts plaintext and returns the on-disk representation
// "nonce_hex:tag_hex:ciphertext_hex".
func (b *Box) Seal(plaintext []byte) (string, error) {
	aead, err := b.aead()
	if err != nil {
		return "", apierr.Wrap(apierr.KindFatalInit, err, "initializing secretbox cipher")
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", apierr.Wrap(apierr.KindFatalInit, err, "generating secretbox nonce")
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return fmt.Sprintf("%s:%s:%s", hex.EncodeToString(nonce), hex.EncodeToString(tag), hex.EncodeToString(ciphertext)), nil
}

// Open decrypts a value produced by Seal. It returns apierr.IntegrityError
// on any tag mismatch or malformed representation; callers must treat that
// as fatal for the value and never surface the ciphertext to the operator.
func (b *Box) Open(stored string) ([]byte, error) {
	parts := strings.Split(stored, ":")
	if len(parts) != 3 {
		return nil, apierr.IntegrityError
	}

	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSize {
		return nil, apierr.IntegrityError
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return nil, apierr.IntegrityError
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, apierr.IntegrityError
	}

	aead, err := b.aead()
	if err != nil {
		return nil, apierr.Wrap(apierr.KindFatalInit, err, "initializing secretbox cipher")
	}

	sealed := append(ciphertext, tag...)
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, apierr.IntegrityError
	}
	return plaintext, nil
}

// Package secrets implements AES-256-GCM encryption for connected-service
// tokens persisted in users.json (spec.md §6 "Token encryption"). Grounded
// directly on spec.md: no example repo in the retrieval corpus performs
// AES-GCM token encryption, so this uses the standard library's
// crypto/aes + crypto/cipher, the idiomatic choice for symmetric
// encryption in any Go codebase.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"log/slog"
	"strings"

	"github.com/ashureev/orchestratord/internal/errs"
)

// ivSize is the GCM-standard 12-byte nonce (spec.md §6 "12-byte IV").
const ivSize = 12

// devKeySeed derives a fixed local-dev key when no process secret is
// configured. Never used outside of local development; a non-empty
// envSecret passed to NewBox means this constant is dead weight in any
// real deployment.
const devKeySeed = "orchestratord-local-dev-key-do-not-use-in-production"

// Box encrypts and decrypts tokens with a single AES-256 key derived from
// a process-configured secret.
type Box struct {
	key []byte
}

// NewBox derives a 32-byte key from envSecret via SHA-256. An empty
// envSecret logs a loud warning and falls back to a well-known local-dev
// key (spec.md §6 "A missing key logs a loud warning and falls back to a
// well-known local dev key").
func NewBox(envSecret string, logger *slog.Logger) *Box {
	if logger == nil {
		logger = slog.Default()
	}
	if envSecret == "" {
		logger.Warn("no token encryption secret configured, falling back to the well-known local dev key; DO NOT use this in production")
		envSecret = devKeySeed
	}
	sum := sha256.Sum256([]byte(envSecret))
	return &Box{key: sum[:]}
}

// Encrypt returns ciphertext in "<iv-b64>.<tag-b64>.<ciphertext-b64>"
// form (spec.md §6).
func (b *Box) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return "", errs.Internal("create aes cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", errs.Internal("create gcm", err)
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", errs.Internal("generate iv", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	tagStart := len(sealed) - gcm.Overhead()
	ct, tag := sealed[:tagStart], sealed[tagStart:]

	return strings.Join([]string{
		base64.StdEncoding.EncodeToString(iv),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(ct),
	}, "."), nil
}

// Decrypt reverses Encrypt, rejecting malformed input or an authentication
// tag mismatch.
func (b *Box) Decrypt(encoded string) (string, error) {
	parts := strings.Split(encoded, ".")
	if len(parts) != 3 {
		return "", errs.FailedPrecondition("malformed token encoding: expected iv.tag.ciphertext")
	}

	iv, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", errs.FailedPrecondition("invalid iv encoding")
	}
	tag, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", errs.FailedPrecondition("invalid tag encoding")
	}
	ct, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", errs.FailedPrecondition("invalid ciphertext encoding")
	}

	block, err := aes.NewCipher(b.key)
	if err != nil {
		return "", errs.Internal("create aes cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", errs.Internal("create gcm", err)
	}
	if len(iv) != gcm.NonceSize() {
		return "", errs.FailedPrecondition("invalid iv length")
	}

	sealed := append(append([]byte(nil), ct...), tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", errs.FailedPrecondition("token authentication failed, possibly tampered or encrypted with a different key")
	}
	return string(plaintext), nil
}

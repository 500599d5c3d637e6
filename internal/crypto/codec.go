// Package crypto implements the symmetric message-body codec plus a few
// stateless digest helpers. Bodies are sealed with AES-256-GCM under a
// session-scoped key; the random nonce is prefixed to the ciphertext and
// the whole frame is base64-encoded for the JSON wire format.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// PlaceholderText is substituted for a message body that could not be
// decrypted. One bad ciphertext must never abort a history page or the
// live stream, so callers swap this in and keep going.
const PlaceholderText = "[encrypted message]"

// ErrNoKey is returned when a codec is constructed without a key. There is
// no built-in default: key provisioning is a required deployment input.
var ErrNoKey = errors.New("encryption key not configured")

// DecryptionError reports a ciphertext that is malformed or was sealed
// under a different key.
type DecryptionError struct {
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decrypt: %s: %v", e.Reason, e.Err)
	}
	return "decrypt: " + e.Reason
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// Codec seals and opens message bodies for one session.
type Codec struct {
	gcm cipher.AEAD
}

// NewCodec derives the AES key from the configured secret and prepares the
// AEAD. An empty secret is rejected.
func NewCodec(secret string) (*Codec, error) {
	if secret == "" {
		return nil, ErrNoKey
	}

	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	return &Codec{gcm: gcm}, nil
}

// Encrypt seals plaintext under the session key. A fresh random nonce per
// call means the same plaintext never produces the same ciphertext twice.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := c.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Failures are always a
// *DecryptionError so callers can substitute PlaceholderText.
func (c *Codec) Decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", &DecryptionError{Reason: "invalid base64", Err: err}
	}

	nonceSize := c.gcm.NonceSize()
	if len(data) < nonceSize {
		return "", &DecryptionError{Reason: "ciphertext too short"}
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := c.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", &DecryptionError{Reason: "authentication failed", Err: err}
	}

	return string(plaintext), nil
}

// Hash returns the hex SHA-256 digest of value.
func Hash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// HMAC returns the hex HMAC-SHA256 signature of message under secret.
func HMAC(message, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC reports whether signature matches message under secret,
// comparing in constant time.
func VerifyHMAC(message, secret, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hmac.Equal(mac.Sum(nil), expected)
}

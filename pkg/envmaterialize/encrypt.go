package envmaterialize

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const wireVersionPrefix = "enc:v1:"

// Encrypt produces the machine-side encrypted env-var wire format: a random
// 12-byte IV, AES-256-GCM seal, and the "enc:v1:" version tag (spec §GLOSSARY
// "Encrypted env-var wire format").
func Encrypt(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("constructing aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("constructing gcm: %w", err)
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generating iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	payload := append(iv, sealed...)
	return wireVersionPrefix + base64.StdEncoding.EncodeToString(payload), nil
}

// Decrypt reverses Encrypt. Exists primarily so the round-trip law (spec §8
// property 6) is testable without reaching into the machine-side reader,
// which is out of scope.
func Decrypt(key []byte, wireValue string) (string, error) {
	if !strings.HasPrefix(wireValue, wireVersionPrefix) {
		return "", errors.New("value is not an enc:v1: wire-format string")
	}
	payload, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(wireValue, wireVersionPrefix))
	if err != nil {
		return "", fmt.Errorf("decoding payload: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("constructing aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("constructing gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(payload) < nonceSize {
		return "", errors.New("payload shorter than iv")
	}
	iv, sealed := payload[:nonceSize], payload[nonceSize:]

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("opening gcm payload: %w", err)
	}
	return string(plaintext), nil
}

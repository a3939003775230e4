// Package secretenvelope decrypts the inbound envelopes a user submits for
// secrets and channel bot tokens: an RSA-OAEP-wrapped AES data key followed
// by AES-256-GCM-encrypted payload. The wrapping/unwrapping keypair
// provisioning process itself — how a user's public key reaches them, key
// rotation, revocation — is an external collaborator out of scope here
// (spec.md §1); this package only implements the narrow decrypt step a
// Decryptor is asked to perform once an envelope and the server's private
// key are already in hand.
package secretenvelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// Envelope is the wire shape a user submits for a secret or channel token:
// an RSA-OAEP-wrapped AES-256 key plus the AES-256-GCM-encrypted payload.
type Envelope struct {
	WrappedKey string `json:"wrapped_key"` // base64, RSA-OAEP(serverPublicKey, aesKey)
	IV         string `json:"iv"`          // base64, 12 bytes
	Ciphertext string `json:"ciphertext"`  // base64, payload || 16-byte tag
}

// Decryptor unwraps and decrypts an Envelope into plaintext.
type Decryptor interface {
	Decrypt(Envelope) (string, error)
}

// RSADecryptor is the default Decryptor: RSA-OAEP(SHA-256) key unwrap
// followed by AES-256-GCM payload decrypt, both stdlib primitives. No
// repository in the reference corpus imports a non-stdlib RSA/AES-GCM
// library, and the wrapping scheme itself is specified (not a design
// choice), so this stays on crypto/rsa + crypto/aes rather than adopting an
// ecosystem crypto package.
type RSADecryptor struct {
	PrivateKey *rsa.PrivateKey
}

// Decrypt unwraps env's AES key with the server's RSA private key, then
// decrypts the payload.
func (d *RSADecryptor) Decrypt(env Envelope) (string, error) {
	wrappedKey, err := base64.StdEncoding.DecodeString(env.WrappedKey)
	if err != nil {
		return "", fmt.Errorf("decoding wrapped key: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return "", fmt.Errorf("decoding iv: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}

	aesKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, d.PrivateKey, wrappedKey, nil)
	if err != nil {
		return "", fmt.Errorf("unwrapping aes key: %w", err)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return "", fmt.Errorf("constructing aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("constructing gcm: %w", err)
	}
	if len(iv) != gcm.NonceSize() {
		return "", errors.New("envelope iv has unexpected length")
	}

	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypting payload: %w", err)
	}
	return string(plaintext), nil
}

package secretenvelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"testing"
)

// sealEnvelope builds a valid Envelope the way a client is expected to:
// generate an AES-256 key, GCM-seal the plaintext, then RSA-OAEP-wrap the
// AES key under the server's public key.
func sealEnvelope(t *testing.T, pub *rsa.PublicKey, plaintext string) Envelope {
	t.Helper()

	aesKey := make([]byte, 32)
	if _, err := rand.Read(aesKey); err != nil {
		t.Fatalf("generating aes key: %v", err)
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		t.Fatalf("aes.NewCipher: %v", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		t.Fatalf("cipher.NewGCM: %v", err)
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		t.Fatalf("generating iv: %v", err)
	}
	ciphertext := gcm.Seal(nil, iv, []byte(plaintext), nil)

	wrappedKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, aesKey, nil)
	if err != nil {
		t.Fatalf("rsa.EncryptOAEP: %v", err)
	}

	return Envelope{
		WrappedKey: base64.StdEncoding.EncodeToString(wrappedKey),
		IV:         base64.StdEncoding.EncodeToString(iv),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}
}

func testKeyPair(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating rsa key: %v", err)
	}
	return key
}

func TestRSADecryptorRoundTrip(t *testing.T) {
	key := testKeyPair(t)
	dec := &RSADecryptor{PrivateKey: key}

	env := sealEnvelope(t, &key.PublicKey, "hunter2")
	got, err := dec.Decrypt(env)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != "hunter2" {
		t.Errorf("Decrypt() = %q, want %q", got, "hunter2")
	}
}

func TestRSADecryptorRejectsWrongPrivateKey(t *testing.T) {
	key := testKeyPair(t)
	other := testKeyPair(t)
	dec := &RSADecryptor{PrivateKey: other}

	env := sealEnvelope(t, &key.PublicKey, "hunter2")
	if _, err := dec.Decrypt(env); err == nil {
		t.Fatal("expected decrypt failure when unwrapping with the wrong private key")
	}
}

func TestRSADecryptorRejectsTamperedCiphertext(t *testing.T) {
	key := testKeyPair(t)
	dec := &RSADecryptor{PrivateKey: key}

	env := sealEnvelope(t, &key.PublicKey, "hunter2")
	raw, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		t.Fatalf("decoding ciphertext: %v", err)
	}
	raw[0] ^= 0xFF
	env.Ciphertext = base64.StdEncoding.EncodeToString(raw)

	if _, err := dec.Decrypt(env); err == nil {
		t.Fatal("expected GCM authentication failure on tampered ciphertext")
	}
}

func TestRSADecryptorRejectsGarbageInput(t *testing.T) {
	key := testKeyPair(t)
	dec := &RSADecryptor{PrivateKey: key}

	env := Envelope{WrappedKey: "not-base64!!!", IV: "also-not-base64!!!", Ciphertext: "nope!!!"}
	if _, err := dec.Decrypt(env); err == nil {
		t.Fatal("expected error decoding malformed envelope fields")
	}
}

func TestRSADecryptorRejectsWrongIVLength(t *testing.T) {
	key := testKeyPair(t)
	dec := &RSADecryptor{PrivateKey: key}

	env := sealEnvelope(t, &key.PublicKey, "hunter2")
	env.IV = base64.StdEncoding.EncodeToString([]byte("short"))

	if _, err := dec.Decrypt(env); err == nil {
		t.Fatal("expected error for an IV of unexpected length")
	}
}

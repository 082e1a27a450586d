// Package crypto provides the encryption primitives used to protect sensitive
// record fields before they leave the device.
// Uses AES-256-GCM for authenticated encryption.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
)

var (
	// ErrInvalidCiphertext is returned when decryption fails.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrInvalidKey is returned when the key is invalid.
	ErrInvalidKey = errors.New("invalid key")
)

// fallbackMachineID names the fixed key used when no key store is available.
const fallbackMachineID = "bounceback-default-key"

// aead builds AES-256-GCM over key normalised to 32 bytes with SHA-256.
func aead(key []byte) (cipher.AEAD, error) {
	if len(key) == 0 {
		return nil, ErrInvalidKey
	}
	sum := sha256.Sum256(key)
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext and returns nonce||ciphertext. aad is authenticated
// but not encrypted; Open must be given the same aad.
func Seal(plaintext, key, aad []byte) ([]byte, error) {
	gcm, err := aead(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize(), gcm.NonceSize()+len(plaintext)+gcm.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

// Open reverses Seal.
func Open(sealed, key, aad []byte) ([]byte, error) {
	gcm, err := aead(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, ErrInvalidCiphertext
	}
	nonce, body := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, body, aad)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

// wrapKey seals a device key under wrapping key kek, bound to the key's name.
// The result is base64 for storage in a text file.
func wrapKey(key, kek []byte, name string) (string, error) {
	sealed, err := Seal(key, kek, []byte(name))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// unwrapKey reverses wrapKey.
func unwrapKey(wrapped string, kek []byte, name string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return Open(data, kek, []byte(name))
}

// MachineKey derives the key-wrapping key for machineID. An empty id yields
// the fixed fallback key.
func MachineKey(machineID string) []byte {
	if machineID == "" {
		machineID = fallbackMachineID
	}
	sum := sha256.Sum256([]byte("bounceback:" + machineID))
	return sum[:]
}

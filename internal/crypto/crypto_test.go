// Package crypto tests for encryption and key derivation functionality.
package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSealOpen_roundtrip verifies basic encryption and decryption.
func TestSealOpen_roundtrip(t *testing.T) {
	plaintext := []byte("Hello, World!")
	key := []byte("test-key-12345")

	sealed, err := Seal(plaintext, key, []byte("field"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "Hello")

	opened, err := Open(sealed, key, []byte("field"))
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

// TestSeal_randomNonce verifies each encryption produces unique ciphertext.
func TestSeal_randomNonce(t *testing.T) {
	key := []byte("test-key-12345")

	c1, err := Seal([]byte("same"), key, nil)
	require.NoError(t, err)
	c2, err := Seal([]byte("same"), key, nil)
	require.NoError(t, err)

	assert.NotEqual(t, c1, c2, "nonce should be random")
}

func TestOpen_rejects(t *testing.T) {
	key := []byte("test-key-12345")
	sealed, err := Seal([]byte("balance"), key, []byte("amount"))
	require.NoError(t, err)

	tampered := bytes.Clone(sealed)
	tampered[len(tampered)-1] ^= 0xff

	tests := []struct {
		name   string
		sealed []byte
		key    []byte
		aad    []byte
	}{
		{"wrong key", sealed, []byte("key-two"), []byte("amount")},
		{"wrong aad", sealed, key, []byte("account_number")},
		{"tampered", tampered, key, []byte("amount")},
		{"short", []byte("short"), key, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(tt.sealed, tt.key, tt.aad)
			assert.ErrorIs(t, err, ErrInvalidCiphertext)
		})
	}
}

// TestSeal_emptyKey verifies an empty key is rejected.
func TestSeal_emptyKey(t *testing.T) {
	_, err := Seal([]byte("x"), nil, nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = Open([]byte("x"), nil, nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestWrapKey(t *testing.T) {
	kek := MachineKey("linux:abc")
	key := bytes.Repeat([]byte{7}, 32)

	wrapped, err := wrapKey(key, kek, DeviceKeyName)
	require.NoError(t, err)

	got, err := unwrapKey(wrapped, kek, DeviceKeyName)
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = unwrapKey(wrapped, kek, "other-key")
	assert.ErrorIs(t, err, ErrInvalidCiphertext, "a wrapped key is bound to its name")

	_, err = unwrapKey("not base64 !!!", kek, DeviceKeyName)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

// TestMachineKey verifies key derivation is deterministic and input-sensitive.
func TestMachineKey(t *testing.T) {
	assert.Equal(t, MachineKey("machine-1"), MachineKey("machine-1"))
	assert.NotEqual(t, MachineKey("machine-1"), MachineKey("machine-2"))
	assert.Len(t, MachineKey("machine-1"), 32)
	assert.Equal(t, MachineKey(fallbackMachineID), MachineKey(""))
}

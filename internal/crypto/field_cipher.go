package crypto

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"

	apperrors "github.com/kimhsiao/bounceback/backend/internal/errors"
	"github.com/kimhsiao/bounceback/backend/internal/models"
)

// CiphertextPrefix marks a field value produced by FieldCipher.Encrypt.
const CiphertextPrefix = "enc:v1:"

// RedactedValue replaces sensitive values in redacted rows.
const RedactedValue = "[REDACTED]"

// DecryptionError reports a sensitive field whose ciphertext could not be opened.
// The field value is lost; callers clear it and surface the error.
type DecryptionError struct {
	Field string
	Err   error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decrypt field %s: %v", e.Field, e.Err)
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}

// FieldCipher encrypts individual record fields with subkeys derived from the device key.
type FieldCipher struct {
	encKey   []byte
	hashKey  []byte
	degraded bool
}

// NewFieldCipher derives encryption and hashing subkeys from deviceKey.
func NewFieldCipher(deviceKey []byte) (*FieldCipher, error) {
	if len(deviceKey) < 16 {
		return nil, ErrInvalidKey
	}
	encKey, err := deriveSubkey(deviceKey, "bounceback field encryption")
	if err != nil {
		return nil, err
	}
	hashKey, err := deriveSubkey(deviceKey, "bounceback field hashing")
	if err != nil {
		return nil, err
	}
	return &FieldCipher{encKey: encKey, hashKey: hashKey}, nil
}

func deriveSubkey(secret []byte, info string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive subkey: %w", err)
	}
	return key, nil
}

// Degraded reports whether the cipher runs on the fixed fallback key.
func (c *FieldCipher) Degraded() bool {
	return c.degraded
}

// Encrypt serializes value as JSON and seals it. The JSON hop preserves the
// value's type across the round trip.
func (c *FieldCipher) Encrypt(value interface{}) (string, error) {
	plain, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("marshal field value: %w", err)
	}
	sealed, err := Seal(plain, c.encKey, nil)
	if err != nil {
		return "", err
	}
	return CiphertextPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (c *FieldCipher) Decrypt(ciphertext string) (interface{}, error) {
	if !strings.HasPrefix(ciphertext, CiphertextPrefix) {
		return nil, ErrInvalidCiphertext
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, CiphertextPrefix))
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	plain, err := Open(data, c.encKey, nil)
	if err != nil {
		return nil, err
	}
	var value interface{}
	if err := json.Unmarshal(plain, &value); err != nil {
		return nil, ErrInvalidCiphertext
	}
	return value, nil
}

// Hash returns a one-way keyed digest of value, stable for a given device key.
func (c *FieldCipher) Hash(value interface{}) (string, error) {
	plain, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("marshal field value: %w", err)
	}
	h, err := blake2b.New256(c.hashKey)
	if err != nil {
		return "", err
	}
	h.Write(plain)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// IsEncrypted reports whether v looks like a value produced by Encrypt.
func IsEncrypted(v interface{}) bool {
	s, ok := v.(string)
	return ok && strings.HasPrefix(s, CiphertextPrefix)
}

// EncryptFields returns a copy of row with the named fields encrypted.
// Absent, nil and already encrypted values are left alone.
func (c *FieldCipher) EncryptFields(row models.Row, fields []string) (models.Row, error) {
	out := row.Clone()
	for _, f := range fields {
		v, ok := out[f]
		if !ok || v == nil || IsEncrypted(v) {
			continue
		}
		enc, err := c.Encrypt(v)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, "encrypt field "+f, err)
		}
		out[f] = enc
	}
	return out, nil
}

// DecryptFields returns a copy of row with the named fields decrypted.
// A field that fails to decrypt is cleared and reported; the rest of the row survives.
func (c *FieldCipher) DecryptFields(row models.Row, fields []string) (models.Row, []*DecryptionError) {
	out := row.Clone()
	var errs []*DecryptionError
	for _, f := range fields {
		v, ok := out[f]
		if !ok || !IsEncrypted(v) {
			continue
		}
		plain, err := c.Decrypt(v.(string))
		if err != nil {
			out[f] = nil
			errs = append(errs, &DecryptionError{
				Field: f,
				Err:   apperrors.Wrap(apperrors.ErrDecryption, "field "+f+" is unreadable", err),
			})
			continue
		}
		out[f] = plain
	}
	return out, errs
}

// Redact returns a copy of row with the named fields replaced by RedactedValue.
func Redact(row models.Row, fields []string) models.Row {
	out := row.Clone()
	for _, f := range fields {
		if _, ok := out[f]; ok {
			out[f] = RedactedValue
		}
	}
	return out
}

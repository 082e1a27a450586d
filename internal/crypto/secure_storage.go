package crypto

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/kimhsiao/bounceback/backend/internal/logging"
)

// DeviceKeyName is the key store entry holding the field encryption key.
const DeviceKeyName = "device-field-key"

// KeyStore provides platform-secured storage for device keys.
type KeyStore interface {
	// GetOrCreateKey returns the key stored under name, generating and
	// persisting a new random key on first use.
	GetOrCreateKey(name string) ([]byte, error)
}

// FileKeyStore keeps keys in 0600 files under configDir/secure, wrapped with
// a key derived from the machine identifier.
type FileKeyStore struct {
	mu        sync.Mutex
	configDir string
	machineID string
}

// NewFileKeyStore creates a FileKeyStore rooted at configDir.
func NewFileKeyStore(configDir string) *FileKeyStore {
	return &FileKeyStore{
		configDir: configDir,
		machineID: getMachineIdentifier(),
	}
}

func (s *FileKeyStore) keyPath(name string) string {
	safe := strings.ReplaceAll(name, "/", "_")
	safe = strings.ReplaceAll(safe, "\\", "_")
	safe = strings.ReplaceAll(safe, "..", "_")
	return filepath.Join(s.configDir, "secure", safe+".key")
}

// GetOrCreateKey implements KeyStore.
func (s *FileKeyStore) GetOrCreateKey(name string) ([]byte, error) {
	if s.configDir == "" {
		return nil, fmt.Errorf("config directory not set for key store")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kek := MachineKey(s.machineID)
	path := s.keyPath(name)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		key, err := unwrapKey(strings.TrimSpace(string(data)), kek, name)
		if err != nil {
			return nil, fmt.Errorf("unwrap device key: %w", err)
		}
		return key, nil
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("read device key: %w", err)
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate device key: %w", err)
	}
	wrapped, err := wrapKey(key, kek, name)
	if err != nil {
		return nil, fmt.Errorf("wrap device key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create secure directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(wrapped), 0600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}

	logging.Info("Generated device key", map[string]interface{}{"name": name})
	return key, nil
}

// LoadDeviceCipher builds the field cipher from the device key in ks.
// When ks is nil or fails, the cipher falls back to a fixed low-security key
// and reports Degraded. Sync keeps working in that mode.
func LoadDeviceCipher(ks KeyStore) *FieldCipher {
	if ks != nil {
		key, err := ks.GetOrCreateKey(DeviceKeyName)
		if err != nil {
			logging.Error("Key store unavailable", err)
		} else {
			c, err := NewFieldCipher(key)
			if err == nil {
				return c
			}
			logging.Error("Device key unusable", err)
		}
	}

	logging.Warn("Falling back to fixed field encryption key; sensitive fields have degraded protection", map[string]interface{}{
		"keystore_configured": ks != nil,
	})
	c, _ := NewFieldCipher(MachineKey(""))
	c.degraded = true
	return c
}

// =====================================================
// Machine Identifier Helper
// =====================================================

// getMachineIdentifier returns a platform-specific machine identifier.
func getMachineIdentifier() string {
	switch runtime.GOOS {
	case "linux":
		// systemd first, then dbus
		for _, p := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
			if data, err := os.ReadFile(p); err == nil {
				return "linux:" + strings.TrimSpace(string(data))
			}
		}
	}
	hostname, _ := os.Hostname()
	return runtime.GOOS + ":" + hostname
}

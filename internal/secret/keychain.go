package secret

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const keychainService = "querydesk"

// KeychainStore implements SecretStore on top of the OS keyring
// (macOS Keychain, Secret Service on Linux, Windows Credential Manager).
type KeychainStore struct {
	service string
}

// NewKeychainStore creates a new KeychainStore.
func NewKeychainStore() *KeychainStore {
	return &KeychainStore{service: keychainService}
}

// Set stores a secret in the keyring, replacing any existing value.
func (k *KeychainStore) Set(key string, value []byte) error {
	if err := keyring.Set(k.service, key, string(value)); err != nil {
		return fmt.Errorf("keychain set: %w", err)
	}
	return nil
}

// Get retrieves a secret from the keyring.
// Returns empty slice and nil error if the key doesn't exist.
func (k *KeychainStore) Get(key string) ([]byte, error) {
	v, err := keyring.Get(k.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keychain get: %w", err)
	}
	return []byte(v), nil
}

// Delete removes a secret from the keyring. Missing keys are not an error.
func (k *KeychainStore) Delete(key string) error {
	err := keyring.Delete(k.service, key)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keychain delete: %w", err)
	}
	return nil
}

package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"

	"querydesk/internal/domain"
)

// Argon2id parameters for deriving the vault key from the master secret.
const (
	kdfTime    = 1
	kdfMemory  = 64 * 1024
	kdfThreads = 4
	keyLen     = 32
	saltLen    = 16

	masterSecretKey = "vault-master-secret"
)

var errCiphertextTooShort = errors.New("ciphertext too short")

// Vault seals connection credentials at rest with AES-256-GCM.
// The key is derived once, when the vault is built, and never leaves it.
type Vault struct {
	gcm cipher.AEAD
}

// NewVault derives the vault key from master and salt with Argon2id.
func NewVault(master, salt []byte) (*Vault, error) {
	if len(master) == 0 {
		return nil, errors.New("vault: empty master secret")
	}
	if len(salt) < saltLen {
		return nil, fmt.Errorf("vault: salt must be at least %d bytes", saltLen)
	}
	key := argon2.IDKey(master, salt, kdfTime, kdfMemory, kdfThreads, keyLen)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Vault{gcm: gcm}, nil
}

// Seal encrypts plaintext. Returns nonce || ciphertext.
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return v.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a value produced by Seal. Any failure, including a value
// sealed under another key, is reported as a DecryptionError.
func (v *Vault) Open(ciphertext []byte) ([]byte, error) {
	nonceSize := v.gcm.NonceSize()
	if len(ciphertext) < nonceSize+v.gcm.Overhead() {
		return nil, domain.NewDecryptionError(errCiphertextTooShort)
	}
	nonce, ct := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plain, err := v.gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, domain.NewDecryptionError(err)
	}
	return plain, nil
}

// NewSalt returns a fresh random salt for NewVault.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return salt, nil
}

// LoadMasterSecret resolves the master secret. A configured value wins;
// otherwise the secret is read from store, and generated and saved there on
// first use.
func LoadMasterSecret(configured string, store SecretStore) ([]byte, error) {
	if configured != "" {
		return []byte(configured), nil
	}
	if store == nil {
		return nil, errors.New("vault: no master secret configured and no secret store")
	}
	existing, err := store.Get(masterSecretKey)
	if err != nil {
		return nil, fmt.Errorf("read master secret: %w", err)
	}
	if len(existing) > 0 {
		return existing, nil
	}
	raw := make([]byte, keyLen)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return nil, fmt.Errorf("generating master secret: %w", err)
	}
	generated := []byte(hex.EncodeToString(raw))
	if err := store.Set(masterSecretKey, generated); err != nil {
		return nil, fmt.Errorf("save master secret: %w", err)
	}
	return generated, nil
}

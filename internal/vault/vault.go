// Package vault seals identity key material at rest with a passphrase-derived key.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/database"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/utils"
)

const (
	// Argon2id parameters
	argon2Time      = 3
	argon2Memory    = 64 * 1024
	argon2Threads   = 4
	argon2KeyLength = 32

	saltSize  = 32
	nonceSize = 12

	secretVersion = 1

	category = "vault"
)

var ErrWrongPassphrase = errors.New("vault: decryption failed (incorrect passphrase?)")

// Store is the persistence the vault seals into.
type Store interface {
	SaveVaultSecret(s *database.VaultSecret) error
	GetVaultSecret(name string) (*database.VaultSecret, error)
	DeleteVaultSecret(name string) error
}

type Vault struct {
	store      Store
	passphrase PassphraseFunc
	logger     *utils.LogsManager
}

func New(store Store, passphrase PassphraseFunc, logger *utils.LogsManager) *Vault {
	return &Vault{store: store, passphrase: passphrase, logger: logger}
}

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLength)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Seal encrypts plaintext under passphrase. The secret name is bound as associated data,
// so a blob copied under another name does not open.
func Seal(name, passphrase string, plaintext []byte) (*database.VaultSecret, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	gcm, err := newGCM(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	return &database.VaultSecret{
		Name:    name,
		Version: secretVersion,
		Salt:    salt,
		Nonce:   nonce,
		Data:    gcm.Seal(nil, nonce, plaintext, []byte(name)),
	}, nil
}

// Unseal reverses Seal.
func Unseal(s *database.VaultSecret, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}
	if s.Version != secretVersion {
		return nil, fmt.Errorf("unsupported vault secret version: %d", s.Version)
	}
	if len(s.Salt) != saltSize {
		return nil, fmt.Errorf("invalid salt size: %d", len(s.Salt))
	}
	if len(s.Nonce) != nonceSize {
		return nil, fmt.Errorf("invalid nonce size: %d", len(s.Nonce))
	}

	gcm, err := newGCM(deriveKey(passphrase, s.Salt))
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, s.Nonce, s.Data, []byte(s.Name))
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return plaintext, nil
}

// Put seals and stores a secret, replacing any previous value.
func (v *Vault) Put(name string, plaintext []byte) error {
	pass, err := v.passphrase()
	if err != nil {
		return err
	}
	s, err := Seal(name, pass, plaintext)
	if err != nil {
		return err
	}
	if err := v.store.SaveVaultSecret(s); err != nil {
		return err
	}
	v.logger.Debug(fmt.Sprintf("Sealed secret %s", name), category)
	return nil
}

// Get returns the plaintext of a stored secret, or types.ErrNotFound.
func (v *Vault) Get(name string) ([]byte, error) {
	s, err := v.store.GetVaultSecret(name)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("vault secret %s: %w", name, types.ErrNotFound)
	}
	pass, err := v.passphrase()
	if err != nil {
		return nil, err
	}
	return Unseal(s, pass)
}

func (v *Vault) Delete(name string) error {
	return v.store.DeleteVaultSecret(name)
}

// Rekey re-seals the named secrets under a new passphrase.
func (v *Vault) Rekey(newPassphrase string, names ...string) error {
	old, err := v.passphrase()
	if err != nil {
		return err
	}
	sealed := make([]*database.VaultSecret, 0, len(names))
	for _, name := range names {
		s, err := v.store.GetVaultSecret(name)
		if err != nil {
			return err
		}
		if s == nil {
			continue
		}
		plaintext, err := Unseal(s, old)
		if err != nil {
			return fmt.Errorf("failed to unlock %s with the current passphrase: %w", name, err)
		}
		if s, err = Seal(name, newPassphrase, plaintext); err != nil {
			return err
		}
		sealed = append(sealed, s)
	}
	// nothing is written until every secret opened
	for _, s := range sealed {
		if err := v.store.SaveVaultSecret(s); err != nil {
			return err
		}
	}
	v.passphrase = Static(newPassphrase)
	return nil
}

// IdentityKeyName is the secret holding the private key of one address.
func IdentityKeyName(addr types.Address) string {
	return "identity-key:" + addr.String()
}

func (v *Vault) PutIdentityKey(addr types.Address, hexKey string) error {
	return v.Put(IdentityKeyName(addr), []byte(hexKey))
}

func (v *Vault) IdentityKey(addr types.Address) (string, error) {
	raw, err := v.Get(IdentityKeyName(addr))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

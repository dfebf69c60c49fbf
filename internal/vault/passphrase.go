package vault

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/utils"
)

// PassphraseFunc supplies the vault passphrase on demand.
type PassphraseFunc func() (string, error)

func Static(passphrase string) PassphraseFunc {
	return func() (string, error) { return passphrase, nil }
}

const keyringAccount = "vault"

// PassphraseChain looks for the passphrase in the OS keyring, then the vault_passphrase
// config key, then prompts on the terminal. A prompted passphrase is remembered in the
// keyring when possible. The result is cached for the life of the process.
func PassphraseChain(cm *utils.ConfigManager, logger *utils.LogsManager) PassphraseFunc {
	service := cm.GetConfigWithDefault("keyring_service", "inbox-node")
	var (
		once   sync.Once
		cached string
		err    error
	)
	return func() (string, error) {
		once.Do(func() {
			cached, err = resolvePassphrase(cm, service, logger)
		})
		return cached, err
	}
}

func resolvePassphrase(cm *utils.ConfigManager, service string, logger *utils.LogsManager) (string, error) {
	pass, err := keyring.Get(service, keyringAccount)
	if err == nil && pass != "" {
		return pass, nil
	}
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		logger.Debug(fmt.Sprintf("Keyring unavailable: %v", err), category)
	}

	if pass, ok := cm.GetConfig("vault_passphrase"); ok && pass != "" {
		return pass, nil
	}

	pass, err = prompt()
	if err != nil {
		return "", err
	}
	if err := keyring.Set(service, keyringAccount, pass); err != nil {
		logger.Debug(fmt.Sprintf("Passphrase not stored in keyring: %v", err), category)
	}
	return pass, nil
}

func prompt() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no vault passphrase in keyring or config and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "Vault passphrase: ")
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	if len(pass) == 0 {
		return "", fmt.Errorf("passphrase cannot be empty")
	}
	return string(pass), nil
}

// ForgetPassphrase removes the remembered passphrase from the keyring.
func ForgetPassphrase(cm *utils.ConfigManager) error {
	err := keyring.Delete(cm.GetConfigWithDefault("keyring_service", "inbox-node"), keyringAccount)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return err
	}
	return nil
}

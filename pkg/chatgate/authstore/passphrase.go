package authstore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "chatgate"

	// keyringPassphrase is the keyring entry holding the vault passphrase.
	keyringPassphrase = "vault_passphrase"

	// PassphraseEnv overrides every other passphrase source.
	PassphraseEnv = "CHATGATE_VAULT_PASSWORD"
)

// ErrNoPassphrase is returned when no passphrase source is available.
var ErrNoPassphrase = errors.New("authstore: no vault passphrase available")

// ResolvePassphrase finds the vault passphrase. Sources in order:
//  1. CHATGATE_VAULT_PASSWORD
//  2. OS keyring (service "chatgate")
//  3. interactive prompt, when stdin is a terminal; the answer is saved to
//     the keyring if remember is set
func ResolvePassphrase(remember bool, logger *slog.Logger) (string, error) {
	if v := strings.TrimSpace(os.Getenv(PassphraseEnv)); v != "" {
		return v, nil
	}

	if v, err := keyring.Get(keyringService, keyringPassphrase); err == nil && v != "" {
		return v, nil
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", ErrNoPassphrase
	}

	pass, err := ReadPassword("Vault passphrase: ")
	if err != nil {
		return "", err
	}
	if pass == "" {
		return "", ErrNoPassphrase
	}

	if remember {
		if err := keyring.Set(keyringService, keyringPassphrase, pass); err != nil {
			logger.Warn("authstore: could not save passphrase to keyring", "error", err)
		}
	}
	return pass, nil
}

// StorePassphrase saves the passphrase in the OS keyring.
func StorePassphrase(pass string) error {
	return keyring.Set(keyringService, keyringPassphrase, pass)
}

// ForgetPassphrase removes the passphrase from the OS keyring.
func ForgetPassphrase() error {
	err := keyring.Delete(keyringService, keyringPassphrase)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

// ReadPassword reads a secret from the terminal without echoing.
func ReadPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// Package config – keyring.go stores secrets in the OS keyring
// (Secret Service / Keychain / Credential Manager). Resolution order:
// keyring, then environment, then plaintext config.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
)

const (
	keyringService = "aide"

	// KeyIPCToken is an optional fixed IPC token; when absent the
	// daemon generates a random one per run.
	KeyIPCToken = "ipc_token"
)

// StoreSecret saves a secret to the OS keyring.
func StoreSecret(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetSecret retrieves a secret, empty string when absent.
func GetSecret(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteSecret removes a secret.
func DeleteSecret(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable probes the keyring with a write+delete cycle.
func KeyringAvailable() bool {
	testKey := "__aide_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// ResolveSecret resolves key via keyring, then the named env var, then
// the fallback value.
func ResolveSecret(key, envVar, fallback string, logger *slog.Logger) string {
	if val := GetSecret(key); val != "" {
		logger.Debug("secret loaded from OS keyring", "key", key)
		return val
	}
	if envVar != "" {
		if val := os.Getenv(envVar); val != "" {
			logger.Debug("secret loaded from environment", "key", key)
			return val
		}
	}
	return fallback
}

// MigrateToKeyring moves a secret into the keyring.
func MigrateToKeyring(key, value string, logger *slog.Logger) error {
	if err := StoreSecret(key, value); err != nil {
		return fmt.Errorf("storing in keyring: %w", err)
	}
	logger.Info("secret stored in OS keyring", "service", keyringService, "key", key)
	return nil
}

// Package secrets stores namespaced key-value secrets. Two backends exist:
// the OS keychain and an encrypted file. The "auto" backend probes the
// keychain at open time and silently falls back to the file when the keychain
// is unavailable (headless hosts, locked keyrings, CI).
package secrets

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/miniclaw/miniclaw/internal/config"
)

// ErrNotFound is returned when a secret does not exist.
var ErrNotFound = errors.New("secret not found")

// Store is the namespaced secret interface.
type Store interface {
	Get(namespace, key string) (string, error)
	Set(namespace, key, value string) error
	Delete(namespace, key string) error
	// List returns the keys in a namespace. Backends that cannot enumerate
	// return an empty list without error.
	List(namespace string) ([]string, error)
}

// Open selects a backend per config.
func Open(cfg config.SecretsConfig, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Backend {
	case "keychain":
		return newKeychainStore(), nil
	case "file":
		return newFileStore(cfg.FilePath, cfg.KeyFilePath)
	case "auto", "":
		kc := newKeychainStore()
		if err := kc.probe(); err == nil {
			return kc, nil
		}
		logger.Info("keychain unavailable, using encrypted file secret store")
		return newFileStore(cfg.FilePath, cfg.KeyFilePath)
	default:
		return nil, fmt.Errorf("unknown secrets backend %q", cfg.Backend)
	}
}

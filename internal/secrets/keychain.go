package secrets

import (
	"errors"

	"github.com/zalando/go-keyring"
)

const keychainServicePrefix = "miniclaw:"

// keychainStore stores each secret as one OS keychain entry under the
// service name "miniclaw:<namespace>".
type keychainStore struct{}

func newKeychainStore() *keychainStore { return &keychainStore{} }

// probe verifies the keychain is usable by writing and removing a sentinel.
func (k *keychainStore) probe() error {
	const service = keychainServicePrefix + "probe"
	if err := keyring.Set(service, "probe", "ok"); err != nil {
		return err
	}
	return keyring.Delete(service, "probe")
}

func (k *keychainStore) Get(namespace, key string) (string, error) {
	v, err := keyring.Get(keychainServicePrefix+namespace, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return v, nil
}

func (k *keychainStore) Set(namespace, key, value string) error {
	return keyring.Set(keychainServicePrefix+namespace, key, value)
}

func (k *keychainStore) Delete(namespace, key string) error {
	err := keyring.Delete(keychainServicePrefix+namespace, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

// List cannot enumerate OS keychain entries portably.
func (k *keychainStore) List(namespace string) ([]string, error) {
	return nil, nil
}

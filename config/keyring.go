package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/zalando/go-keyring"
)

// ResolvePairingKey returns the pairing credential for c, trying in order
// the literal PairingKey, the keyring entry for KeyringService/KeyringUser
// and the KeyFile. The empty string selects the default pre-shared key.
func ResolvePairingKey(c Config) (string, error) {
	if c.PairingKey != "" {
		return c.PairingKey, nil
	}
	if c.KeyringService != "" {
		s, err := keyringPairingKey(c)
		if err != nil || s != "" {
			return s, err
		}
	}
	if c.KeyFile != "" {
		pass := os.Getenv(c.KeyFilePassphraseEnv)
		if pass == "" {
			return "", fmt.Errorf("key file passphrase: %s is not set", c.KeyFilePassphraseEnv)
		}
		return LoadPairingKeyFile(c.KeyFile, []byte(pass))
	}
	return "", nil
}

func keyringPairingKey(c Config) (string, error) {
	s, err := keyring.Get(c.KeyringService, c.KeyringUser)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			logrus.WithFields(logrus.Fields{
				"function": "keyringPairingKey",
				"service":  c.KeyringService,
				"user":     c.KeyringUser,
			}).Warn("No pairing key in keyring")
			return "", nil
		}
		return "", fmt.Errorf("read pairing key from keyring: %w", err)
	}
	return s, nil
}

// StorePairingKey saves key in the OS keyring under c's service and user.
func StorePairingKey(c Config, key string) error {
	if c.KeyringService == "" || c.KeyringUser == "" {
		return errors.New("keyring_service and keyring_user are required")
	}
	if err := keyring.Set(c.KeyringService, c.KeyringUser, key); err != nil {
		return fmt.Errorf("store pairing key in keyring: %w", err)
	}
	return nil
}

package auth

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const (
	keyringService = "followsync"
	keyringPrefix  = "store_token_"
)

// KeyringStore keeps tokens in the system keychain
type KeyringStore struct{}

// NewKeyringStore creates a keyring store after probing that the keyring
// is usable
func NewKeyringStore() (*KeyringStore, error) {
	testKey := "test_availability"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return nil, fmt.Errorf("keyring not available: %w", err)
	}
	_ = keyring.Delete(keyringService, testKey)

	return &KeyringStore{}, nil
}

func (k *KeyringStore) Name() string { return "keyring" }

func (k *KeyringStore) Store(cred *Credential) error {
	if cred == nil || cred.Profile == "" || cred.Token == "" {
		return ErrInvalidCredentials
	}

	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if err := keyring.Set(keyringService, keyringPrefix+cred.Profile, string(data)); err != nil {
		return fmt.Errorf("failed to store in keyring: %w", err)
	}
	return nil
}

func (k *KeyringStore) Retrieve(profile string) (*Credential, error) {
	if profile == "" {
		return nil, ErrInvalidCredentials
	}

	data, err := keyring.Get(keyringService, keyringPrefix+profile)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, ErrCredentialsNotFound
		}
		return nil, fmt.Errorf("failed to retrieve from keyring: %w", err)
	}

	var cred Credential
	if err := json.Unmarshal([]byte(data), &cred); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return &cred, nil
}

func (k *KeyringStore) Delete(profile string) error {
	if profile == "" {
		return ErrInvalidCredentials
	}

	if err := keyring.Delete(keyringService, keyringPrefix+profile); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return ErrCredentialsNotFound
		}
		return fmt.Errorf("failed to delete from keyring: %w", err)
	}
	return nil
}

func (k *KeyringStore) Exists(profile string) bool {
	if profile == "" {
		return false
	}
	_, err := keyring.Get(keyringService, keyringPrefix+profile)
	return err == nil
}

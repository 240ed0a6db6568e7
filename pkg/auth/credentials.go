package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// DefaultProfile names the token used when none is given
const DefaultProfile = "default"

// Credential is a record store API token
type Credential struct {
	Profile      string    `json:"profile"`
	Token        string    `json:"token"`
	LastModified time.Time `json:"last_modified"`
}

// TokenStore defines a place API tokens can be kept
type TokenStore interface {
	// Name identifies the backend in status output
	Name() string

	// Store saves a token
	Store(cred *Credential) error

	// Retrieve loads the token for profile
	Retrieve(profile string) (*Credential, error)

	// Delete removes the token for profile
	Delete(profile string) error

	// Exists reports whether a token for profile is present
	Exists(profile string) bool
}

// Manager resolves tokens through an ordered chain of stores. The first
// store holding a token wins, so the environment overrides the keyring and
// the keyring overrides the encrypted file.
type Manager struct {
	stores []TokenStore
}

// NewManager builds the default chain: environment, system keyring when
// available, then the encrypted file under the config directory
func NewManager() (*Manager, error) {
	stores := []TokenStore{NewEnvironmentStore()}

	if keyringStore, err := NewKeyringStore(); err == nil {
		stores = append(stores, keyringStore)
	}

	configDir, err := getConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}
	encryptedStore, err := NewEncryptedFileStore(filepath.Join(configDir, "credentials.enc"))
	if err != nil {
		return nil, fmt.Errorf("failed to create encrypted store: %w", err)
	}
	stores = append(stores, encryptedStore)

	return &Manager{stores: stores}, nil
}

// NewManagerWithStores creates a Manager over the given chain
func NewManagerWithStores(stores ...TokenStore) *Manager {
	return &Manager{stores: stores}
}

// Token returns the token for profile and the name of the store it came from
func (m *Manager) Token(profile string) (string, string, error) {
	if profile == "" {
		profile = DefaultProfile
	}
	for _, store := range m.stores {
		cred, err := store.Retrieve(profile)
		if err == nil && cred != nil && cred.Token != "" {
			return cred.Token, store.Name(), nil
		}
	}
	return "", "", fmt.Errorf("%w for profile %s", ErrCredentialsNotFound, profile)
}

// SetToken saves token in the first store that accepts writes. The store
// name is returned.
func (m *Manager) SetToken(profile, token string) (string, error) {
	if profile == "" {
		profile = DefaultProfile
	}
	if token == "" {
		return "", ErrInvalidCredentials
	}
	cred := &Credential{Profile: profile, Token: token, LastModified: time.Now()}

	var lastErr error
	for _, store := range m.stores {
		err := store.Store(cred)
		if err == nil {
			return store.Name(), nil
		}
		if !errors.Is(err, ErrStoreUnavailable) {
			lastErr = err
		}
	}
	if lastErr != nil {
		return "", fmt.Errorf("failed to store token: %w", lastErr)
	}
	return "", errors.New("no writable token store")
}

// Clear deletes the token for profile from every writable store
func (m *Manager) Clear(profile string) error {
	if profile == "" {
		profile = DefaultProfile
	}

	var deleted bool
	var lastErr error
	for _, store := range m.stores {
		err := store.Delete(profile)
		switch {
		case err == nil:
			deleted = true
		case errors.Is(err, ErrStoreUnavailable), errors.Is(err, ErrCredentialsNotFound):
		default:
			lastErr = err
		}
	}

	if lastErr != nil {
		return fmt.Errorf("failed to delete token: %w", lastErr)
	}
	if !deleted {
		return fmt.Errorf("%w for profile %s", ErrCredentialsNotFound, profile)
	}
	return nil
}

// StoreStatus describes one store in the chain
type StoreStatus struct {
	Name     string
	HasToken bool
}

// Status reports which stores hold a token for profile
func (m *Manager) Status(profile string) []StoreStatus {
	if profile == "" {
		profile = DefaultProfile
	}
	out := make([]StoreStatus, 0, len(m.stores))
	for _, store := range m.stores {
		out = append(out, StoreStatus{Name: store.Name(), HasToken: store.Exists(profile)})
	}
	return out
}

// getConfigDir returns the directory the encrypted token file lives in
func getConfigDir() (string, error) {
	var configDir string

	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(home, "Library", "Application Support", "followsync")
	case "windows":
		configDir = filepath.Join(os.Getenv("APPDATA"), "followsync")
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			configDir = filepath.Join(xdgConfig, "followsync")
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			configDir = filepath.Join(home, ".config", "followsync")
		}
	}

	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	return configDir, nil
}

// Mask hides all but the edges of a secret
func Mask(s string) string {
	if len(s) <= 8 {
		return "********"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

// Common errors
var (
	ErrCredentialsNotFound = errors.New("token not found")
	ErrInvalidCredentials  = errors.New("invalid token")
	ErrStoreUnavailable    = errors.New("token store is read-only")
)

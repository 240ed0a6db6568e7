package auth

import (
	"os"
	"time"
)

// Environment variables checked for a token, in order
var tokenEnvVars = []string{"FOLLOWSYNC_STORE_TOKEN", "AIRTABLE_TOKEN"}

// EnvironmentStore reads the token from the environment. It is read-only
// and serves every profile.
type EnvironmentStore struct {
	lookup func(string) string
}

// NewEnvironmentStore creates a store over os.Getenv
func NewEnvironmentStore() *EnvironmentStore {
	return &EnvironmentStore{lookup: os.Getenv}
}

func (e *EnvironmentStore) Name() string { return "environment" }

// Store is not supported for environment variables
func (e *EnvironmentStore) Store(cred *Credential) error {
	return ErrStoreUnavailable
}

func (e *EnvironmentStore) Retrieve(profile string) (*Credential, error) {
	token := e.token()
	if token == "" {
		return nil, ErrCredentialsNotFound
	}
	if profile == "" {
		profile = DefaultProfile
	}
	return &Credential{Profile: profile, Token: token, LastModified: time.Now()}, nil
}

// Delete is not supported for environment variables
func (e *EnvironmentStore) Delete(profile string) error {
	return ErrStoreUnavailable
}

func (e *EnvironmentStore) Exists(profile string) bool {
	return e.token() != ""
}

func (e *EnvironmentStore) token() string {
	for _, name := range tokenEnvVars {
		if v := e.lookup(name); v != "" {
			return v
		}
	}
	return ""
}

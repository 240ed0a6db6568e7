package auth

import "sync"

// MockStore is an in-memory TokenStore for tests
type MockStore struct {
	mu     sync.RWMutex
	name   string
	tokens map[string]Credential

	// Error injection
	StoreError    error
	RetrieveError error
	DeleteError   error
}

// NewMockStore creates an empty mock store
func NewMockStore(name string) *MockStore {
	return &MockStore{name: name, tokens: make(map[string]Credential)}
}

func (m *MockStore) Name() string { return m.name }

func (m *MockStore) Store(cred *Credential) error {
	if m.StoreError != nil {
		return m.StoreError
	}
	if cred == nil || cred.Profile == "" || cred.Token == "" {
		return ErrInvalidCredentials
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[cred.Profile] = *cred
	return nil
}

func (m *MockStore) Retrieve(profile string) (*Credential, error) {
	if m.RetrieveError != nil {
		return nil, m.RetrieveError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	cred, ok := m.tokens[profile]
	if !ok {
		return nil, ErrCredentialsNotFound
	}
	return &cred, nil
}

func (m *MockStore) Delete(profile string) error {
	if m.DeleteError != nil {
		return m.DeleteError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[profile]; !ok {
		return ErrCredentialsNotFound
	}
	delete(m.tokens, profile)
	return nil
}

func (m *MockStore) Exists(profile string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tokens[profile]
	return ok
}

// Count returns the number of stored tokens
func (m *MockStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tokens)
}

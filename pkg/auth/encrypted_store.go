package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize   = 32
	keySize    = 32
	iterations = 100000
)

// PassphraseEnv overrides the generated passphrase file
const PassphraseEnv = "FOLLOWSYNC_PASSPHRASE"

// EncryptedFileStore keeps tokens in an AES-GCM encrypted file. The key is
// derived with PBKDF2 from a passphrase taken from the environment or a
// generated file next to the store.
type EncryptedFileStore struct {
	filepath   string
	passphrase string
	mu         sync.RWMutex
}

type encryptedFile struct {
	Salt      string    `json:"salt"`
	Encrypted string    `json:"encrypted"`
	Version   int       `json:"version"`
	Modified  time.Time `json:"modified"`
}

type tokenData struct {
	salt   string
	tokens map[string]Credential
}

// NewEncryptedFileStore creates a store backed by filePath
func NewEncryptedFileStore(filePath string) (*EncryptedFileStore, error) {
	dir := filepath.Dir(filePath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	store := &EncryptedFileStore{filepath: filePath}
	passphrase, err := store.getPassphrase()
	if err != nil {
		return nil, fmt.Errorf("failed to get passphrase: %w", err)
	}
	store.passphrase = passphrase

	return store, nil
}

func (e *EncryptedFileStore) Name() string { return "encrypted-file" }

// Path returns the encrypted file location
func (e *EncryptedFileStore) Path() string { return e.filepath }

func (e *EncryptedFileStore) Store(cred *Credential) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cred == nil || cred.Profile == "" || cred.Token == "" {
		return ErrInvalidCredentials
	}

	data, err := e.loadData()
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load existing data: %w", err)
	}
	if data == nil {
		data = &tokenData{tokens: make(map[string]Credential)}
	}

	data.tokens[cred.Profile] = *cred
	return e.saveData(data)
}

func (e *EncryptedFileStore) Retrieve(profile string) (*Credential, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if profile == "" {
		return nil, ErrInvalidCredentials
	}

	data, err := e.loadData()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrCredentialsNotFound
		}
		return nil, fmt.Errorf("failed to load data: %w", err)
	}

	cred, exists := data.tokens[profile]
	if !exists {
		return nil, ErrCredentialsNotFound
	}
	return &cred, nil
}

func (e *EncryptedFileStore) Delete(profile string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if profile == "" {
		return ErrInvalidCredentials
	}

	data, err := e.loadData()
	if err != nil {
		if os.IsNotExist(err) {
			return ErrCredentialsNotFound
		}
		return fmt.Errorf("failed to load data: %w", err)
	}

	if _, exists := data.tokens[profile]; !exists {
		return ErrCredentialsNotFound
	}
	delete(data.tokens, profile)

	if len(data.tokens) == 0 {
		return os.Remove(e.filepath)
	}
	return e.saveData(data)
}

func (e *EncryptedFileStore) Exists(profile string) bool {
	cred, err := e.Retrieve(profile)
	return err == nil && cred != nil
}

func (e *EncryptedFileStore) loadData() (*tokenData, error) {
	content, err := os.ReadFile(e.filepath)
	if err != nil {
		return nil, err
	}

	var file encryptedFile
	if err := json.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("failed to parse file: %w", err)
	}

	salt, err := base64.StdEncoding.DecodeString(file.Salt)
	if err != nil {
		return nil, fmt.Errorf("failed to decode salt: %w", err)
	}
	encryptedBytes, err := base64.StdEncoding.DecodeString(file.Encrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted data: %w", err)
	}

	key := pbkdf2.Key([]byte(e.passphrase), salt, iterations, keySize, sha256.New)
	decrypted, err := decrypt(encryptedBytes, key)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt data: %w", err)
	}

	var tokens map[string]Credential
	if err := json.Unmarshal(decrypted, &tokens); err != nil {
		return nil, fmt.Errorf("failed to parse tokens: %w", err)
	}
	if tokens == nil {
		tokens = make(map[string]Credential)
	}

	return &tokenData{salt: file.Salt, tokens: tokens}, nil
}

func (e *EncryptedFileStore) saveData(data *tokenData) error {
	var salt []byte
	if data.salt == "" {
		salt = make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return fmt.Errorf("failed to generate salt: %w", err)
		}
		data.salt = base64.StdEncoding.EncodeToString(salt)
	} else {
		var err error
		salt, err = base64.StdEncoding.DecodeString(data.salt)
		if err != nil {
			return fmt.Errorf("failed to decode salt: %w", err)
		}
	}

	key := pbkdf2.Key([]byte(e.passphrase), salt, iterations, keySize, sha256.New)

	plain, err := json.Marshal(data.tokens)
	if err != nil {
		return fmt.Errorf("failed to marshal tokens: %w", err)
	}
	encrypted, err := encrypt(plain, key)
	if err != nil {
		return fmt.Errorf("failed to encrypt data: %w", err)
	}

	content, err := json.MarshalIndent(encryptedFile{
		Salt:      data.salt,
		Encrypted: base64.StdEncoding.EncodeToString(encrypted),
		Version:   1,
		Modified:  time.Now(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal file data: %w", err)
	}

	tempFile := e.filepath + ".tmp"
	if err := os.WriteFile(tempFile, content, 0600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return os.Rename(tempFile, e.filepath)
}

// getPassphrase reads PassphraseEnv, or a passphrase file next to the
// store, generating one on first use
func (e *EncryptedFileStore) getPassphrase() (string, error) {
	if pass := os.Getenv(PassphraseEnv); pass != "" {
		return pass, nil
	}

	passphraseFile := filepath.Join(filepath.Dir(e.filepath), ".passphrase")
	if content, err := os.ReadFile(passphraseFile); err == nil && len(content) > 0 {
		return string(content), nil
	}

	passphrase, err := generatePassphrase()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(passphraseFile, []byte(passphrase), 0600); err != nil {
		return "", fmt.Errorf("failed to save passphrase: %w", err)
	}
	return passphrase, nil
}

func generatePassphrase() (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("failed to generate passphrase: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// encrypt encrypts data using AES-GCM
func encrypt(plaintext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decrypt decrypts data using AES-GCM
func decrypt(ciphertext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

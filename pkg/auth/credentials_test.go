package auth

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func emptyEnv() *EnvironmentStore {
	return &EnvironmentStore{lookup: func(string) string { return "" }}
}

func TestManagerChainOrder(t *testing.T) {
	first := NewMockStore("first")
	second := NewMockStore("second")
	manager := NewManagerWithStores(emptyEnv(), first, second)

	require.NoError(t, second.Store(&Credential{Profile: DefaultProfile, Token: "patSECOND"}))
	token, source, err := manager.Token("")
	require.NoError(t, err)
	assert.Equal(t, "patSECOND", token)
	assert.Equal(t, "second", source)

	name, err := manager.SetToken("", "patFIRST")
	require.NoError(t, err)
	assert.Equal(t, "first", name, "environment is read-only, first writable store wins")

	token, source, err = manager.Token(DefaultProfile)
	require.NoError(t, err)
	assert.Equal(t, "patFIRST", token)
	assert.Equal(t, "first", source)
}

func TestEnvironmentOverridesStores(t *testing.T) {
	env := &EnvironmentStore{lookup: func(name string) string {
		if name == "AIRTABLE_TOKEN" {
			return "patENV"
		}
		return ""
	}}
	mock := NewMockStore("mock")
	require.NoError(t, mock.Store(&Credential{Profile: DefaultProfile, Token: "patMOCK"}))

	token, source, err := NewManagerWithStores(env, mock).Token("")
	require.NoError(t, err)
	assert.Equal(t, "patENV", token)
	assert.Equal(t, "environment", source)
}

func TestEnvironmentPrefixedNameWins(t *testing.T) {
	env := &EnvironmentStore{lookup: func(name string) string {
		return map[string]string{"AIRTABLE_TOKEN": "patOLD", "FOLLOWSYNC_STORE_TOKEN": "patNEW"}[name]
	}}
	cred, err := env.Retrieve("")
	require.NoError(t, err)
	assert.Equal(t, "patNEW", cred.Token)
	assert.ErrorIs(t, env.Store(cred), ErrStoreUnavailable)
	assert.ErrorIs(t, env.Delete(DefaultProfile), ErrStoreUnavailable)
}

func TestManagerTokenNotFound(t *testing.T) {
	_, _, err := NewManagerWithStores(emptyEnv(), NewMockStore("mock")).Token("")
	assert.True(t, errors.Is(err, ErrCredentialsNotFound))
}

func TestManagerClear(t *testing.T) {
	a := NewMockStore("a")
	b := NewMockStore("b")
	manager := NewManagerWithStores(emptyEnv(), a, b)
	require.NoError(t, a.Store(&Credential{Profile: DefaultProfile, Token: "patA"}))
	require.NoError(t, b.Store(&Credential{Profile: DefaultProfile, Token: "patB"}))

	require.NoError(t, manager.Clear(""))
	assert.Zero(t, a.Count())
	assert.Zero(t, b.Count())

	assert.True(t, errors.Is(manager.Clear(""), ErrCredentialsNotFound))
}

func TestManagerStatus(t *testing.T) {
	a := NewMockStore("a")
	require.NoError(t, a.Store(&Credential{Profile: DefaultProfile, Token: "patA"}))

	status := NewManagerWithStores(emptyEnv(), a).Status("")
	assert.Equal(t, []StoreStatus{{Name: "environment"}, {Name: "a", HasToken: true}}, status)
}

func TestSetTokenRejectsEmpty(t *testing.T) {
	_, err := NewManagerWithStores(NewMockStore("a")).SetToken("", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestEncryptedFileStore(t *testing.T) {
	t.Setenv(PassphraseEnv, "test_passphrase_123")
	path := filepath.Join(t.TempDir(), "credentials.enc")

	store, err := NewEncryptedFileStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Store(&Credential{Profile: "work", Token: "patSECRETVALUE"}))

	got, err := store.Retrieve("work")
	require.NoError(t, err)
	assert.Equal(t, "patSECRETVALUE", got.Token)
	assert.True(t, store.Exists("work"))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(content, []byte("patSECRETVALUE")), "file holds ciphertext only")

	// A different passphrase cannot read it
	t.Setenv(PassphraseEnv, "other")
	other, err := NewEncryptedFileStore(path)
	require.NoError(t, err)
	_, err = other.Retrieve("work")
	assert.Error(t, err)

	t.Setenv(PassphraseEnv, "test_passphrase_123")
	require.NoError(t, store.Delete("work"))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "last token removes the file")
	assert.ErrorIs(t, store.Delete("work"), ErrCredentialsNotFound)
}

func TestEncryptedFileStoreGeneratesPassphrase(t *testing.T) {
	t.Setenv(PassphraseEnv, "")
	dir := t.TempDir()

	store, err := NewEncryptedFileStore(filepath.Join(dir, "credentials.enc"))
	require.NoError(t, err)
	require.NoError(t, store.Store(&Credential{Profile: DefaultProfile, Token: "patX"}))

	info, err := os.Stat(filepath.Join(dir, ".passphrase"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	reopened, err := NewEncryptedFileStore(filepath.Join(dir, "credentials.enc"))
	require.NoError(t, err)
	got, err := reopened.Retrieve(DefaultProfile)
	require.NoError(t, err)
	assert.Equal(t, "patX", got.Token)
}

func TestKeyringStore(t *testing.T) {
	keyring.MockInit()

	store, err := NewKeyringStore()
	require.NoError(t, err)
	assert.False(t, store.Exists(DefaultProfile))

	require.NoError(t, store.Store(&Credential{Profile: DefaultProfile, Token: "patKEYRING"}))
	got, err := store.Retrieve(DefaultProfile)
	require.NoError(t, err)
	assert.Equal(t, "patKEYRING", got.Token)

	require.NoError(t, store.Delete(DefaultProfile))
	_, err = store.Retrieve(DefaultProfile)
	assert.ErrorIs(t, err, ErrCredentialsNotFound)
	assert.ErrorIs(t, store.Delete(DefaultProfile), ErrCredentialsNotFound)
}

func TestMask(t *testing.T) {
	assert.Equal(t, "********", Mask("short"))
	assert.Equal(t, "patA...WXYZ", Mask("patAB12345WXYZ"))
}

func TestPromptTokenFromPipe(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	_, err = w.WriteString("  patPIPED  \n")
	require.NoError(t, err)
	require.NoError(t, w.Close())
	defer r.Close()

	var out bytes.Buffer
	token, err := PromptToken(r, &out)
	require.NoError(t, err)
	assert.Equal(t, "patPIPED", token)
	assert.Contains(t, out.String(), "Store API token")
}

func TestPromptTokenEmpty(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	require.NoError(t, w.Close())
	defer r.Close()

	_, err = PromptToken(r, &bytes.Buffer{})
	assert.Error(t, err)
}

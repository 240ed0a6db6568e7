package browser

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"followsync/pkg/config"
	errs "followsync/pkg/errors"
)

func writeJar(t *testing.T, cookies []Cookie) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cookies.json")
	data, err := json.Marshal(cookies)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func TestLoadCookies(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	future := float64(now.Add(24 * time.Hour).Unix())
	past := float64(now.Add(-time.Hour).Unix())

	tests := []struct {
		name    string
		jar     []Cookie
		raw     string
		want    int
		invalid bool
	}{
		{
			name: "valid jar drops expired extras",
			jar: []Cookie{
				{Name: "auth_token", Value: "abc", Domain: ".x.com", Path: "/", Expires: future},
				{Name: "ct0", Value: "csrf", Domain: ".x.com", Path: "/"},
				{Name: "old", Value: "v", Domain: ".x.com", Path: "/", Expires: past},
			},
			want: 2,
		},
		{
			name:    "missing auth cookie",
			jar:     []Cookie{{Name: "ct0", Value: "csrf"}},
			invalid: true,
		},
		{
			name:    "empty auth cookie",
			jar:     []Cookie{{Name: "auth_token", Value: ""}},
			invalid: true,
		},
		{
			name:    "expired auth cookie",
			jar:     []Cookie{{Name: "auth_token", Value: "abc", Expires: past}},
			invalid: true,
		},
		{
			name:    "malformed jar",
			raw:     "{",
			invalid: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeJar(t, tt.jar)
			if tt.raw != "" {
				require.NoError(t, os.WriteFile(path, []byte(tt.raw), 0600))
			}

			cookies, err := LoadCookies(path, "auth_token", now)
			if tt.invalid {
				assert.True(t, errs.Is(err, errs.ErrorTypeSessionInvalid), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, cookies, tt.want)
		})
	}
}

func TestLoadCookiesMissingFile(t *testing.T) {
	_, err := LoadCookies(filepath.Join(t.TempDir(), "nope.json"), "auth_token", time.Now())
	assert.True(t, errs.Is(err, errs.ErrorTypeSessionInvalid))
}

func TestCookieExpiry(t *testing.T) {
	now := time.Unix(1000, 0)
	assert.False(t, Cookie{}.Expired(now))
	assert.False(t, Cookie{Expires: -1}.Expired(now))
	assert.True(t, Cookie{Expires: 1000}.Expired(now))
	assert.False(t, Cookie{Expires: 1000.5}.Expired(now))
}

func TestLauncherFailsBeforeStartingBrowser(t *testing.T) {
	cfg := config.DefaultConfig().Browser
	cfg.CookiePath = filepath.Join(t.TempDir(), "missing.json")

	_, err := NewLauncher(cfg, nil).Open(context.Background())
	assert.True(t, errs.Is(err, errs.ErrorTypeSessionInvalid))
}

package browser

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	errs "followsync/pkg/errors"
)

// Cookie is one entry of an exported cookie jar
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"` // unix seconds; 0 or negative is a session cookie
	Secure   bool    `json:"secure,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
}

// ExpiresAt returns the expiry time and whether the cookie has one
func (c Cookie) ExpiresAt() (time.Time, bool) {
	if c.Expires <= 0 {
		return time.Time{}, false
	}
	sec := int64(c.Expires)
	nsec := int64((c.Expires - float64(sec)) * 1e9)
	return time.Unix(sec, nsec), true
}

// Expired reports whether the cookie is past its expiry at now
func (c Cookie) Expired(now time.Time) bool {
	t, ok := c.ExpiresAt()
	return ok && !now.Before(t)
}

// LoadCookies reads a JSON cookie jar. Any problem that would leave the
// session unauthenticated is reported as ErrorTypeSessionInvalid so the run
// stops before navigating. Expired non-auth cookies are dropped.
func LoadCookies(path, authCookie string, now time.Time) ([]Cookie, error) {
	const op = "browser.LoadCookies"

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.ErrorTypeSessionInvalid, op, fmt.Sprintf("cookie jar %s not found", path))
		}
		return nil, errs.Wrap(errs.ErrorTypeSessionInvalid, op, fmt.Errorf("failed to read cookie jar: %w", err))
	}

	var jar []Cookie
	if err := json.Unmarshal(data, &jar); err != nil {
		return nil, errs.Wrap(errs.ErrorTypeSessionInvalid, op, fmt.Errorf("failed to parse cookie jar: %w", err))
	}

	live := make([]Cookie, 0, len(jar))
	var auth *Cookie
	for i := range jar {
		c := jar[i]
		if c.Name == authCookie {
			auth = &jar[i]
		}
		if c.Expired(now) {
			continue
		}
		live = append(live, c)
	}

	if authCookie != "" {
		switch {
		case auth == nil || auth.Value == "":
			return nil, errs.New(errs.ErrorTypeSessionInvalid, op, fmt.Sprintf("auth cookie %q missing from jar", authCookie))
		case auth.Expired(now):
			exp, _ := auth.ExpiresAt()
			return nil, errs.New(errs.ErrorTypeSessionInvalid, op,
				fmt.Sprintf("auth cookie %q expired at %s", authCookie, exp.UTC().Format(time.RFC3339)))
		}
	}

	return live, nil
}

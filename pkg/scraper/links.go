package scraper

import (
	"net/url"
	"regexp"
	"strings"

	"followsync/pkg/models"
)

var handlePattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,15}$`)

// reserved top-level routes that are not profiles
var reserved = map[string]bool{
	"home": true, "explore": true, "notifications": true, "messages": true,
	"settings": true, "search": true, "compose": true, "tos": true,
	"privacy": true, "login": true, "logout": true, "signup": true, "i": true,
	"hashtag": true, "following": true, "followers": true,
}

// HandleFromHref extracts the profile handle an anchor points at. Links to
// other hosts, search and hashtag pages, and sub-pages of a profile are
// rejected.
func HandleFromHref(href, profileHost string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", false
	}
	if u.Host != "" && !sameHost(u.Host, profileHost) {
		return "", false
	}
	if strings.Contains(u.RawQuery, "q=") {
		return "", false
	}

	// Profile links have exactly one segment; /x/following, /hashtag/y and
	// /x/status/1 all have more
	segments := strings.Split(strings.Trim(u.EscapedPath(), "/"), "/")
	if len(segments) != 1 {
		return "", false
	}
	handle := segments[len(segments)-1]
	if !handlePattern.MatchString(handle) {
		return "", false
	}

	handle = models.Normalize(handle)
	if reserved[handle] {
		return "", false
	}
	return handle, true
}

func sameHost(a, b string) bool {
	if b == "" {
		return true
	}
	return strings.EqualFold(strings.TrimPrefix(a, "www."), strings.TrimPrefix(b, "www."))
}

package server

import (
	"net/url"
	"strings"
)

// isSafeRedirectURI reports whether uri is an absolute http(s) URL that cannot be
// bent into an open redirect.
func isSafeRedirectURI(uri string) bool {
	if uri == "" || strings.HasPrefix(uri, "//") {
		return false
	}

	lower := strings.ToLower(uri)
	for _, scheme := range []string{"javascript:", "data:", "file:", "vbscript:", "about:"} {
		if strings.HasPrefix(lower, scheme) {
			return false
		}
	}

	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok || (scheme != "http" && scheme != "https") {
		return false
	}

	// Blocks user:pass@host and path@domain tricks.
	if strings.Contains(rest, "@") {
		return false
	}
	host, _, _ := strings.Cut(rest, "/")
	return host != "" && !strings.Contains(host, "#")
}

// safeNext keeps post-login redirects on this site. Browsers drop tabs and
// newlines from URLs, so any control character rejects the value.
func safeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.Contains(next, "\\") {
		return "/"
	}
	for i := 0; i < len(next); i++ {
		if next[i] < 0x20 || next[i] == 0x7f {
			return "/"
		}
	}
	u, err := url.Parse(next)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "/"
	}
	return next
}

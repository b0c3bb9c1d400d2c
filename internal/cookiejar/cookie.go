// Package cookiejar stores and retrieves HTTP cookies for the client,
// enforcing scope, security and same-site policy at the boundary where
// credentials get attached to outbound requests.
package cookiejar

import (
	"net/url"
	"sort"
	"strings"
	"time"
)

// SameSite is the cookie's cross-site usage constraint.
type SameSite int

const (
	SameSiteStrict SameSite = iota
	SameSiteLax
	SameSiteNone
)

func (s SameSite) String() string {
	switch s {
	case SameSiteStrict:
		return "strict"
	case SameSiteLax:
		return "lax"
	case SameSiteNone:
		return "none"
	default:
		return "unknown"
	}
}

// Cookie is one stored cookie. Identity is (Name, Domain, Path):
// inserting a cookie with the same identity overwrites the old one.
type Cookie struct {
	Name  string
	Value string

	Domain string // leading "." means the cookie also matches subdomains
	Path   string

	Expires time.Time // zero means session cookie

	CreatedAt    time.Time
	LastAccessed time.Time

	Secure   bool
	HttpOnly bool
	SameSite SameSite

	// encrypted marks a sensitive cookie whose Value holds AEAD
	// ciphertext at rest; it is decrypted transparently on retrieval.
	encrypted bool
}

// Expired reports whether the cookie's lifetime has passed. Session
// cookies (zero Expires) never expire by time.
func (c *Cookie) Expired(now time.Time) bool {
	return !c.Expires.IsZero() && now.After(c.Expires)
}

// identity returns the (name, domain, path) key.
func (c *Cookie) identity() string {
	return c.Name + "\x00" + c.Domain + "\x00" + c.Path
}

// domainMatch implements RFC 6265 section 5.1.3: the stored domain
// matches the request host if they are equal, or if the stored domain
// carries a leading dot and the host equals or ends with that suffix.
func domainMatch(cookieDomain, host string) bool {
	cookieDomain = strings.ToLower(cookieDomain)
	host = strings.ToLower(host)
	if !strings.HasPrefix(cookieDomain, ".") {
		return cookieDomain == host
	}
	bare := cookieDomain[1:]
	return host == bare || strings.HasSuffix(host, cookieDomain)
}

// pathMatch implements RFC 6265 section 5.1.4: the cookie path must be
// a prefix of the request path, ending at a "/" boundary.
func pathMatch(cookiePath, reqPath string) bool {
	if reqPath == "" {
		reqPath = "/"
	}
	if cookiePath == reqPath {
		return true
	}
	if !strings.HasPrefix(reqPath, cookiePath) {
		return false
	}
	if strings.HasSuffix(cookiePath, "/") {
		return true
	}
	return reqPath[len(cookiePath)] == '/'
}

// sameOrigin reports whether two URLs share scheme and host.
func sameOrigin(a, b *url.URL) bool {
	return a.Scheme == b.Scheme && strings.EqualFold(a.Hostname(), b.Hostname())
}

// safeMethod is the RFC 7231 set of methods that never change server
// state, the ones a lax cookie may accompany on a top-level navigation.
func safeMethod(method string) bool {
	switch strings.ToUpper(method) {
	case "GET", "HEAD", "OPTIONS", "TRACE":
		return true
	}
	return false
}

// sortRetrieved orders a retrieval result per RFC 6265 section 5.4:
// longer paths first, earlier creation times break ties.
func sortRetrieved(cookies []*Cookie) {
	sort.SliceStable(cookies, func(i, j int) bool {
		if len(cookies[i].Path) != len(cookies[j].Path) {
			return len(cookies[i].Path) > len(cookies[j].Path)
		}
		return cookies[i].CreatedAt.Before(cookies[j].CreatedAt)
	})
}

// HeaderValue renders retrieved cookies as the value of a Cookie
// request header.
func HeaderValue(cookies []*Cookie) string {
	var b strings.Builder
	for i, c := range cookies {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(c.Name)
		b.WriteByte('=')
		b.WriteString(c.Value)
	}
	return b.String()
}

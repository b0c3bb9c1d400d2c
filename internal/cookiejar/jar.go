package cookiejar

import (
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/velabrowser/h3net/internal/telemetry"
)

// Policy selects how aggressively the jar hardens cookies on insert.
type Policy int

const (
	// PolicyMinimal stores cookies as given.
	PolicyMinimal Policy = iota
	// PolicyPreferSecure sets the Secure flag on cookies arriving over
	// HTTPS and upgrades SameSite=None to Lax when not Secure.
	PolicyPreferSecure
	// PolicyStrict additionally sets HttpOnly and hardens SameSite to
	// at least Lax for every cookie.
	PolicyStrict
)

const (
	defaultPerDomainLimit = 50
	defaultGlobalLimit    = 3000
)

// Jar is the process-wide cookie store. All mutation serialises through
// the jar lock.
type Jar struct {
	mu       sync.Mutex
	byDomain map[string][]*Cookie
	total    int

	perDomainLimit int
	globalLimit    int

	policy Policy
	vault  *vault
	csrf   *CSRFIssuer

	now func() time.Time

	log     *telemetry.Logger
	metrics *telemetry.Metrics
}

// Option customises a Jar.
type Option func(*Jar)

// WithLimits overrides the per-domain and global cookie caps.
func WithLimits(perDomain, global int) Option {
	return func(j *Jar) {
		j.perDomainLimit = perDomain
		j.globalLimit = global
	}
}

// WithPolicy selects the jar's security policy.
func WithPolicy(p Policy) Option {
	return func(j *Jar) { j.policy = p }
}

// WithClock injects a deterministic clock for tests.
func WithClock(now func() time.Time) Option {
	return func(j *Jar) { j.now = now }
}

// New builds a Jar. masterKey encrypts sensitive cookie values at rest;
// pass nil to store everything in the clear. log and metrics may be
// nil.
func New(masterKey []byte, log *telemetry.Logger, metrics *telemetry.Metrics, opts ...Option) (*Jar, error) {
	j := &Jar{
		byDomain:       make(map[string][]*Cookie),
		perDomainLimit: defaultPerDomainLimit,
		globalLimit:    defaultGlobalLimit,
		policy:         PolicyPreferSecure,
		now:            time.Now,
		log:            log,
		metrics:        metrics,
	}
	if masterKey != nil {
		v, err := newVault(masterKey)
		if err != nil {
			return nil, err
		}
		j.vault = v
	}
	for _, o := range opts {
		o(j)
	}
	j.csrf = newCSRFIssuer(j.now)
	return j, nil
}

// CSRF exposes the jar's per-origin CSRF token issuer.
func (j *Jar) CSRF() *CSRFIssuer { return j.csrf }

// SetCookie validates, hardens and stores one cookie received for
// requestURL. Expired cookies are refused. A Domain attribute naming a
// public suffix, or a domain unrelated to the request host, is
// rejected.
func (j *Jar) SetCookie(requestURL *url.URL, c *Cookie) error {
	now := j.now()
	if c.Expired(now) {
		return ErrCookieExpired
	}
	host := strings.ToLower(requestURL.Hostname())

	if c.Domain == "" {
		// Host-only cookie.
		c.Domain = host
	} else {
		d := strings.TrimPrefix(strings.ToLower(c.Domain), ".")
		// A Domain attribute must cover the request host and must not
		// name a registrable-domain boundary or above.
		if host != d && !strings.HasSuffix(host, "."+d) {
			return ErrDomainMismatch
		}
		if ps, _ := publicsuffix.PublicSuffix(d); ps == d {
			return ErrPublicSuffix
		}
		c.Domain = "." + d
	}
	if c.Path == "" || !strings.HasPrefix(c.Path, "/") {
		c.Path = defaultPath(requestURL.Path)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.LastAccessed = now

	j.harden(requestURL, c)

	if j.vault != nil && sensitiveName(c.Name) {
		sealed, err := j.vault.seal(c.Value)
		if err != nil {
			return err
		}
		c.Value = sealed
		c.encrypted = true
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	key := strings.TrimPrefix(c.Domain, ".")
	cookies := j.byDomain[key]
	for i, old := range cookies {
		if old.identity() == c.identity() {
			// Overwrite preserves the original creation time.
			c.CreatedAt = old.CreatedAt
			cookies[i] = c
			return nil
		}
	}

	if len(cookies) >= j.perDomainLimit {
		cookies = j.evictOldestLocked(key, cookies)
	}
	for j.total >= j.globalLimit {
		j.evictGlobalOldestLocked()
	}

	j.byDomain[key] = append(cookies, c)
	j.total++
	j.metrics.SetCookieJarSize(j.total)
	return nil
}

// harden applies the jar policy's flag upgrades before storage.
func (j *Jar) harden(requestURL *url.URL, c *Cookie) {
	https := requestURL.Scheme == "https"
	switch j.policy {
	case PolicyMinimal:
	case PolicyPreferSecure:
		if https {
			c.Secure = true
		}
		if c.SameSite == SameSiteNone && !c.Secure {
			c.SameSite = SameSiteLax
		}
	case PolicyStrict:
		if https {
			c.Secure = true
		}
		c.HttpOnly = true
		if c.SameSite == SameSiteNone {
			c.SameSite = SameSiteLax
		}
	}
}

// evictOldestLocked drops the oldest cookie within one domain bucket.
func (j *Jar) evictOldestLocked(key string, cookies []*Cookie) []*Cookie {
	oldest := 0
	for i, c := range cookies {
		if c.CreatedAt.Before(cookies[oldest].CreatedAt) {
			oldest = i
		}
	}
	cookies = append(cookies[:oldest], cookies[oldest+1:]...)
	j.total--
	return cookies
}

// evictGlobalOldestLocked drops the oldest cookie in the whole jar.
func (j *Jar) evictGlobalOldestLocked() {
	var oldestKey string
	oldestIdx := -1
	var oldestTime time.Time
	for key, cookies := range j.byDomain {
		for i, c := range cookies {
			if oldestIdx == -1 || c.CreatedAt.Before(oldestTime) {
				oldestKey, oldestIdx, oldestTime = key, i, c.CreatedAt
			}
		}
	}
	if oldestIdx == -1 {
		return
	}
	cookies := j.byDomain[oldestKey]
	j.byDomain[oldestKey] = append(cookies[:oldestIdx], cookies[oldestIdx+1:]...)
	j.total--
}

// Get returns the cookies to attach to a request for requestURL. The
// optional sourceURL identifies the document initiating the request
// (nil means a top-level navigation typed or bookmarked by the user);
// method and topLevelNav feed the SameSite=Lax carve-out. Expired
// cookies encountered along the way are pruned. Results follow RFC
// 6265 ordering: longest path first, then earliest creation.
func (j *Jar) Get(requestURL, sourceURL *url.URL, method string, topLevelNav bool) []*Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now()
	host := strings.ToLower(requestURL.Hostname())
	https := requestURL.Scheme == "https"

	crossSite := sourceURL != nil && !sameOrigin(requestURL, sourceURL)

	var out []*Cookie
	for key, cookies := range j.byDomain {
		kept := cookies[:0]
		for _, c := range cookies {
			if c.Expired(now) {
				j.total--
				continue
			}
			kept = append(kept, c)

			if !domainMatch(c.Domain, host) {
				continue
			}
			if !pathMatch(c.Path, requestURL.Path) {
				continue
			}
			if c.Secure && !https {
				continue
			}
			switch c.SameSite {
			case SameSiteStrict:
				if crossSite {
					continue
				}
			case SameSiteLax:
				if crossSite && !(topLevelNav && safeMethod(method)) {
					continue
				}
			case SameSiteNone:
				if !c.Secure {
					continue
				}
			}

			c.LastAccessed = now
			out = append(out, j.reveal(c))
		}
		if len(kept) == 0 {
			delete(j.byDomain, key)
		} else {
			j.byDomain[key] = kept
		}
	}

	j.metrics.SetCookieJarSize(j.total)
	sortRetrieved(out)
	return out
}

// reveal returns a copy of c with an encrypted value decrypted. A value
// that fails decryption (rotated key) is surfaced as empty rather than
// ciphertext.
func (j *Jar) reveal(c *Cookie) *Cookie {
	out := *c
	if c.encrypted && j.vault != nil {
		plain, err := j.vault.open(c.Value)
		if err != nil {
			j.log.Warnf("cookie %q failed decryption, dropping value", c.Name)
			out.Value = ""
		} else {
			out.Value = plain
		}
		out.encrypted = false
	}
	return &out
}

// Size returns the number of cookies currently stored.
func (j *Jar) Size() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.total
}

// defaultPath implements RFC 6265 section 5.1.4's default-path
// computation for cookies without a Path attribute.
func defaultPath(reqPath string) string {
	if reqPath == "" || !strings.HasPrefix(reqPath, "/") {
		return "/"
	}
	i := strings.LastIndex(reqPath, "/")
	if i == 0 {
		return "/"
	}
	return reqPath[:i]
}

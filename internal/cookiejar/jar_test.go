package cookiejar

import (
	"crypto/rand"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/velabrowser/h3net/internal/telemetry"
)

func mustURL(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func newTestJar(t *testing.T, opts ...Option) *Jar {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	j, err := New(key, telemetry.NewDiscardLogger(), nil, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return j
}

func TestSetCookieRefusesExpired(t *testing.T) {
	j := newTestJar(t)
	err := j.SetCookie(mustURL(t, "https://example.com/"), &Cookie{
		Name: "a", Value: "b", Expires: time.Now().Add(-time.Hour),
	})
	if err != ErrCookieExpired {
		t.Fatalf("got %v, want ErrCookieExpired", err)
	}
	if j.Size() != 0 {
		t.Error("expired cookie was stored")
	}
}

func TestSetCookieDomainValidation(t *testing.T) {
	j := newTestJar(t)
	u := mustURL(t, "https://www.example.com/")

	if err := j.SetCookie(u, &Cookie{Name: "ok", Value: "1", Domain: "example.com"}); err != nil {
		t.Errorf("parent-domain cookie refused: %v", err)
	}
	if err := j.SetCookie(u, &Cookie{Name: "bad", Value: "1", Domain: "other.com"}); err != ErrDomainMismatch {
		t.Errorf("unrelated domain: got %v, want ErrDomainMismatch", err)
	}
	if err := j.SetCookie(u, &Cookie{Name: "ps", Value: "1", Domain: "com"}); err != ErrPublicSuffix {
		t.Errorf("public suffix: got %v, want ErrPublicSuffix", err)
	}
}

func TestIdentityOverwrite(t *testing.T) {
	j := newTestJar(t)
	u := mustURL(t, "https://example.com/")

	if err := j.SetCookie(u, &Cookie{Name: "a", Value: "1", Path: "/"}); err != nil {
		t.Fatal(err)
	}
	if err := j.SetCookie(u, &Cookie{Name: "a", Value: "2", Path: "/"}); err != nil {
		t.Fatal(err)
	}
	if j.Size() != 1 {
		t.Fatalf("size = %d, want 1 after identity overwrite", j.Size())
	}
	got := j.Get(u, nil, "GET", true)
	if len(got) != 1 || got[0].Value != "2" {
		t.Errorf("Get = %+v, want the overwritten value", got)
	}
}

func TestPolicyHardening(t *testing.T) {
	u := mustURL(t, "https://example.com/")

	j := newTestJar(t, WithPolicy(PolicyStrict))
	if err := j.SetCookie(u, &Cookie{Name: "a", Value: "1", SameSite: SameSiteNone}); err != nil {
		t.Fatal(err)
	}
	got := j.Get(u, nil, "GET", true)
	if len(got) != 1 {
		t.Fatal("cookie not retrievable")
	}
	c := got[0]
	if !c.Secure || !c.HttpOnly || c.SameSite != SameSiteLax {
		t.Errorf("strict policy left cookie unhardened: %+v", c)
	}
}

func TestSameSiteStrictCrossSite(t *testing.T) {
	j := newTestJar(t)
	reqURL := mustURL(t, "https://example.com/")
	if err := j.SetCookie(reqURL, &Cookie{Name: "s", Value: "v", Path: "/", SameSite: SameSiteStrict}); err != nil {
		t.Fatal(err)
	}

	if got := j.Get(reqURL, mustURL(t, "https://other.com/"), "GET", true); len(got) != 0 {
		t.Errorf("strict cookie sent cross-site: %+v", got)
	}
	got := j.Get(reqURL, mustURL(t, "https://example.com/page"), "GET", false)
	if len(got) != 1 || got[0].Name != "s" {
		t.Errorf("strict cookie withheld same-site: %+v", got)
	}
}

func TestSameSiteLaxTopLevelNavigation(t *testing.T) {
	j := newTestJar(t)
	reqURL := mustURL(t, "https://example.com/")
	if err := j.SetCookie(reqURL, &Cookie{Name: "l", Value: "v", SameSite: SameSiteLax}); err != nil {
		t.Fatal(err)
	}
	cross := mustURL(t, "https://other.com/")

	if got := j.Get(reqURL, cross, "GET", true); len(got) != 1 {
		t.Error("lax cookie withheld on safe top-level navigation")
	}
	if got := j.Get(reqURL, cross, "POST", true); len(got) != 0 {
		t.Error("lax cookie sent on cross-site POST")
	}
	if got := j.Get(reqURL, cross, "GET", false); len(got) != 0 {
		t.Error("lax cookie sent on cross-site subresource fetch")
	}
}

func TestSecureCookieNotSentOverHTTP(t *testing.T) {
	j := newTestJar(t, WithPolicy(PolicyMinimal))
	if err := j.SetCookie(mustURL(t, "https://example.com/"), &Cookie{Name: "a", Value: "1", Secure: true}); err != nil {
		t.Fatal(err)
	}
	if got := j.Get(mustURL(t, "http://example.com/"), nil, "GET", true); len(got) != 0 {
		t.Error("secure cookie sent over http")
	}
}

func TestRetrievalOrdering(t *testing.T) {
	j := newTestJar(t)
	u := mustURL(t, "https://example.com/a/b/c")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// Same path length, differing creation times; plus a deeper path.
	for i, c := range []*Cookie{
		{Name: "later", Value: "1", Path: "/a", CreatedAt: base.Add(time.Hour)},
		{Name: "earlier", Value: "1", Path: "/a", CreatedAt: base},
		{Name: "deep", Value: "1", Path: "/a/b", CreatedAt: base.Add(2 * time.Hour)},
	} {
		if err := j.SetCookie(u, c); err != nil {
			t.Fatalf("cookie %d: %v", i, err)
		}
	}

	got := j.Get(u, nil, "GET", true)
	names := make([]string, len(got))
	for i, c := range got {
		names[i] = c.Name
	}
	want := "deep,earlier,later"
	if strings.Join(names, ",") != want {
		t.Errorf("ordering = %v, want %s", names, want)
	}
}

func TestPathMatching(t *testing.T) {
	j := newTestJar(t)
	u := mustURL(t, "https://example.com/docs/index.html")
	if err := j.SetCookie(u, &Cookie{Name: "p", Value: "1", Path: "/docs"}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		path string
		want bool
	}{
		{"/docs", true},
		{"/docs/", true},
		{"/docs/page", true},
		{"/docsearch", false},
		{"/", false},
	}
	for _, tc := range tests {
		got := j.Get(mustURL(t, "https://example.com"+tc.path), nil, "GET", true)
		if (len(got) == 1) != tc.want {
			t.Errorf("path %q: match = %v, want %v", tc.path, len(got) == 1, tc.want)
		}
	}
}

func TestSensitiveCookieEncryptedAtRest(t *testing.T) {
	j := newTestJar(t)
	u := mustURL(t, "https://example.com/")
	if err := j.SetCookie(u, &Cookie{Name: "session_id", Value: "top-secret"}); err != nil {
		t.Fatal(err)
	}

	j.mu.Lock()
	stored := j.byDomain["example.com"][0]
	if !stored.encrypted || stored.Value == "top-secret" {
		t.Error("sensitive cookie stored in the clear")
	}
	j.mu.Unlock()

	got := j.Get(u, nil, "GET", true)
	if len(got) != 1 || got[0].Value != "top-secret" {
		t.Errorf("sensitive cookie did not decrypt on read: %+v", got)
	}
}

func TestPerDomainEviction(t *testing.T) {
	j := newTestJar(t, WithLimits(3, 100))
	u := mustURL(t, "https://example.com/")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		c := &Cookie{Name: "c" + strconv.Itoa(i), Value: "1", CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := j.SetCookie(u, c); err != nil {
			t.Fatal(err)
		}
	}
	if j.Size() != 3 {
		t.Fatalf("size = %d, want 3", j.Size())
	}
	for _, c := range j.Get(u, nil, "GET", true) {
		if c.Name == "c0" {
			t.Error("oldest cookie survived per-domain eviction")
		}
	}
}

func TestExpiredPrunedOnAccess(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	j := newTestJar(t, WithClock(func() time.Time { return now }))
	u := mustURL(t, "https://example.com/")

	if err := j.SetCookie(u, &Cookie{Name: "a", Value: "1", Expires: now.Add(time.Minute)}); err != nil {
		t.Fatal(err)
	}
	now = now.Add(time.Hour)
	if got := j.Get(u, nil, "GET", true); len(got) != 0 {
		t.Error("expired cookie returned")
	}
	if j.Size() != 0 {
		t.Error("expired cookie not pruned on access")
	}
}

func TestHeaderValue(t *testing.T) {
	cookies := []*Cookie{
		{Name: "a", Value: "1"},
		{Name: "b", Value: "2"},
	}
	if got, want := HeaderValue(cookies), "a=1; b=2"; got != want {
		t.Errorf("HeaderValue = %q, want %q", got, want)
	}
}

func TestCSRFTokens(t *testing.T) {
	j := newTestJar(t)
	tok, err := j.CSRF().Issue("https://example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !j.CSRF().Validate("https://example.com", tok) {
		t.Error("freshly issued token failed validation")
	}
	if j.CSRF().Validate("https://example.com", tok) {
		t.Error("token validated twice")
	}
	if j.CSRF().Validate("https://other.com", tok) {
		t.Error("token validated for a different origin")
	}
}

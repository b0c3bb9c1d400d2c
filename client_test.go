package h3net

import (
	"net/url"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/velabrowser/h3net/internal/cookiejar"
	"github.com/velabrowser/h3net/internal/h3"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(ClientConfig{
		CookiePolicy: cookiejar.PolicyPreferSecure,
		LogLevel:     logrus.ErrorLevel,
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestOriginOf(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://example.com/", "example.com:443"},
		{"https://example.com:8443/x", "example.com:8443"},
	}
	for _, tc := range tests {
		u, err := url.Parse(tc.in)
		if err != nil {
			t.Fatal(err)
		}
		if got := originOf(u); got != tc.want {
			t.Errorf("originOf(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestWithCookiesAttachesJarContents(t *testing.T) {
	c := newTestClient(t)
	u, _ := url.Parse("https://example.com/")
	if err := c.jar.SetCookie(u, &cookiejar.Cookie{Name: "a", Value: "1"}); err != nil {
		t.Fatal(err)
	}

	headers := c.withCookies(u, &WebRequest{Method: "GET", TopLevelNav: true})
	if len(headers) != 1 || headers[0].Name != "cookie" || headers[0].Value != "a=1" {
		t.Errorf("headers = %+v", headers)
	}

	// A caller-supplied Cookie header wins over the jar.
	explicit := []h3.Header{{Name: "Cookie", Value: "manual=1"}}
	headers = c.withCookies(u, &WebRequest{Method: "GET", Headers: explicit, TopLevelNav: true})
	if len(headers) != 1 || headers[0].Value != "manual=1" {
		t.Errorf("explicit cookie header was replaced: %+v", headers)
	}
}

func TestStoreSetCookies(t *testing.T) {
	c := newTestClient(t)
	u, _ := url.Parse("https://example.com/")

	c.storeSetCookies(u, &h3.Response{
		Status: 200,
		Headers: []h3.Header{
			{Name: "set-cookie", Value: "a=1; Path=/; Secure"},
			{Name: "set-cookie", Value: "b=2; Max-Age=0"}, // expired: refused
			{Name: "content-type", Value: "text/html"},
		},
	})

	got := c.jar.Get(u, nil, "GET", true)
	if len(got) != 1 || got[0].Name != "a" {
		t.Errorf("jar contents after response = %+v", got)
	}
}

func TestIsRejected(t *testing.T) {
	if !isRejected(h3.StreamError(h3.ErrCodeRequestRejected, "rejected", nil)) {
		t.Error("request-rejected error not recognized")
	}
	if isRejected(h3.StreamError(h3.ErrCodeRequestCancelled, "cancelled", nil)) {
		t.Error("unrelated error classified as rejection")
	}
}

package cookiejar

import (
	"net/http"
	"time"
)

// ParseSetCookie converts the value of one Set-Cookie response header
// into a Cookie ready for Jar.SetCookie. Max-Age wins over Expires,
// matching RFC 6265 precedence, which the stdlib parser already
// implements.
func ParseSetCookie(value string) (*Cookie, error) {
	hc, err := http.ParseSetCookie(value)
	if err != nil {
		return nil, err
	}
	c := &Cookie{
		Name:     hc.Name,
		Value:    hc.Value,
		Domain:   hc.Domain,
		Path:     hc.Path,
		Secure:   hc.Secure,
		HttpOnly: hc.HttpOnly,
	}
	switch {
	case hc.MaxAge > 0:
		c.Expires = time.Now().Add(time.Duration(hc.MaxAge) * time.Second)
	case hc.MaxAge < 0:
		// Max-Age=0 (or negative) deletes the cookie immediately.
		c.Expires = time.Unix(1, 0)
	case !hc.Expires.IsZero():
		c.Expires = hc.Expires
	}
	switch hc.SameSite {
	case http.SameSiteStrictMode:
		c.SameSite = SameSiteStrict
	case http.SameSiteNoneMode:
		c.SameSite = SameSiteNone
	default:
		c.SameSite = SameSiteLax
	}
	return c, nil
}

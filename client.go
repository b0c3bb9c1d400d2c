package h3net

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	utls "github.com/refraction-networking/utls"

	"github.com/velabrowser/h3net/internal/cookiejar"
	"github.com/velabrowser/h3net/internal/earlydata"
	"github.com/velabrowser/h3net/internal/h3"
	"github.com/velabrowser/h3net/internal/socks"
	"github.com/velabrowser/h3net/internal/telemetry"
	"github.com/velabrowser/h3net/internal/transport"
)

// WebRequest is one request submitted by the embedding shell. SourceURL
// identifies the document that initiated it (nil for a user-typed
// navigation); TopLevelNav marks address-bar navigations for the
// SameSite=Lax carve-out.
type WebRequest struct {
	Method      string
	URL         string
	SourceURL   string
	TopLevelNav bool
	Headers     []h3.Header
	Body        []byte
}

// Client is the top-level entry point: it owns the cookie jar, the
// early-data manager, the SOCKS tunnel pool, and one HTTP/3 connection
// per origin.
type Client struct {
	cfg ClientConfig

	mu    sync.Mutex
	conns map[string]*h3.Connection

	jar     *cookiejar.Jar
	early   *earlydata.Manager
	pool    *socks.Pool
	dialer  transport.Dialer
	hs      *transport.BrowserHandshake
	log     *telemetry.Logger
	metrics *telemetry.Metrics

	rotateCancel context.CancelFunc
}

// New assembles a Client from cfg.
func New(cfg ClientConfig) (*Client, error) {
	log := telemetry.NewLogger(os.Stderr, cfg.LogLevel)
	var metrics *telemetry.Metrics
	if cfg.Registry != nil {
		metrics = telemetry.NewMetrics(cfg.Registry)
	}

	jar, err := cookiejar.New(cfg.CookieMasterKey, log, metrics, cookiejar.WithPolicy(cfg.CookiePolicy))
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:     cfg,
		conns:   make(map[string]*h3.Connection),
		jar:     jar,
		dialer:  &transport.QUICGoDialer{},
		hs:      transport.NewBrowserHandshake("h3"),
		log:     log,
		metrics: metrics,
	}

	if cfg.EnableEarlyData {
		if err := c.setupEarlyData(); err != nil {
			return nil, err
		}
	}

	if cfg.Proxy != nil {
		sc := &socks.Client{
			ProxyAddr: cfg.Proxy.Addr,
			Version:   cfg.Proxy.Version,
		}
		if cfg.Proxy.Username != "" {
			sc.Auth = &socks.Auth{Username: cfg.Proxy.Username, Password: cfg.Proxy.Password}
		}
		size := cfg.Proxy.PoolSize
		if size <= 0 {
			size = 8
		}
		pool, err := socks.NewPool(sc, size, log)
		if err != nil {
			return nil, err
		}
		c.pool = pool
	}

	return c, nil
}

func (c *Client) setupEarlyData() error {
	var blob earlydata.BlobStore
	switch {
	case c.cfg.TicketRedisAddr != "":
		rdb := redis.NewClient(&redis.Options{Addr: c.cfg.TicketRedisAddr})
		blob = earlydata.NewRedisBlobStore(rdb, "", 7*24*time.Hour)
	case c.cfg.TicketStoreDir != "":
		fb, err := earlydata.NewFileBlobStore(c.cfg.TicketStoreDir)
		if err != nil {
			return err
		}
		blob = fb
	default:
		return errors.New("h3net: early data enabled without a ticket store location")
	}
	store, err := earlydata.NewStore(blob, c.cfg.TicketStoreKey, c.log)
	if err != nil {
		return err
	}
	if err := store.Load(context.Background()); err != nil {
		c.log.Warnf("ticket store load failed: %v", err)
	}
	c.early = earlydata.NewManager(store, c.log, c.metrics)

	rotateCtx, cancel := context.WithCancel(context.Background())
	c.rotateCancel = cancel
	go store.Rotate(rotateCtx, c.cfg.TicketRotateInterval)
	return nil
}

// Jar exposes the cookie jar (e.g. for the shell's cookie UI).
func (c *Client) Jar() *cookiejar.Jar { return c.jar }

// EarlyData exposes the early-data manager, or nil when disabled.
func (c *Client) EarlyData() *earlydata.Manager { return c.early }

// Do performs one request, consulting the cookie jar before sending and
// feeding Set-Cookie response headers back into it. On a resumed
// connection an eligible request is stamped for early data; if the
// server then rejects the 0-RTT flight the request is re-driven exactly
// once with the replay-protection headers stripped.
func (c *Client) Do(ctx context.Context, req *WebRequest) (*h3.Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("h3net: parse url: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "https"
	}
	origin := originOf(u)

	conn, err := c.connectionFor(ctx, u, origin)
	if err != nil {
		return nil, err
	}

	headers := c.withCookies(u, req)

	var ticket *earlydata.Ticket
	wentEarly := false
	if c.early != nil && conn.Transport().ConnectionState().Used0RTT {
		if ticket = c.early.Store().Select(origin); ticket != nil {
			stamped, aerr := c.early.Authorize(ticket, req.Method, headers)
			var ie *earlydata.IneligibleError
			switch {
			case aerr == nil:
				headers = stamped
				wentEarly = true
			case errors.As(aerr, &ie):
				c.log.Debugf("request not sent as early data: %v", ie)
			default:
				return nil, aerr
			}
		}
	}

	sentAt := time.Now()
	resp, err := c.doOnce(ctx, conn, u, req, headers)

	if wentEarly {
		if isRejected(err) {
			c.early.RecordOutcome(ticket, false, 0)
			headers = earlydata.StripReplayHeaders(headers)
			resp, err = c.doOnce(ctx, conn, u, req, headers)
		} else if err == nil {
			c.early.RecordOutcome(ticket, true, time.Since(sentAt))
		}
	}
	if err != nil {
		return nil, err
	}

	c.storeSetCookies(u, resp)
	return resp, nil
}

func (c *Client) doOnce(ctx context.Context, conn *h3.Connection, u *url.URL, req *WebRequest, headers []h3.Header) (*h3.Response, error) {
	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	hreq := &h3.Request{
		Method:    strings.ToUpper(req.Method),
		Scheme:    u.Scheme,
		Authority: u.Host,
		Path:      path,
		Headers:   headers,
		Body:      req.Body,
	}
	return h3.NewHttp3Client(conn).Do(ctx, hreq)
}

// withCookies appends the jar's Cookie header for this request, unless
// the caller already supplied one.
func (c *Client) withCookies(u *url.URL, req *WebRequest) []h3.Header {
	headers := req.Headers
	for _, h := range headers {
		if strings.EqualFold(h.Name, "cookie") {
			return headers
		}
	}
	var src *url.URL
	if req.SourceURL != "" {
		src, _ = url.Parse(req.SourceURL)
	}
	cookies := c.jar.Get(u, src, req.Method, req.TopLevelNav)
	if len(cookies) == 0 {
		return headers
	}
	return append(headers, h3.Header{Name: "cookie", Value: cookiejar.HeaderValue(cookies)})
}

// storeSetCookies feeds every Set-Cookie response header into the jar.
func (c *Client) storeSetCookies(u *url.URL, resp *h3.Response) {
	for _, h := range resp.Headers {
		if !strings.EqualFold(h.Name, "set-cookie") {
			continue
		}
		cookie, err := cookiejar.ParseSetCookie(h.Value)
		if err != nil {
			c.log.Warnf("ignoring malformed set-cookie: %v", err)
			continue
		}
		if err := c.jar.SetCookie(u, cookie); err != nil {
			c.log.Debugf("set-cookie refused: %v", err)
		}
	}
}

// connectionFor returns the live connection to origin, dialing one if
// needed. Connections that have gone away or failed are replaced.
func (c *Client) connectionFor(ctx context.Context, u *url.URL, origin string) (*h3.Connection, error) {
	c.mu.Lock()
	if conn, ok := c.conns[origin]; ok && conn.State() == h3.ConnConnected {
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	tlsConf := c.hs.ClientHello(u.Hostname())
	tr, err := c.dialer.DialEarly(ctx, origin, tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("h3net: dial %s: %w", origin, err)
	}
	conn := h3.NewConnection(tr, c.cfg.IdleTimeout, c.log, c.metrics)
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.conns[origin] = conn
	c.mu.Unlock()
	return conn, nil
}

// TunnelTLS opens a TCP tunnel to host:port through the configured
// SOCKS proxy and completes a browser-fingerprinted TLS handshake over
// it, for targets that require TCP transport.
func (c *Client) TunnelTLS(ctx context.Context, host string, port uint16) (net.Conn, error) {
	if c.pool == nil {
		return nil, errors.New("h3net: no proxy configured")
	}
	raw, err := c.pool.Get(ctx, host, port)
	if err != nil {
		return nil, err
	}
	uconn := utls.UClient(raw, &utls.Config{ServerName: host, NextProtos: []string{"h2", "http/1.1"}}, c.hs.UTLSClientHelloID())
	if err := uconn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, err
	}
	return uconn, nil
}

// Close shuts down every connection, persists the ticket store, and
// drains the tunnel pool.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	conns := make([]*h3.Connection, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	c.conns = make(map[string]*h3.Connection)
	c.mu.Unlock()

	for _, conn := range conns {
		conn.Close(ctx, 0)
	}
	if c.rotateCancel != nil {
		c.rotateCancel()
	}
	if c.early != nil {
		if err := c.early.Store().Persist(ctx); err != nil {
			c.log.Warnf("ticket store persist on close failed: %v", err)
		}
	}
	if c.pool != nil {
		c.pool.Close()
	}
	return nil
}

func originOf(u *url.URL) string {
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "443"
	}
	return net.JoinHostPort(host, port)
}

// isRejected reports whether an error is the server refusing the
// request (the signal that an early-data flight must be re-driven on
// the 1-RTT session).
func isRejected(err error) bool {
	var herr *h3.Error
	return errors.As(err, &herr) && herr.Code == h3.ErrCodeRequestRejected
}

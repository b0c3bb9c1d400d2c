// Package h3net is the networking core of the Vela browser engine: an
// HTTP/3 client over QUIC with QPACK header compression, 0-RTT session
// resumption, an HTTP/3 datagram extension, a policy-enforcing cookie
// jar, and a SOCKS proxy client.
package h3net

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/velabrowser/h3net/internal/cookiejar"
	"github.com/velabrowser/h3net/internal/socks"
)

// ClientConfig is the driver-facing configuration for a Client. The CLI
// binds these fields from flags and environment variables; library callers fill
// the struct directly.
type ClientConfig struct {
	// IdleTimeout closes a connection once this long has passed since it
	// was set up or last opened a request stream; other traffic does not
	// restart the timer. Zero disables the idle timer.
	IdleTimeout time.Duration

	// RequestTimeout bounds each request from send to final response
	// frame. Zero means no deadline beyond the caller's context.
	RequestTimeout time.Duration

	// CookiePolicy selects the jar's hardening level.
	CookiePolicy cookiejar.Policy

	// CookieMasterKey encrypts sensitive cookie values at rest; nil
	// stores them in the clear.
	CookieMasterKey []byte

	// EnableEarlyData turns on 0-RTT resumption.
	EnableEarlyData bool

	// TicketStoreDir is where the file-backed ticket store lives. Leave
	// empty (with TicketRedisAddr set) to use Redis instead.
	TicketStoreDir string

	// TicketRedisAddr selects a Redis-backed ticket store shared across
	// processes.
	TicketRedisAddr string

	// TicketStoreKey is the 256-bit AEAD key sealing the ticket store.
	TicketStoreKey []byte

	// TicketRotateInterval is how often expired tickets are pruned and
	// the store re-persisted. Zero selects the default of one hour.
	TicketRotateInterval time.Duration

	// Proxy, when non-nil, routes TCP tunnels through a SOCKS proxy.
	Proxy *ProxyConfig

	// LogLevel sets the structured logger's level (the logger writes to
	// stderr); Registry enables Prometheus metrics when non-nil.
	LogLevel logrus.Level
	Registry prometheus.Registerer
}

// ProxyConfig configures the SOCKS tunnel layer.
type ProxyConfig struct {
	Addr     string
	Version  socks.Version
	Username string
	Password string
	// PoolSize bounds how many idle tunnels are kept; zero selects 8.
	PoolSize int
}

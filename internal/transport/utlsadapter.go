package transport

import (
	"crypto/tls"

	utls "github.com/refraction-networking/utls"
)

// BrowserHandshake is the default HandshakeTrait adapter. It doesn't
// perform the handshake itself (that's the QUIC/TLS stack's job).
// ClientHello returns a plain crypto/tls config with no utls
// fingerprint; the browser fingerprint from utls's database
// (UTLSClientHelloID) applies only where a caller wraps a TCP
// connection with utls.UClient, as after a SOCKS tunnel (internal/socks)
// has handed back a plain TCP connection to an HTTPS target.
type BrowserHandshake struct {
	// ClientHelloID selects which browser fingerprint to emulate, e.g.
	// utls.HelloChrome_Auto. Defaults to utls.HelloChrome_Auto.
	ClientHelloID utls.ClientHelloID
	NextProtos    []string
}

// NewBrowserHandshake returns a BrowserHandshake emulating current Chrome.
func NewBrowserHandshake(nextProtos ...string) *BrowserHandshake {
	if len(nextProtos) == 0 {
		nextProtos = []string{"h3"}
	}
	return &BrowserHandshake{ClientHelloID: utls.HelloChrome_Auto, NextProtos: nextProtos}
}

// ClientHello builds a standard-library *tls.Config carrying the ALPN/SNI
// this connection needs. The utls fingerprint itself only applies to a
// utls.UConn wrapping a net.Conn (used by the SOCKS-tunnelled TCP path);
// QUIC's own TLS 1.3 stack is driven by the QUICTransport trait and takes
// this config as its base.
func (h *BrowserHandshake) ClientHello(serverName string) *tls.Config {
	return &tls.Config{
		ServerName: serverName,
		NextProtos: h.NextProtos,
		MinVersion: tls.VersionTLS13,
	}
}

// UTLSClientHelloID exposes the selected fingerprint for callers that dial
// a raw TCP+TLS connection (e.g. through internal/socks) and want to wrap
// it with utls.UClient directly instead of crypto/tls.
func (h *BrowserHandshake) UTLSClientHelloID() utls.ClientHelloID {
	if h.ClientHelloID == (utls.ClientHelloID{}) {
		return utls.HelloChrome_Auto
	}
	return h.ClientHelloID
}

// Package socks implements a SOCKS4/4a/5 proxy client used to tunnel
// TCP connections to the HTTP/3 endpoint, plus a bounded pool of
// established tunnels keyed by target.
package socks

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

// Version selects the proxy protocol dialect.
type Version int

const (
	SOCKS4 Version = iota
	SOCKS4a
	SOCKS5
)

// SOCKS5 method and command bytes, RFC 1928.
const (
	socks5Version       = 0x05
	methodNoAuth        = 0x00
	methodUserPass      = 0x02
	methodNoAcceptable  = 0xFF
	cmdConnect          = 0x01
	atypIPv4            = 0x01
	atypDomain          = 0x03
	atypIPv6            = 0x04
	userPassVersion     = 0x01
	socks4Version       = 0x04
	socks4ReplyVersion  = 0x00
	socks4Granted       = 90
	socks4Rejected      = 91
	socks4NoIdentd      = 92
	socks4IdentMismatch = 93
)

// ErrAuthFailed is surfaced when the proxy accepts the username/password
// method but then refuses the credentials; the socket is closed and no
// CONNECT is attempted.
var ErrAuthFailed = errors.New("socks: authentication failed")

// ErrNoAcceptableAuth means the proxy refused both methods we offer.
var ErrNoAcceptableAuth = errors.New("socks: no acceptable authentication method")

// ReplyError is a named CONNECT failure reported by the proxy.
type ReplyError struct {
	Code    byte
	Message string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("socks: connect failed: %s (code %d)", e.Message, e.Code)
}

// socks5ReplyMessages maps RFC 1928 reply codes 1..8.
var socks5ReplyMessages = map[byte]string{
	1: "general failure",
	2: "connection not allowed",
	3: "network unreachable",
	4: "host unreachable",
	5: "connection refused",
	6: "TTL expired",
	7: "command not supported",
	8: "address type not supported",
}

var socks4ReplyMessages = map[byte]string{
	socks4Rejected:      "request rejected or failed",
	socks4NoIdentd:      "identd unreachable",
	socks4IdentMismatch: "identd user mismatch",
}

func socks5Error(code byte) error {
	msg, ok := socks5ReplyMessages[code]
	if !ok {
		msg = "unknown reply"
	}
	return &ReplyError{Code: code, Message: msg}
}

func socks4Error(code byte) error {
	msg, ok := socks4ReplyMessages[code]
	if !ok {
		msg = "unknown reply"
	}
	return &ReplyError{Code: code, Message: msg}
}

// Auth carries optional RFC 1929 username/password credentials.
type Auth struct {
	Username string
	Password string
}

// Client dials targets through one SOCKS proxy.
type Client struct {
	ProxyAddr string
	Version   Version
	Auth      *Auth

	// UserID is the SOCKS4 ident field; unused for SOCKS5.
	UserID string

	// Timeout bounds the whole proxy handshake; zero means no limit
	// beyond the dial context's.
	Timeout time.Duration

	// DialContext opens the TCP connection to the proxy itself;
	// defaults to a net.Dialer. Injectable for tests.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Dial tunnels a TCP connection to host:port through the proxy and
// returns it ready for application bytes (e.g. a TLS handshake).
func (c *Client) Dial(ctx context.Context, host string, port uint16) (net.Conn, error) {
	dial := c.DialContext
	if dial == nil {
		d := &net.Dialer{Timeout: c.Timeout}
		dial = d.DialContext
	}
	conn, err := dial(ctx, "tcp", c.ProxyAddr)
	if err != nil {
		return nil, fmt.Errorf("socks: dial proxy: %w", err)
	}
	if c.Timeout > 0 {
		conn.SetDeadline(time.Now().Add(c.Timeout))
	}

	switch c.Version {
	case SOCKS5:
		err = c.connect5(conn, host, port)
	case SOCKS4, SOCKS4a:
		err = c.connect4(conn, host, port)
	default:
		err = fmt.Errorf("socks: unknown version %d", c.Version)
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return conn, nil
}

// connect5 runs the RFC 1928 method negotiation, optional RFC 1929
// auth sub-negotiation, and the CONNECT exchange.
func (c *Client) connect5(conn net.Conn, host string, port uint16) error {
	methods := []byte{methodNoAuth}
	if c.Auth != nil {
		methods = append(methods, methodUserPass)
	}
	greeting := append([]byte{socks5Version, byte(len(methods))}, methods...)
	if _, err := conn.Write(greeting); err != nil {
		return err
	}

	var choice [2]byte
	if _, err := io.ReadFull(conn, choice[:]); err != nil {
		return err
	}
	if choice[0] != socks5Version {
		return fmt.Errorf("socks: proxy answered version %d", choice[0])
	}
	switch choice[1] {
	case methodNoAuth:
	case methodUserPass:
		if c.Auth == nil {
			return ErrNoAcceptableAuth
		}
		if err := c.authenticate(conn); err != nil {
			return err
		}
	case methodNoAcceptable:
		return ErrNoAcceptableAuth
	default:
		return fmt.Errorf("socks: proxy selected unsupported method %#x", choice[1])
	}

	req := []byte{socks5Version, cmdConnect, 0x00}
	req, err := appendAddr(req, host, port)
	if err != nil {
		return err
	}
	if _, err := conn.Write(req); err != nil {
		return err
	}

	var reply [4]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		return err
	}
	if reply[0] != socks5Version {
		return fmt.Errorf("socks: malformed reply version %d", reply[0])
	}
	if reply[1] != 0 {
		return socks5Error(reply[1])
	}
	// Consume the bound address so the stream is positioned at
	// application data.
	switch reply[3] {
	case atypIPv4:
		_, err = io.CopyN(io.Discard, conn, 4+2)
	case atypIPv6:
		_, err = io.CopyN(io.Discard, conn, 16+2)
	case atypDomain:
		var n [1]byte
		if _, err = io.ReadFull(conn, n[:]); err == nil {
			_, err = io.CopyN(io.Discard, conn, int64(n[0])+2)
		}
	default:
		return socks5Error(8)
	}
	return err
}

// authenticate runs the RFC 1929 username/password sub-negotiation.
// Success requires a status byte of zero; anything else closes the
// tunnel before CONNECT.
func (c *Client) authenticate(conn net.Conn) error {
	u, p := c.Auth.Username, c.Auth.Password
	if len(u) > 255 || len(p) > 255 {
		return errors.New("socks: username or password exceeds 255 bytes")
	}
	msg := make([]byte, 0, 3+len(u)+len(p))
	msg = append(msg, userPassVersion, byte(len(u)))
	msg = append(msg, u...)
	msg = append(msg, byte(len(p)))
	msg = append(msg, p...)
	if _, err := conn.Write(msg); err != nil {
		return err
	}

	var reply [2]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		return err
	}
	if reply[1] != 0 {
		return ErrAuthFailed
	}
	return nil
}

// appendAddr appends a SOCKS5 DST.ADDR/DST.PORT: ATYP 1 for IPv4, 4
// for IPv6, 3 with a length prefix for a hostname.
func appendAddr(b []byte, host string, port uint16) ([]byte, error) {
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			b = append(b, atypIPv4)
			b = append(b, ip4...)
		} else {
			b = append(b, atypIPv6)
			b = append(b, ip.To16()...)
		}
	} else {
		if len(host) > 255 {
			return nil, errors.New("socks: hostname exceeds 255 bytes")
		}
		b = append(b, atypDomain, byte(len(host)))
		b = append(b, host...)
	}
	return binary.BigEndian.AppendUint16(b, port), nil
}

// connect4 sends a SOCKS4 CONNECT. SOCKS4 proper requires an IPv4
// literal; in 4a mode a hostname is tunnelled by sending the marker
// address 0.0.0.x and appending the NUL-terminated hostname after the
// ident field.
func (c *Client) connect4(conn net.Conn, host string, port uint16) error {
	req := []byte{socks4Version, cmdConnect}
	req = binary.BigEndian.AppendUint16(req, port)

	var hostname string
	if ip := net.ParseIP(host); ip != nil {
		ip4 := ip.To4()
		if ip4 == nil {
			return errors.New("socks: SOCKS4 cannot carry an IPv6 address")
		}
		req = append(req, ip4...)
	} else {
		if c.Version != SOCKS4a {
			return errors.New("socks: SOCKS4 requires an IPv4 literal, use SOCKS4a for hostnames")
		}
		hostname = host
		req = append(req, 0, 0, 0, 1)
	}

	req = append(req, c.UserID...)
	req = append(req, 0)
	if hostname != "" {
		req = append(req, hostname...)
		req = append(req, 0)
	}
	if _, err := conn.Write(req); err != nil {
		return err
	}

	var reply [8]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		return err
	}
	if reply[0] != socks4ReplyVersion {
		return fmt.Errorf("socks: malformed SOCKS4 reply version %d", reply[0])
	}
	if reply[1] != socks4Granted {
		return socks4Error(reply[1])
	}
	return nil
}

// targetKey renders a pool key for host:port.
func targetKey(host string, port uint16) string {
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}

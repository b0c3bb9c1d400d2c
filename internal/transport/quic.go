// Package transport defines the external collaborator traits the h3
// core consumes: the QUIC transport (packet/loss/congestion layer) and
// the TLS handshake. The interfaces follow the shape of quic-go's own
// quic.Connection/quic.Stream, so the production adapter is a thin
// wrapper and tests can substitute fakes.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"
)

// StreamID is the 62-bit unsigned stream identifier assigned by the
// QUIC layer.
type StreamID uint64

// ApplicationErrorCode is the application-level error code carried in a
// QUIC RESET_STREAM / CONNECTION_CLOSE frame.
type ApplicationErrorCode uint64

// StreamErrorCode is the error code used to cancel read/write on a single
// stream.
type StreamErrorCode uint64

// SendStream is a unidirectional send-only QUIC stream.
type SendStream interface {
	StreamID() StreamID
	Write([]byte) (int, error)
	Close() error
	CancelWrite(StreamErrorCode)
	SetWriteDeadline(time.Time) error
}

// ReceiveStream is a unidirectional receive-only QUIC stream.
type ReceiveStream interface {
	StreamID() StreamID
	Read([]byte) (int, error)
	CancelRead(StreamErrorCode)
	SetReadDeadline(time.Time) error
}

// Stream is a bidirectional QUIC stream.
type Stream interface {
	SendStream
	ReceiveStream
}

// QUICTransport is the subset of a QUIC connection the h3 core needs. A
// production implementation wraps github.com/quic-go/quic-go's
// quic.EarlyConnection; tests use a fake.
type QUICTransport interface {
	OpenStream() (Stream, error)
	OpenStreamSync(context.Context) (Stream, error)
	OpenUniStream() (SendStream, error)
	OpenUniStreamSync(context.Context) (SendStream, error)
	AcceptStream(context.Context) (Stream, error)
	AcceptUniStream(context.Context) (ReceiveStream, error)

	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	CloseWithError(ApplicationErrorCode, string) error
	Context() context.Context

	// HandshakeComplete is closed once the 1-RTT handshake has finished;
	// relevant for 0-RTT connections where requests may be sent before it
	// closes.
	HandshakeComplete() <-chan struct{}

	// ConnectionState exposes the negotiated TLS parameters once available.
	ConnectionState() ConnectionState

	// SendDatagram/ReceiveDatagram back the HTTP/3 Datagram extension
	// directly onto unreliable QUIC datagrams.
	SendDatagram([]byte) error
	ReceiveDatagram(context.Context) ([]byte, error)
	SupportsDatagrams() bool
}

// ConnectionState mirrors the subset of quic.ConnectionState the core
// reads: the negotiated TLS state and whether 0-RTT was used.
type ConnectionState struct {
	TLS        tls.ConnectionState
	Used0RTT   bool
	SupportsDG bool
}

// Dialer opens a new QUICTransport, optionally with early (0-RTT) data
// enabled. Production code implements this over quic-go's
// quic.DialAddrEarly (QUICGoDialer); the SOCKS client in internal/socks
// tunnels TCP connections only and does not implement Dialer.
type Dialer interface {
	DialEarly(ctx context.Context, addr string, tlsConf *tls.Config, quicConf any) (QUICTransport, error)
}

// HandshakeTrait is the TLS handshake collaborator: everything the
// core needs is a way to build the TLS configuration a connection
// handshakes (or resumes) with. The default production adapter
// (internal/transport/utlsadapter.go) uses utls for a
// browser-realistic ClientHello.
type HandshakeTrait interface {
	ClientHello(serverName string) *tls.Config
}

package transport

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/quic-go/quic-go"
)

// QUICGoTransport adapts a quic-go connection to the QUICTransport
// trait.
type QUICGoTransport struct {
	conn quic.EarlyConnection
}

// WrapQUICGo wraps an established quic-go early connection.
func WrapQUICGo(conn quic.EarlyConnection) *QUICGoTransport {
	return &QUICGoTransport{conn: conn}
}

func (t *QUICGoTransport) OpenStream() (Stream, error) {
	s, err := t.conn.OpenStream()
	if err != nil {
		return nil, err
	}
	return quicStream{s}, nil
}

func (t *QUICGoTransport) OpenStreamSync(ctx context.Context) (Stream, error) {
	s, err := t.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return quicStream{s}, nil
}

func (t *QUICGoTransport) OpenUniStream() (SendStream, error) {
	s, err := t.conn.OpenUniStream()
	if err != nil {
		return nil, err
	}
	return quicSendStream{s}, nil
}

func (t *QUICGoTransport) OpenUniStreamSync(ctx context.Context) (SendStream, error) {
	s, err := t.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return quicSendStream{s}, nil
}

func (t *QUICGoTransport) AcceptStream(ctx context.Context) (Stream, error) {
	s, err := t.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return quicStream{s}, nil
}

func (t *QUICGoTransport) AcceptUniStream(ctx context.Context) (ReceiveStream, error) {
	s, err := t.conn.AcceptUniStream(ctx)
	if err != nil {
		return nil, err
	}
	return quicReceiveStream{s}, nil
}

func (t *QUICGoTransport) LocalAddr() net.Addr  { return t.conn.LocalAddr() }
func (t *QUICGoTransport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

func (t *QUICGoTransport) CloseWithError(code ApplicationErrorCode, msg string) error {
	return t.conn.CloseWithError(quic.ApplicationErrorCode(code), msg)
}

func (t *QUICGoTransport) Context() context.Context { return t.conn.Context() }

func (t *QUICGoTransport) HandshakeComplete() <-chan struct{} {
	return t.conn.HandshakeComplete()
}

func (t *QUICGoTransport) ConnectionState() ConnectionState {
	st := t.conn.ConnectionState()
	return ConnectionState{
		TLS:        st.TLS,
		Used0RTT:   st.Used0RTT,
		SupportsDG: st.SupportsDatagrams,
	}
}

func (t *QUICGoTransport) SendDatagram(b []byte) error {
	return t.conn.SendDatagram(b)
}

func (t *QUICGoTransport) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	return t.conn.ReceiveDatagram(ctx)
}

func (t *QUICGoTransport) SupportsDatagrams() bool {
	return t.conn.ConnectionState().SupportsDatagrams
}

type quicStream struct{ quic.Stream }

func (s quicStream) StreamID() StreamID { return StreamID(s.Stream.StreamID()) }
func (s quicStream) CancelWrite(code StreamErrorCode) {
	s.Stream.CancelWrite(quic.StreamErrorCode(code))
}
func (s quicStream) CancelRead(code StreamErrorCode) {
	s.Stream.CancelRead(quic.StreamErrorCode(code))
}

type quicSendStream struct{ quic.SendStream }

func (s quicSendStream) StreamID() StreamID { return StreamID(s.SendStream.StreamID()) }
func (s quicSendStream) CancelWrite(code StreamErrorCode) {
	s.SendStream.CancelWrite(quic.StreamErrorCode(code))
}

type quicReceiveStream struct{ quic.ReceiveStream }

func (s quicReceiveStream) StreamID() StreamID { return StreamID(s.ReceiveStream.StreamID()) }
func (s quicReceiveStream) CancelRead(code StreamErrorCode) {
	s.ReceiveStream.CancelRead(quic.StreamErrorCode(code))
}

// QUICGoDialer is the production Dialer over quic-go, dialing with
// early-data support so a resumed session can carry 0-RTT requests.
type QUICGoDialer struct {
	// Config is the quic-go configuration applied to every dial; nil
	// selects quic-go's defaults with datagram support enabled.
	Config *quic.Config
}

func (d *QUICGoDialer) DialEarly(ctx context.Context, addr string, tlsConf *tls.Config, _ any) (QUICTransport, error) {
	conf := d.Config
	if conf == nil {
		conf = &quic.Config{EnableDatagrams: true}
	}
	conn, err := quic.DialAddrEarly(ctx, addr, tlsConf, conf)
	if err != nil {
		return nil, err
	}
	return WrapQUICGo(conn), nil
}

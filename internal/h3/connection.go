package h3

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/velabrowser/h3net/internal/qpack"
	"github.com/velabrowser/h3net/internal/telemetry"
	"github.com/velabrowser/h3net/internal/transport"
)

// ConnState is the connection-wide state machine: idle -> connecting
// -> connected -> going-away -> closing -> closed, with error as an
// orthogonal terminal state.
type ConnState int

const (
	ConnIdle ConnState = iota
	ConnConnecting
	ConnConnected
	ConnGoingAway
	ConnClosing
	ConnClosed
	ConnErrorState
)

func (s ConnState) String() string {
	switch s {
	case ConnIdle:
		return "idle"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnGoingAway:
		return "going-away"
	case ConnClosing:
		return "closing"
	case ConnClosed:
		return "closed"
	case ConnErrorState:
		return "error"
	default:
		return "unknown"
	}
}

// Connection is one HTTP/3-over-QUIC connection: the transport plus
// the stream manager, the connection-wide QPACK encoder/decoder pair,
// and the SETTINGS/GOAWAY control-stream bookkeeping.
type Connection struct {
	mu    sync.Mutex
	state ConnState

	tr      transport.QUICTransport
	streams *StreamManager

	enc *qpack.Encoder
	dec *qpack.Decoder

	localSettings *Settings
	peerSettings  *Settings
	sawSettings   bool

	goAwayID     uint64
	haveGoAwayID bool

	idleTimeout time.Duration
	idleTimer   *time.Timer

	localControl  transport.SendStream
	localQPACKEnc transport.SendStream
	localQPACKDec transport.SendStream

	log     *telemetry.Logger
	metrics *telemetry.Metrics

	closeOnce sync.Once
	doneCh    chan struct{}
	closeErr  error
}

// NewConnection wraps tr as an idle HTTP/3 connection. log/metrics may be
// nil.
func NewConnection(tr transport.QUICTransport, idleTimeout time.Duration, log *telemetry.Logger, metrics *telemetry.Metrics) *Connection {
	settings := DefaultSettings()
	return &Connection{
		state:         ConnIdle,
		tr:            tr,
		streams:       NewStreamManager(log, metrics),
		enc:           qpack.NewEncoder(settings.QPACKMaxTableCapacity, settings.QPACKBlockedStreams),
		dec:           qpack.NewDecoder(settings.QPACKMaxTableCapacity),
		localSettings: settings,
		idleTimeout:   idleTimeout,
		log:           log,
		metrics:       metrics,
		doneCh:        make(chan struct{}),
	}
}

func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect performs the post-handshake setup: opens the control and two
// QPACK unidirectional streams, sends the local SETTINGS frame, and
// starts the background loop that accepts incoming unidirectional
// streams (no reader is started for bidirectional streams, since the
// server never opens them). The local SETTINGS frame MUST be the first
// frame written to the control stream (RFC 9114 section 6.2.1).
func (c *Connection) Connect(ctx context.Context) error {
	c.setState(ConnConnecting)

	control, err := c.streams.CreateControlStream(ctx, c.tr)
	if err != nil {
		return err
	}
	var buf []byte
	buf, err = c.localSettings.Frame().Encode(buf)
	if err != nil {
		return ConnError(ErrCodeInternalError, "encode local SETTINGS", err)
	}
	if _, err := control.Write(buf); err != nil {
		return ConnError(ErrCodeStreamCreationError, "write local SETTINGS", err)
	}
	c.localControl = control

	qEnc, err := c.streams.CreateQPACKEncoderStream(ctx, c.tr)
	if err != nil {
		return err
	}
	c.localQPACKEnc = qEnc

	qDec, err := c.streams.CreateQPACKDecoderStream(ctx, c.tr)
	if err != nil {
		return err
	}
	c.localQPACKDec = qDec

	go c.acceptUniStreamsLoop(ctx)

	c.setState(ConnConnected)
	c.resetIdleTimer()
	c.log.Infof("connection established to %s", c.tr.RemoteAddr())
	return nil
}

func writeStreamType(s transport.SendStream, streamType uint64) error {
	b, err := AppendVarint(nil, streamType)
	if err != nil {
		return err
	}
	_, err = s.Write(b)
	return err
}

// acceptUniStreamsLoop accepts peer-initiated unidirectional streams and
// dispatches each by its leading stream-type varint.
func (c *Connection) acceptUniStreamsLoop(ctx context.Context) {
	for {
		str, err := c.tr.AcceptUniStream(ctx)
		if err != nil {
			return
		}
		go c.handleUniStream(str)
	}
}

func (c *Connection) handleUniStream(str transport.ReceiveStream) {
	br := bufio.NewReader(streamReader{str})
	streamType, _, err := ReadVarint(br)
	if err != nil {
		return
	}
	switch streamType {
	case StreamTypeControl:
		c.streams.RegisterRemoteControl(str.StreamID())
		c.readControlStream(br, str)
	case StreamTypeQPACKEncoder:
		c.streams.RegisterRemoteQPACKEnc(str.StreamID())
		c.readQPACKEncoderStream(br, str)
	case StreamTypeQPACKDecoder:
		c.streams.RegisterRemoteQPACKDec(str.StreamID())
		c.readQPACKDecoderStream(br, str)
	case StreamTypePush:
		c.streams.RegisterPushStream(str.StreamID(), nil)
		// Push streams are recorded but never independently
		// fetched; the client does not consume server push.
	default:
		// Unknown unidirectional stream type: RFC 9114 section 6.2 says
		// to abort it, not the connection.
		str.CancelRead(transport.StreamErrorCode(ErrCodeStreamCreationError))
	}
}

// streamReader adapts a transport.ReceiveStream to io.Reader for bufio.
type streamReader struct{ transport.ReceiveStream }

func (s streamReader) Read(p []byte) (int, error) { return s.ReceiveStream.Read(p) }

func (c *Connection) readControlStream(br *bufio.Reader, str transport.ReceiveStream) {
	for {
		f, err := ReadFrame(br)
		if err != nil {
			if err == io.EOF || err == ErrShortRead {
				c.fail(CriticalStreamClosed(criticalControl))
				return
			}
			c.fail(err)
			return
		}
		if err := c.handleControlFrame(f); err != nil {
			c.fail(err)
			return
		}
	}
}

func (c *Connection) handleControlFrame(f *Frame) error {
	c.mu.Lock()
	sawSettings := c.sawSettings
	c.mu.Unlock()

	if !sawSettings {
		if f.Type != FrameTypeSettings {
			return ProtocolError(ErrCodeMissingSettings, "first control frame was not SETTINGS", nil)
		}
		c.mu.Lock()
		c.sawSettings = true
		c.peerSettings = ParseSettings(f)
		blocked := c.peerSettings.QPACKBlockedStreams
		c.mu.Unlock()
		c.enc.SetMaxBlockedStreams(blocked)
		return nil
	}

	switch f.Type {
	case FrameTypeSettings:
		return ProtocolError(ErrCodeFrameUnexpected, "duplicate SETTINGS frame", nil)
	case FrameTypeGoaway:
		c.mu.Lock()
		c.goAwayID = f.GoawayID
		c.haveGoAwayID = true
		c.state = ConnGoingAway
		c.mu.Unlock()
		c.log.Infof("received GOAWAY id=%d", f.GoawayID)
		return nil
	case FrameTypeMaxPushID, FrameTypeCancelPush:
		return nil
	case FrameTypeData, FrameTypeHeaders, FrameTypePushPromise:
		return ProtocolError(ErrCodeFrameUnexpected, fmt.Sprintf("frame type %d not allowed on control stream", f.Type), nil)
	default:
		// Unknown frame types are tolerated (RFC 9114 section 9).
		return nil
	}
}

func (c *Connection) readQPACKEncoderStream(br *bufio.Reader, str transport.ReceiveStream) {
	buf := make([]byte, 4096)
	for {
		n, err := br.Read(buf)
		if n > 0 {
			if aerr := c.dec.ApplyInstructions(buf[:n]); aerr != nil {
				c.fail(CompressionError(ErrCodeQPACKEncoderStreamError, "malformed encoder instruction", aerr))
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				c.fail(CriticalStreamClosed(criticalQPACKEncoder))
			}
			return
		}
	}
}

func (c *Connection) readQPACKDecoderStream(br *bufio.Reader, str transport.ReceiveStream) {
	buf := make([]byte, 4096)
	var pending []byte
	for {
		n, err := br.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for len(pending) > 0 {
				kind, value, consumed, perr := qpack.DecodeDecoderInstruction(pending)
				if perr != nil {
					break // wait for more bytes
				}
				switch kind {
				case qpack.DecoderHeaderAck:
					c.enc.OnHeaderAck(value)
				case qpack.DecoderStreamCancellation:
					c.enc.OnStreamCancellation(value)
				case qpack.DecoderInsertCountIncrement:
					c.enc.OnInsertCountIncrement(value)
				}
				pending = pending[consumed:]
				c.metrics.SetQPACKBlocked(c.enc.BlockedStreams())
			}
		}
		if err != nil {
			if err == io.EOF {
				c.fail(CriticalStreamClosed(criticalQPACKDecoder))
			}
			return
		}
	}
}

// EncodeHeaders encodes a field section for outgoing use on a request
// stream, flushing any opportunistic dynamic-table inserts to the local
// qpack-encoder stream first (the dynamic table invariant requires the
// inserts to be visible to the peer before the header block that
// references them).
func (c *Connection) EncodeHeaders(streamID transport.StreamID, fields []qpack.Entry) ([]byte, error) {
	block, instrs, err := c.enc.EncodeFieldSection(uint64(streamID), fields)
	if err != nil {
		return nil, CompressionError(ErrCodeQPACKEncoderStreamError, "encode field section", err)
	}
	if len(instrs) > 0 && c.localQPACKEnc != nil {
		if _, err := c.localQPACKEnc.Write(instrs); err != nil {
			return nil, CompressionError(ErrCodeQPACKEncoderStreamError, "write encoder instructions", err)
		}
	}
	c.metrics.SetQPACKBlocked(c.enc.BlockedStreams())
	return block, nil
}

// DecodeHeaders decodes a field section received on a request stream and
// sends any resulting Header Acknowledgement on the local qpack-decoder
// stream.
func (c *Connection) DecodeHeaders(streamID transport.StreamID, block []byte) ([]qpack.Entry, error) {
	fields, ack, err := c.dec.DecodeFieldSectionForStream(uint64(streamID), block)
	if err != nil {
		return nil, CompressionError(ErrCodeQPACKDecompressionFailed, "decode field section", err)
	}
	if len(ack) > 0 && c.localQPACKDec != nil {
		if _, werr := c.localQPACKDec.Write(ack); werr != nil {
			return nil, CompressionError(ErrCodeQPACKDecoderStreamError, "write header acknowledgement", werr)
		}
	}
	return fields, nil
}

func (c *Connection) resetIdleTimer() {
	if c.idleTimeout <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleTimer = time.AfterFunc(c.idleTimeout, func() {
		c.log.Infof("idle timeout, closing connection")
		c.Close(context.Background(), 0)
	})
}

// fail transitions the connection to the error state exactly once,
// resetting every live request stream with the error's code (internal
// error for an error that is not an *Error) and closing the transport.
func (c *Connection) fail(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = ConnErrorState
		c.closeErr = err
		c.mu.Unlock()

		code := ErrCodeInternalError
		if herr, ok := err.(*Error); ok {
			code = herr.Code
		}
		for _, rs := range c.streams.AllRequestStreams() {
			rs.Reset(transport.StreamErrorCode(code), false)
		}
		c.tr.CloseWithError(transport.ApplicationErrorCode(code), err.Error())
		close(c.doneCh)
		c.log.Errorf("connection failed: %v", err)
	})
}

// Close shuts the connection down (closing -> closed): it sends GOAWAY
// with goAwayID on the control stream, resets every live request stream
// with H3_REQUEST_CANCELLED and closes the transport. It does not wait
// for in-flight requests to finish.
func (c *Connection) Close(ctx context.Context, goAwayID uint64) error {
	c.mu.Lock()
	if c.state == ConnClosed || c.state == ConnErrorState {
		c.mu.Unlock()
		return nil
	}
	c.state = ConnClosing
	c.mu.Unlock()

	if c.localControl != nil {
		var buf []byte
		buf, err := (&Frame{Type: FrameTypeGoaway, GoawayID: goAwayID}).Encode(buf)
		if err == nil {
			c.localControl.Write(buf)
		}
	}

	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = ConnClosed
		c.mu.Unlock()
		for _, rs := range c.streams.AllRequestStreams() {
			rs.Reset(transport.StreamErrorCode(ErrCodeRequestCancelled), false)
		}
		c.tr.CloseWithError(transport.ApplicationErrorCode(ErrCodeNoError), "")
		close(c.doneCh)
	})
	return nil
}

// Done returns a channel closed when the connection reaches a terminal
// state (closed or error).
func (c *Connection) Done() <-chan struct{} { return c.doneCh }

// Err returns the error that caused a failed connection to close, if any.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// OpenRequestStream opens a new bidirectional QUIC stream for one
// request. HTTP/3 never has the server open bidirectional streams
// (server push uses unidirectional push streams instead), so this is the
// only way request streams come into existence.
func (c *Connection) OpenRequestStream(ctx context.Context) (*RequestStream, error) {
	if c.State() == ConnGoingAway || c.State() == ConnClosing || c.State() == ConnClosed {
		return nil, StreamError(ErrCodeRequestRejected, "connection is going away", nil)
	}
	str, err := c.tr.OpenStreamSync(ctx)
	if err != nil {
		return nil, ConnError(ErrCodeStreamCreationError, "open request stream", err)
	}
	rs, err := c.streams.CreateRequestStream(str.StreamID(), str)
	if err != nil {
		str.CancelWrite(transport.StreamErrorCode(ErrCodeStreamCreationError))
		str.CancelRead(transport.StreamErrorCode(ErrCodeStreamCreationError))
		return nil, err
	}
	c.resetIdleTimer()
	return rs, nil
}

// Streams exposes the stream manager for Http3Client to open request
// streams through.
func (c *Connection) Streams() *StreamManager { return c.streams }

// Transport exposes the underlying QUIC transport.
func (c *Connection) Transport() transport.QUICTransport { return c.tr }

package h3

import (
	"sync"
	"time"

	"github.com/velabrowser/h3net/internal/transport"
)

// StreamRole distinguishes the handful of stream shapes HTTP/3
// multiplexes over one QUIC connection.
type StreamRole int

const (
	RoleRequest StreamRole = iota
	RoleControl
	RoleQPACKEncoder
	RoleQPACKDecoder
	RolePush
)

func (r StreamRole) String() string {
	switch r {
	case RoleRequest:
		return "request"
	case RoleControl:
		return "control"
	case RoleQPACKEncoder:
		return "qpack-encoder"
	case RoleQPACKDecoder:
		return "qpack-decoder"
	case RolePush:
		return "push"
	default:
		return "unknown"
	}
}

// StreamState is the per-stream state machine: idle -> open ->
// half-closed-local/remote -> closed, with reset and error as
// absorbing states reachable from anywhere.
type StreamState int

const (
	StreamIdle StreamState = iota
	StreamOpen
	StreamHalfClosedLocal
	StreamHalfClosedRemote
	StreamClosed
	StreamReset
	StreamError
)

func (s StreamState) String() string {
	switch s {
	case StreamIdle:
		return "idle"
	case StreamOpen:
		return "open"
	case StreamHalfClosedLocal:
		return "half-closed-local"
	case StreamHalfClosedRemote:
		return "half-closed-remote"
	case StreamClosed:
		return "closed"
	case StreamReset:
		return "reset"
	case StreamError:
		return "error"
	default:
		return "unknown"
	}
}

func (s StreamState) terminal() bool {
	return s == StreamClosed || s == StreamReset || s == StreamError
}

// UrgencyClass ranks how soon a stream's data should go out relative to
// its siblings on the connection.
type UrgencyClass int

const (
	UrgencyUrgent UrgencyClass = iota
	UrgencyHigh
	UrgencyNormal
	UrgencyLow
	UrgencyBackground
)

func (u UrgencyClass) String() string {
	switch u {
	case UrgencyUrgent:
		return "urgent"
	case UrgencyHigh:
		return "high"
	case UrgencyNormal:
		return "normal"
	case UrgencyLow:
		return "low"
	case UrgencyBackground:
		return "background"
	default:
		return "unknown"
	}
}

// Priority is the scheduling hint attached to a request stream: an
// urgency class, plus a weight in [1, 256] ordering streams within the
// same class.
type Priority struct {
	Urgency UrgencyClass
	Weight  uint16
}

// DefaultPriority is normal urgency at weight 16.
var DefaultPriority = Priority{Urgency: UrgencyNormal, Weight: 16}

// normalize clamps the weight into its valid range.
func (p Priority) normalize() Priority {
	if p.Weight < 1 {
		p.Weight = 1
	}
	if p.Weight > 256 {
		p.Weight = 256
	}
	return p
}

// RequestStream is the data model for one HTTP/3 request: a QUIC
// bidirectional stream plus its headers, trailers, priority, byte
// counters and reset state.
type RequestStream struct {
	mu sync.Mutex

	id    transport.StreamID
	role  StreamRole
	state StreamState

	str transport.Stream

	reqHeaders  []Header
	respHeaders []Header
	trailers    []Header

	priority Priority

	createdAt   time.Time
	lastActive  time.Time
	bytesSent   uint64
	bytesRecvd  uint64
	resetCode   transport.StreamErrorCode
	resetByPeer bool

	// done is closed exactly once when the stream reaches a terminal
	// state; waiters use it instead of polling the state.
	done     chan struct{}
	doneOnce sync.Once
}

// Header is a single HTTP field (name/value), kept distinct from
// qpack.Entry so this package doesn't need to import the QPACK codec to
// describe its own data model.
type Header struct {
	Name  string
	Value string
}

// NewRequestStream wraps a freshly opened bidirectional QUIC stream as an
// idle request stream.
func NewRequestStream(id transport.StreamID, str transport.Stream) *RequestStream {
	now := time.Now()
	return &RequestStream{
		id:         id,
		role:       RoleRequest,
		state:      StreamIdle,
		str:        str,
		priority:   DefaultPriority,
		createdAt:  now,
		lastActive: now,
		done:       make(chan struct{}),
	}
}

// Completed returns a channel closed when the stream reaches a terminal
// state (closed, reset or error); the receive task closing the stream
// wakes every waiter, so callers never need to poll.
func (s *RequestStream) Completed() <-chan struct{} { return s.done }

// signalDone wakes every completion waiter; safe to call more than once
// and from any transition that lands in a terminal state.
func (s *RequestStream) signalDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *RequestStream) ID() transport.StreamID { return s.id }
func (s *RequestStream) Role() StreamRole       { return s.role }

func (s *RequestStream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *RequestStream) SetPriority(p Priority) {
	s.mu.Lock()
	s.priority = p.normalize()
	s.mu.Unlock()
}

func (s *RequestStream) Priority() Priority {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.priority
}

// Open transitions idle -> open; Http3Client.Do calls it right before
// encoding and writing the HEADERS frame.
func (s *RequestStream) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StreamIdle {
		return StreamError(ErrCodeFrameUnexpected, "open called from state "+s.state.String(), nil)
	}
	s.state = StreamOpen
	s.touch()
	return nil
}

// HalfCloseLocal transitions open -> half-closed-local (the client has
// sent its final DATA frame / trailers and will write no more), or
// half-closed-remote -> closed if the peer had already half-closed.
func (s *RequestStream) HalfCloseLocal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StreamOpen:
		s.state = StreamHalfClosedLocal
	case StreamHalfClosedRemote:
		s.state = StreamClosed
		s.signalDone()
	}
	s.touch()
}

// HalfCloseRemote transitions open -> half-closed-remote, or
// half-closed-local -> closed, mirroring HalfCloseLocal for the receive
// side.
func (s *RequestStream) HalfCloseRemote() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StreamOpen:
		s.state = StreamHalfClosedRemote
	case StreamHalfClosedLocal:
		s.state = StreamClosed
		s.signalDone()
	}
	s.touch()
}

// Reset moves the stream to the absorbing StreamReset state. Reset and
// error states are terminal: once reached, no further transitions are
// possible and the stream is purely retained for inspection (bytes
// counters, last error) until the connection evicts it.
func (s *RequestStream) Reset(code transport.StreamErrorCode, byPeer bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() {
		return
	}
	s.state = StreamReset
	s.resetCode = code
	s.resetByPeer = byPeer
	s.signalDone()
	s.touch()
}

// ResetError reports the error code captured by a reset, and whether the
// reset came from the peer.
func (s *RequestStream) ResetError() (code transport.StreamErrorCode, byPeer, wasReset bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetCode, s.resetByPeer, s.state == StreamReset
}

func (s *RequestStream) Fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() {
		return
	}
	s.state = StreamError
	s.signalDone()
	s.touch()
}

func (s *RequestStream) IsTerminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.terminal()
}

func (s *RequestStream) touch() { s.lastActive = time.Now() }

func (s *RequestStream) AddSent(n uint64) {
	s.mu.Lock()
	s.bytesSent += n
	s.touch()
	s.mu.Unlock()
}

func (s *RequestStream) AddReceived(n uint64) {
	s.mu.Lock()
	s.bytesRecvd += n
	s.touch()
	s.mu.Unlock()
}

func (s *RequestStream) Stats() (sent, recvd uint64, age time.Duration, idle time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	return s.bytesSent, s.bytesRecvd, now.Sub(s.createdAt), now.Sub(s.lastActive)
}

func (s *RequestStream) SetRequestHeaders(h []Header)  { s.mu.Lock(); s.reqHeaders = h; s.mu.Unlock() }
func (s *RequestStream) SetResponseHeaders(h []Header) { s.mu.Lock(); s.respHeaders = h; s.mu.Unlock() }
func (s *RequestStream) SetTrailers(h []Header)        { s.mu.Lock(); s.trailers = h; s.mu.Unlock() }

func (s *RequestStream) ResponseHeaders() []Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.respHeaders
}

func (s *RequestStream) RequestHeaders() []Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reqHeaders
}

func (s *RequestStream) Trailers() []Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trailers
}

// Write sends raw bytes (a pre-encoded frame) on the stream and updates
// the sent-bytes counter.
func (s *RequestStream) Write(b []byte) (int, error) {
	n, err := s.str.Write(b)
	s.AddSent(uint64(n))
	return n, err
}

// Read reads raw bytes (frame payload) from the stream and updates the
// received-bytes counter.
func (s *RequestStream) Read(b []byte) (int, error) {
	n, err := s.str.Read(b)
	s.AddReceived(uint64(n))
	return n, err
}

// CloseSend half-closes the send side of the stream (FIN), transitioning
// the state machine accordingly.
func (s *RequestStream) CloseSend() error {
	err := s.str.Close()
	s.HalfCloseLocal()
	return err
}

// CancelWrite aborts the send side with a QUIC RESET_STREAM carrying code
// and moves the stream to the reset state, used when a request is
// abandoned mid-write.
func (s *RequestStream) CancelWrite(code transport.StreamErrorCode) {
	s.str.CancelWrite(code)
	s.Reset(code, false)
}

// CancelRead aborts the receive side, used when a response body is
// abandoned before being fully read.
func (s *RequestStream) CancelRead(code transport.StreamErrorCode) {
	s.str.CancelRead(code)
}

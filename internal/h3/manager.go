package h3

import (
	"context"
	"fmt"
	"sync"

	"github.com/velabrowser/h3net/internal/telemetry"
	"github.com/velabrowser/h3net/internal/transport"
)

// StreamManager owns the inventory of streams multiplexed over one
// connection: every request stream plus the three unidirectional critical
// streams (control, qpack-encoder, qpack-decoder; push streams are
// tracked individually since there can be many). It does not itself read
// or write frame payloads — Connection does that — it is purely the
// bookkeeping and lifecycle layer.
type StreamManager struct {
	mu sync.Mutex

	requests map[transport.StreamID]*RequestStream
	pushes   map[transport.StreamID]*RequestStream

	maxConcurrent int

	localControlID   *transport.StreamID
	remoteControlID  *transport.StreamID
	localQPACKEncID  *transport.StreamID
	remoteQPACKEncID *transport.StreamID
	localQPACKDecID  *transport.StreamID
	remoteQPACKDecID *transport.StreamID

	log     *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewStreamManager constructs an empty manager. log/metrics may be nil;
// both types are nil-receiver safe (internal/telemetry).
func NewStreamManager(log *telemetry.Logger, metrics *telemetry.Metrics) *StreamManager {
	return &StreamManager{
		requests:      make(map[transport.StreamID]*RequestStream),
		pushes:        make(map[transport.StreamID]*RequestStream),
		maxConcurrent: defaultMaxConcurrentStreams,
		log:           log,
		metrics:       metrics,
	}
}

// defaultMaxConcurrentStreams bounds how many request streams may be
// live at once on a connection.
const defaultMaxConcurrentStreams = 100

// ErrTooManyStreams is returned by CreateRequestStream when the
// concurrent-stream budget is exhausted; the caller should finish or
// cancel an in-flight request before opening another.
var ErrTooManyStreams = StreamError(ErrCodeStreamCreationError, "too many concurrent request streams", nil)

// SetMaxConcurrent overrides the concurrent request stream budget.
func (m *StreamManager) SetMaxConcurrent(n int) {
	m.mu.Lock()
	m.maxConcurrent = n
	m.mu.Unlock()
}

// CreateRequestStream registers a freshly opened bidirectional stream as a
// request stream. It fails when the number of live request streams has
// reached the concurrency budget.
func (m *StreamManager) CreateRequestStream(id transport.StreamID, str transport.Stream) (*RequestStream, error) {
	m.mu.Lock()
	if len(m.requests) >= m.maxConcurrent {
		m.mu.Unlock()
		return nil, ErrTooManyStreams
	}
	rs := NewRequestStream(id, str)
	m.requests[id] = rs
	m.mu.Unlock()
	m.metrics.RecordStreamOpened()
	m.log.Debugf("opened request stream %d", uint64(id))
	return rs, nil
}

// ActiveRequestStreams reports how many request streams are currently
// live.
func (m *StreamManager) ActiveRequestStreams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Get looks up a request stream by ID.
func (m *StreamManager) Get(id transport.StreamID) (*RequestStream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.requests[id]
	return rs, ok
}

// CloseStream half-closes both sides of a request stream (so an open
// stream ends up closed), wakes its completion waiters and evicts it. The
// eviction happens whatever state the stream was in.
func (m *StreamManager) CloseStream(id transport.StreamID) {
	m.mu.Lock()
	rs, ok := m.requests[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	rs.HalfCloseLocal()
	rs.HalfCloseRemote()
	rs.signalDone()
	m.mu.Lock()
	delete(m.requests, id)
	m.mu.Unlock()
}

// ResetStream aborts a request stream with the given application error
// code, as either a local cancellation or a reaction to a peer
// RESET_STREAM/STOP_SENDING.
func (m *StreamManager) ResetStream(id transport.StreamID, code transport.StreamErrorCode, byPeer bool) {
	m.mu.Lock()
	rs, ok := m.requests[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	rs.Reset(code, byPeer)
	m.metrics.RecordStreamReset(fmt.Sprintf("0x%04x", uint64(code)))
	m.mu.Lock()
	delete(m.requests, id)
	m.mu.Unlock()
}

// criticalStreamRole names the three unidirectional stream kinds whose
// unexpected closure RFC 9114 section 6.2.1 treats as a connection error
// of type H3_CLOSED_CRITICAL_STREAM, regardless of direction.
type criticalStreamRole int

const (
	criticalControl criticalStreamRole = iota
	criticalQPACKEncoder
	criticalQPACKDecoder
)

// ErrAlreadyExists is returned by the Create*Stream methods when the
// requested critical stream has already been set up on this connection:
// HTTP/3 allows exactly one control, one qpack-encoder and one
// qpack-decoder stream per direction.
var ErrAlreadyExists = StreamError(ErrCodeStreamCreationError, "critical stream already exists", nil)

// createCriticalStream opens a unidirectional stream, writes its
// stream-type byte, and records its id in slot, failing with
// ErrAlreadyExists if slot is already occupied.
func (m *StreamManager) createCriticalStream(ctx context.Context, tr transport.QUICTransport, slot **transport.StreamID, streamType uint64) (transport.SendStream, error) {
	m.mu.Lock()
	if *slot != nil {
		m.mu.Unlock()
		return nil, ErrAlreadyExists
	}
	m.mu.Unlock()

	str, err := tr.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, ConnError(ErrCodeStreamCreationError, "open unidirectional stream", err)
	}
	if err := writeStreamType(str, streamType); err != nil {
		return nil, ConnError(ErrCodeStreamCreationError, "write stream type", err)
	}

	m.mu.Lock()
	if *slot != nil {
		// Lost a race with a concurrent create; abandon the extra
		// stream rather than replace the recorded one.
		m.mu.Unlock()
		str.CancelWrite(transport.StreamErrorCode(ErrCodeStreamCreationError))
		return nil, ErrAlreadyExists
	}
	id := str.StreamID()
	*slot = &id
	m.mu.Unlock()
	return str, nil
}

// CreateControlStream opens the local control stream (type 0x00). It
// fails with ErrAlreadyExists if one has already been created.
func (m *StreamManager) CreateControlStream(ctx context.Context, tr transport.QUICTransport) (transport.SendStream, error) {
	return m.createCriticalStream(ctx, tr, &m.localControlID, StreamTypeControl)
}

// CreateQPACKEncoderStream opens the local qpack-encoder stream (type
// 0x02). It fails with ErrAlreadyExists if one has already been created.
func (m *StreamManager) CreateQPACKEncoderStream(ctx context.Context, tr transport.QUICTransport) (transport.SendStream, error) {
	return m.createCriticalStream(ctx, tr, &m.localQPACKEncID, StreamTypeQPACKEncoder)
}

// CreateQPACKDecoderStream opens the local qpack-decoder stream (type
// 0x03). It fails with ErrAlreadyExists if one has already been created.
func (m *StreamManager) CreateQPACKDecoderStream(ctx context.Context, tr transport.QUICTransport) (transport.SendStream, error) {
	return m.createCriticalStream(ctx, tr, &m.localQPACKDecID, StreamTypeQPACKDecoder)
}

// RegisterRemoteControl and its QPACK-stream counterparts record which
// peer stream ID backs each critical stream; the fatal-on-close rule
// itself is enforced by Connection calling CriticalStreamClosed when a
// read on one of these streams comes back with io.EOF (on the control
// stream, also a short read). Any other read error fails the connection
// with that error on the control stream, and ends the reader without
// failing the connection on the QPACK streams.

func (m *StreamManager) RegisterRemoteControl(id transport.StreamID)  { m.remoteControlID = &id }
func (m *StreamManager) RegisterRemoteQPACKEnc(id transport.StreamID) { m.remoteQPACKEncID = &id }
func (m *StreamManager) RegisterRemoteQPACKDec(id transport.StreamID) { m.remoteQPACKDecID = &id }

// CriticalStreamClosed builds the connection error mandated for the
// closure of any of the three critical unidirectional stream kinds.
func CriticalStreamClosed(role criticalStreamRole) *Error {
	names := map[criticalStreamRole]string{
		criticalControl:      "control",
		criticalQPACKEncoder: "qpack-encoder",
		criticalQPACKDecoder: "qpack-decoder",
	}
	return ConnError(ErrCodeClosedCriticalStream, names[role]+" stream closed", nil)
}

// AllRequestStreams returns a snapshot of live request streams, used by
// Connection when tearing down on Close or a fatal error.
func (m *StreamManager) AllRequestStreams() []*RequestStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*RequestStream, 0, len(m.requests))
	for _, rs := range m.requests {
		out = append(out, rs)
	}
	return out
}

func (m *StreamManager) RegisterPushStream(id transport.StreamID, str transport.Stream) *RequestStream {
	rs := NewRequestStream(id, str)
	rs.role = RolePush
	m.mu.Lock()
	m.pushes[id] = rs
	m.mu.Unlock()
	return rs
}

package earlydata

import (
	"bytes"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/quic-go/qpack"

	"github.com/velabrowser/h3net/internal/h3"
	"github.com/velabrowser/h3net/internal/telemetry"
)

// Replay-protection header names attached to every request sent as
// early data, and stripped again before a 1-RTT retry.
const (
	HeaderEarlyData          = "early-data"
	HeaderEarlyDataNonce     = "early-data-nonce"
	HeaderEarlyDataTimestamp = "early-data-timestamp"
)

// replayWindow is the interval within which a repeated early-data nonce
// counts as a replay. The timestamp header is rounded to the same
// hourly bucket, binding request and window together.
const replayWindow = time.Hour

// IneligibilityReason explains why a request was refused early-data
// transmission; the caller falls back to 1-RTT, it is not an error.
type IneligibilityReason string

const (
	ReasonMethodNotAllowed   IneligibilityReason = "method not allowed"
	ReasonCredentialedHeader IneligibilityReason = "request carries credentials"
	ReasonAlreadyMarked      IneligibilityReason = "request already carries early-data headers"
	ReasonBodyNotIdempotent  IneligibilityReason = "body content-type not replay-safe"
	ReasonNonceReplay        IneligibilityReason = "nonce already spent in replay window"
)

// IneligibleError is returned by Authorize when a request must not be
// sent as early data.
type IneligibleError struct {
	Reason IneligibilityReason
}

func (e *IneligibleError) Error() string {
	return "earlydata: request ineligible for 0-RTT: " + string(e.Reason)
}

// PredictedRequest is one resource the caller expects to fetch on the
// next visit to an origin, with its learned probability.
type PredictedRequest struct {
	Method      string
	Scheme      string
	Authority   string
	Path        string
	Probability float64
}

// Manager decides which requests may ride in the 0-RTT flight, stamps
// them with replay-protection headers, and pre-encodes header blocks
// for predicted resources so they can be written the moment 0-RTT keys
// are installed.
type Manager struct {
	store *Store

	mu sync.Mutex
	// precomputed maps origin -> path -> static-table-only header block.
	precomputed map[string]map[string][]byte

	topK int
	now  func() time.Time

	log     *telemetry.Logger
	metrics *telemetry.Metrics
}

// ManagerOption customises a Manager.
type ManagerOption func(*Manager)

// WithTopK bounds how many predicted resources are pre-encoded per
// origin.
func WithTopK(k int) ManagerOption {
	return func(m *Manager) { m.topK = k }
}

// WithManagerClock injects a deterministic clock for tests.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a Manager over the given ticket store. log and
// metrics may be nil.
func NewManager(store *Store, log *telemetry.Logger, metrics *telemetry.Metrics, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:       store,
		precomputed: make(map[string]map[string][]byte),
		topK:        8,
		now:         time.Now,
		log:         log,
		metrics:     metrics,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Store exposes the underlying ticket store.
func (m *Manager) Store() *Store { return m.store }

// SelectTicket picks the best eligible ticket for origin (host:port),
// or nil when the connection should proceed without 0-RTT.
func (m *Manager) SelectTicket(origin string) *Ticket {
	return m.store.Select(origin)
}

// Authorize checks the safety filter for sending req as early data
// under ticket t, and on success returns the headers to send: the
// caller's headers plus Early-Data, Early-Data-Nonce and
// Early-Data-Timestamp. On refusal it returns an *IneligibleError and
// the caller sends the request on the 1-RTT session instead.
func (m *Manager) Authorize(t *Ticket, method string, headers []h3.Header) ([]h3.Header, error) {
	method = strings.ToUpper(method)
	if !t.MethodAllowed(method) {
		return nil, &IneligibleError{Reason: ReasonMethodNotAllowed}
	}

	contentType := ""
	for _, h := range headers {
		switch strings.ToLower(h.Name) {
		case "authorization", "cookie", "set-cookie":
			return nil, &IneligibleError{Reason: ReasonCredentialedHeader}
		case HeaderEarlyData, HeaderEarlyDataNonce, HeaderEarlyDataTimestamp:
			return nil, &IneligibleError{Reason: ReasonAlreadyMarked}
		case "content-type":
			contentType = h.Value
		}
	}

	if method == "POST" && !strings.HasPrefix(contentType, "application/x-www-form-urlencoded") {
		return nil, &IneligibleError{Reason: ReasonBodyNotIdempotent}
	}

	nonce, err := newReplayNonce()
	if err != nil {
		return nil, err
	}
	if err := m.spendNonce(t, nonce); err != nil {
		return nil, err
	}

	now := m.now()
	bucket := now.Truncate(replayWindow).Unix()
	out := make([]h3.Header, 0, len(headers)+3)
	out = append(out, headers...)
	out = append(out,
		h3.Header{Name: HeaderEarlyData, Value: "1"},
		h3.Header{Name: HeaderEarlyDataNonce, Value: nonce},
		h3.Header{Name: HeaderEarlyDataTimestamp, Value: strconv.FormatInt(bucket, 10)},
	)
	m.log.Debugf("authorized early-data %s for %s", method, t.Origin)
	return out, nil
}

// spendNonce records nonce against the ticket's replay set, refusing a
// duplicate still inside the replay window and pruning entries whose
// window has passed.
func (m *Manager) spendNonce(t *Ticket, nonce string) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	now := m.now()
	if t.ReplayNonces == nil {
		t.ReplayNonces = make(map[string]time.Time)
	}
	for n, exp := range t.ReplayNonces {
		if now.After(exp) {
			delete(t.ReplayNonces, n)
		}
	}
	if exp, seen := t.ReplayNonces[nonce]; seen && now.Before(exp) {
		return &IneligibleError{Reason: ReasonNonceReplay}
	}
	t.ReplayNonces[nonce] = now.Add(replayWindow)
	t.ReplayCounter++
	return nil
}

// StripReplayHeaders removes the early-data marker headers before a
// request rejected by the server is re-driven on the 1-RTT session.
func StripReplayHeaders(headers []h3.Header) []h3.Header {
	out := headers[:0:0]
	for _, h := range headers {
		switch strings.ToLower(h.Name) {
		case HeaderEarlyData, HeaderEarlyDataNonce, HeaderEarlyDataTimestamp:
			continue
		}
		out = append(out, h)
	}
	return out
}

// Precompute QPACK-encodes header blocks for the top-K predicted
// resources on origin, against the static table only: the connection's
// dynamic-table state is unknowable until the handshake completes, so
// these blocks are valid on any fresh connection and can be written as
// soon as 0-RTT keys are installed.
func (m *Manager) Precompute(origin string, predicted []PredictedRequest) {
	sorted := make([]PredictedRequest, len(predicted))
	copy(sorted, predicted)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Probability > sorted[j].Probability })
	if len(sorted) > m.topK {
		sorted = sorted[:m.topK]
	}

	blocks := make(map[string][]byte, len(sorted))
	for _, p := range sorted {
		var buf bytes.Buffer
		enc := qpack.NewEncoder(&buf)
		fields := []qpack.HeaderField{
			{Name: ":method", Value: p.Method},
			{Name: ":scheme", Value: p.Scheme},
			{Name: ":authority", Value: p.Authority},
			{Name: ":path", Value: p.Path},
		}
		ok := true
		for _, f := range fields {
			if err := enc.WriteField(f); err != nil {
				m.log.Warnf("precompute encode failed for %s%s: %v", p.Authority, p.Path, err)
				ok = false
				break
			}
		}
		if ok {
			blocks[p.Path] = append([]byte(nil), buf.Bytes()...)
		}
	}

	m.mu.Lock()
	m.precomputed[origin] = blocks
	m.mu.Unlock()
	m.log.Debugf("precomputed %d header block(s) for %s", len(blocks), origin)
}

// PrecomputedBlock returns the pre-encoded header block for a predicted
// path on origin, if one exists.
func (m *Manager) PrecomputedBlock(origin, path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.precomputed[origin][path]
	return b, ok
}

// RecordOutcome feeds the server's accept/reject verdict (and, on
// acceptance, an RTT sample) back into the ticket's track record. The
// caller is responsible for re-driving rejected early-data streams on
// the 1-RTT session with StripReplayHeaders applied, exactly once.
func (m *Manager) RecordOutcome(t *Ticket, accepted bool, rtt time.Duration) {
	m.store.RecordOutcome(t, accepted, rtt)
	m.metrics.RecordEarlyData(accepted)
	if accepted {
		m.log.Debugf("early data accepted for %s (rtt=%v)", t.Origin, rtt)
	} else {
		m.log.Infof("early data rejected for %s (rejections=%d)", t.Origin, t.RejectionCount)
	}
}

// Package earlydata implements 0-RTT session resumption for the HTTP/3
// client: persisting session tickets across connections, deciding when
// it is safe to spend a ticket's early-data budget on a given request,
// and tracking each ticket's track record so a flaky or revoked ticket
// stops being offered.
package earlydata

import "time"

// CryptoParams captures the TLS parameters the ticket was issued under.
// A resumption attempt only makes sense against a server presenting the
// same ALPN and an unchanged certificate.
type CryptoParams struct {
	CipherSuite uint16 `json:"cipher_suite"`
	TLSVersion  uint16 `json:"tls_version"`
	ALPN        string `json:"alpn"`
	// ServerCertHash is the SHA-256 of the leaf certificate seen when
	// the ticket was issued. It is persisted with the ticket; Eligible
	// and Store.Select do not compare it against the server's current
	// certificate.
	ServerCertHash []byte `json:"server_cert_hash,omitempty"`
}

// Ticket is one TLS 1.3 session ticket captured from a prior connection,
// plus the client-side bookkeeping layered on top of the raw wire
// ticket: how well it has performed, its anti-replay state, and which
// request methods it is willing to carry as early data.
type Ticket struct {
	Origin string `json:"origin"` // host:port this ticket was issued for
	Opaque []byte `json:"opaque"` // wire ticket blob handed back to the TLS stack verbatim

	// TransportParams is the server's remembered QUIC transport
	// parameter map, needed to validate 0-RTT flow-control limits
	// before the handshake confirms them.
	TransportParams map[string]uint64 `json:"transport_params,omitempty"`

	Crypto CryptoParams `json:"crypto"`

	IssuedAt time.Time `json:"issued_at"`
	Expiry   time.Time `json:"expiry"`
	LastUsed time.Time `json:"last_used"`

	UsageCount int `json:"usage_count"`

	// Priority is a caller-assigned weight in [0,1] (e.g. higher for
	// tickets from connections that negotiated better settings);
	// combined with SuccessRate to rank candidates in Store.Select.
	Priority float64 `json:"priority"`

	// SuccessRate is an exponentially-weighted moving average of 0-RTT
	// acceptance, updated by RecordOutcome. Nothing in this package sets
	// a starting value; whoever builds the Ticket supplies it.
	SuccessRate float64 `json:"success_rate"`

	// RTT is an EWMA of observed round-trip time on connections that
	// used this ticket.
	RTT time.Duration `json:"rtt"`

	RejectionCount int       `json:"rejection_count"`
	Accepted       bool      `json:"accepted"`
	LockedUntil    time.Time `json:"locked_until,omitempty"` // zero if not locked out

	// ReplayNonces records the early-data nonces spent under this
	// ticket, each with the time after which it may be forgotten.
	ReplayNonces  map[string]time.Time `json:"replay_nonces,omitempty"`
	ReplayCounter uint64               `json:"replay_counter"`

	// AllowedMethods is the set of request methods this ticket will
	// carry as early data. Empty means the default {GET, HEAD}.
	AllowedMethods []string `json:"allowed_methods,omitempty"`

	// ContextBinding ties the ticket to the client context it was
	// issued in (e.g. a proxy configuration hash). It is persisted with
	// the ticket; Eligible and Store.Select do not compare it.
	ContextBinding []byte `json:"context_binding,omitempty"`
}

const (
	// successAlpha weights the most recent acceptance outcome: on
	// acceptance the rate moves to 0.8*prev + 0.2, on rejection to
	// 0.8*prev.
	successAlpha = 0.2

	// rttAlpha smooths RTT samples: 0.7*prev + 0.3*sample.
	rttAlpha = 0.3

	// maxRejections is the rejection count at which a ticket is retired
	// rather than retried.
	maxRejections = 3

	// lockoutDuration is how long a ticket is held back from selection
	// immediately after a rejection, giving the server time to finish
	// whatever caused the rejection (clock skew, key rotation) before
	// the client tries again.
	lockoutDuration = 30 * time.Second
)

// DefaultAllowedMethods is the method set a ticket grants when it
// carries no explicit AllowedMethods.
var DefaultAllowedMethods = []string{"GET", "HEAD"}

// Expired reports whether the ticket's TLS-layer lifetime has passed.
func (t *Ticket) Expired(now time.Time) bool {
	return !t.Expiry.IsZero() && now.After(t.Expiry)
}

// LockedOut reports whether the ticket is within its post-rejection
// cooldown.
func (t *Ticket) LockedOut(now time.Time) bool {
	return !t.LockedUntil.IsZero() && now.Before(t.LockedUntil)
}

// Retired reports whether the ticket has been rejected too many times to
// be worth offering again.
func (t *Ticket) Retired() bool {
	return t.RejectionCount >= maxRejections
}

// Eligible reports whether the ticket may currently be selected for
// 0-RTT.
func (t *Ticket) Eligible(now time.Time) bool {
	return !t.Expired(now) && !t.LockedOut(now) && !t.Retired()
}

// Score combines priority and success rate for ranking; higher is
// better.
func (t *Ticket) Score() float64 {
	return t.Priority * t.SuccessRate
}

// MethodAllowed reports whether the ticket grants early data for the
// given request method.
func (t *Ticket) MethodAllowed(method string) bool {
	allowed := t.AllowedMethods
	if len(allowed) == 0 {
		allowed = DefaultAllowedMethods
	}
	for _, m := range allowed {
		if m == method {
			return true
		}
	}
	return false
}

// Sane reports whether the ticket's persisted fields pass temporal and
// range checks; tickets failing this are discarded on store load.
func (t *Ticket) Sane(now time.Time) bool {
	if t.Origin == "" || len(t.Opaque) == 0 {
		return false
	}
	if t.IssuedAt.After(now) {
		return false
	}
	if t.Expired(now) {
		return false
	}
	if t.UsageCount < 0 || t.RejectionCount < 0 {
		return false
	}
	if t.SuccessRate < 0 || t.SuccessRate > 1 {
		return false
	}
	if t.Priority < 0 || t.Priority > 1 {
		return false
	}
	return true
}

// RecordOutcome updates the ticket's track record after the server's
// first flight either accepted or rejected its early data.
func (t *Ticket) RecordOutcome(accepted bool, rtt time.Duration, now time.Time) {
	if accepted {
		t.Accepted = true
		t.SuccessRate = (1-successAlpha)*t.SuccessRate + successAlpha
		if rtt > 0 {
			if t.RTT == 0 {
				t.RTT = rtt
			} else {
				t.RTT = time.Duration((1-rttAlpha)*float64(t.RTT) + rttAlpha*float64(rtt))
			}
		}
	} else {
		t.RejectionCount++
		t.LockedUntil = now.Add(lockoutDuration)
		t.SuccessRate = (1 - successAlpha) * t.SuccessRate
	}
	t.LastUsed = now
}

// MarkUsed records a selection for an outgoing connection attempt; it is
// updated atomically with selection under the store lock.
func (t *Ticket) MarkUsed(now time.Time) {
	t.LastUsed = now
	t.UsageCount++
}

package earlydata

import (
	"strconv"
	"testing"
	"time"

	"github.com/velabrowser/h3net/internal/h3"
	"github.com/velabrowser/h3net/internal/telemetry"
)

func newTestManager(t *testing.T, now time.Time) *Manager {
	t.Helper()
	s, _, _ := newTestStore(t, WithClock(func() time.Time { return now }))
	return NewManager(s, telemetry.NewDiscardLogger(), nil, WithManagerClock(func() time.Time { return now }))
}

func TestAuthorizeAttachesReplayHeaders(t *testing.T) {
	now := time.Unix(1700003456, 0)
	m := newTestManager(t, now)
	tk := ticketFor("example.com:443", now, 1, 1)

	headers, err := m.Authorize(tk, "GET", []h3.Header{{Name: "accept", Value: "*/*"}})
	if err != nil {
		t.Fatal(err)
	}

	byName := map[string]string{}
	for _, h := range headers {
		byName[h.Name] = h.Value
	}
	if byName[HeaderEarlyData] != "1" {
		t.Error("missing early-data: 1")
	}
	if len(byName[HeaderEarlyDataNonce]) != 32 {
		t.Errorf("nonce %q is not 16 random bytes hex-encoded", byName[HeaderEarlyDataNonce])
	}
	wantBucket := strconv.FormatInt(now.Truncate(time.Hour).Unix(), 10)
	if byName[HeaderEarlyDataTimestamp] != wantBucket {
		t.Errorf("timestamp %q, want hourly bucket %q", byName[HeaderEarlyDataTimestamp], wantBucket)
	}
	if tk.ReplayCounter != 1 || len(tk.ReplayNonces) != 1 {
		t.Error("nonce was not recorded against the ticket")
	}
}

func TestAuthorizeSafetyFilter(t *testing.T) {
	now := time.Now()
	m := newTestManager(t, now)
	tk := ticketFor("example.com:443", now, 1, 1)
	postTk := ticketFor("example.com:443", now, 1, 1)
	postTk.AllowedMethods = []string{"GET", "HEAD", "POST"}

	tests := []struct {
		name    string
		ticket  *Ticket
		method  string
		headers []h3.Header
		reason  IneligibilityReason
	}{
		{
			// A GET carrying a Cookie header must fall back to 1-RTT.
			name:    "cookie header",
			ticket:  tk,
			method:  "GET",
			headers: []h3.Header{{Name: "Cookie", Value: "a=b"}},
			reason:  ReasonCredentialedHeader,
		},
		{
			name:    "authorization header",
			ticket:  tk,
			method:  "GET",
			headers: []h3.Header{{Name: "Authorization", Value: "Bearer x"}},
			reason:  ReasonCredentialedHeader,
		},
		{
			name:    "method not granted",
			ticket:  tk,
			method:  "DELETE",
			headers: nil,
			reason:  ReasonMethodNotAllowed,
		},
		{
			name:    "post without form content type",
			ticket:  postTk,
			method:  "POST",
			headers: []h3.Header{{Name: "content-type", Value: "application/json"}},
			reason:  ReasonBodyNotIdempotent,
		},
		{
			name:    "already marked",
			ticket:  tk,
			method:  "GET",
			headers: []h3.Header{{Name: "Early-Data", Value: "1"}},
			reason:  ReasonAlreadyMarked,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Authorize(tc.ticket, tc.method, tc.headers)
			ie, ok := err.(*IneligibleError)
			if !ok {
				t.Fatalf("got %v, want *IneligibleError", err)
			}
			if ie.Reason != tc.reason {
				t.Errorf("reason = %q, want %q", ie.Reason, tc.reason)
			}
		})
	}

	// POST with the form content type on a granting ticket is allowed.
	if _, err := m.Authorize(postTk, "POST", []h3.Header{{Name: "content-type", Value: "application/x-www-form-urlencoded"}}); err != nil {
		t.Errorf("form POST on a granting ticket was refused: %v", err)
	}
}

func TestSpendNonceRefusesReplay(t *testing.T) {
	now := time.Now()
	m := newTestManager(t, now)
	tk := ticketFor("example.com:443", now, 1, 1)

	if err := m.spendNonce(tk, "abc"); err != nil {
		t.Fatal(err)
	}
	err := m.spendNonce(tk, "abc")
	if ie, ok := err.(*IneligibleError); !ok || ie.Reason != ReasonNonceReplay {
		t.Fatalf("duplicate nonce inside the window: got %v, want replay refusal", err)
	}

	// Outside the window the nonce is forgotten and may recur.
	later := now.Add(replayWindow + time.Minute)
	m.now = func() time.Time { return later }
	if err := m.spendNonce(tk, "abc"); err != nil {
		t.Errorf("nonce outside the replay window was refused: %v", err)
	}
}

func TestStripReplayHeaders(t *testing.T) {
	in := []h3.Header{
		{Name: "accept", Value: "*/*"},
		{Name: "Early-Data", Value: "1"},
		{Name: "early-data-nonce", Value: "aa"},
		{Name: "early-data-timestamp", Value: "0"},
		{Name: "user-agent", Value: "vela"},
	}
	out := StripReplayHeaders(in)
	if len(out) != 2 || out[0].Name != "accept" || out[1].Name != "user-agent" {
		t.Errorf("StripReplayHeaders = %+v", out)
	}
}

func TestPrecomputeStaticOnlyBlocks(t *testing.T) {
	now := time.Now()
	m := newTestManager(t, now)
	m.topK = 2

	m.Precompute("example.com:443", []PredictedRequest{
		{Method: "GET", Scheme: "https", Authority: "example.com", Path: "/", Probability: 0.9},
		{Method: "GET", Scheme: "https", Authority: "example.com", Path: "/app.js", Probability: 0.7},
		{Method: "GET", Scheme: "https", Authority: "example.com", Path: "/rare", Probability: 0.1},
	})

	block, ok := m.PrecomputedBlock("example.com:443", "/")
	if !ok {
		t.Fatal("no block for the most probable path")
	}
	// Static-only encoding: required insert count and delta base are
	// both zero.
	if len(block) < 2 || block[0] != 0 || block[1] != 0 {
		t.Errorf("block prefix = %x, want 00 00 (no dynamic references)", block[:2])
	}
	if _, ok := m.PrecomputedBlock("example.com:443", "/rare"); ok {
		t.Error("path beyond top-K was pre-encoded")
	}
}

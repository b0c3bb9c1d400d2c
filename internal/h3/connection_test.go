package h3

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func TestConnectSendsSettingsFirst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := newDatagramFakeTransport()
	conn := NewConnection(tr, 0, nil, nil)
	if err := conn.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if conn.State() != ConnConnected {
		t.Fatalf("state after Connect = %v, want connected", conn.State())
	}
	if len(tr.uniStreams) != 3 {
		t.Fatalf("opened %d unidirectional streams, want 3", len(tr.uniStreams))
	}

	control := tr.uniStreams[0].buf.Bytes()
	if len(control) < 2 || control[0] != 0x00 {
		t.Fatalf("control stream does not begin with type byte 0x00: % x", control)
	}
	f, err := ReadFrame(bytes.NewReader(control[1:]))
	if err != nil {
		t.Fatalf("decode first control frame: %v", err)
	}
	if f.Type != FrameTypeSettings {
		t.Fatalf("first control frame type = %#x, want SETTINGS", uint64(f.Type))
	}

	if b := tr.uniStreams[1].buf.Bytes(); len(b) != 1 || b[0] != 0x02 {
		t.Errorf("qpack encoder stream type bytes = % x, want 02", b)
	}
	if b := tr.uniStreams[2].buf.Bytes(); len(b) != 1 || b[0] != 0x03 {
		t.Errorf("qpack decoder stream type bytes = % x, want 03", b)
	}
}

func TestControlStreamRequiresSettingsFirst(t *testing.T) {
	conn := NewConnection(newDatagramFakeTransport(), 0, nil, nil)
	err := conn.handleControlFrame(&Frame{Type: FrameTypeGoaway, GoawayID: 0})
	var herr *Error
	if !errors.As(err, &herr) || herr.Code != ErrCodeMissingSettings {
		t.Fatalf("got %v, want H3_MISSING_SETTINGS", err)
	}
}

func TestDuplicateSettingsFatal(t *testing.T) {
	conn := NewConnection(newDatagramFakeTransport(), 0, nil, nil)
	if err := conn.handleControlFrame(DefaultSettings().Frame()); err != nil {
		t.Fatal(err)
	}
	err := conn.handleControlFrame(DefaultSettings().Frame())
	var herr *Error
	if !errors.As(err, &herr) || herr.Code != ErrCodeFrameUnexpected {
		t.Fatalf("got %v, want H3_FRAME_UNEXPECTED", err)
	}
}

func TestPeerSettingsParsed(t *testing.T) {
	conn := NewConnection(newDatagramFakeTransport(), 0, nil, nil)
	frame := &Frame{Type: FrameTypeSettings, Settings: []SettingParam{
		{ID: SettingQPACKMaxTableCapacity, Value: 256},
		{ID: SettingQPACKBlockedStreams, Value: 7},
		{ID: 0x4242, Value: 1}, // vendor setting, preserved
	}}
	if err := conn.handleControlFrame(frame); err != nil {
		t.Fatal(err)
	}
	conn.mu.Lock()
	peer := conn.peerSettings
	conn.mu.Unlock()
	if peer.QPACKMaxTableCapacity != 256 || peer.QPACKBlockedStreams != 7 {
		t.Errorf("peer settings = %+v", peer)
	}
	if peer.Other[0x4242] != 1 {
		t.Errorf("vendor setting not preserved: %+v", peer.Other)
	}
}

func TestGoawayRefusesNewStreams(t *testing.T) {
	conn := NewConnection(newDatagramFakeTransport(), 0, nil, nil)
	if err := conn.handleControlFrame(DefaultSettings().Frame()); err != nil {
		t.Fatal(err)
	}
	if err := conn.handleControlFrame(&Frame{Type: FrameTypeGoaway, GoawayID: 8}); err != nil {
		t.Fatal(err)
	}
	if conn.State() != ConnGoingAway {
		t.Fatalf("state after GOAWAY = %v, want going-away", conn.State())
	}

	_, err := conn.OpenRequestStream(context.Background())
	var herr *Error
	if !errors.As(err, &herr) || herr.Code != ErrCodeRequestRejected {
		t.Fatalf("got %v, want H3_REQUEST_REJECTED", err)
	}
}

func TestUnknownControlFrameTolerated(t *testing.T) {
	conn := NewConnection(newDatagramFakeTransport(), 0, nil, nil)
	if err := conn.handleControlFrame(DefaultSettings().Frame()); err != nil {
		t.Fatal(err)
	}
	unknown := &Frame{Type: 0x21, UnknownType: 0x21, UnknownPayload: []byte{0xAA}}
	if err := conn.handleControlFrame(unknown); err != nil {
		t.Errorf("unknown frame on control stream was rejected: %v", err)
	}
}

func TestDataOnControlStreamFatal(t *testing.T) {
	conn := NewConnection(newDatagramFakeTransport(), 0, nil, nil)
	if err := conn.handleControlFrame(DefaultSettings().Frame()); err != nil {
		t.Fatal(err)
	}
	err := conn.handleControlFrame(&Frame{Type: FrameTypeData, Data: []byte("x")})
	var herr *Error
	if !errors.As(err, &herr) || herr.Code != ErrCodeFrameUnexpected {
		t.Fatalf("got %v, want H3_FRAME_UNEXPECTED", err)
	}
}

func TestControlStreamClosureIsFatal(t *testing.T) {
	conn := NewConnection(newDatagramFakeTransport(), 0, nil, nil)

	var wire []byte
	wire, err := DefaultSettings().Frame().Encode(wire)
	if err != nil {
		t.Fatal(err)
	}
	// The peer sends SETTINGS and then closes its control stream.
	conn.readControlStream(bufio.NewReader(bytes.NewReader(wire)), nil)

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("connection did not reach a terminal state")
	}
	var herr *Error
	if !errors.As(conn.Err(), &herr) || herr.Code != ErrCodeClosedCriticalStream {
		t.Fatalf("close error = %v, want H3_CLOSED_CRITICAL_STREAM", conn.Err())
	}
}

func TestFailResetsAllStreams(t *testing.T) {
	tr := newDatagramFakeTransport()
	conn := NewConnection(tr, 0, nil, nil)
	rs, err := conn.Streams().CreateRequestStream(0, &fakeStream{})
	if err != nil {
		t.Fatal(err)
	}
	rs.Open()

	conn.fail(ConnError(ErrCodeGeneralProtocolError, "peer misbehaved", nil))

	if conn.State() != ConnErrorState {
		t.Fatalf("state = %v, want error", conn.State())
	}
	if !rs.IsTerminal() {
		t.Error("live stream survived connection failure")
	}
	select {
	case <-rs.Completed():
	default:
		t.Error("stream waiters not woken by connection failure")
	}
}

func TestIdleTimeoutClosesConnection(t *testing.T) {
	conn := NewConnection(newDatagramFakeTransport(), 20*time.Millisecond, nil, nil)
	conn.resetIdleTimer()
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("idle timeout never fired")
	}
}

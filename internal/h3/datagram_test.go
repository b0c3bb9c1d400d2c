package h3

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/velabrowser/h3net/internal/transport"
)

// datagramFakeTransport implements just enough of the transport trait
// for DatagramManager and StreamManager tests: it records sent
// datagrams, hands out in-memory unidirectional streams, and can feed
// received datagrams.
type datagramFakeTransport struct {
	sent       [][]byte
	recv       chan []byte
	uniStreams []*fakeSendStream
	nextUniID  transport.StreamID
}

var errNotImplemented = errors.New("not implemented in fake")

func newDatagramFakeTransport() *datagramFakeTransport {
	return &datagramFakeTransport{recv: make(chan []byte, 16), nextUniID: 2}
}

// fakeSendStream is an in-memory unidirectional send stream.
type fakeSendStream struct {
	id        transport.StreamID
	buf       bytes.Buffer
	closed    bool
	cancelled bool
}

func (f *fakeSendStream) StreamID() transport.StreamID          { return f.id }
func (f *fakeSendStream) Write(b []byte) (int, error)           { return f.buf.Write(b) }
func (f *fakeSendStream) Close() error                          { f.closed = true; return nil }
func (f *fakeSendStream) CancelWrite(transport.StreamErrorCode) { f.cancelled = true }
func (f *fakeSendStream) SetWriteDeadline(time.Time) error      { return nil }

func (f *datagramFakeTransport) OpenStream() (transport.Stream, error) { return nil, errNotImplemented }
func (f *datagramFakeTransport) OpenStreamSync(context.Context) (transport.Stream, error) {
	return nil, errNotImplemented
}
func (f *datagramFakeTransport) OpenUniStream() (transport.SendStream, error) {
	s := &fakeSendStream{id: f.nextUniID}
	f.nextUniID += 4
	f.uniStreams = append(f.uniStreams, s)
	return s, nil
}
func (f *datagramFakeTransport) OpenUniStreamSync(context.Context) (transport.SendStream, error) {
	return f.OpenUniStream()
}
func (f *datagramFakeTransport) AcceptStream(context.Context) (transport.Stream, error) {
	return nil, errNotImplemented
}
func (f *datagramFakeTransport) AcceptUniStream(ctx context.Context) (transport.ReceiveStream, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (f *datagramFakeTransport) LocalAddr() net.Addr  { return &net.UDPAddr{} }
func (f *datagramFakeTransport) RemoteAddr() net.Addr { return &net.UDPAddr{} }
func (f *datagramFakeTransport) CloseWithError(transport.ApplicationErrorCode, string) error {
	return nil
}
func (f *datagramFakeTransport) Context() context.Context { return context.Background() }
func (f *datagramFakeTransport) HandshakeComplete() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (f *datagramFakeTransport) ConnectionState() transport.ConnectionState {
	return transport.ConnectionState{SupportsDG: true}
}
func (f *datagramFakeTransport) SendDatagram(b []byte) error {
	f.sent = append(f.sent, b)
	return nil
}
func (f *datagramFakeTransport) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	select {
	case b := <-f.recv:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
func (f *datagramFakeTransport) SupportsDatagrams() bool { return true }

func newDatagramManagerForTest(maxInFlight, window int) (*DatagramManager, *datagramFakeTransport) {
	tr := newDatagramFakeTransport()
	conn := NewConnection(tr, 0, nil, nil)
	return NewDatagramManager(conn, maxInFlight, window), tr
}

func TestDatagramHeaderRoundTrip(t *testing.T) {
	hdr := DatagramHeader{ID: 0x0102030405060708, QoS: QoSCritical, FlowID: 0xABCDEF, ContextID: 0xDEADBEEF}
	wire := hdr.encode()
	if len(wire) != datagramHeaderLen {
		t.Fatalf("header length = %d, want %d", len(wire), datagramHeaderLen)
	}
	got, err := decodeDatagramHeader(wire)
	if err != nil {
		t.Fatal(err)
	}
	if got != hdr {
		t.Errorf("round trip = %+v, want %+v", got, hdr)
	}
}

func TestDatagramWireRoundTrip(t *testing.T) {
	dg := Datagram{
		Header:  DatagramHeader{ID: 7, QoS: QoSReliable, FlowID: 3, ContextID: 11},
		Payload: []byte("payload"),
	}
	wire := encodeDatagram(dg)
	if wire[0] != 0x30 {
		t.Fatalf("wire begins with %#02x, want the frame type 0x30", wire[0])
	}
	if len(wire) != datagramWireOverhead+len(dg.Payload) {
		t.Fatalf("wire length = %d, want %d", len(wire), datagramWireOverhead+len(dg.Payload))
	}

	got, err := decodeDatagram(wire)
	if err != nil {
		t.Fatal(err)
	}
	if got.Header != dg.Header || string(got.Payload) != string(dg.Payload) {
		t.Errorf("round trip = %+v %q", got.Header, got.Payload)
	}
}

func TestDecodeDatagramRejectsBadTypeByte(t *testing.T) {
	dg := Datagram{Header: DatagramHeader{ID: 1}, Payload: []byte("x")}
	wire := encodeDatagram(dg)
	wire[0] = 0x21
	if _, err := decodeDatagram(wire); err == nil {
		t.Error("payload without the 0x30 type byte decoded")
	}
	if _, err := decodeDatagram(wire[:datagramWireOverhead-1]); err == nil {
		t.Error("truncated payload decoded")
	}
}

func TestDatagramSendFlowControl(t *testing.T) {
	m, tr := newDatagramManagerForTest(1, 100)
	flow, err := m.OpenFlow(0, 2)
	if err != nil {
		t.Fatal(err)
	}

	// A payload that fits sends fine, with the 0x30 type byte leading.
	if _, err := m.Send(context.Background(), flow, 7, QoSBestEffort, make([]byte, 10)); err != nil {
		t.Fatal(err)
	}
	if len(tr.sent) != 1 || len(tr.sent[0]) != datagramWireOverhead+10 {
		t.Fatalf("sent %d datagrams", len(tr.sent))
	}
	if tr.sent[0][0] != 0x30 {
		t.Fatalf("sent datagram begins with %#02x, want 0x30", tr.sent[0][0])
	}

	// The window now holds 100-27=73 bytes; a 70-byte payload needs 87.
	if _, err := m.Send(context.Background(), flow, 7, QoSBestEffort, make([]byte, 70)); err == nil {
		t.Fatal("send over window credit was not refused")
	}
	if len(tr.sent) != 1 {
		t.Error("refused send still reached the transport")
	}

	// Refusal advanced no state: a fitting payload still goes through.
	if _, err := m.Send(context.Background(), flow, 7, QoSBestEffort, make([]byte, 8)); err != nil {
		t.Errorf("send after refusal failed: %v", err)
	}
}

func TestDatagramInFlightSlots(t *testing.T) {
	m, _ := newDatagramManagerForTest(1, 1000)
	flow, err := m.OpenFlow(0, 2)
	if err != nil {
		t.Fatal(err)
	}

	id, err := m.Send(context.Background(), flow, 0, QoSReliable, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	// The reliable datagram holds its slot until acked.
	if _, err := m.Send(context.Background(), flow, 0, QoSReliable, []byte("again")); err == nil {
		t.Fatal("second reliable send got a slot while the first was unacked")
	}
	m.Ack(flow, id)
	if _, err := m.Send(context.Background(), flow, 0, QoSReliable, []byte("again")); err != nil {
		t.Errorf("send after ack failed: %v", err)
	}
}

func TestDatagramLossRetransmitsUntilBudget(t *testing.T) {
	m, tr := newDatagramManagerForTest(4, 1000)
	flow, err := m.OpenFlow(0, 2)
	if err != nil {
		t.Fatal(err)
	}

	id, err := m.Send(context.Background(), flow, 0, QoSReliable, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}

	m.OnLoss(flow, id) // retry 1
	m.OnLoss(flow, id) // retry 2
	if len(tr.sent) != 3 {
		t.Fatalf("transport saw %d sends, want original + 2 retries", len(tr.sent))
	}

	m.OnLoss(flow, id) // budget exhausted: declared lost
	if len(tr.sent) != 3 {
		t.Error("datagram retransmitted past its retry budget")
	}
	st, _ := m.Stats(flow)
	if st.Lost != 1 || st.Pending != 0 {
		t.Errorf("stats = %+v, want one lost, none pending", st)
	}
}

func TestDatagramRetransmitSweep(t *testing.T) {
	m, tr := newDatagramManagerForTest(4, 1000)
	flow, err := m.OpenFlow(0, 3)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Send(context.Background(), flow, 0, QoSCritical, []byte("y")); err != nil {
		t.Fatal(err)
	}

	m.Retransmit(0)
	if len(tr.sent) != 2 {
		t.Errorf("sweep sent %d, want a retransmission", len(tr.sent))
	}
	// Too-young datagrams are left alone.
	m.Retransmit(time.Hour)
	if len(tr.sent) != 2 {
		t.Error("sweep retransmitted a datagram younger than minAge")
	}
}

func TestDatagramReceiveLoop(t *testing.T) {
	m, tr := newDatagramManagerForTest(1, 100)
	hdr := DatagramHeader{ID: 42, QoS: QoSBestEffort, FlowID: 7, ContextID: 9}
	// A datagram without the leading 0x30 is dropped silently; the
	// well-formed one behind it is still delivered.
	tr.recv <- append(hdr.encode(), []byte("bare header, no type byte")...)
	tr.recv <- encodeDatagram(Datagram{Header: hdr, Payload: []byte("payload")})

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan Datagram, 1)
	go m.ReceiveLoop(ctx, func(dg Datagram) {
		got <- dg
		cancel()
	})

	select {
	case dg := <-got:
		if dg.Header != hdr || string(dg.Payload) != "payload" {
			t.Errorf("received %+v %q", dg.Header, dg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("datagram never delivered")
	}
}

func TestOpenFlowIDRange(t *testing.T) {
	m, _ := newDatagramManagerForTest(1, 100)
	seen := make(map[uint32]bool)
	for i := 0; i < 32; i++ {
		id, err := m.OpenFlow(0, 0)
		if err != nil {
			t.Fatal(err)
		}
		if id == 0 || id >= 1<<24 {
			t.Fatalf("flow id %d outside [1, 2^24)", id)
		}
		if seen[id] {
			t.Fatalf("flow id %d allocated twice", id)
		}
		seen[id] = true
	}
}

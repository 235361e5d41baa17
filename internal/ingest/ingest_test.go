package ingest

import (
	"bytes"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/pion/rtp"

	"github.com/tapline/tapline/internal/g711"
	"github.com/tapline/tapline/internal/session"
)

type memSink struct {
	bytes.Buffer
	closes int
}

func (m *memSink) Close() error     { m.closes++; return nil }
func (m *memSink) Path() string     { return "mem://sink" }
func (m *memSink) DataSize() uint32 { return uint32(m.Len()) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestListener(t *testing.T, reg *session.Registry) *Listener {
	t.Helper()
	l, err := NewListener(0, reg, testLogger())
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	t.Cleanup(func() { l.conn.Close() })
	return l
}

func linkedSession(t *testing.T, reg *session.Registry, ext string) (*session.Session, *memSink) {
	t.Helper()
	sink := &memSink{}
	s := session.New(ext, g711.PCMU, "127.0.0.1", 4000, sink, testLogger())
	if err := reg.Add(s); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.MarkMediaLinked(); err != nil {
		t.Fatalf("MarkMediaLinked: %v", err)
	}
	return s, sink
}

func marshalPacket(t *testing.T, pkt *rtp.Packet) []byte {
	t.Helper()
	data, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("marshal rtp packet: %v", err)
	}
	return data
}

func pcmuPacket(t *testing.T, ssrc uint32, seq uint16, payload []byte) []byte {
	t.Helper()
	return marshalPacket(t, &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    g711.PayloadPCMU,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 160,
			SSRC:           ssrc,
		},
		Payload: payload,
	})
}

var testSrc = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}

func TestProcessDecodesAndWrites(t *testing.T) {
	reg := session.NewRegistry([]string{"7000"}, testLogger())
	l := newTestListener(t, reg)
	s, sink := linkedSession(t, reg, "7000")

	payload := make([]byte, 160)
	for i := range payload {
		payload[i] = 0xFF // u-law silence
	}

	for seq := uint16(0); seq < 50; seq++ {
		l.process(pcmuPacket(t, 12345, seq, payload), testSrc)
	}

	if got := s.PacketCount(); got != 50 {
		t.Errorf("packet count = %d, want 50", got)
	}
	if got := sink.Len(); got != 50*160*2 {
		t.Errorf("sink bytes = %d, want %d", got, 50*160*2)
	}
	if s.State() != session.StateRecording {
		t.Errorf("state = %q, want recording", s.State())
	}
	if p, ok := s.PrimarySSRC(); !ok || p != 12345 {
		t.Errorf("primary ssrc = (%d, %v), want (12345, true)", p, ok)
	}

	st := l.Stats()
	if st.PacketsAccepted != 50 || st.BytesWritten != 50*160*2 {
		t.Errorf("stats = %+v, want 50 accepted / %d bytes", st, 50*160*2)
	}
}

func TestProcessPayloadOffsetWithCSRCs(t *testing.T) {
	reg := session.NewRegistry([]string{"7000"}, testLogger())
	l := newTestListener(t, reg)
	_, sink := linkedSession(t, reg, "7000")

	// Two CSRC entries shift the payload by 8 bytes; the decoded output
	// must still come from the payload, not the header.
	payload := []byte{0x00, 0xFF}
	data := marshalPacket(t, &rtp.Packet{
		Header: rtp.Header{
			Version:     2,
			PayloadType: g711.PayloadPCMU,
			SSRC:        1,
			CSRC:        []uint32{0xAAAAAAAA, 0xBBBBBBBB},
		},
		Payload: payload,
	})
	l.process(data, testSrc)

	want := g711.PCMU.Decode(nil, payload)
	if !bytes.Equal(sink.Bytes(), want) {
		t.Errorf("decoded output = %x, want %x", sink.Bytes(), want)
	}
}

func TestProcessPayloadOffsetWithExtension(t *testing.T) {
	reg := session.NewRegistry([]string{"7000"}, testLogger())
	l := newTestListener(t, reg)
	_, sink := linkedSession(t, reg, "7000")

	payload := []byte{0xFF, 0x00, 0xFF}
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:          2,
			Extension:        true,
			ExtensionProfile: 0xBEDE,
			PayloadType:      g711.PayloadPCMU,
			SSRC:             1,
		},
		Payload: payload,
	}
	if err := pkt.Header.SetExtension(1, []byte{0x42}); err != nil {
		t.Fatalf("SetExtension: %v", err)
	}
	l.process(marshalPacket(t, pkt), testSrc)

	want := g711.PCMU.Decode(nil, payload)
	if !bytes.Equal(sink.Bytes(), want) {
		t.Errorf("decoded output = %x, want %x", sink.Bytes(), want)
	}
}

func TestProcessDropsShortDatagram(t *testing.T) {
	reg := session.NewRegistry([]string{"7000"}, testLogger())
	l := newTestListener(t, reg)
	_, sink := linkedSession(t, reg, "7000")

	l.process([]byte{0x80, 0x00, 0x01}, testSrc)

	if sink.Len() != 0 {
		t.Error("short datagram reached the sink")
	}
	if l.Stats().PacketsDropped != 1 {
		t.Errorf("dropped = %d, want 1", l.Stats().PacketsDropped)
	}
}

func TestProcessDropsUnsupportedPayloadType(t *testing.T) {
	reg := session.NewRegistry([]string{"7000"}, testLogger())
	l := newTestListener(t, reg)
	_, sink := linkedSession(t, reg, "7000")

	// Telephone-event (DTMF) packet.
	data := marshalPacket(t, &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 101, SSRC: 12345},
		Payload: []byte{0x05, 0x8A, 0x01, 0x40},
	})
	l.process(data, testSrc)

	if sink.Len() != 0 {
		t.Error("unsupported payload type reached the sink")
	}
}

func TestProcessDropsWhenNoSessionMatches(t *testing.T) {
	reg := session.NewRegistry([]string{"7000"}, testLogger())
	l := newTestListener(t, reg)

	l.process(pcmuPacket(t, 999, 0, make([]byte, 160)), testSrc)

	st := l.Stats()
	if st.PacketsAccepted != 0 || st.PacketsDropped != 1 {
		t.Errorf("stats = %+v, want 0 accepted / 1 dropped", st)
	}
}

func TestProcessDropsAfterClosing(t *testing.T) {
	reg := session.NewRegistry([]string{"7000"}, testLogger())
	l := newTestListener(t, reg)
	s, sink := linkedSession(t, reg, "7000")

	l.process(pcmuPacket(t, 12345, 0, make([]byte, 160)), testSrc)
	s.BeginClose()
	l.process(pcmuPacket(t, 12345, 1, make([]byte, 160)), testSrc)

	if got := s.PacketCount(); got != 1 {
		t.Errorf("packet count = %d, want 1", got)
	}
	if got := sink.Len(); got != 160*2 {
		t.Errorf("sink bytes = %d, want %d", got, 160*2)
	}
}

func TestProcessCorrectsCodecFromWire(t *testing.T) {
	reg := session.NewRegistry([]string{"7000"}, testLogger())
	l := newTestListener(t, reg)
	s, sink := linkedSession(t, reg, "7000") // configured PCMU

	// The wire carries PCMA; the session's codec follows the wire.
	data := marshalPacket(t, &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: g711.PayloadPCMA, SSRC: 12345},
		Payload: []byte{0xD5, 0xD5},
	})
	l.process(data, testSrc)

	if s.Codec() != g711.PCMA {
		t.Errorf("codec = %v, want PCMA", s.Codec())
	}
	want := g711.PCMA.Decode(nil, []byte{0xD5, 0xD5})
	if !bytes.Equal(sink.Bytes(), want) {
		t.Errorf("decoded output = %x, want %x", sink.Bytes(), want)
	}
}

func TestListenerOverLoopback(t *testing.T) {
	reg := session.NewRegistry([]string{"7000"}, testLogger())
	l := newTestListener(t, reg)
	s, _ := linkedSession(t, reg, "7000")

	l.Start()
	defer l.Stop()

	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: l.Port()})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for seq := uint16(0); seq < 5; seq++ {
		if _, err := conn.Write(pcmuPacket(t, 777, seq, make([]byte, 160))); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.PacketCount() < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for packets, got %d", s.PacketCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

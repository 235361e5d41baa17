package session

import (
	"bytes"
	"log/slog"
	"os"
	"testing"

	"github.com/tapline/tapline/internal/g711"
)

// memSink is an in-memory Sink for tests.
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

func newTestSession(ext string) (*Session, *memSink) {
	sink := &memSink{}
	return New(ext, g711.PCMU, "10.0.0.1", 4000, sink, testLogger()), sink
}

func TestSessionLifecycle(t *testing.T) {
	s, _ := newTestSession("7000")

	if s.State() != StateCreated {
		t.Fatalf("initial state = %q, want created", s.State())
	}

	if err := s.MarkMediaLinked(); err != nil {
		t.Fatalf("MarkMediaLinked: %v", err)
	}
	if s.State() != StateMediaLinked {
		t.Errorf("state = %q, want media_linked", s.State())
	}

	// First accepted payload transitions to recording.
	if err := s.WritePCM([]byte{0, 0}); err != nil {
		t.Fatalf("WritePCM: %v", err)
	}
	if s.State() != StateRecording {
		t.Errorf("state = %q, want recording", s.State())
	}

	if !s.BeginClose() {
		t.Error("BeginClose returned false on active session")
	}
	if s.State() != StateClosing {
		t.Errorf("state = %q, want closing", s.State())
	}

	s.FinishClose()
	if s.State() != StateClosed {
		t.Errorf("state = %q, want closed", s.State())
	}
}

func TestBeginCloseFromCreated(t *testing.T) {
	s, _ := newTestSession("7000")
	if !s.BeginClose() {
		t.Error("BeginClose from created returned false")
	}
	if s.State() != StateClosing {
		t.Errorf("state = %q, want closing", s.State())
	}
}

func TestBeginCloseIdempotent(t *testing.T) {
	s, _ := newTestSession("7000")
	s.MarkMediaLinked()
	if !s.BeginClose() {
		t.Error("first BeginClose returned false")
	}
	if s.BeginClose() {
		t.Error("second BeginClose returned true")
	}
}

func TestWritePCMRejectedBeforeLink(t *testing.T) {
	s, sink := newTestSession("7000")

	if err := s.WritePCM([]byte{1, 2}); err != nil {
		t.Fatalf("WritePCM: %v", err)
	}
	if sink.Len() != 0 {
		t.Errorf("sink received %d bytes in created state, want 0", sink.Len())
	}
	if s.PacketCount() != 0 {
		t.Errorf("packet count = %d, want 0", s.PacketCount())
	}
}

func TestWritePCMRejectedAfterClose(t *testing.T) {
	s, sink := newTestSession("7000")
	s.MarkMediaLinked()
	s.WritePCM([]byte{1, 2})

	s.BeginClose()

	if err := s.WritePCM([]byte{3, 4}); err != nil {
		t.Fatalf("WritePCM: %v", err)
	}
	if sink.Len() != 2 {
		t.Errorf("sink has %d bytes after post-close write, want 2", sink.Len())
	}
	if s.PacketCount() != 1 {
		t.Errorf("packet count = %d, want 1", s.PacketCount())
	}
}

func TestWritePCMCounts(t *testing.T) {
	s, sink := newTestSession("7000")
	s.MarkMediaLinked()

	pcm := make([]byte, 320)
	for i := 0; i < 50; i++ {
		if err := s.WritePCM(pcm); err != nil {
			t.Fatalf("WritePCM #%d: %v", i, err)
		}
	}
	if s.PacketCount() != 50 {
		t.Errorf("packet count = %d, want 50", s.PacketCount())
	}
	if sink.Len() != 50*320 {
		t.Errorf("sink bytes = %d, want %d", sink.Len(), 50*320)
	}
}

func TestObserveSSRCLimit(t *testing.T) {
	s, _ := newTestSession("7000")

	if added, anomaly := s.ObserveSSRC(111); !added || anomaly {
		t.Errorf("first ObserveSSRC = (%v, %v), want (true, false)", added, anomaly)
	}
	if p, ok := s.PrimarySSRC(); !ok || p != 111 {
		t.Errorf("primary = (%d, %v), want (111, true)", p, ok)
	}

	if added, anomaly := s.ObserveSSRC(222); !added || anomaly {
		t.Errorf("second ObserveSSRC = (%v, %v), want (true, false)", added, anomaly)
	}

	// Third distinct SSRC is an anomaly, not a new direction.
	if added, anomaly := s.ObserveSSRC(333); added || !anomaly {
		t.Errorf("third ObserveSSRC = (%v, %v), want (false, true)", added, anomaly)
	}
	if s.SSRCCount() != 2 {
		t.Errorf("ssrc count = %d, want 2", s.SSRCCount())
	}

	// Re-observing a known SSRC is neither an add nor an anomaly.
	if added, anomaly := s.ObserveSSRC(111); added || anomaly {
		t.Errorf("repeat ObserveSSRC = (%v, %v), want (false, false)", added, anomaly)
	}
}

func TestObserveCodecCorrection(t *testing.T) {
	s, _ := newTestSession("7000")

	if got := s.ObserveCodec(g711.PayloadPCMA); got != g711.PCMA {
		t.Errorf("ObserveCodec(8) = %v, want PCMA", got)
	}
	if s.Codec() != g711.PCMA {
		t.Errorf("codec after correction = %v, want PCMA", s.Codec())
	}

	// Unknown payload types leave the codec alone.
	if got := s.ObserveCodec(18); got != g711.PCMA {
		t.Errorf("ObserveCodec(18) = %v, want PCMA unchanged", got)
	}
}

func TestLearnSourcePortOnce(t *testing.T) {
	s, _ := newTestSession("7000")
	s.LearnSourcePort(12000)
	s.LearnSourcePort(13000)
	if s.SourcePort() != 12000 {
		t.Errorf("source port = %d, want first-learned 12000", s.SourcePort())
	}
}

func TestAttachGenerations(t *testing.T) {
	s, _ := newTestSession("7000")
	g1 := s.NextAttachGen()
	g2 := s.NextAttachGen()
	if g2 <= g1 {
		t.Errorf("attach generations not increasing: %d then %d", g1, g2)
	}
	if s.AttachGen() != g2 {
		t.Errorf("AttachGen = %d, want %d", s.AttachGen(), g2)
	}
}

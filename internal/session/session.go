// Package session owns the call-recording session model: one Session per
// call, a lifecycle state machine, and the Registry that resolves anonymous
// RTP traffic to sessions.
package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/tapline/tapline/internal/g711"
)

// State is a session lifecycle state.
type State string

const (
	StateCreated     State = "created"      // session exists, media leg not yet placed
	StateMediaLinked State = "media_linked" // media leg created and attached at least once
	StateRecording   State = "recording"    // first payload-bearing packet accepted
	StateClosing     State = "closing"      // terminal signaling event seen, finalizing
	StateClosed      State = "closed"       // sink finalized, about to be evicted
)

// FSM event names.
const (
	eventLink   = "link"
	eventRecord = "record"
	eventClose  = "close"
	eventFinish = "finish"
)

// maxSSRCs bounds the SSRC set: a call has at most two media directions.
// A third distinct SSRC is a matching anomaly, not a new direction.
const maxSSRCs = 2

// Sink persists decoded PCM for one session. Write appends sample bytes,
// Close finalizes the container. Implemented by wav.Writer.
type Sink interface {
	io.WriteCloser
	Path() string
	DataSize() uint32
}

// Session is the unit of one call's recording. Identity fields are set at
// creation and never change; mutable fields are guarded by mu. The closing
// flag is the cooperative cancellation signal checked by the ingest path
// and by in-flight bridge-attach retries.
type Session struct {
	ID        string
	Extension string
	// RTPAddress and RTPPort are what this process advertises to the
	// control plane for media delivery. The port is shared by all sessions.
	RTPAddress string
	RTPPort    int
	StartTime  time.Time

	logger  *slog.Logger
	machine *fsm.FSM
	closing atomic.Bool

	mu          sync.Mutex
	codec       g711.Codec
	callLegID   string
	mediaLegID  string
	bridgeID    string
	attachGen   uint64
	srcPort     int
	ssrcs       []uint32 // ssrcs[0] is the primary
	packetCount uint64
	sink        Sink
}

// New creates a session in the created state with a fresh opaque id.
func New(extension string, codec g711.Codec, rtpAddress string, rtpPort int, sink Sink, logger *slog.Logger) *Session {
	s := &Session{
		ID:         uuid.NewString(),
		Extension:  extension,
		RTPAddress: rtpAddress,
		RTPPort:    rtpPort,
		StartTime:  time.Now(),
		codec:      codec,
		sink:       sink,
	}
	s.logger = logger.With("subsystem", "session", "session_id", s.ID, "extension", extension)

	s.machine = fsm.NewFSM(
		string(StateCreated),
		fsm.Events{
			{Name: eventLink, Src: []string{string(StateCreated)}, Dst: string(StateMediaLinked)},
			{Name: eventRecord, Src: []string{string(StateMediaLinked)}, Dst: string(StateRecording)},
			{Name: eventClose, Src: []string{string(StateCreated), string(StateMediaLinked), string(StateRecording)}, Dst: string(StateClosing)},
			{Name: eventFinish, Src: []string{string(StateClosing)}, Dst: string(StateClosed)},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				s.logger.Debug("session state change", "from", e.Src, "to", e.Dst)
			},
		},
	)

	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.machine.Current())
}

// MarkMediaLinked transitions created → media_linked after the first
// successful placement of the media leg.
func (s *Session) MarkMediaLinked() error {
	return s.machine.Event(context.Background(), eventLink)
}

// BeginClose transitions the session to closing. It is synchronous with the
// triggering event and must run before any asynchronous cleanup, so that a
// packet arriving in the same processing pass can no longer reach the sink.
// Returns false if the session was already closing or closed.
func (s *Session) BeginClose() bool {
	if !s.closing.CompareAndSwap(false, true) {
		return false
	}
	if err := s.machine.Event(context.Background(), eventClose); err != nil {
		s.logger.Warn("close transition rejected", "state", s.machine.Current(), "error", err)
	}
	return true
}

// FinishClose transitions closing → closed once the sink is finalized.
func (s *Session) FinishClose() {
	if err := s.machine.Event(context.Background(), eventFinish); err != nil {
		s.logger.Warn("finish transition rejected", "state", s.machine.Current(), "error", err)
	}
}

// Closing reports whether the session has entered closing (or closed).
// In-flight retry loops check this before every step.
func (s *Session) Closing() bool {
	return s.closing.Load()
}

// AcceptsMedia reports whether packets may currently be fed to the sink.
func (s *Session) AcceptsMedia() bool {
	if s.closing.Load() {
		return false
	}
	st := s.State()
	return st == StateMediaLinked || st == StateRecording
}

// WritePCM feeds decoded PCM bytes to the sink and counts the packet.
// The first accepted payload transitions media_linked → recording. The
// closing check and the sink write happen under one lock so a concurrent
// BeginClose cannot interleave between them.
func (s *Session) WritePCM(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing.Load() || s.sink == nil {
		return nil
	}
	if st := s.State(); st != StateMediaLinked && st != StateRecording {
		return nil
	}
	if len(pcm) == 0 {
		return nil
	}

	if s.State() == StateMediaLinked {
		if err := s.machine.Event(context.Background(), eventRecord); err == nil {
			s.logger.Info("recording started")
		}
	}

	s.packetCount++
	_, err := s.sink.Write(pcm)
	return err
}

// PacketCount returns the number of payload-bearing packets accepted.
func (s *Session) PacketCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packetCount
}

// Codec returns the session's current codec belief.
func (s *Session) Codec() g711.Codec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codec
}

// ObserveCodec reconciles the configured codec with the payload type seen on
// the wire. The signaling side's advertised format and the media actually
// sent can disagree; the wire is authoritative.
func (s *Session) ObserveCodec(payloadType uint8) g711.Codec {
	c, ok := g711.FromPayloadType(payloadType)
	if !ok {
		return s.Codec()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c != s.codec {
		s.logger.Info("codec corrected from wire",
			"configured", s.codec.String(),
			"observed", c.String(),
		)
		s.codec = c
	}
	return s.codec
}

// PrimarySSRC returns the first SSRC observed for this session.
func (s *Session) PrimarySSRC() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ssrcs) == 0 {
		return 0, false
	}
	return s.ssrcs[0], true
}

// HasSSRC reports whether ssrc is attributed to this session.
func (s *Session) HasSSRC(ssrc uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.ssrcs {
		if v == ssrc {
			return true
		}
	}
	return false
}

// SSRCCount returns the number of SSRCs attributed to this session.
func (s *Session) SSRCCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ssrcs)
}

// ObserveSSRC records a newly seen SSRC. The first becomes the primary, the
// second is treated as the reverse media direction. A third distinct SSRC is
// not appended; added is false and anomaly true in that case.
func (s *Session) ObserveSSRC(ssrc uint32) (added, anomaly bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.ssrcs {
		if v == ssrc {
			return false, false
		}
	}
	if len(s.ssrcs) >= maxSSRCs {
		return false, true
	}
	s.ssrcs = append(s.ssrcs, ssrc)
	return true, false
}

// SourcePort returns the remote port this session's media is expected to
// arrive from, or 0 if not yet known.
func (s *Session) SourcePort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.srcPort
}

// LearnSourcePort records the remote source port the first time a packet is
// attributed to this session, so later packets can match by port even if
// the stream's SSRC changes.
func (s *Session) LearnSourcePort(port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srcPort == 0 {
		s.srcPort = port
	}
}

// CallLegID returns the originating call's signaling leg id.
func (s *Session) CallLegID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callLegID
}

// SetCallLegID records the originating call's signaling leg id.
func (s *Session) SetCallLegID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callLegID = id
}

// MediaLegID returns the synthetic external-media leg id.
func (s *Session) MediaLegID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mediaLegID
}

// SetMediaLegID records the synthetic external-media leg id.
func (s *Session) SetMediaLegID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mediaLegID = id
}

// BridgeID returns the mixing context currently believed to carry this
// session's media leg, or "".
func (s *Session) BridgeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bridgeID
}

// SetBridgeID updates the believed mixing context.
func (s *Session) SetBridgeID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bridgeID = id
}

// NextAttachGen starts a new attach attempt generation and returns it.
// An in-flight attach loop whose generation has been superseded aborts.
func (s *Session) NextAttachGen() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachGen++
	return s.attachGen
}

// AttachGen returns the current attach generation.
func (s *Session) AttachGen() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attachGen
}

// Sink returns the session's recording sink.
func (s *Session) Sink() Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink
}

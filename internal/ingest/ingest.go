// Package ingest is the RTP receive path: a single UDP socket shared by all
// sessions, read by one loop that parses each datagram, resolves it to a
// session through the registry's matching heuristics, decodes the G.711
// payload, and feeds the PCM to the session's sink. Datagrams are processed
// strictly in arrival order; sequence numbers are not used to reorder.
package ingest

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"golang.org/x/time/rate"

	"github.com/tapline/tapline/internal/g711"
	"github.com/tapline/tapline/internal/session"
)

const (
	// maxDatagram is the largest UDP payload we read. Standard MTU media
	// packets are far smaller; anything beyond this is truncated.
	maxDatagram = 1500

	// rtpHeaderSize is the fixed part of an RTP header.
	rtpHeaderSize = 12
)

// Stats is a snapshot of ingest counters.
type Stats struct {
	PacketsAccepted uint64
	PacketsDropped  uint64
	BytesWritten    uint64
}

// Listener owns the shared RTP socket and the demultiplexing loop.
type Listener struct {
	conn   *net.UDPConn
	reg    *session.Registry
	logger *slog.Logger

	// unmatchedLog bounds diagnostic logging for packets that resolve to
	// no session, so a stray media stream cannot flood the log.
	unmatchedLog *rate.Limiter

	packetsAccepted atomic.Uint64
	packetsDropped  atomic.Uint64
	bytesWritten    atomic.Uint64

	// pcm is the decode scratch buffer, reused by the single read loop.
	pcm []byte

	wg sync.WaitGroup
}

// NewListener binds the shared RTP port on all interfaces. Port 0 selects an
// ephemeral port (used by tests).
func NewListener(port int, reg *session.Registry, logger *slog.Logger) (*Listener, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, err
	}
	return &Listener{
		conn:         conn,
		reg:          reg,
		logger:       logger.With("subsystem", "rtp-ingest"),
		unmatchedLog: rate.NewLimiter(rate.Every(5*time.Second), 3),
		pcm:          make([]byte, 0, 2*maxDatagram),
	}, nil
}

// Port returns the bound UDP port.
func (l *Listener) Port() int {
	return l.conn.LocalAddr().(*net.UDPAddr).Port
}

// Start launches the receive loop.
func (l *Listener) Start() {
	l.wg.Add(1)
	go l.readLoop()
	l.logger.Info("rtp ingest listening", "port", l.Port())
}

// Stop closes the socket and waits for the receive loop to exit.
func (l *Listener) Stop() {
	l.conn.Close()
	l.wg.Wait()
	st := l.Stats()
	l.logger.Info("rtp ingest stopped",
		"packets_accepted", st.PacketsAccepted,
		"packets_dropped", st.PacketsDropped,
		"bytes_written", st.BytesWritten,
	)
}

// Stats returns a snapshot of the ingest counters.
func (l *Listener) Stats() Stats {
	return Stats{
		PacketsAccepted: l.packetsAccepted.Load(),
		PacketsDropped:  l.packetsDropped.Load(),
		BytesWritten:    l.bytesWritten.Load(),
	}
}

func (l *Listener) readLoop() {
	defer l.wg.Done()

	buf := make([]byte, maxDatagram)
	for {
		n, src, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Warn("rtp socket read error", "error", err)
			continue
		}
		l.process(buf[:n], src)
	}
}

// process handles one datagram. All failures are absorbed here: a bad
// packet, an unresolvable stream, or a sink error must never disturb the
// receive loop or the call it belongs to.
func (l *Listener) process(data []byte, src *net.UDPAddr) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("panic in rtp packet handler", "panic", r)
		}
	}()

	// Too short to carry an RTP header; not worth logging.
	if len(data) < rtpHeaderSize {
		l.packetsDropped.Add(1)
		return
	}

	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		l.packetsDropped.Add(1)
		return
	}

	// Only the two G.711 payload types are in play; anything else
	// (DTMF events, comfort noise) is dropped silently.
	if _, ok := g711.FromPayloadType(pkt.PayloadType); !ok {
		l.packetsDropped.Add(1)
		return
	}

	sess := l.reg.Resolve(pkt.SSRC, src.Port)
	if sess == nil {
		l.packetsDropped.Add(1)
		// Log only while some session is live; under idle load an
		// unmatched stream is pure noise.
		if l.reg.ActiveCount() > 0 && l.unmatchedLog.Allow() {
			l.logger.Debug("rtp packet matched no session",
				"ssrc", pkt.SSRC,
				"src", src.String(),
				"payload_type", pkt.PayloadType,
			)
		}
		return
	}

	if !sess.AcceptsMedia() {
		l.packetsDropped.Add(1)
		return
	}

	codec := sess.ObserveCodec(pkt.PayloadType)

	if len(pkt.Payload) == 0 {
		return
	}

	l.pcm = codec.Decode(l.pcm[:0], pkt.Payload)
	if err := sess.WritePCM(l.pcm); err != nil {
		l.packetsDropped.Add(1)
		l.logger.Error("recording sink write failed",
			"session_id", sess.ID,
			"error", err,
		)
		return
	}

	l.packetsAccepted.Add(1)
	l.bytesWritten.Add(uint64(len(l.pcm)))
}

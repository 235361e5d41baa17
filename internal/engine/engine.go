// Package engine drives recording sessions from the control-plane event
// stream: a watched call entering the application starts a session, its
// external-media leg is created and mapped before the control plane can
// race us with the first packet, and any terminal event for either leg
// tears the session down.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tapline/tapline/internal/ari"
	"github.com/tapline/tapline/internal/g711"
	"github.com/tapline/tapline/internal/session"
	"github.com/tapline/tapline/internal/wav"
)

// ControlPlane is the slice of control-plane operations the engine uses.
// *ari.Client implements it.
type ControlPlane interface {
	ExternalMedia(ctx context.Context, channelID, externalHost, format string) (*ari.Channel, error)
	Hangup(ctx context.Context, channelID string) error
}

// Placer keeps media legs in the right mixing context. Implemented by
// bridge.Coordinator.
type Placer interface {
	Place(ctx context.Context, s *session.Session)
	HandleBridgeCreated(ctx context.Context, b *ari.Bridge)
}

// sinkCloseTimeout bounds how long session finalization waits for the
// container to be patched before giving up on that file.
const sinkCloseTimeout = 2 * time.Second

// Config carries the engine's media and storage settings.
type Config struct {
	RecordingsDir string
	AdvertiseHost string
	RTPPort       int
	Codec         g711.Codec
}

// Engine consumes control-plane events and owns session lifecycle.
type Engine struct {
	cp     ControlPlane
	placer Placer
	reg    *session.Registry
	cfg    Config
	logger *slog.Logger

	recordingsCompleted atomic.Uint64
	recordingsFailed    atomic.Uint64

	wg sync.WaitGroup
}

// New creates an engine. The registry decides which extensions are watched.
func New(cp ControlPlane, placer Placer, reg *session.Registry, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		cp:     cp,
		placer: placer,
		reg:    reg,
		cfg:    cfg,
		logger: logger.With("subsystem", "engine"),
	}
}

// RecordingsCompleted returns the number of sessions finalized since start.
func (e *Engine) RecordingsCompleted() uint64 {
	return e.recordingsCompleted.Load()
}

// RecordingsFailed returns the number of sessions abandoned before any
// media could be captured.
func (e *Engine) RecordingsFailed() uint64 {
	return e.recordingsFailed.Load()
}

// Run consumes events until the channel closes or ctx ends, then drains
// all remaining sessions.
func (e *Engine) Run(ctx context.Context, events <-chan ari.Event) {
	for {
		select {
		case <-ctx.Done():
			e.drain(context.Background())
			return
		case ev, ok := <-events:
			if !ok {
				e.drain(context.Background())
				return
			}
			e.Handle(ctx, ev)
		}
	}
}

// Handle dispatches a single control-plane event.
func (e *Engine) Handle(ctx context.Context, ev ari.Event) {
	switch ev.Type {
	case ari.EventStasisStart:
		e.handleStasisStart(ctx, ev)
	case ari.EventStasisEnd, ari.EventChannelDestroyed, ari.EventChannelHangupRequest:
		if ev.Channel != nil {
			e.handleChannelGone(ctx, ev.Channel.ID, ev.Type)
		}
	case ari.EventBridgeCreated:
		if ev.Bridge != nil {
			e.placer.HandleBridgeCreated(ctx, ev.Bridge)
		}
	case ari.EventBridgeDestroyed:
		if ev.Bridge != nil {
			e.handleBridgeDestroyed(ctx, ev.Bridge.ID)
		}
	case ari.EventDial, ari.EventChannelStateChange:
		// Progress events carry no state we act on.
		if ev.Channel != nil {
			e.logger.Debug("call progress", "event", ev.Type, "channel_id", ev.Channel.ID, "state", ev.Channel.State)
		}
	default:
		e.logger.Debug("event ignored", "event", ev.Type)
	}
}

func (e *Engine) handleStasisStart(ctx context.Context, ev ari.Event) {
	ch := ev.Channel
	if ch == nil {
		return
	}

	// Our own media legs also enter the application. They carry no new
	// session, only confirmation that the leg is up.
	if s := e.reg.ByMediaLeg(ch.ID); s != nil {
		e.logger.Debug("media leg entered application", "session_id", s.ID, "channel_id", ch.ID)
		return
	}

	exten := ch.Dialplan.Exten
	if !e.reg.Watched(exten) {
		e.logger.Debug("channel for unwatched extension ignored", "channel_id", ch.ID, "extension", exten)
		return
	}
	if s := e.reg.ByCallLeg(ch.ID); s != nil {
		e.logger.Debug("channel already tracked", "session_id", s.ID, "channel_id", ch.ID)
		return
	}

	path := filepath.Join(e.cfg.RecordingsDir, recordingName(exten, time.Now()))
	sink, err := wav.NewWriter(path, e.logger)
	if err != nil {
		e.recordingsFailed.Add(1)
		e.logger.Error("cannot open recording file, call not recorded",
			"channel_id", ch.ID,
			"path", path,
			"error", err,
		)
		return
	}

	s := session.New(exten, e.cfg.Codec, e.cfg.AdvertiseHost, e.cfg.RTPPort, sink, e.logger)
	s.SetCallLegID(ch.ID)
	if err := e.reg.Add(s); err != nil {
		e.recordingsFailed.Add(1)
		e.logger.Error("session registration failed", "session_id", s.ID, "error", err)
		sink.Close()
		return
	}
	e.reg.MapCallLeg(ch.ID, s.ID)

	// The media leg id is ours to choose, so the leg is routable in the
	// registry before the control plane ever knows it exists.
	mediaID := uuid.NewString()
	s.SetMediaLegID(mediaID)
	e.reg.MapMediaLeg(mediaID, s.ID)

	e.logger.Info("recording session started",
		"session_id", s.ID,
		"extension", exten,
		"call_leg", ch.ID,
		"media_leg", mediaID,
		"path", path,
	)

	externalHost := net.JoinHostPort(e.cfg.AdvertiseHost, strconv.Itoa(e.cfg.RTPPort))
	if _, err := e.cp.ExternalMedia(ctx, mediaID, externalHost, e.cfg.Codec.String()); err != nil {
		e.recordingsFailed.Add(1)
		e.logger.Error("external media leg creation failed",
			"session_id", s.ID,
			"error", err,
		)
		e.closeSession(ctx, s, "media leg creation failed")
		return
	}

	go e.placer.Place(ctx, s)
}

func (e *Engine) handleChannelGone(ctx context.Context, channelID, event string) {
	s := e.reg.ByChannel(channelID)
	if s == nil {
		return
	}
	e.logger.Info("session leg ended",
		"session_id", s.ID,
		"channel_id", channelID,
		"event", event,
	)
	e.closeSession(ctx, s, event)
}

func (e *Engine) handleBridgeDestroyed(ctx context.Context, bridgeID string) {
	for _, s := range e.reg.ByBridge(bridgeID) {
		e.logger.Info("mixing bridge destroyed under session",
			"session_id", s.ID,
			"bridge_id", bridgeID,
		)
		e.closeSession(ctx, s, ari.EventBridgeDestroyed)
	}
}

// closeSession runs the synchronous half of teardown inline, so that no
// packet processed after the triggering event can still reach the sink,
// and hands the slow half (file finalize, media-leg hangup) to a goroutine.
func (e *Engine) closeSession(ctx context.Context, s *session.Session, reason string) {
	if !s.BeginClose() {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.finalize(ctx, s, reason)
	}()
}

func (e *Engine) finalize(ctx context.Context, s *session.Session, reason string) {
	start := s.StartTime

	if sink := s.Sink(); sink != nil {
		done := make(chan error, 1)
		go func() { done <- sink.Close() }()
		select {
		case err := <-done:
			if err != nil {
				e.logger.Error("recording finalize failed", "session_id", s.ID, "path", sink.Path(), "error", err)
			}
		case <-time.After(sinkCloseTimeout):
			e.logger.Error("recording finalize timed out", "session_id", s.ID, "path", sink.Path())
		}
	}

	if mediaLeg := s.MediaLegID(); mediaLeg != "" {
		if err := e.cp.Hangup(ctx, mediaLeg); err != nil && !ari.IsNotFound(err) {
			e.logger.Warn("media leg hangup failed", "session_id", s.ID, "media_leg", mediaLeg, "error", err)
		}
	}

	s.FinishClose()
	e.reg.Evict(s.ID)
	e.recordingsCompleted.Add(1)

	e.logger.Info("recording session closed",
		"session_id", s.ID,
		"reason", reason,
		"duration", time.Since(start).Round(time.Millisecond),
		"packets", s.PacketCount(),
	)
}

// drain closes every remaining session and waits for finalization. Used
// on shutdown so in-progress files still get valid headers.
func (e *Engine) drain(ctx context.Context) {
	for _, s := range e.reg.All() {
		e.closeSession(ctx, s, "shutdown")
	}
	e.wg.Wait()
}

// Wait blocks until all in-flight finalizations are done.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func recordingName(extension string, t time.Time) string {
	return fmt.Sprintf("%s-%s-%s.wav", extension, t.Format("20060102-150405"), uuid.NewString()[:8])
}

// Package bridge keeps each session's external-media leg inside the same
// mixing context as the live call. The control plane's own bridge creation
// for a call is not ordered with respect to our media-leg creation, so the
// coordinator holds only a local belief of the right bridge and repairs it:
// from bridge-created events, and from a periodic reconciliation scan that
// re-derives the truth from the control plane's membership lists.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tapline/tapline/internal/ari"
	"github.com/tapline/tapline/internal/session"
)

// ControlPlane is the slice of control-plane operations the coordinator
// uses. *ari.Client implements it.
type ControlPlane interface {
	Bridges(ctx context.Context) ([]ari.Bridge, error)
	Bridge(ctx context.Context, id string) (*ari.Bridge, error)
	CreateBridge(ctx context.Context, name string) (*ari.Bridge, error)
	AddChannel(ctx context.Context, bridgeID, channelID string) error
}

const (
	defaultRetryInterval     = 500 * time.Millisecond
	defaultMaxAttempts       = 8
	defaultReconcileInterval = 5 * time.Second
)

// Coordinator reconciles media-leg bridge membership for all sessions.
type Coordinator struct {
	cp     ControlPlane
	reg    *session.Registry
	logger *slog.Logger

	retryInterval     time.Duration
	maxAttempts       int
	reconcileInterval time.Duration

	wg sync.WaitGroup
}

// New creates a coordinator with the default retry and reconcile policy.
func New(cp ControlPlane, reg *session.Registry, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		cp:                cp,
		reg:               reg,
		logger:            logger.With("subsystem", "bridge-coordinator"),
		retryInterval:     defaultRetryInterval,
		maxAttempts:       defaultMaxAttempts,
		reconcileInterval: defaultReconcileInterval,
	}
}

// Start launches the periodic reconciliation scan. It stops when ctx ends.
func (c *Coordinator) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.reconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Reconcile(ctx)
			}
		}
	}()
}

// Wait blocks until the reconciliation loop has exited.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Place performs the initial placement for a new session: find the mixing
// context already carrying the call leg, or create one and pull the call
// leg in, then attach the media leg. Any failure here is a recording
// failure only; the call itself is never touched.
func (c *Coordinator) Place(ctx context.Context, s *session.Session) {
	bridgeID, err := c.findOrCreateBridge(ctx, s)
	if err != nil {
		if ari.IsNotFound(err) {
			c.logger.Debug("placement target already gone", "session_id", s.ID)
			return
		}
		c.logger.Error("initial bridge placement failed",
			"session_id", s.ID,
			"error", err,
		)
		return
	}
	c.Attach(ctx, s, bridgeID)
}

func (c *Coordinator) findOrCreateBridge(ctx context.Context, s *session.Session) (string, error) {
	callLeg := s.CallLegID()

	bridges, err := c.cp.Bridges(ctx)
	if err != nil {
		return "", fmt.Errorf("listing bridges: %w", err)
	}
	for i := range bridges {
		if bridges[i].Has(callLeg) {
			return bridges[i].ID, nil
		}
	}

	b, err := c.cp.CreateBridge(ctx, "rec-"+s.ID)
	if err != nil {
		return "", fmt.Errorf("creating bridge: %w", err)
	}
	if err := c.cp.AddChannel(ctx, b.ID, callLeg); err != nil {
		return "", fmt.Errorf("adding call leg to bridge %s: %w", b.ID, err)
	}

	c.logger.Info("mixing bridge created for call",
		"session_id", s.ID,
		"bridge_id", b.ID,
		"call_leg", callLeg,
	)
	return b.ID, nil
}

// Attach adds the session's media leg to bridgeID, retrying transient
// failures on a fixed interval up to the retry ceiling. The attempt aborts
// early if the session enters closing or a newer attach supersedes this
// one. "Already a member" counts as success. Returns true on success.
func (c *Coordinator) Attach(ctx context.Context, s *session.Session, bridgeID string) bool {
	mediaLeg := s.MediaLegID()
	if mediaLeg == "" {
		return false
	}

	gen := s.NextAttachGen()

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if s.Closing() || s.AttachGen() != gen || ctx.Err() != nil {
			return false
		}

		err := c.cp.AddChannel(ctx, bridgeID, mediaLeg)
		if err == nil || c.isMember(ctx, bridgeID, mediaLeg) {
			c.attached(s, bridgeID)
			return true
		}

		if ari.IsNotFound(err) {
			// Bridge or leg already torn down; benign during cleanup.
			c.logger.Debug("attach target gone",
				"session_id", s.ID,
				"bridge_id", bridgeID,
			)
			return false
		}

		c.logger.Warn("media leg attach failed, retrying",
			"session_id", s.ID,
			"bridge_id", bridgeID,
			"attempt", attempt,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.retryInterval):
		}
	}

	// Recording for this session is abandoned; the call is unaffected.
	c.logger.Error("media leg attach failed permanently",
		"session_id", s.ID,
		"bridge_id", bridgeID,
		"attempts", c.maxAttempts,
	)
	return false
}

func (c *Coordinator) isMember(ctx context.Context, bridgeID, channelID string) bool {
	b, err := c.cp.Bridge(ctx, bridgeID)
	return err == nil && b.Has(channelID)
}

func (c *Coordinator) attached(s *session.Session, bridgeID string) {
	s.SetBridgeID(bridgeID)
	if s.State() == session.StateCreated {
		if err := s.MarkMediaLinked(); err != nil {
			c.logger.Warn("media link transition rejected", "session_id", s.ID, "error", err)
		}
	}
	c.logger.Info("media leg attached",
		"session_id", s.ID,
		"bridge_id", bridgeID,
	)
}

// HandleBridgeCreated reacts to a bridge-created event: if the new context
// carries a tracked call leg, the belief moves there and the media leg
// follows asynchronously.
func (c *Coordinator) HandleBridgeCreated(ctx context.Context, b *ari.Bridge) {
	for _, ch := range b.Channels {
		s := c.reg.ByCallLeg(ch)
		if s == nil || s.Closing() {
			continue
		}
		if s.BridgeID() == b.ID {
			continue
		}
		c.logger.Info("call leg seen in new bridge",
			"session_id", s.ID,
			"bridge_id", b.ID,
		)
		go c.Attach(ctx, s, b.ID)
	}
}

// Reconcile re-derives each active session's mixing context from the
// control plane's current membership lists and repairs any divergence:
// a moved call leg, or a media leg that silently fell out of its bridge.
func (c *Coordinator) Reconcile(ctx context.Context) {
	active := c.reg.Active()
	if len(active) == 0 {
		return
	}

	bridges, err := c.cp.Bridges(ctx)
	if err != nil {
		c.logger.Warn("reconcile scan failed", "error", err)
		return
	}

	for _, s := range active {
		callLeg := s.CallLegID()
		mediaLeg := s.MediaLegID()
		if callLeg == "" || mediaLeg == "" {
			continue
		}
		for i := range bridges {
			b := &bridges[i]
			if !b.Has(callLeg) {
				continue
			}
			if b.ID != s.BridgeID() || !b.Has(mediaLeg) {
				c.logger.Info("reconciling media leg attachment",
					"session_id", s.ID,
					"bridge_id", b.ID,
					"believed_bridge_id", s.BridgeID(),
				)
				go c.Attach(ctx, s, b.ID)
			}
			break
		}
	}
}

package session

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Registry is the single shared directory of call-recording sessions.
// Primary key is the session id; secondary lookups exist by SSRC, by
// expected RTP source port, and by the signaling leg ids. All mutation
// funnels through the registry so that lifecycle transitions are
// synchronous with the events that trigger them.
type Registry struct {
	logger  *slog.Logger
	watched map[string]struct{}

	mu         sync.RWMutex
	byID       map[string]*Session
	byMediaLeg map[string]string // media leg id → session id
	byCallLeg  map[string]string // call leg id → session id
}

// NewRegistry creates a registry that only admits media for sessions whose
// extension is in the watched set.
func NewRegistry(watchedExtensions []string, logger *slog.Logger) *Registry {
	w := make(map[string]struct{}, len(watchedExtensions))
	for _, ext := range watchedExtensions {
		w[ext] = struct{}{}
	}
	return &Registry{
		logger:     logger.With("subsystem", "session-registry"),
		watched:    w,
		byID:       make(map[string]*Session),
		byMediaLeg: make(map[string]string),
		byCallLeg:  make(map[string]string),
	}
}

// Watched reports whether the extension is in the configured allow-set.
func (r *Registry) Watched(extension string) bool {
	_, ok := r.watched[extension]
	return ok
}

// Add registers a new session.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[s.ID]; exists {
		return fmt.Errorf("session %q already registered", s.ID)
	}
	r.byID[s.ID] = s
	r.logger.Info("session registered",
		"session_id", s.ID,
		"extension", s.Extension,
		"active_sessions", len(r.byID),
	)
	return nil
}

// MapMediaLeg records the media-leg-id → session mapping. This must happen
// before the control-plane create call returns, so an event about the new
// leg can never arrive before the leg is known locally.
func (r *Registry) MapMediaLeg(legID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byMediaLeg[legID] = sessionID
}

// MapCallLeg records the call-leg-id → session mapping.
func (r *Registry) MapCallLeg(legID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byCallLeg[legID] = sessionID
}

// Get returns a session by id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// ByMediaLeg returns the session owning the given media leg, or nil.
func (r *Registry) ByMediaLeg(legID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[r.byMediaLeg[legID]]
}

// ByCallLeg returns the session for the given call leg, or nil.
func (r *Registry) ByCallLeg(legID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[r.byCallLeg[legID]]
}

// ByChannel returns the session associated with a leg id, whether it is the
// call leg or the media leg.
func (r *Registry) ByChannel(legID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.byCallLeg[legID]; ok {
		return r.byID[id]
	}
	if id, ok := r.byMediaLeg[legID]; ok {
		return r.byID[id]
	}
	return nil
}

// ByBridge returns all sessions whose believed mixing context is bridgeID.
func (r *Registry) ByBridge(bridgeID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.byID {
		if s.BridgeID() == bridgeID {
			out = append(out, s)
		}
	}
	return out
}

// Active returns all non-closing sessions on watched extensions, oldest
// first. The ordering makes the fallback matching heuristics deterministic.
func (r *Registry) Active() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		if s.Closing() {
			continue
		}
		if _, ok := r.watched[s.Extension]; !ok {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// ActiveCount returns the number of non-closing sessions.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.byID {
		if !s.Closing() {
			n++
		}
	}
	return n
}

// All returns every registered session.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}

// Resolve attributes an incoming datagram to a session. The media transport
// carries no call identifier, so this is a best-effort policy:
//
//  1. exact match on an SSRC already attributed to a session
//  2. match on the expected RTP source port
//  3. with exactly one active session, attribute to it and learn the SSRC
//  4. with several, prefer a session with no primary SSRC yet, then one
//     with a single SSRC (candidate for the reverse direction)
//
// Returns nil when no session can be resolved; the caller drops the packet.
func (r *Registry) Resolve(ssrc uint32, srcPort int) *Session {
	active := r.Active()
	if len(active) == 0 {
		return nil
	}

	for _, s := range active {
		if s.HasSSRC(ssrc) {
			s.LearnSourcePort(srcPort)
			return s
		}
	}

	for _, s := range active {
		if p := s.SourcePort(); p != 0 && p == srcPort {
			r.noteSSRC(s, ssrc)
			return s
		}
	}

	if len(active) == 1 {
		s := active[0]
		r.noteSSRC(s, ssrc)
		s.LearnSourcePort(srcPort)
		return s
	}

	for _, s := range active {
		if _, ok := s.PrimarySSRC(); !ok {
			r.noteSSRC(s, ssrc)
			s.LearnSourcePort(srcPort)
			return s
		}
	}
	for _, s := range active {
		if s.SSRCCount() == 1 {
			r.noteSSRC(s, ssrc)
			return s
		}
	}

	return nil
}

func (r *Registry) noteSSRC(s *Session, ssrc uint32) {
	added, anomaly := s.ObserveSSRC(ssrc)
	if anomaly {
		r.logger.Warn("ssrc matching anomaly: session already carries two streams",
			"session_id", s.ID,
			"ssrc", ssrc,
		)
		return
	}
	if added {
		r.logger.Info("ssrc attributed to session",
			"session_id", s.ID,
			"ssrc", ssrc,
			"ssrc_count", s.SSRCCount(),
		)
	}
}

// MarkClosing synchronously transitions a session to closing. Returns the
// session if the transition happened, nil if it was unknown or already
// closing.
func (r *Registry) MarkClosing(id string) *Session {
	s := r.Get(id)
	if s == nil {
		return nil
	}
	if !s.BeginClose() {
		return nil
	}
	return s
}

// Evict removes a closed session and its leg mappings. The id is never
// reused.
func (r *Registry) Evict(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	for leg, sid := range r.byMediaLeg {
		if sid == id {
			delete(r.byMediaLeg, leg)
		}
	}
	for leg, sid := range r.byCallLeg {
		if sid == id {
			delete(r.byCallLeg, leg)
		}
	}
	r.logger.Info("session evicted",
		"session_id", id,
		"extension", s.Extension,
		"packets", s.PacketCount(),
		"remaining_sessions", len(r.byID),
	)
}

package api

import (
	"net/http"
	"time"

	"github.com/tapline/tapline/internal/session"
)

var processStart = time.Now()

// healthResponse is the shape returned by GET /health.
type healthResponse struct {
	Status         string  `json:"status"`
	ActiveSessions int     `json:"active_sessions"`
	RTPPort        int     `json:"rtp_port"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		RTPPort:       s.opts.RTPPort,
		UptimeSeconds: time.Since(processStart).Seconds(),
	}
	if s.opts.Registry != nil {
		resp.ActiveSessions = s.opts.Registry.ActiveCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

// sessionResponse is the shape of one entry in GET /sessions.
type sessionResponse struct {
	ID          string `json:"id"`
	Extension   string `json:"extension"`
	State       string `json:"state"`
	CallLegID   string `json:"call_leg_id,omitempty"`
	MediaLegID  string `json:"media_leg_id,omitempty"`
	BridgeID    string `json:"bridge_id,omitempty"`
	PacketCount uint64 `json:"packet_count"`
	StartTime   string `json:"start_time"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	var active []*session.Session
	if s.opts.Registry != nil {
		active = s.opts.Registry.Active()
	}

	items := make([]sessionResponse, len(active))
	for i, sess := range active {
		items[i] = sessionResponse{
			ID:          sess.ID,
			Extension:   sess.Extension,
			State:       string(sess.State()),
			CallLegID:   sess.CallLegID(),
			MediaLegID:  sess.MediaLegID(),
			BridgeID:    sess.BridgeID(),
			PacketCount: sess.PacketCount(),
			StartTime:   sess.StartTime.Format(time.RFC3339),
		}
	}

	writeJSON(w, http.StatusOK, items)
}

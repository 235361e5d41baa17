package api

import (
	"net/http"
)

// startCallRequest is the body of POST /calls.
type startCallRequest struct {
	Endpoint  string `json:"endpoint"`
	Extension string `json:"extension"`
	Context   string `json:"context"`
}

// handleStartCall originates an outbound call leg through the control
// plane. The resulting call lands in the dialplan; if its extension is
// watched it will be recorded like any other.
func (s *Server) handleStartCall(w http.ResponseWriter, r *http.Request) {
	if s.opts.Originator == nil {
		writeError(w, http.StatusServiceUnavailable, "control plane unavailable")
		return
	}

	var req startCallRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint is required")
		return
	}
	if req.Extension == "" {
		writeError(w, http.StatusBadRequest, "extension is required")
		return
	}
	if req.Context == "" {
		req.Context = "internal"
	}

	ch, err := s.opts.Originator.Originate(r.Context(), req.Endpoint, req.Extension, req.Context)
	if err != nil {
		s.logger.Error("originate failed", "endpoint", req.Endpoint, "extension", req.Extension, "error", err)
		writeError(w, http.StatusBadGateway, "originate failed")
		return
	}

	s.logger.Info("call originated", "channel_id", ch.ID, "endpoint", req.Endpoint, "extension", req.Extension)
	writeJSON(w, http.StatusCreated, ch)
}

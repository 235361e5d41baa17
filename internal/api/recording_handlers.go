package api

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tapline/tapline/internal/wav"
)

// pcmBytesPerSecond is the data rate of the stored audio: 8000 Hz mono,
// 16-bit samples.
const pcmBytesPerSecond = 16000

// recordingResponse is the JSON response for a single recording entry.
type recordingResponse struct {
	Filename        string  `json:"filename"`
	FileSize        int64   `json:"file_size"`
	DurationSeconds float64 `json:"duration_seconds"`
	ModifiedAt      string  `json:"modified_at"`
}

// handleListRecordings lists finished WAV files, newest first, with pagination.
func (s *Server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	entries, err := os.ReadDir(s.opts.RecordingsDir)
	if err != nil {
		s.logger.Error("list recordings: cannot read directory", "dir", s.opts.RecordingsDir, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	var items []recordingResponse
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".wav") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		resp := recordingResponse{
			Filename:   e.Name(),
			FileSize:   info.Size(),
			ModifiedAt: info.ModTime().Format(time.RFC3339),
		}
		if info.Size() > wav.HeaderSize {
			resp.DurationSeconds = float64(info.Size()-wav.HeaderSize) / pcmBytesPerSecond
		}
		items = append(items, resp)
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].ModifiedAt > items[j].ModifiedAt
	})

	total := len(items)
	if pg.Offset >= total {
		items = nil
	} else {
		end := min(pg.Offset+pg.Limit, total)
		items = items[pg.Offset:end]
	}
	if items == nil {
		items = []recordingResponse{}
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// recordingPath validates a client-supplied filename and resolves it inside
// the recordings directory. Returns "" if the name is not a plain WAV
// filename.
func (s *Server) recordingPath(name string) string {
	if name == "" || name != filepath.Base(name) || strings.Contains(name, "..") {
		return ""
	}
	if !strings.HasSuffix(name, ".wav") {
		return ""
	}
	return filepath.Join(s.opts.RecordingsDir, name)
}

// handleGetRecording serves the recording audio inline. ServeContent gives
// Range support so audio players can seek.
func (s *Server) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	path := s.recordingPath(name)
	if path == "" {
		writeError(w, http.StatusBadRequest, "invalid recording name")
		return
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "recording not found")
			return
		}
		s.logger.Error("get recording: cannot open file", "path", path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.logger.Error("get recording: cannot stat file", "path", path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", name))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

// handleDeleteRecording removes a finished recording from disk.
func (s *Server) handleDeleteRecording(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	path := s.recordingPath(name)
	if path == "" {
		writeError(w, http.StatusBadRequest, "invalid recording name")
		return
	}

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "recording not found")
			return
		}
		s.logger.Error("delete recording: cannot remove file", "path", path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("recording deleted", "filename", name)
	writeJSON(w, http.StatusOK, map[string]string{"deleted": name})
}

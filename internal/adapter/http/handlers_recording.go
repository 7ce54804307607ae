package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/Strob0t/CodePair/internal/domain/event"
	"github.com/Strob0t/CodePair/internal/domain/recording"
)

// GetRecordingStats handles GET /api/v1/recordings/stats
func (h *Handlers) GetRecordingStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.Recorder.GetRecordingStats(r.Context())
	if err != nil {
		writeDomainError(w, err, "recording not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type playbackRequest struct {
	Speed        float64      `json:"speed,omitempty"`
	SkipIdleSec  float64      `json:"skip_idle_sec,omitempty"`
	IncludeTypes []event.Type `json:"include_types,omitempty"`
	ExcludeTypes []event.Type `json:"exclude_types,omitempty"`
}

// PlayRecording handles POST /api/v1/recordings/{id}/play
// Replayed events are streamed as newline-delimited JSON with the original
// pacing divided by the requested speed.
func (h *Handlers) PlayRecording(w http.ResponseWriter, r *http.Request) {
	var req playbackRequest
	if r.ContentLength != 0 {
		var ok bool
		if req, ok = readJSON[playbackRequest](w, r, h.Limits.MaxRequestBodySize); !ok {
			return
		}
	}
	if req.Speed < 0 || req.SkipIdleSec < 0 {
		writeError(w, http.StatusBadRequest, "speed and skip_idle_sec must be non-negative")
		return
	}
	cfg := recording.PlaybackConfig{
		Speed:           req.Speed,
		SkipIdlePeriods: time.Duration(req.SkipIdleSec * float64(time.Second)),
		IncludeTypes:    req.IncludeTypes,
		ExcludeTypes:    req.ExcludeTypes,
	}

	// Load first so a missing recording still gets a proper status code.
	id := urlParam(r, "id")
	if _, err := h.Recorder.GetRecording(r.Context(), id); err != nil {
		writeDomainError(w, err, "recording not found")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	played, err := h.Recorder.StreamRecording(r.Context(), id, cfg, func(ev event.Event) error {
		if err := enc.Encode(ev); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		slog.Warn("playback interrupted", "recording_id", id, "played", played, "error", err)
	}
}

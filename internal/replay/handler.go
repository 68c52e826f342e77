package replay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"

	// FilesPrefix is where segment files are served for the live playlist.
	FilesPrefix = "/files/"
)

// StatusSource reports the session status. *Session implements it.
type StatusSource interface {
	Status() SessionStatus
}

// Controller accepts save and quit requests. trigger.Set implements it.
type Controller interface {
	RequestSave(at time.Time) bool
	RequestQuit()
}

// Handler exposes the recorder's control and status endpoints using go-chi.
type Handler struct {
	status StatusSource
	ctl    Controller
	log    *slog.Logger
}

// NewHandler returns a Handler serving status from status and forwarding
// save and quit requests to ctl.
func NewHandler(status StatusSource, ctl Controller, log *slog.Logger) *Handler {
	return &Handler{status: status, ctl: ctl, log: log}
}

// GetStatus handles GET /status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status.Status())
}

// GetPlaylist handles GET /playlist.m3u8 with the current window.
func (h *Handler) GetPlaylist(w http.ResponseWriter, r *http.Request) {
	st := h.status.Status()
	m3u8 := BuildLivePlaylist(st.Segments, FilesPrefix, st.State == SessionStopped)

	w.Header().Set("Content-Type", playlistContentType)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(m3u8))
}

// Save handles POST /save. Requests made while a save is already pending
// are folded into it.
func (h *Handler) Save(w http.ResponseWriter, r *http.Request) {
	queued := h.ctl.RequestSave(time.Now())
	h.log.Info("save requested over http", slog.Bool("queued", queued))
	writeJSON(w, http.StatusAccepted, map[string]bool{"queued": queued})
}

// Quit handles POST /quit.
func (h *Handler) Quit(w http.ResponseWriter, r *http.Request) {
	h.ctl.RequestQuit()
	h.log.Info("quit requested over http")
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

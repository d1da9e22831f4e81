package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/lexiqai/tts-relay/internal/journal"
	"github.com/lexiqai/tts-relay/internal/playback"
	"github.com/lexiqai/tts-relay/internal/sink"
)

const maxBodyBytes = 64 << 10

// History lists journaled utterance outcomes for a tenant.
type History interface {
	ListTenantEvents(ctx context.Context, tenantID string, limit int) ([]journal.Entry, error)
}

// HTTPHandler exposes the dispatcher over HTTP and binds websocket and WebRTC
// outputs.
type HTTPHandler struct {
	dispatcher *Dispatcher
	history    History
	logger     zerolog.Logger
	upgrader   websocket.Upgrader

	// frameDuration overrides sink pacing; zero keeps the real-time default.
	frameDuration time.Duration
}

// NewHTTPHandler creates the tenant API. history may be nil.
func NewHTTPHandler(d *Dispatcher, history History, logger zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{
		dispatcher: d,
		history:    history,
		logger:     logger,
		upgrader: websocket.Upgrader{
			// Callers are authenticated upstream; browsers and media gateways
			// connect from arbitrary origins.
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Register mounts the tenant routes on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /tenants", h.listTenants)
	mux.HandleFunc("POST /tenants/{id}", h.join)
	mux.HandleFunc("DELETE /tenants/{id}", h.leave)
	mux.HandleFunc("GET /tenants/{id}", h.snapshot)
	mux.HandleFunc("POST /tenants/{id}/utterances", h.enqueue)
	mux.HandleFunc("POST /tenants/{id}/skip", h.skip)
	mux.HandleFunc("GET /tenants/{id}/history", h.listHistory)
	mux.HandleFunc("GET /tenants/{id}/audio", h.audioWebSocket)
	mux.HandleFunc("POST /tenants/{id}/webrtc", h.audioWebRTC)
}

type enqueueRequest struct {
	Text         string `json:"text"`
	VoiceStyleID int    `json:"voice_style_id"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *HTTPHandler) listTenants(w http.ResponseWriter, r *http.Request) {
	res, err := h.dispatcher.Do(r.Context(), Command{Type: CmdList})
	if err != nil {
		h.writeError(w, err)
		return
	}
	tenants := res.Tenants
	if tenants == nil {
		tenants = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"tenants": tenants})
}

func (h *HTTPHandler) join(w http.ResponseWriter, r *http.Request) {
	res, err := h.dispatcher.Do(r.Context(), Command{Type: CmdJoin, TenantID: r.PathValue("id")})
	if err != nil {
		h.writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (h *HTTPHandler) leave(w http.ResponseWriter, r *http.Request) {
	if _, err := h.dispatcher.Do(r.Context(), Command{Type: CmdLeave, TenantID: r.PathValue("id")}); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) snapshot(w http.ResponseWriter, r *http.Request) {
	res, err := h.dispatcher.Do(r.Context(), Command{Type: CmdSnapshot, TenantID: r.PathValue("id")})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res.Snapshot)
}

func (h *HTTPHandler) enqueue(w http.ResponseWriter, r *http.Request) {
	var body enqueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}

	res, err := h.dispatcher.Do(r.Context(), Command{
		Type:         CmdEnqueue,
		TenantID:     r.PathValue("id"),
		Text:         body.Text,
		VoiceStyleID: body.VoiceStyleID,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res.Utterance)
}

func (h *HTTPHandler) skip(w http.ResponseWriter, r *http.Request) {
	if _, err := h.dispatcher.Do(r.Context(), Command{Type: CmdSkip, TenantID: r.PathValue("id")}); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) listHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "journal disabled"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.history.ListTenantEvents(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// audioWebSocket upgrades the request and binds the connection as the
// tenant's output for as long as it stays open.
func (h *HTTPHandler) audioWebSocket(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("id")
	if !h.tenantExists(w, r, tenantID) {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("Failed to upgrade audio connection")
		return
	}

	logger := h.logger.With().Str("tenant_id", tenantID).Str("output", "websocket").Logger()
	out := sink.NewWebSocketSink(conn, r.URL.Query().Get("stream_sid"), logger)
	if h.frameDuration > 0 {
		out.FrameDuration = h.frameDuration
	}
	defer out.Close()

	if _, err := h.dispatcher.Do(r.Context(), Command{Type: CmdBind, TenantID: tenantID, Sink: out}); err != nil {
		logger.Warn().Err(err).Msg("Failed to bind websocket output")
		return
	}
	logger.Info().Msg("Output bound")

	out.ReadLoop()
	h.release(tenantID, out, logger)
}

// audioWebRTC answers an SDP offer and binds the resulting peer as the
// tenant's output until the peer connection ends.
func (h *HTTPHandler) audioWebRTC(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("id")
	if !h.tenantExists(w, r, tenantID) {
		return
	}

	var offer webrtc.SessionDescription
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&offer); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid SDP offer"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	logger := h.logger.With().Str("tenant_id", tenantID).Str("output", "webrtc").Logger()
	out, answer, err := sink.NewWebRTCSink(ctx, offer, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("WebRTC negotiation failed")
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if h.frameDuration > 0 {
		out.FrameDuration = h.frameDuration
	}

	if _, err := h.dispatcher.Do(ctx, Command{Type: CmdBind, TenantID: tenantID, Sink: out}); err != nil {
		out.Close()
		h.writeError(w, err)
		return
	}
	logger.Info().Msg("Output bound")

	go func() {
		<-out.Done()
		h.release(tenantID, out, logger)
	}()

	writeJSON(w, http.StatusOK, answer)
}

func (h *HTTPHandler) tenantExists(w http.ResponseWriter, r *http.Request, tenantID string) bool {
	if _, err := h.dispatcher.Do(r.Context(), Command{Type: CmdSnapshot, TenantID: tenantID}); err != nil {
		h.writeError(w, err)
		return false
	}
	return true
}

// release unbinds out unless a newer output has replaced it.
func (h *HTTPHandler) release(tenantID string, out playback.Sink, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := h.dispatcher.Do(ctx, Command{Type: CmdUnbind, TenantID: tenantID, Sink: out})
	switch {
	case errors.Is(err, ErrUnknownTenant), errors.Is(err, ErrStopped):
	case err != nil:
		logger.Warn().Err(err).Msg("Failed to release output")
	default:
		logger.Info().Bool("released", res.Released).Msg("Output disconnected")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrUnknownTenant):
		status = http.StatusNotFound
	case errors.Is(err, ErrInvalidCommand):
		status = http.StatusBadRequest
	case errors.Is(err, playback.ErrQueueFull):
		status = http.StatusTooManyRequests
	case errors.Is(err, playback.ErrEngineClosed):
		status = http.StatusGone
	case errors.Is(err, ErrStopped), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

package linkapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"Assembler-Devlink/internal/envelope"
	"Assembler-Devlink/internal/link"
)

type Server struct {
	link     *link.Session
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewServer(s *link.Session, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		link:   s,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/link/send", s.handleSend)
	mux.HandleFunc("/api/link/listen", s.handleListen)
	mux.HandleFunc("/api/link/status", s.handleStatus)
	mux.HandleFunc("/api/link/state", s.handleState)
	mux.HandleFunc("/api/link/messages/", s.handleMessages)
	mux.HandleFunc("/api/link/stream", s.handleStream)
	mux.HandleFunc("/ws/watch", s.handleWatch)
}

type resultResponse struct {
	Result *link.Result `json:"result"`
	Error  string       `json:"error,omitempty"`
}

func respondResult(w http.ResponseWriter, res *link.Result) {
	out := resultResponse{Result: res}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

// allow handles CORS preflight and method checks shared by every route.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if s.link == nil {
		writeError(w, http.StatusServiceUnavailable, "link session unavailable")
		return false
	}
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return false
	}
	if r.Method != method {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}
	var req struct {
		Command   envelope.Command `json:"command"`
		Priority  *int             `json:"priority"`
		TimeoutMS int              `json:"timeout_ms"`
		Channel   string           `json:"channel"`
		Path      string           `json:"path"`
		DiffOnly  bool             `json:"diff_only"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Command.Kind == "" {
		writeError(w, http.StatusBadRequest, "command.kind required")
		return
	}
	if req.Command.Args == nil {
		req.Command.Args = map[string]any{}
	}
	res, err := s.link.Publish(r.Context(), req.Command, link.PublishOptions{
		Priority: req.Priority,
		Timeout:  millis(req.TimeoutMS),
		Channel:  req.Channel,
		Path:     req.Path,
		DiffOnly: req.DiffOnly,
	})
	if err != nil {
		writeLinkError(w, err)
		return
	}
	respondResult(w, res)
}

func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}
	var req struct {
		Channel   string `json:"channel"`
		Label     string `json:"label"`
		StopCount int    `json:"stop_count"`
		TimeoutMS int    `json:"timeout_ms"`
		Path      string `json:"path"`
		DiffOnly  bool   `json:"diff_only"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	res, err := s.link.Listen(r.Context(), link.ListenOptions{
		Channel:   req.Channel,
		Label:     req.Label,
		StopCount: req.StopCount,
		Timeout:   millis(req.TimeoutMS),
		Path:      req.Path,
		DiffOnly:  req.DiffOnly,
	})
	if err != nil {
		writeLinkError(w, err)
		return
	}
	respondResult(w, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}
	var req struct {
		TimeoutMS int    `json:"timeout_ms"`
		Path      string `json:"path"`
		DiffOnly  bool   `json:"diff_only"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	res, err := s.link.ReadStatus(r.Context(), link.PublishOptions{
		Timeout:  millis(req.TimeoutMS),
		Path:     req.Path,
		DiffOnly: req.DiffOnly,
	})
	if err != nil {
		writeLinkError(w, err)
		return
	}
	respondResult(w, res)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	states := map[string]string{}
	for ch, st := range s.link.States() {
		states[ch] = st.String()
	}
	out := map[string]any{
		"state":            s.link.State().String(),
		"channel_states":   states,
		"connected":        s.link.Connected(),
		"deterministic":    s.link.Deterministic(),
		"sending_disabled": s.link.SendingDisabled(),
		"channels":         s.link.Store().Keys(),
	}
	if err := s.link.Err(); err != nil {
		out["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	channel := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/link/messages/"), "/")
	if channel == "" {
		writeError(w, http.StatusNotFound, "channel missing")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channel":  channel,
		"messages": s.link.Store().Messages(channel),
	})
}

func watchOptions(r *http.Request) link.WatchOptions {
	q := r.URL.Query()
	diffOnly, _ := strconv.ParseBool(q.Get("diff_only"))
	return link.WatchOptions{
		Channel:  q.Get("channel"),
		Path:     q.Get("path"),
		DiffOnly: diffOnly,
	}
}

// handleStream is the server-sent events rendition of Watch.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	started := false
	err := s.link.Watch(r.Context(), watchOptions(r), func(u link.Update) error {
		if !started {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		data, err := json.Marshal(u)
		if err != nil {
			return err
		}
		if _, err := w.Write([]byte("event: update\ndata: " + string(data) + "\n\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil && !started {
		writeLinkError(w, err)
	}
}

type watchConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *watchConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	if s.link == nil {
		writeError(w, http.StatusServiceUnavailable, "link session unavailable")
		return
	}
	opts := watchOptions(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade watch ws failed", "err", err)
		return
	}
	defer conn.Close()
	c := &watchConn{conn: conn}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		// The peer never sends anything meaningful; a read error means it left.
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.logger.Info("watch client connected", "remote", r.RemoteAddr, "channel", opts.Channel)
	err = s.link.Watch(ctx, opts, func(u link.Update) error {
		return c.WriteJSON(map[string]any{"type": "update", "update": u})
	})
	if err != nil {
		_ = c.WriteJSON(map[string]any{"type": "error", "error": err.Error()})
		s.logger.Warn("watch ended", "remote", r.RemoteAddr, "err", err)
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

func millis(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func writeLinkError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, link.ErrNoCredentials):
		status = http.StatusPreconditionFailed
	case errors.Is(err, link.ErrChannelBusy):
		status = http.StatusConflict
	case errors.Is(err, envelope.ErrEmptyLabel):
		status = http.StatusBadRequest
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeNoContent(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	w.WriteHeader(http.StatusNoContent)
}

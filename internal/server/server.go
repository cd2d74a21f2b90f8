// Package server exposes recording sessions over HTTP: manifests for
// players, entry ingestion for the recorder, and session lifecycle.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/agleyzer/hlsrecorder/internal/cluster"
	"github.com/agleyzer/hlsrecorder/internal/logger"
	"github.com/agleyzer/hlsrecorder/internal/metrics"
	"github.com/agleyzer/hlsrecorder/internal/playlist"
	"github.com/agleyzer/hlsrecorder/internal/record"
	"github.com/agleyzer/hlsrecorder/internal/segment"
	"github.com/agleyzer/hlsrecorder/internal/session"
	"github.com/agleyzer/hlsrecorder/internal/store"
	"github.com/agleyzer/hlsrecorder/internal/subtitle"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	subtitleFileName    = "subtitles.srt"
	shutdownTimeout     = 10 * time.Second
)

// Appender accepts new entries for a session.
type Appender interface {
	Append(k session.Key, e segment.Entry) error
}

// ClusterStatus reports the replication state of this node.
type ClusterStatus interface {
	IsLeader() bool
	LeaderAddr() string
	State() string
	NodeID() string
	Peers() []string
}

// Options carries the optional collaborators of a Server.
type Options struct {
	// Appender receives ingested entries; the session manager when nil.
	Appender Appender

	// Cluster is nil on a standalone node.
	Cluster ClusterStatus

	// Records serves the recording listing routes when set.
	Records record.Store

	// Subtitles enables subtitle generation when set.
	Subtitles subtitle.Generator

	// Metrics enables /metrics and request counting when set.
	Metrics *metrics.Metrics
}

// Server serves recorded sessions.
type Server struct {
	sessions   *session.Manager
	appender   Appender
	cluster    ClusterStatus
	records    record.Store
	subtitles  subtitle.Generator
	metrics    *metrics.Metrics
	addr       string
	logger     *slog.Logger
	httpServer *http.Server
}

// New creates a new HTTP server listening on addr.
func New(sessions *session.Manager, addr string, logger *slog.Logger, opts Options) *Server {
	appender := opts.Appender
	if appender == nil {
		appender = sessions
	}
	return &Server{
		sessions:  sessions,
		appender:  appender,
		cluster:   opts.Cluster,
		records:   opts.Records,
		subtitles: opts.Subtitles,
		metrics:   opts.Metrics,
		addr:      addr,
		logger:    logger,
	}
}

// Handler returns the router with every route and middleware attached.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logger.RequestLogger(s.logger))
	if s.metrics != nil {
		r.Use(metrics.RequestMiddleware(s.metrics))
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			s.metrics.Handler(func() { s.metrics.SetActiveSessions(s.sessions.ActiveCount()) }).ServeHTTP(w, r)
		})
	}

	r.Get("/health", s.handleHealth)
	r.Get("/sessions", s.handleListSessions)

	r.Route("/rooms/{room_id}", func(r chi.Router) {
		r.Get("/records", s.handleListRecords)
		r.Route("/sessions/{live_id}", func(r chi.Router) {
			r.Post("/", s.handleOpen)
			r.Delete("/", s.handleDelete)
			r.Get("/playlist.m3u8", s.handlePlaylist)
			r.Post("/entries", s.handleAppend)
			r.Get("/stats", s.handleStats)
			r.Post("/finish", s.handleFinish)
			r.Post("/subtitles", s.handleSubtitles)
		})
	})

	r.Get("/records", s.handleRecentRecords)
	r.Get("/records/summary", s.handleRecordSummary)

	return r
}

// Start starts the HTTP server and blocks until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}

// handlePlaylist serves the manifest of one session.
// Query: vod, force_time (booleans), start and end (offsets in seconds).
func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	k, ok := s.sessionKey(w, r)
	if !ok {
		return
	}

	opts, err := manifestOptions(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	st, err := s.sessions.Get(k)
	if err != nil {
		s.writeSessionError(w, k, err)
		return
	}

	content, err := st.Manifest(opts)
	if err != nil {
		s.writeSessionError(w, k, err)
		return
	}
	if s.metrics != nil {
		s.metrics.IncManifests(opts.VOD)
	}

	// Set HLS-specific headers
	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(content))
}

// handleOpen starts a session. Body (optional): {"title": "...", "cover": "..."}.
func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	k, ok := s.sessionKey(w, r)
	if !ok {
		return
	}

	meta := session.Meta{Key: k}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid session body: %w", err))
			return
		}
		meta.Key = k
	}

	st, err := s.sessions.Open(meta)
	if err != nil {
		s.writeSessionError(w, k, err)
		return
	}

	s.logger.Info("session opened", "session", k, "title", meta.Title)
	writeJSON(w, http.StatusCreated, st.Stats())
}

// handleAppend records one entry. Body: a JSON segment entry.
func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	k, ok := s.sessionKey(w, r)
	if !ok {
		return
	}

	var e segment.Entry
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid entry body: %w", err))
		return
	}

	if err := s.appender.Append(k, e); err != nil {
		switch {
		case errors.Is(err, segment.ErrInvalidURL):
			s.writeError(w, http.StatusBadRequest, err)
		case errors.Is(err, cluster.ErrNotLeader):
			s.writeNotLeader(w)
		default:
			s.writeSessionError(w, k, err)
		}
		return
	}

	s.logger.Debug("entry appended", "session", k, "sequence", e.Sequence, "header", e.IsHeader)
	w.WriteHeader(http.StatusCreated)
}

// handleStats reports the aggregates of one session.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	k, ok := s.sessionKey(w, r)
	if !ok {
		return
	}

	st, err := s.sessions.Get(k)
	if err != nil {
		s.writeSessionError(w, k, err)
		return
	}
	writeJSON(w, http.StatusOK, st.Stats())
}

// handleFinish closes a session and returns its final stats.
func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	k, ok := s.sessionKey(w, r)
	if !ok {
		return
	}

	stats, err := s.sessions.Finish(k)
	if err != nil {
		s.writeSessionError(w, k, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleDelete removes a session and its files.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	k, ok := s.sessionKey(w, r)
	if !ok {
		return
	}

	if err := s.sessions.Delete(k); err != nil {
		s.writeSessionError(w, k, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// subtitleRequest names the audio rendered for a session.
type subtitleRequest struct {
	Audio string `json:"audio"`
}

// handleSubtitles transcribes session audio and stores the SRT next to the
// entry log.
func (s *Server) handleSubtitles(w http.ResponseWriter, r *http.Request) {
	if s.subtitles == nil {
		s.writeError(w, http.StatusNotImplemented, errors.New("subtitle generation is not configured"))
		return
	}

	k, ok := s.sessionKey(w, r)
	if !ok {
		return
	}

	var req subtitleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Audio == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("audio path is required"))
		return
	}

	st, err := s.sessions.Get(k)
	if err != nil {
		s.writeSessionError(w, k, err)
		return
	}

	progress := subtitle.ProgressFunc(func(stage string) {
		s.logger.Info("subtitle progress", "session", k, "stage", stage)
	})
	srt, err := s.subtitles.Generate(r.Context(), req.Audio, progress)
	if err != nil {
		if errors.Is(err, subtitle.ErrEmptyAudio) {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	if err := os.WriteFile(filepath.Join(st.Dir(), subtitleFileName), []byte(srt), 0o644); err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("write subtitles: %w", err))
		return
	}

	w.Header().Set("Content-Type", "application/x-subrip")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(srt))
}

// handleListSessions lists open sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.List()})
}

// handleListRecords lists the recordings of a room.
func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	if !s.requireRecords(w) {
		return
	}

	roomID, err := strconv.ParseUint(chi.URLParam(r, "room_id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid room id: %w", err))
		return
	}

	rows, err := s.records.List(roomID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": rows})
}

// handleRecentRecords pages through every recording, newest first.
// Query: offset, limit (default 20).
func (s *Server) handleRecentRecords(w http.ResponseWriter, r *http.Request) {
	if !s.requireRecords(w) {
		return
	}

	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	rows, err := s.records.Recent(offset, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": rows})
}

// handleRecordSummary reports the total recorded length and the number of
// recordings made in the last day.
func (s *Server) handleRecordSummary(w http.ResponseWriter, r *http.Request) {
	if !s.requireRecords(w) {
		return
	}

	total, err := s.records.TotalLength()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	recent, err := s.records.CountSince(time.Now().Add(-24 * time.Hour))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_length": total,
		"last_24h":     recent,
	})
}

// handleHealth serves health check information
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":   "ok",
		"sessions": s.sessions.ActiveCount(),
	}

	if s.cluster != nil {
		health["cluster"] = map[string]any{
			"node_id":   s.cluster.NodeID(),
			"state":     s.cluster.State(),
			"is_leader": s.cluster.IsLeader(),
			"leader":    s.cluster.LeaderAddr(),
			"peers":     s.cluster.Peers(),
		}
	}

	writeJSON(w, http.StatusOK, health)
}

// sessionKey parses the room and live ids of the route, writing a 400 on
// failure.
func (s *Server) sessionKey(w http.ResponseWriter, r *http.Request) (session.Key, bool) {
	roomID, err := strconv.ParseUint(chi.URLParam(r, "room_id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid room id: %w", err))
		return session.Key{}, false
	}
	liveID, err := strconv.ParseUint(chi.URLParam(r, "live_id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid live id: %w", err))
		return session.Key{}, false
	}
	return session.Key{RoomID: roomID, LiveID: liveID}, true
}

func (s *Server) requireRecords(w http.ResponseWriter) bool {
	if s.records == nil {
		s.writeError(w, http.StatusNotImplemented, errors.New("record store is not configured"))
		return false
	}
	return true
}

func (s *Server) writeSessionError(w http.ResponseWriter, k session.Key, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, record.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, store.ErrNotReady):
		s.writeError(w, http.StatusServiceUnavailable, err)
	default:
		s.logger.Error("session operation failed", "session", k, "error", err)
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) writeNotLeader(w http.ResponseWriter) {
	leader := ""
	if s.cluster != nil {
		leader = s.cluster.LeaderAddr()
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{
		"error":  cluster.ErrNotLeader.Error(),
		"leader": leader,
	})
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// manifestOptions reads the rendering options from the query string. A
// range needs at least one of start or end; the missing side is open.
func manifestOptions(r *http.Request) (playlist.Options, error) {
	q := r.URL.Query()

	var opts playlist.Options
	var err error
	if opts.VOD, err = queryBool(q.Get("vod")); err != nil {
		return opts, fmt.Errorf("invalid vod: %w", err)
	}
	if opts.ForceTime, err = queryBool(q.Get("force_time")); err != nil {
		return opts, fmt.Errorf("invalid force_time: %w", err)
	}

	start, end := q.Get("start"), q.Get("end")
	if start == "" && end == "" {
		return opts, nil
	}

	rng := playlist.Range{X: 0, Y: math.Inf(1)}
	if start != "" {
		if rng.X, err = strconv.ParseFloat(start, 64); err != nil {
			return opts, fmt.Errorf("invalid start: %w", err)
		}
	}
	if end != "" {
		if rng.Y, err = strconv.ParseFloat(end, 64); err != nil {
			return opts, fmt.Errorf("invalid end: %w", err)
		}
	}
	opts.Range = &rng
	return opts, nil
}

func queryBool(v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, v)
	}
	return n, nil
}

package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"codeberg.org/mutker/canlogd/internal/errors"
	"codeberg.org/mutker/canlogd/internal/history"
	"codeberg.org/mutker/canlogd/internal/logger"
)

const (
	httpShutdownTimeout = 5 * time.Second
	readHeaderTimeout   = 10 * time.Second
	maxUploadBytes      = 32 << 20
)

type Server struct {
	live        LiveReader
	definitions Definitions
	sessions    Sessions
	artifacts   Artifacts
	history     history.Recorder
	stats       StatsFunc
	log         logger.Logger
}

func New(
	live LiveReader,
	definitions Definitions,
	sessions Sessions,
	arts Artifacts,
	rec history.Recorder,
	stats StatsFunc,
	log logger.Logger,
) *Server {
	return &Server{
		live:        live,
		definitions: definitions,
		sessions:    sessions,
		artifacts:   arts,
		history:     rec,
		stats:       stats,
		log:         log,
	}
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /vehicle_data", s.handleVehicleData)
	mux.HandleFunc("GET /available_messages", s.handleAvailableMessages)
	mux.HandleFunc("GET /can_statistics", s.handleStatistics)
	mux.HandleFunc("POST /upload_dbc/", s.handleUpload)

	mux.HandleFunc("GET /logging/status", s.handleStatus)
	mux.HandleFunc("POST /logging/start", s.handleStart)
	mux.HandleFunc("POST /logging/stop", s.handleStop)
	mux.HandleFunc("GET /logging/list", s.handleList)
	mux.HandleFunc("GET /logging/download/{id}", s.handleDownload)
	mux.HandleFunc("GET /logging/debug", s.handleDebug)
	mux.HandleFunc("GET /logging/history", s.handleHistory)

	return s.withCORS(mux)
}

// ServeListener serves on ln until ctx is done, then shuts down with a
// grace period.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("HTTP shutdown incomplete")
		}
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("HTTP server listening")

	if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.New().Wrap(errors.ErrServeAPI, err)
	}
	<-shutdownDone

	return nil
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		s.log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("Request")
		next.ServeHTTP(w, r)
	})
}

func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug().Err(err).Msg("Failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("Request failed")
	}

	s.writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  string(errors.CodeOf(err)),
	})
}

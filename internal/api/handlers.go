package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"codeberg.org/mutker/canlogd/internal/artifacts"
	"codeberg.org/mutker/canlogd/internal/errors"
	"codeberg.org/mutker/canlogd/internal/history"
	"codeberg.org/mutker/canlogd/internal/registry"
	"codeberg.org/mutker/canlogd/internal/session"
)

const defaultHistoryLimit = 50

func (s *Server) handleVehicleData(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.live.Snapshot())
}

func (s *Server) handleAvailableMessages(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.definitions.Current().Available())
}

func (s *Server) handleStatistics(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.stats())
}

type uploadResponse struct {
	Message           string            `json:"message"`
	Path              string            `json:"path"`
	Sources           []string          `json:"sources"`
	Warning           string            `json:"warning,omitempty"`
	AvailableMessages map[uint32]string `json:"available_messages"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	errFactory := errors.New()

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, errFactory.Wrap(ErrBadRequest, err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, errFactory.Wrap(ErrBadRequest, err))
		return
	}

	reg, path, err := s.definitions.Store(header.Filename, data)
	if path == "" {
		// Rejected before anything was written; the active set is unchanged.
		if err == nil {
			err = errFactory.New(registry.ErrDefinitionInvalid)
		}
		s.writeError(w, err)
		return
	}

	resp := uploadResponse{
		Message:           "Successfully loaded " + header.Filename,
		Path:              path,
		Sources:           reg.Sources(),
		AvailableMessages: reg.Available(),
	}
	if err != nil {
		resp.Warning = err.Error()
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sessions.Status())
}

type startRequest struct {
	Signals    []string `json:"signals_to_log"`
	IntervalMS *float64 `json:"log_interval_ms"`
}

type startResponse struct {
	Status       string  `json:"status"`
	Message      string  `json:"message"`
	LogID        int     `json:"log_id,omitempty"`
	RunID        string  `json:"run_id,omitempty"`
	Filename     string  `json:"filename,omitempty"`
	SignalsCount any     `json:"signals_count,omitempty"`
	IntervalMS   float64 `json:"log_interval_ms,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			s.writeError(w, errors.New().Wrap(ErrBadRequest, err))
			return
		}
	}
	if req.IntervalMS != nil && *req.IntervalMS <= 0 {
		s.writeError(w, errors.New().WithMessage(errors.ErrInvalidArgument, "log_interval_ms must be positive"))
		return
	}

	info, err := s.sessions.Start(session.StartOptions{
		Signals:    req.Signals,
		IntervalMS: req.IntervalMS,
	})
	if session.IsConflict(err) {
		s.writeJSON(w, http.StatusConflict, startResponse{
			Status:  "already_logging",
			Message: fmt.Sprintf("Already logging to %s", info.Filename),
			LogID:   info.ID,
			RunID:   info.RunID,
		})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	var count any = "all"
	if len(info.Signals) > 0 {
		count = len(info.Signals)
	}

	s.writeJSON(w, http.StatusOK, startResponse{
		Status:       "started",
		Message:      fmt.Sprintf("Logging started to %s", info.Filename),
		LogID:        info.ID,
		RunID:        info.RunID,
		Filename:     info.Filename,
		SignalsCount: count,
		IntervalMS:   info.IntervalMS,
	})
}

type stopResponse struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	LogID      int    `json:"log_id,omitempty"`
	RunID      string `json:"run_id,omitempty"`
	EntryCount int    `json:"entry_count,omitempty"`
	Filename   string `json:"filename,omitempty"`
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	res, err := s.sessions.Stop()
	if errors.HasCode(err, session.ErrNotActive) {
		s.writeJSON(w, http.StatusConflict, stopResponse{
			Status:  "not_logging",
			Message: "Not currently logging",
		})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	if res.Status == session.StopEmpty {
		s.writeJSON(w, http.StatusOK, stopResponse{
			Status:  string(session.StopEmpty),
			Message: "No data logged",
			LogID:   res.Session.ID,
			RunID:   res.Session.RunID,
		})
		return
	}

	s.writeJSON(w, http.StatusOK, stopResponse{
		Status:     string(session.StopStopped),
		Message:    fmt.Sprintf("Logging stopped. Saving %d entries to %s", res.Entries, res.Session.Filename),
		LogID:      res.Session.ID,
		RunID:      res.Session.RunID,
		EntryCount: res.Entries,
		Filename:   res.Session.Filename,
	})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	infos, err := s.artifacts.List()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if infos == nil {
		infos = []artifacts.Info{}
	}

	s.writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id < 0 {
		s.writeError(w, errors.New().WithMessage(ErrBadRequest, "log id must be a non-negative integer"))
		return
	}

	f, info, err := s.artifacts.Open(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", info.Name))
	http.ServeContent(w, r, info.Name, info.Created, f)
}

func (s *Server) handleDebug(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sessions.Debug())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, errors.New().WithMessage(ErrBadRequest, "limit must be an integer"))
			return
		}
		limit = n
	}

	records, err := s.history.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if records == nil {
		records = []history.Record{}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"enabled":  s.history.Enabled(),
		"sessions": records,
	})
}

package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/candyconnect/candyconnect-core/internal/manager"
	"github.com/candyconnect/candyconnect-core/internal/protocol"
	"github.com/candyconnect/candyconnect-core/internal/status"
)

// coreActionTimeout bounds one lifecycle action started over HTTP.
const coreActionTimeout = 15 * time.Minute

// Log listing bounds.
const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
)

// healthTimeout bounds each component check.
const healthTimeout = 3 * time.Second

// CoresResponse is the body of GET /api/v1/cores.
type CoresResponse struct {
	Cores             []manager.CoreInfo `json:"cores"`
	Running           int                `json:"running"`
	ActiveConnections int                `json:"active_connections"`
}

// ActionResponse is the body of a successful lifecycle action.
type ActionResponse struct {
	Action string           `json:"action"`
	Core   manager.CoreInfo `json:"core"`
}

// LogsResponse is the body of GET /api/v1/logs.
type LogsResponse struct {
	Logs []status.LogEntry `json:"logs"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks"`
}

func (s *Server) handleListCores(w http.ResponseWriter, r *http.Request) {
	infos, err := s.cores.CoresInfo(r.Context())
	if err != nil {
		s.logger.Error("building core report failed", "error", err)
		writeInternalError(w, "failed to build core report")
		return
	}
	resp := CoresResponse{Cores: infos}
	for _, info := range infos {
		if info.Status == status.StateRunning {
			resp.Running++
		}
		resp.ActiveConnections += info.ActiveConnections
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCoreStatus(w http.ResponseWriter, r *http.Request) {
	id, err := protocol.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeNotFound(w, err.Error())
		return
	}
	info, err := s.cores.Core(r.Context(), id)
	if err != nil {
		s.writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleCoreAction(w http.ResponseWriter, r *http.Request) {
	rawID := chi.URLParam(r, "id")
	action := chi.URLParam(r, "action")

	// Runs to completion even if the client disconnects.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), coreActionTimeout)
	defer cancel()
	if err := s.cores.Do(ctx, rawID, action); err != nil {
		s.writeCoreError(w, err)
		return
	}

	// The action succeeded; a failed report is not an action failure.
	resp := ActionResponse{Action: action}
	if id, err := protocol.Parse(rawID); err == nil {
		if info, err := s.cores.Core(r.Context(), id); err == nil {
			resp.Core = info
		} else {
			s.logger.Warn("reading core after action failed", "protocol", rawID, "error", err)
			resp.Core = manager.CoreInfo{ID: id, Name: id.Name()}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeCoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, protocol.ErrNotFound):
		writeNotFound(w, err.Error())
	case errors.Is(err, manager.ErrUnknownAction):
		writeError(w, http.StatusBadRequest, ErrCodeUnknownAction, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, ErrCodeOperation, err.Error())
	}
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxLogLimit)
	}
	entries, err := s.logs.RecentLogs(r.Context(), limit)
	if err != nil {
		s.logger.Error("reading logs failed", "error", err)
		writeInternalError(w, "failed to read logs")
		return
	}
	if entries == nil {
		entries = []status.LogEntry{}
	}
	writeJSON(w, http.StatusOK, LogsResponse{Logs: entries})
}

// handleHealth reports 503 when any configured component is unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Version: s.version, Checks: map[string]string{}}
	for name, hc := range s.health {
		if hc == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		err := hc.HealthCheck(ctx)
		cancel()
		if err != nil {
			resp.Status = "degraded"
			resp.Checks[name] = err.Error()
			continue
		}
		resp.Checks[name] = "ok"
	}
	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

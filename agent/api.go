package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tapline-labs/tapline/internal/capture"
	"github.com/tapline-labs/tapline/internal/domain"
	"github.com/tapline-labs/tapline/internal/platform/httpserver"
)

type agentAPI struct {
	logger  *slog.Logger
	manager *capture.Manager
}

func newAgentAPI(logger *slog.Logger, manager *capture.Manager) *agentAPI {
	return &agentAPI{logger: logger, manager: manager}
}

func (a *agentAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /start", a.handleStart)
	mux.HandleFunc("POST /stop", a.handleStop)
	mux.HandleFunc("GET /status", a.handleStatus)
}

type startRequest struct {
	RunID   string   `json:"run_id"`
	Runners []string `json:"runners"`
}

type stopRequest struct {
	RunID string `json:"run_id"`
}

func (a *agentAPI) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid_json", err)
		return
	}
	if strings.TrimSpace(req.RunID) == "" {
		a.writeError(w, http.StatusBadRequest, "run_id_required", nil)
		return
	}
	runners, err := parseRunners(req.Runners)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid_runners", err)
		return
	}

	if err := a.manager.Start(r.Context(), req.RunID, runners); err != nil {
		if errors.Is(err, capture.ErrStateConflict) {
			a.writeError(w, http.StatusConflict, "state_conflict", err)
			return
		}
		a.writeError(w, http.StatusInternalServerError, "start_failed", err)
		return
	}

	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"started": true,
		"run_id":  req.RunID,
	})
}

func (a *agentAPI) handleStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid_json", err)
		return
	}
	if strings.TrimSpace(req.RunID) == "" {
		a.writeError(w, http.StatusBadRequest, "run_id_required", nil)
		return
	}

	if err := a.manager.Stop(r.Context(), req.RunID); err != nil {
		switch {
		case errors.Is(err, capture.ErrRunMismatch):
			a.writeError(w, http.StatusNotFound, "run_id_mismatch", err)
		case errors.Is(err, capture.ErrStateConflict):
			a.writeError(w, http.StatusConflict, "state_conflict", err)
		default:
			a.writeError(w, http.StatusInternalServerError, "stop_failed", err)
		}
		return
	}

	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"stopping": true,
		"run_id":   req.RunID,
	})
}

func (a *agentAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteJSON(w, http.StatusOK, a.manager.Status())
}

func (a *agentAPI) writeError(w http.ResponseWriter, status int, code string, err error) {
	body := map[string]any{"error": code}
	if err != nil {
		body["detail"] = err.Error()
	}
	httpserver.WriteJSON(w, status, body)
}

func parseRunners(names []string) ([]domain.Runner, error) {
	if len(names) == 0 {
		return []domain.Runner{domain.RunnerCurl, domain.RunnerChrome}, nil
	}
	out := make([]domain.Runner, 0, len(names))
	seen := make(map[domain.Runner]bool, len(names))
	for _, name := range names {
		var runner domain.Runner
		switch strings.ToLower(strings.TrimSpace(name)) {
		case string(domain.RunnerCurl):
			runner = domain.RunnerCurl
		case string(domain.RunnerChrome):
			runner = domain.RunnerChrome
		default:
			return nil, fmt.Errorf("unknown runner: %q", name)
		}
		if !seen[runner] {
			seen[runner] = true
			out = append(out, runner)
		}
	}
	return out, nil
}

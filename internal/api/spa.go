package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/controlmyspa-bridge/internal/engine"
	"github.com/nerrad567/controlmyspa-bridge/internal/entity"
	"github.com/nerrad567/controlmyspa-bridge/internal/spa"
)

// maxCommandWait bounds ?wait=true on command requests.
const maxCommandWait = 30 * time.Second

// SpaResponse is the body of GET /api/v1/spa and the spa.state_changed
// event payload.
type SpaResponse struct {
	Version   uint64                `json:"version"`
	FetchedAt time.Time             `json:"fetched_at"`
	State     entity.AggregateState `json:"state"`
}

func newSpaResponse(snap spa.Snapshot) SpaResponse {
	return SpaResponse{
		Version:   snap.Version,
		FetchedAt: snap.FetchedAt,
		State:     entity.NewAggregateState(snap),
	}
}

// CommandRequest is the body of PUT /api/v1/entities/{slug}[/{port}].
type CommandRequest struct {
	Value string `json:"value"`
}

// CommandResponse reports a command outcome. It is also the
// command.resolved event payload.
type CommandResponse struct {
	engine.Outcome
	Error string `json:"error,omitempty"`
}

func newCommandResponse(out engine.Outcome) CommandResponse {
	return CommandResponse{Outcome: out, Error: out.Reason()}
}

// handleGetSpa returns the current aggregate state.
func (s *Server) handleGetSpa(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.spa.Current()
	if !ok {
		writeNoSnapshot(w, r)
		return
	}
	writeJSON(w, http.StatusOK, newSpaResponse(snap))
}

// handleRefresh forces a refresh and returns the resulting snapshot.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	snap, err := s.spa.Refresh(r.Context())
	if err != nil {
		s.logger.Warn("API refresh failed", "error", err)
		writeError(w, r, http.StatusBadGateway, ErrCodeUpstream, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, newSpaResponse(snap))
}

// handleListEntities returns the descriptors of every entity the current
// snapshot exposes.
func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	mapper := s.bridge.Mapper()
	snap, ok := s.spa.Current()
	if mapper == nil || !ok {
		writeNoSnapshot(w, r)
		return
	}
	descriptors := mapper.Descriptors(snap)
	writeJSON(w, http.StatusOK, map[string]any{
		"entities": descriptors,
		"count":    len(descriptors),
	})
}

// handleCommand dispatches a command to one entity. With ?wait=true a
// pending outcome is awaited until it resolves or the wait cap elapses.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "slug")
	if port := chi.URLParam(r, "port"); port != "" {
		raw += "/" + port
	}
	key, err := entity.ParseKey(raw)
	if err != nil {
		writeError(w, r, http.StatusNotFound, ErrCodeNotFound, err.Error())
		return
	}

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if req.Value == "" {
		writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "value is required")
		return
	}

	out := s.bridge.Command(r.Context(), key, req.Value)

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait && !out.State.Final() {
		ctx, cancel := context.WithTimeout(r.Context(), maxCommandWait)
		out = out.Wait(ctx)
		cancel()
	}

	writeJSON(w, commandStatus(out), newCommandResponse(out))
}

// commandStatus maps a dispatch outcome to an HTTP status code.
func commandStatus(out engine.Outcome) int {
	switch out.State {
	case engine.StateConfirmed:
		return http.StatusOK
	case engine.StatePending:
		return http.StatusAccepted
	case engine.StateReported:
		if errors.Is(out.Err, engine.ErrStopped) {
			return http.StatusServiceUnavailable
		}
		return http.StatusConflict
	}

	switch {
	case errors.Is(out.Err, engine.ErrInvalidValue):
		return http.StatusBadRequest
	case errors.Is(out.Err, engine.ErrNotReady), errors.Is(out.Err, engine.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

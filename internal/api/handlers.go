package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/espk-bridge/internal/bridge"
	"github.com/mattjoyce/espk-bridge/internal/bus"
	"github.com/mattjoyce/espk-bridge/internal/journal"
	"github.com/mattjoyce/espk-bridge/internal/manager"
)

const maxBodyBytes = 64 << 10

// handleHealthz handles GET /healthz
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := s.link.Status()
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Link:          st.State.String(),
		Targets:       st.Targets,
	})
}

// handlePorts handles GET /ports
func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	ports, err := s.link.Ports()
	if err != nil {
		s.logger.Error("failed to list serial ports", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list serial ports")
		return
	}
	respondJSON(w, http.StatusOK, PortsResponse{Ports: ports})
}

// handleLink handles GET /link
func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.link.Status())
}

// handleConnect handles POST /link/connect
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Port == "" {
		s.writeError(w, http.StatusBadRequest, "port is required")
		return
	}
	if req.Baud == 0 {
		req.Baud = s.config.DefaultBaud
	}
	if req.Baud <= 0 {
		s.writeError(w, http.StatusBadRequest, "baud must be positive")
		return
	}

	if err := s.link.Connect(req.Port, req.Baud); err != nil {
		switch {
		case errors.Is(err, manager.ErrAlreadyConnected):
			s.writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, manager.ErrConnection):
			s.writeError(w, http.StatusBadGateway, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, s.link.Status())
}

// handleDisconnect handles POST /link/disconnect
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.link.Disconnect()
	respondJSON(w, http.StatusOK, s.link.Status())
}

// handleTargets handles GET /targets. The snapshot fingerprint doubles as
// the ETag.
func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	snap := s.link.Snapshot()
	etag := strconv.Quote(snap.Fingerprint)
	w.Header().Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	respondJSON(w, http.StatusOK, TargetsResponse{
		Generation:  snap.Generation,
		Fingerprint: snap.Fingerprint,
		Targets:     snap.Targets,
	})
}

// handleTarget handles GET /targets/{id}
func (s *Server) handleTarget(w http.ResponseWriter, r *http.Request) {
	id, ok := s.targetID(w, r)
	if !ok {
		return
	}
	t, found := s.link.Target(id)
	if !found {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("target %d not found", id))
		return
	}
	respondJSON(w, http.StatusOK, t)
}

// handleOverride handles POST /targets/{id}/override. The request goes out
// on the bus so it passes through the same safety checks as any other
// publisher's.
func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	id, ok := s.targetID(w, r)
	if !ok {
		return
	}
	if _, found := s.link.Target(id); !found {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("target %d not found", id))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	req, err := bridge.DecodeRequest(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Channels) > bridge.MaxChannels {
		s.writeError(w, http.StatusBadRequest, bridge.ErrChannelLimit.Error())
		return
	}

	payload, err := json.Marshal(req)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to encode request")
		return
	}
	subject := bus.Subject(s.config.SubjectPrefix, id)
	if err := s.bus.Publish(subject, payload); err != nil {
		s.logger.Error("failed to publish override", "target_id", id, "subject", subject, "error", err)
		s.writeError(w, http.StatusBadGateway, "failed to publish override")
		return
	}
	respondJSON(w, http.StatusAccepted, OverrideResponse{
		TargetID: id,
		Subject:  subject,
		Status:   "published",
	})
}

// handleOverrides handles GET /overrides?limit=N
func (s *Server) handleOverrides(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, http.StatusNotFound, "override journal is disabled")
		return
	}
	limit := journal.DefaultRecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read override journal", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read override journal")
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	respondJSON(w, http.StatusOK, OverridesResponse{Entries: entries})
}

func (s *Server) targetID(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.Atoi(raw)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid target id %q", raw))
		return 0, false
	}
	return id, true
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

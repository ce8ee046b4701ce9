package server

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/agentpay-dev/agentpay/internal/model"
)

func pathUUID(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	return id, err == nil
}

func queryInt(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	agent, secret, err := s.directory.Register(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, model.RegisteredAgent{Agent: agent, SigningSecret: secret})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit > 200 {
		limit = 200
	}
	offset := queryInt(r, "offset", 0)

	agents, err := s.directory.List(r.Context(), limit, offset)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, agents)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid agent id")
		return
	}
	agent, err := s.directory.Get(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// handleHeartbeat records liveness for the calling agent. An agent can only
// heartbeat itself.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid agent id")
		return
	}
	caller := AgentFromContext(r.Context())
	if caller.ID != id {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "agents can only heartbeat themselves")
		return
	}

	agent, err := s.directory.Heartbeat(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

func (s *Server) handleReactivateAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid agent id")
		return
	}
	agent, err := s.directory.Reactivate(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	claims := ClaimsFromContext(r.Context())
	s.logger.Info("agent reactivated by admin", "agent_id", id, "operator", claims.Operator)
	writeJSON(w, r, http.StatusOK, agent)
}

type setAgentStatusRequest struct {
	Status model.AgentStatus `json:"status"`
}

func (s *Server) handleSetAgentStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid agent id")
		return
	}
	var req setAgentStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	// Only inactive and maintenance can be set directly; active from error
	// goes through reactivation.
	if req.Status != model.AgentInactive && req.Status != model.AgentMaintenance {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "status must be inactive or maintenance")
		return
	}

	agent, err := s.directory.SetStatus(r.Context(), id, req.Status)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

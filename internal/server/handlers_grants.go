package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/agentpay-dev/agentpay/internal/model"
	"github.com/agentpay-dev/agentpay/internal/registry"
)

// handleCreateGrant issues an authorization grant. The calling agent is the
// subject of the grant: it authorizes the principal to act toward it.
func (s *Server) handleCreateGrant(w http.ResponseWriter, r *http.Request) {
	var req model.CreateGrantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	principalID, err := uuid.Parse(req.PrincipalID)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid principal_id")
		return
	}
	subjectID, err := uuid.Parse(req.SubjectID)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid subject_id")
		return
	}

	caller := AgentFromContext(r.Context())
	if caller.ID != subjectID {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "grants can only be issued by their subject")
		return
	}

	grant, err := s.registry.Grant(r.Context(), registry.CreateGrantInput{
		PrincipalID:         principalID,
		SubjectID:           subjectID,
		Permissions:         req.Permissions,
		MaxAmountCents:      req.MaxAmountCents,
		MaxFrequencyPerHour: req.MaxFrequencyPerHour,
		TTL:                 time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, grant)
}

// handleListGrants lists grants where the calling agent is the principal.
func (s *Server) handleListGrants(w http.ResponseWriter, r *http.Request) {
	caller := AgentFromContext(r.Context())
	limit := queryInt(r, "limit", 50)
	if limit > 200 {
		limit = 200
	}
	offset := queryInt(r, "offset", 0)

	grants, err := s.registry.ListByPrincipal(r.Context(), caller.ID, limit, offset)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, grants)
}

func (s *Server) handleGetGrant(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid grant id")
		return
	}
	grant, err := s.registry.Get(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	caller := AgentFromContext(r.Context())
	if caller.ID != grant.PrincipalID && caller.ID != grant.SubjectID {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "grant belongs to other agents")
		return
	}
	writeJSON(w, r, http.StatusOK, grant)
}

// handleRevokeGrant revokes a grant. Either party can revoke.
func (s *Server) handleRevokeGrant(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid grant id")
		return
	}
	grant, err := s.registry.Get(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	caller := AgentFromContext(r.Context())
	if caller.ID != grant.PrincipalID && caller.ID != grant.SubjectID {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "grant belongs to other agents")
		return
	}

	revoked, err := s.registry.Revoke(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, revoked)
}

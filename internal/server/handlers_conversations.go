package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/agentpay-dev/agentpay/internal/conversation"
	"github.com/agentpay-dev/agentpay/internal/model"
)

func (s *Server) handleInitiateConversation(w http.ResponseWriter, r *http.Request) {
	var req model.InitiateConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	targetID, err := uuid.Parse(req.TargetID)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid target_id")
		return
	}
	grantID, err := uuid.Parse(req.GrantID)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid grant_id")
		return
	}

	caller := AgentFromContext(r.Context())
	conv, err := s.engine.Initiate(r.Context(), conversation.InitiateInput{
		InitiatorID: caller.ID,
		TargetID:    targetID,
		GrantID:     grantID,
		Purpose:     req.Purpose,
		Context:     req.Context,
		TTL:         time.Duration(req.TTLSeconds) * time.Second,
		Signature:   req.Signature,
		Timestamp:   req.Timestamp,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, conv)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid conversation id")
		return
	}
	conv, err := s.engine.Get(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	caller := AgentFromContext(r.Context())
	if !conv.HasParticipant(caller.ID) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "not a participant")
		return
	}
	writeJSON(w, r, http.StatusOK, conv)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid conversation id")
		return
	}
	conv, err := s.engine.Get(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	caller := AgentFromContext(r.Context())
	if !conv.HasParticipant(caller.ID) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "not a participant")
		return
	}

	msgs, err := s.engine.Messages(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, msgs)
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid conversation id")
		return
	}
	var req model.PostMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	caller := AgentFromContext(r.Context())
	msg, err := s.engine.PostMessage(r.Context(), conversation.PostMessageInput{
		ConversationID: id,
		SenderID:       caller.ID,
		Type:           req.Type,
		Body:           req.Body,
		Final:          req.Final,
		Signature:      req.Signature,
		Timestamp:      req.Timestamp,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, msg)
}

type completeConversationRequest struct {
	Result map[string]any `json:"result,omitempty"`
}

func (s *Server) handleCompleteConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid conversation id")
		return
	}
	var req completeConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	caller := AgentFromContext(r.Context())
	conv, err := s.engine.Complete(r.Context(), id, caller.ID, req.Result)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, conv)
}

type failConversationRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleFailConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid conversation id")
		return
	}
	var req failConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.Reason == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "reason is required")
		return
	}

	caller := AgentFromContext(r.Context())
	conv, err := s.engine.Fail(r.Context(), id, caller.ID, req.Reason)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, conv)
}

package server

import (
	"net/http"
	"time"

	"github.com/agentpay-dev/agentpay/internal/auth"
	"github.com/agentpay-dev/agentpay/internal/model"
)

type issueTokenRequest struct {
	APIKey   string `json:"api_key"`
	Operator string `json:"operator"`
}

type issueTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleIssueToken exchanges the configured admin API key for an admin JWT.
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "api_key is required")
		return
	}
	if req.Operator == "" {
		req.Operator = "admin"
	}

	if s.adminKeyHash == "" {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "admin access not configured")
		return
	}
	ok, err := auth.VerifyAdminKey(req.APIKey, s.adminKeyHash)
	if err != nil || !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid api key")
		return
	}

	token, exp, err := s.jwtMgr.IssueAdminToken(req.Operator)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.logger.Info("admin token issued", "operator", req.Operator, "expires_at", exp)
	writeJSON(w, r, http.StatusOK, issueTokenResponse{Token: token, ExpiresAt: exp})
}

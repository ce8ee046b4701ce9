package server

import (
	"io"
	"net/http"

	"github.com/agentpay-dev/agentpay/internal/model"
)

// handleWebhook ingests a raw processor webhook. Duplicates and ignored
// events still return 200 so the processor stops redelivering; only unknown
// processors, unparseable payloads, and storage failures are errors.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("processor")

	if ok, err := s.limiter.Allow(r.Context(), "webhook:"+name); err == nil && !ok {
		writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, "rate limit exceeded")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "cannot read request body")
		return
	}
	if len(body) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "empty webhook body")
		return
	}

	event, err := s.reconciler.Ingest(r.Context(), name, body)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, event)
}

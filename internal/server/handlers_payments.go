package server

import (
	"net/http"

	"github.com/agentpay-dev/agentpay/internal/model"
)

// handleSubmitPayment submits a payment request. The requester is always the
// calling agent; a requester_id in the body is ignored.
func (s *Server) handleSubmitPayment(w http.ResponseWriter, r *http.Request) {
	var in model.SubmitPaymentInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	caller := AgentFromContext(r.Context())
	in.RequesterID = caller.ID

	if err := in.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	payment, err := s.payments.Submit(r.Context(), in)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	status := http.StatusCreated
	if payment.Status == model.PaymentFailed {
		// Orchestration ran and the processor declined; the request exists
		// but did not succeed.
		status = http.StatusOK
	}
	writeJSON(w, r, status, payment)
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid payment id")
		return
	}
	payment, err := s.payments.Get(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	caller := AgentFromContext(r.Context())
	if caller.ID != payment.RequesterID && caller.ID != payment.ExecutorID {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "not a party to this payment")
		return
	}
	writeJSON(w, r, http.StatusOK, payment)
}

// handlePaymentStatus returns a payment and its settlements by request ref.
func (s *Server) handlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("ref")
	if !model.ValidRequestRef(ref) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request ref")
		return
	}

	status, err := s.payments.Status(r.Context(), ref)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	caller := AgentFromContext(r.Context())
	if caller.ID != status.Request.RequesterID && caller.ID != status.Request.ExecutorID {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "not a party to this payment")
		return
	}
	writeJSON(w, r, http.StatusOK, status)
}

type cancelPaymentRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancelPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid payment id")
		return
	}
	var req cancelPaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled by request"
	}

	caller := AgentFromContext(r.Context())
	payment, err := s.payments.Cancel(r.Context(), id, caller.ID, req.Reason)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, payment)
}

// handleListPayments is the operator view of payment requests in one status,
// oldest first. Its main use is spotting requests stuck in processing.
func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	status := model.PaymentStatus(r.URL.Query().Get("status"))
	if !model.ValidPaymentStatus(status) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown payment status")
		return
	}
	limit := queryInt(r, "limit", 100)
	if limit > 500 {
		limit = 500
	}

	list, err := s.db.ListPaymentsByStatus(r.Context(), status, limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, list)
}

func (s *Server) handleListProcessors(w http.ResponseWriter, r *http.Request) {
	procs, err := s.db.ListProcessors(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, procs)
}

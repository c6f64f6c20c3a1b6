// internal/circulation/handler.go
package circulation

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Handler exposes the circulation engine over HTTP. The acting user comes
// from the X-Actor header set by the gateway.
type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts all circulation endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/loans", h.HandleIssue)
	r.Get("/loans/{loanID}", h.HandleGetLoan)
	r.Post("/loans/{loanID}/return", h.HandleReturn)
	r.Post("/loans/{loanID}/renew", h.HandleRenew)
	r.Post("/loans/{loanID}/cancel", h.HandleCancel)

	r.Post("/fines/{fineID}/payments", h.HandlePayFine)
	r.Post("/fines/{fineID}/waive", h.HandleWaiveFine)

	r.Get("/members/{memberID}/summary", h.HandleMemberSummary)

	return r
}

func (h *Handler) HandleIssue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MemberID  uuid.UUID  `json:"member_id"`
		CopyID    uuid.UUID  `json:"copy_id"`
		IssueDate *time.Time `json:"issue_date,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	loan, err := h.service.IssueBook(r.Context(), IssueRequest{
		MemberID:  req.MemberID,
		CopyID:    req.CopyID,
		IssueDate: req.IssueDate,
		Actor:     actor(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, loan)
}

func (h *Handler) HandleReturn(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "loanID")
	if !ok {
		return
	}

	var req struct {
		ReturnDate *time.Time `json:"return_date,omitempty"`
		Condition  *Condition `json:"condition,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	loan, err := h.service.ReturnBook(r.Context(), ReturnRequest{
		LoanID:     loanID,
		ReturnDate: req.ReturnDate,
		Condition:  req.Condition,
		Actor:      actor(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, loan)
}

func (h *Handler) HandleRenew(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "loanID")
	if !ok {
		return
	}

	loan, err := h.service.RenewBook(r.Context(), RenewRequest{LoanID: loanID, Actor: actor(r)})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, loan)
}

func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "loanID")
	if !ok {
		return
	}

	var req struct {
		Kind TransactionType `json:"kind"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	loan, err := h.service.CancelTransaction(r.Context(), CancelRequest{
		LoanID: loanID,
		Kind:   req.Kind,
		Actor:  actor(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, loan)
}

func (h *Handler) HandleGetLoan(w http.ResponseWriter, r *http.Request) {
	loanID, ok := pathID(w, r, "loanID")
	if !ok {
		return
	}

	loan, err := h.service.GetLoan(r.Context(), loanID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, loan)
}

func (h *Handler) HandlePayFine(w http.ResponseWriter, r *http.Request) {
	fineID, ok := pathID(w, r, "fineID")
	if !ok {
		return
	}

	var req struct {
		Amount float64 `json:"amount"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	fine, err := h.service.RecordFinePayment(r.Context(), PaymentRequest{
		FineID: fineID,
		Amount: req.Amount,
		Actor:  actor(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, fine)
}

func (h *Handler) HandleWaiveFine(w http.ResponseWriter, r *http.Request) {
	fineID, ok := pathID(w, r, "fineID")
	if !ok {
		return
	}

	fine, err := h.service.WaiveFine(r.Context(), fineID, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, fine)
}

func (h *Handler) HandleMemberSummary(w http.ResponseWriter, r *http.Request) {
	memberID, ok := pathID(w, r, "memberID")
	if !ok {
		return
	}

	summary, err := h.service.MemberSummary(r.Context(), memberID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func actor(r *http.Request) string {
	return r.Header.Get("X-Actor")
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		http.Error(w, "invalid "+name, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
	Field  string `json:"field,omitempty"`
}

// writeError maps the engine's error taxonomy onto HTTP statuses:
// validation 400, missing record 404, business-rule rejection 422, lost
// race 409, store 500.
func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
		return
	}
	if ve, ok := AsValidation(err); ok {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: ve.Error(), Field: ve.Field})
		return
	}
	if ie, ok := AsIneligible(err); ok {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: ie.Error(), Reason: string(ie.Reason)})
		return
	}
	if errors.Is(err, ErrConcurrencyConflict) {
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

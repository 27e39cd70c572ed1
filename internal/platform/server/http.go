package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/wizardbeardstudio/open-acs-go/internal/platform/auth"
)

// Handler exposes the coordinator over HTTP/JSON. It is a thin adapter: the
// caller identity comes from the auth middleware, every decision is made by
// the coordinator.
type Handler struct {
	Coordinator *Coordinator
	Logger      zerolog.Logger
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.health)
	mux.HandleFunc("POST /v1/items", h.createItem)
	mux.HandleFunc("GET /v1/items", h.listItems)
	mux.HandleFunc("GET /v1/items/{id}", h.getItem)
	mux.HandleFunc("GET /v1/items/{id}/escrow", h.escrowBalance)
	mux.HandleFunc("POST /v1/items/{id}/enroll", h.enroll)
	mux.HandleFunc("POST /v1/items/{id}/assign", h.assign)
	mux.HandleFunc("POST /v1/items/{id}/results", h.submitResult)
	mux.HandleFunc("POST /v1/items/{id}/cancel", h.cancel)
	mux.HandleFunc("POST /v1/items/{id}/settlement/retry", h.retrySettlement)
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrAlreadyEnrolled),
		errors.Is(err, ErrEnrollmentClosed),
		errors.Is(err, ErrAlreadyAssigned),
		errors.Is(err, ErrDuplicateResult):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ErrSelfEnrollment),
		errors.Is(err, ErrInsufficientAuditors),
		errors.Is(err, ErrNotAssigned):
		return http.StatusUnprocessableEntity, "rejected"
	case errors.Is(err, ErrItemCancelled):
		return http.StatusConflict, "item_cancelled"
	case errors.Is(err, ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrLedgerFailure):
		return http.StatusBadGateway, "ledger_failure"
	case errors.Is(err, ErrStorageFailure):
		return http.StatusServiceUnavailable, "storage_failure"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, code := statusForError(err)
	var body errorBody
	body.Error.Code = code
	body.Error.Message = err.Error()
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func actorOr401(w http.ResponseWriter, r *http.Request) (auth.Actor, bool) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok || actor.ID == "" {
		http.Error(w, "missing actor", http.StatusUnauthorized)
		return auth.Actor{}, false
	}
	return actor, true
}

type createItemRequest struct {
	FeeMinor         int64  `json:"fee_minor"`
	RequiredAuditors int    `json:"required_auditors"`
	MetadataURI      string `json:"metadata_uri"`
}

func (h *Handler) createItem(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	var req createItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	view, err := h.Coordinator.CreateItem(r.Context(), CreateItemCommand{
		Producer:         actor.ID,
		FeeMinor:         req.FeeMinor,
		RequiredAuditors: req.RequiredAuditors,
		MetadataURI:      req.MetadataURI,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (h *Handler) listItems(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	var views []ItemView
	switch {
	case r.URL.Query().Get("producer") == "me":
		views = h.Coordinator.ListByProducer(r.Context(), actor.ID)
	case r.URL.Query().Get("auditor") == "me":
		views = h.Coordinator.ListByAuditor(r.Context(), actor.ID)
	default:
		views = h.Coordinator.ListItems(r.Context())
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": views})
}

func (h *Handler) getItem(w http.ResponseWriter, r *http.Request) {
	if _, ok := actorOr401(w, r); !ok {
		return
	}
	view, err := h.Coordinator.GetItem(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) escrowBalance(w http.ResponseWriter, r *http.Request) {
	if _, ok := actorOr401(w, r); !ok {
		return
	}
	bal, err := h.Coordinator.EscrowBalance(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"balance_minor": bal})
}

func (h *Handler) enroll(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	view, err := h.Coordinator.Enroll(r.Context(), EnrollCommand{
		ItemID:  r.PathValue("id"),
		Auditor: actor.ID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) assign(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	view, err := h.Coordinator.Assign(r.Context(), AssignCommand{
		ItemID:      r.PathValue("id"),
		RequestedBy: actor.ID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type submitResultRequest struct {
	Verdict   Verdict `json:"verdict"`
	ResultURI string  `json:"result_uri"`
}

func (h *Handler) submitResult(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	var req submitResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	view, err := h.Coordinator.SubmitResult(r.Context(), SubmitResultCommand{
		ItemID:    r.PathValue("id"),
		Auditor:   actor.ID,
		Verdict:   req.Verdict,
		ResultURI: req.ResultURI,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	view, err := h.Coordinator.Cancel(r.Context(), CancelCommand{
		ItemID:      r.PathValue("id"),
		RequestedBy: actor.ID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) retrySettlement(w http.ResponseWriter, r *http.Request) {
	if _, ok := actorOr401(w, r); !ok {
		return
	}
	view, err := h.Coordinator.RetrySettlement(r.Context(), RetrySettlementCommand{
		ItemID: r.PathValue("id"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// AccessLog wraps a handler with request logging.
func AccessLog(logger zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

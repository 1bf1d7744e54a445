package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"zippcall/internal/event"
	"zippcall/internal/model"
	"zippcall/internal/service"
)

const (
	HeaderPaymentSignature   = "X-Payment-Signature"
	HeaderTelephonySignature = "X-Telephony-Signature"

	maxBodyBytes = 1 << 20
)

type Handler struct {
	svc service.LedgerService
}

func NewHandler(svc service.LedgerService) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	h.webhook(w, r, event.KindDeposit, r.Header.Get(HeaderPaymentSignature))
}

func (h *Handler) CallWebhook(w http.ResponseWriter, r *http.Request) {
	h.webhook(w, r, event.KindCallCompleted, r.Header.Get(HeaderTelephonySignature))
}

// webhook hands the raw body to the service: the signature covers the exact bytes received.
func (h *Handler) webhook(w http.ResponseWriter, r *http.Request, kind event.Kind, signature string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	res, err := h.svc.Handle(r.Context(), kind, body, signature)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handler) GetRate(w http.ResponseWriter, r *http.Request) {
	rate, err := h.svc.GetRate(r.Context(), chi.URLParam(r, "destination"))
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rate)
}

func (h *Handler) ListRates(w http.ResponseWriter, r *http.Request) {
	rates, err := h.svc.Rates(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"rates": rates})
}

func (h *Handler) QuoteCall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Destination     string `json:"destination" validate:"required,max=32"`
		DurationSeconds int64  `json:"duration_seconds" validate:"gte=0"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	quote, err := h.svc.QuoteCall(r.Context(), req.Destination, req.DurationSeconds)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, quote)
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	bal, err := h.svc.GetBalance(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id":       userID,
		"balance_cents": bal,
		"currency":      model.Currency,
	})
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, model.Invalid("limit", "must be a positive integer"))
			return
		}
		limit = n
	}
	txns, err := h.svc.ListTransactions(r.Context(), userIDFrom(r.Context()), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if txns == nil {
		txns = []model.Transaction{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"transactions": txns})
}

func (h *Handler) AuthorizeCall(w http.ResponseWriter, r *http.Request) {
	dest := r.URL.Query().Get("destination")
	if dest == "" {
		writeError(w, model.Invalid("destination", "is required"))
		return
	}
	auth, err := h.svc.AuthorizeCall(r.Context(), userIDFrom(r.Context()), dest)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, auth)
}

type rateRequest struct {
	Destination             string `json:"destination"`
	Country                 string `json:"country"`
	BasePrice               string `json:"base_price"`
	BillingIncrementSeconds int    `json:"billing_increment_seconds"`
}

func (rr rateRequest) entry() (model.RateEntry, error) {
	price, err := decimal.NewFromString(rr.BasePrice)
	if err != nil {
		return model.RateEntry{}, model.Invalid("base_price", "is not a decimal number")
	}
	e := model.RateEntry{
		Destination:             rr.Destination,
		Country:                 rr.Country,
		BasePrice:               price,
		BillingIncrementSeconds: rr.BillingIncrementSeconds,
	}
	return e, e.Validate()
}

func (h *Handler) ReplaceRates(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rates []rateRequest `json:"rates" validate:"required,min=1"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	entries := make([]model.RateEntry, 0, len(req.Rates))
	for _, rr := range req.Rates {
		e, err := rr.entry()
		if err != nil {
			writeError(w, err)
			return
		}
		entries = append(entries, e)
	}
	version, err := h.svc.ReplaceRates(r.Context(), entries)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"version": version, "entries": len(entries)})
}

func (h *Handler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req service.AdjustRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.svc.Adjust(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		return model.Invalid("body", "invalid_json")
	}
	return event.Validate(v)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrUnknownDestination), errors.Is(err, model.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case model.Retryable(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	switch status {
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "5")
		slog.Warn("request deferred", "error", err)
	case http.StatusInternalServerError:
		slog.Error("request failed", "error", err)
		respondError(w, status, "internal_error")
		return
	}
	respondError(w, status, err.Error())
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

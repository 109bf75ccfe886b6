package query

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 500
)

// NewHandler mounts the read API over the query service. The transport in
// front of it handles authentication; the user id in the path is trusted
// to be verified.
func NewHandler(svc *Service, log zerolog.Logger) http.Handler {
	h := &handler{svc: svc, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/users/{user}/balances", h.balances)
	mux.HandleFunc("GET /v1/users/{user}/orders", h.orders)
	mux.HandleFunc("GET /v1/users/{user}/orders/{order}", h.order)
	mux.HandleFunc("GET /v1/users/{user}/journal", h.journal)
	mux.HandleFunc("GET /v1/symbols/{symbol}/trades", h.trades)
	mux.HandleFunc("GET /v1/integrity", h.integrity)
	return mux
}

type handler struct {
	svc *Service
	log zerolog.Logger
}

func (h *handler) balances(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathUUID(w, r, "user")
	if !ok {
		return
	}
	balances, err := h.svc.GetBalances(r.Context(), userID)
	if err != nil {
		h.serverError(w, "balances", err)
		return
	}
	h.writeJSON(w, balances)
}

func (h *handler) orders(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathUUID(w, r, "user")
	if !ok {
		return
	}
	limit, before, ok := h.pageParams(w, r)
	if !ok {
		return
	}
	orders, err := h.svc.GetUserOrders(r.Context(), userID,
		r.URL.Query().Get("symbol"), r.URL.Query().Get("status"), limit, before)
	if err != nil {
		h.serverError(w, "orders", err)
		return
	}
	h.writeJSON(w, orders)
}

func (h *handler) order(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathUUID(w, r, "user")
	if !ok {
		return
	}
	orderID, ok := h.pathUUID(w, r, "order")
	if !ok {
		return
	}
	o, err := h.svc.GetOrder(r.Context(), userID, orderID)
	if err != nil {
		h.serverError(w, "order", err)
		return
	}
	if o == nil {
		h.clientError(w, http.StatusNotFound, "order not found")
		return
	}
	h.writeJSON(w, o)
}

func (h *handler) journal(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathUUID(w, r, "user")
	if !ok {
		return
	}
	limit, before, ok := h.pageParams(w, r)
	if !ok {
		return
	}
	entries, err := h.svc.GetJournalHistory(r.Context(), userID, limit, before)
	if err != nil {
		h.serverError(w, "journal", err)
		return
	}
	h.writeJSON(w, entries)
}

func (h *handler) trades(w http.ResponseWriter, r *http.Request) {
	limit, _, ok := h.pageParams(w, r)
	if !ok {
		return
	}
	trades, err := h.svc.GetRecentTrades(r.Context(), r.PathValue("symbol"), limit)
	if err != nil {
		h.serverError(w, "trades", err)
		return
	}
	h.writeJSON(w, trades)
}

func (h *handler) integrity(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.VerifyIntegrity(r.Context())
	if err != nil {
		h.serverError(w, "integrity", err)
		return
	}
	h.writeJSON(w, report)
}

func (h *handler) pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		h.clientError(w, http.StatusBadRequest, "invalid "+name+" id")
		return uuid.Nil, false
	}
	return id, true
}

// pageParams parses limit and the optional RFC3339 before cursor.
func (h *handler) pageParams(w http.ResponseWriter, r *http.Request) (int, *time.Time, bool) {
	limit := defaultPageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxPageLimit {
			h.clientError(w, http.StatusBadRequest, "invalid limit")
			return 0, nil, false
		}
		limit = n
	}

	var before *time.Time
	if raw := r.URL.Query().Get("before"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			h.clientError(w, http.StatusBadRequest, "invalid before cursor")
			return 0, nil, false
		}
		before = &t
	}
	return limit, before, true
}

func (h *handler) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn().Err(err).Msg("encode response")
	}
}

func (h *handler) clientError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (h *handler) serverError(w http.ResponseWriter, endpoint string, err error) {
	h.log.Error().Err(err).Str("endpoint", endpoint).Msg("query failed")
	h.clientError(w, http.StatusInternalServerError, "internal error")
}

package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"inventory-ledger/internal/core"
	"inventory-ledger/internal/realtime"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Handler holds the inventory service, the realtime hub and the chi router.
type Handler struct {
	svc    core.InventoryService
	hub    *realtime.Broadcaster
	log    *zap.Logger
	router chi.Router
}

// NewHandler creates and wires the chi router with all routes.
func NewHandler(svc core.InventoryService, hub *realtime.Broadcaster, log *zap.Logger, allowedOrigins string) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handler{svc: svc, hub: hub, log: log}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logger(log))
	r.Use(Recoverer(log))
	r.Use(CORS(allowedOrigins))

	// ── Health and realtime (no body) ─────────────────────────────────────────
	r.Get("/api/health", h.health)
	r.Get("/api/realtime/stats", h.realtimeStats)
	r.Method(http.MethodGet, "/ws", realtime.NewHandler(hub, log))

	// ── Inventory API: 1 MB body limit ───────────────────────────────────────
	r.Group(func(r chi.Router) {
		r.Use(RequestBodyLimit(1 << 20))

		r.Post("/api/purchases", h.apiReceivePurchase)
		r.Post("/api/sales", h.apiRecordSale)

		r.Get("/api/inventory", h.apiLookupInventory)
		r.Get("/api/inventory/{id}", h.apiGetInventory)
		r.Post("/api/inventory/{id}/adjust", h.apiAdjustStock)
		r.Post("/api/inventory/{id}/movements", h.apiRecordMovement)
		r.Get("/api/inventory/{id}/reconcile", h.apiReconcile)

		r.Get("/api/movements", h.apiListMovements)
		r.Get("/api/analytics", h.apiAnalytics)
		r.Get("/api/customers/{id}/history", h.apiCustomerHistory)
	})

	h.router = r
	return r
}

// health returns service status and the number of live realtime connections.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Status      string `json:"status"`
		Connections int    `json:"realtime_connections"`
	}
	writeJSON(w, response{Status: "ok", Connections: h.hub.Stats().Connections})
}

func (h *Handler) realtimeStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.hub.Stats())
}

// decodeJSON decodes the request body into v and returns false + writes an appropriate
// error response on failure. Returns HTTP 413 when the body exceeds the size limit set
// by RequestBodyLimit middleware; HTTP 400 for all other decode errors.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, r, "request body too large", "REQUEST_TOO_LARGE", http.StatusRequestEntityTooLarge)
			return false
		}
		writeError(w, r, "invalid JSON body: "+err.Error(), "BAD_REQUEST", http.StatusBadRequest)
		return false
	}
	return true
}

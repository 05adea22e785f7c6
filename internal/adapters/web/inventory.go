package web

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"inventory-ledger/internal/core"

	"github.com/go-chi/chi/v5"
)

// apiReceivePurchase handles POST /api/purchases.
func (h *Handler) apiReceivePurchase(w http.ResponseWriter, r *http.Request) {
	var in core.ReceivePurchaseInput
	if !decodeJSON(w, r, &in) {
		return
	}
	res, err := h.svc.ReceivePurchase(r.Context(), in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, res)
}

// apiRecordSale handles POST /api/sales.
func (h *Handler) apiRecordSale(w http.ResponseWriter, r *http.Request) {
	var in core.RecordSaleInput
	if !decodeJSON(w, r, &in) {
		return
	}
	res, err := h.svc.RecordSale(r.Context(), in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, res)
}

// apiGetInventory handles GET /api/inventory/{id}.
func (h *Handler) apiGetInventory(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.GetInventoryByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, rec)
}

// apiLookupInventory handles GET /api/inventory?product_id=&warehouse_id=.
func (h *Handler) apiLookupInventory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rec, err := h.svc.GetInventory(r.Context(), q.Get("product_id"), q.Get("warehouse_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, rec)
}

// apiAdjustStock handles POST /api/inventory/{id}/adjust.
func (h *Handler) apiAdjustStock(w http.ResponseWriter, r *http.Request) {
	var in core.AdjustStockInput
	if !decodeJSON(w, r, &in) {
		return
	}
	in.InventoryID = chi.URLParam(r, "id")
	change, err := h.svc.AdjustStock(r.Context(), in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, change)
}

// apiRecordMovement handles POST /api/inventory/{id}/movements.
func (h *Handler) apiRecordMovement(w http.ResponseWriter, r *http.Request) {
	var in core.RecordMovementInput
	if !decodeJSON(w, r, &in) {
		return
	}
	in.InventoryID = chi.URLParam(r, "id")
	change, err := h.svc.RecordMovement(r.Context(), in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, change)
}

// apiReconcile handles GET /api/inventory/{id}/reconcile.
func (h *Handler) apiReconcile(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Reconcile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, res)
}

// apiListMovements handles GET /api/movements.
func (h *Handler) apiListMovements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := core.MovementFilter{
		InventoryID:  q.Get("inventory_id"),
		ProductID:    q.Get("product_id"),
		WarehouseID:  q.Get("warehouse_id"),
		MovementType: core.MovementType(q.Get("movement_type")),
	}
	var ok bool
	if f.From, ok = parseTimeParam(w, r, q, "from"); !ok {
		return
	}
	if f.To, ok = parseTimeParam(w, r, q, "to"); !ok {
		return
	}
	if f.Page, ok = parseIntParam(w, r, q, "page"); !ok {
		return
	}
	if f.PageSize, ok = parseIntParam(w, r, q, "page_size"); !ok {
		return
	}

	page, err := h.svc.GetMovements(r.Context(), f)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, page)
}

// apiAnalytics handles GET /api/analytics.
func (h *Handler) apiAnalytics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := core.AnalyticsFilter{
		WarehouseID: q.Get("warehouse_id"),
		ProductID:   q.Get("product_id"),
	}
	var ok bool
	if f.From, ok = parseTimeParam(w, r, q, "from"); !ok {
		return
	}
	if f.To, ok = parseTimeParam(w, r, q, "to"); !ok {
		return
	}

	a, err := h.svc.GetInventoryAnalytics(r.Context(), f)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, a)
}

// apiCustomerHistory handles GET /api/customers/{id}/history.
func (h *Handler) apiCustomerHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := h.svc.GetCustomerHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, hist)
}

// parseTimeParam reads an optional RFC 3339 query parameter.
func parseTimeParam(w http.ResponseWriter, r *http.Request, q url.Values, name string) (*time.Time, bool) {
	raw := q.Get(name)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		writeError(w, r, name+" must be an RFC 3339 timestamp", "BAD_REQUEST", http.StatusBadRequest)
		return nil, false
	}
	return &t, true
}

func parseIntParam(w http.ResponseWriter, r *http.Request, q url.Values, name string) (int, bool) {
	raw := q.Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, r, name+" must be an integer", "BAD_REQUEST", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

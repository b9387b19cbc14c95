package orders

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopfront-labs/fulfillment/internal/carriers"
	"github.com/shopfront-labs/fulfillment/internal/dispatch"
	"github.com/shopfront-labs/fulfillment/internal/domain"
	"github.com/shopfront-labs/fulfillment/internal/reconcile"
)

type Handler struct {
	repo        *Repository
	reconciler  *reconcile.Reconciler
	coordinator *dispatch.Coordinator
	registry    *carriers.Registry
	logger      *slog.Logger
}

func NewHandler(repo *Repository, reconciler *reconcile.Reconciler, coordinator *dispatch.Coordinator, registry *carriers.Registry, logger *slog.Logger) *Handler {
	return &Handler{
		repo:        repo,
		reconciler:  reconciler,
		coordinator: coordinator,
		registry:    registry,
		logger:      logger,
	}
}

type listResponse struct {
	Orders []domain.Order `json:"orders"`
	Total  int            `json:"total"`
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{
		WorkflowStatus: domain.WorkflowStatus(q.Get("workflow_status")),
		PaymentStatus:  domain.PaymentStatus(q.Get("payment_status")),
		Query:          q.Get("q"),
		Limit:          50,
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid from timestamp")
			return
		}
		filter.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid to timestamp")
			return
		}
		filter.To = t
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		filter.Offset = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 200 {
			h.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}

	orders, total, err := h.repo.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list orders", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, listResponse{Orders: orders, Total: total})
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	order, err := h.reconciler.GetOrder(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get order", "error", err, "order_id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if order == nil {
		h.writeError(w, http.StatusNotFound, "order not found")
		return
	}

	h.writeJSON(w, http.StatusOK, order)
}

type workflowStatusRequest struct {
	Target domain.WorkflowStatus `json:"target"`
}

func (h *Handler) HandleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req workflowStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Target == "" {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, err := h.reconciler.MutateWorkflow(r.Context(), id, req.Target)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, order)
}

type paymentStatusRequest struct {
	Target     domain.PaymentStatus `json:"target"`
	PaidAmount int64                `json:"paid_amount"`
	Reason     string               `json:"reason,omitempty"`
}

func (h *Handler) HandlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req paymentStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Target == "" {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, err := h.reconciler.MutatePayment(r.Context(), id, req.Target, req.PaidAmount, req.Reason)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, order)
}

type manualAssignRequest struct {
	CarrierKey string `json:"carrier_key"`
	MemoNo     string `json:"memo_no"`
}

func (h *Handler) HandleAssignManual(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req manualAssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, err := h.coordinator.AssignManual(r.Context(), id, req.CarrierKey, req.MemoNo)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, order)
}

type dispatchRequest struct {
	CarrierKey string `json:"carrier_key"`
}

func (h *Handler) HandleRequestDispatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CarrierKey == "" {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, err := h.coordinator.RequestAutomatic(r.Context(), id, req.CarrierKey)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, order)
}

func (h *Handler) HandleRetryDispatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	order, err := h.coordinator.Retry(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, order)
}

func (h *Handler) HandleClearAssignment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	order, err := h.coordinator.Clear(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, order)
}

type resolveRequest struct {
	OrderID      string           `json:"order_id"`
	Sequence     uint64           `json:"sequence"`
	TrackingNo   string           `json:"tracking_no"`
	ErrorKind    domain.ErrorKind `json:"error_kind"`
	ErrorMessage string           `json:"error_message"`
}

// HandleResolveDispatch is the worker's callback reporting a booking
// outcome.
func (h *Handler) HandleResolveDispatch(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, err := h.coordinator.Resolve(r.Context(), req.OrderID, req.Sequence, req.TrackingNo, req.ErrorKind, req.ErrorMessage)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if order == nil {
		// Superseded or stale resolution, acknowledged and dropped.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.writeJSON(w, http.StatusOK, order)
}

type carrierSummary struct {
	Key         string `json:"key"`
	DisplayName string `json:"display_name"`
	Connected   bool   `json:"connected"`
}

func (h *Handler) HandleListCarriers(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, summarize(h.registry.ListAll()))
}

func (h *Handler) HandleListConnectedCarriers(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, summarize(h.registry.ListConnected()))
}

type gatewaySummary struct {
	Key         string `json:"key"`
	DisplayName string `json:"display_name"`
}

// HandleListGateways lists the payment gateways configured for the shop.
// Credentials never leave the registry.
func (h *Handler) HandleListGateways(w http.ResponseWriter, r *http.Request) {
	gs := h.registry.ListGateways()
	out := make([]gatewaySummary, 0, len(gs))
	for _, g := range gs {
		out = append(out, gatewaySummary{Key: g.Key, DisplayName: g.DisplayName})
	}
	h.writeJSON(w, http.StatusOK, out)
}

func summarize(cs []domain.Carrier) []carrierSummary {
	out := make([]carrierSummary, 0, len(cs))
	for _, c := range cs {
		out = append(out, carrierSummary{Key: c.Key, DisplayName: c.DisplayName, Connected: c.Connected})
	}
	return out
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	var fe *domain.FulfillmentError
	if !errors.As(err, &fe) {
		h.logger.Error("order mutation failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	status := http.StatusConflict
	switch fe.Kind {
	case domain.KindNotFound, domain.KindUnknownCarrier:
		status = http.StatusNotFound
	case domain.KindInvalidTransition, domain.KindTerminalState,
		domain.KindCarrierNotConnected, domain.KindAlreadyInFlight,
		domain.KindDispatchRejected:
		status = http.StatusConflict
	}

	h.writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"kind":    string(fe.Kind),
			"message": fe.Message,
		},
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]any{
		"error": map[string]string{"kind": "bad_request", "message": message},
	})
}

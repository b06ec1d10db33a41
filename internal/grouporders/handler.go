package grouporders

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/grouporders/internal/domain"
	"github.com/joao-fontenele/grouporders/internal/ledger"
	"github.com/joao-fontenele/grouporders/internal/payment"
	"github.com/joao-fontenele/grouporders/internal/telemetry"
)

const maxBodyBytes = 1 << 20

type Handler struct {
	registry *Registry
	logger   *slog.Logger
}

func NewHandler(registry *Registry, logger *slog.Logger) *Handler {
	return &Handler{
		registry: registry,
		logger:   logger,
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	routes := map[string]http.HandlerFunc{
		"POST /group-orders/create":                              h.HandleCreate,
		"POST /group-orders/join":                                h.HandleJoin,
		"GET /group-orders/validate-join-code":                   h.HandleValidateJoinCode,
		"GET /group-orders/{id}":                                 h.HandleGet,
		"PUT /group-orders/{id}/spending-limits":                 h.HandleSetSpendingLimits,
		"PUT /group-orders/{id}/payment-structure":               h.HandleSetPaymentStructure,
		"POST /group-orders/{id}/items":                          h.HandleAddItem,
		"DELETE /group-orders/{id}/items/{itemId}":               h.HandleRemoveItem,
		"DELETE /group-orders/{id}/participants/{participantId}": h.HandleLeave,
		"POST /group-orders/{id}/lock":                           h.HandleLock,
		"POST /group-orders/{id}/finalize":                       h.HandleFinalize,
		"POST /group-orders/{id}/cancel":                         h.HandleCancel,
		"GET /group-orders/{id}/settlement":                      h.HandleSettlement,
	}
	for pattern, handler := range routes {
		mux.HandleFunc(pattern, telemetry.WithHTTPRoute(handler))
	}
}

type createRequest struct {
	RestaurantID      string          `json:"restaurantId"`
	TableID           string          `json:"tableId"`
	ExpirationMinutes int             `json:"expirationMinutes"`
	Settings          domain.Settings `json:"settings"`
}

type createResponse struct {
	GroupOrderID string    `json:"groupOrderId"`
	InviteCode   string    `json:"inviteCode"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !h.decode(w, r, &req) {
		return
	}

	order, err := h.registry.Create(r.Context(), CreateInput{
		RestaurantID: req.RestaurantID,
		TableID:      req.TableID,
		TTLMinutes:   req.ExpirationMinutes,
		Settings:     req.Settings,
	})
	if err != nil {
		h.writeDomainError(w, err, "failed to create group order")
		return
	}

	h.writeData(w, http.StatusCreated, createResponse{
		GroupOrderID: order.ID,
		InviteCode:   order.InviteCode,
		ExpiresAt:    order.ExpiresAt,
	})
}

type joinRequest struct {
	InviteCode string `json:"inviteCode"`
	UserName   string `json:"userName"`
	UserEmail  string `json:"userEmail"`
}

func (h *Handler) HandleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if !h.decode(w, r, &req) {
		return
	}

	participant, order, err := h.registry.Join(r.Context(), req.InviteCode, ledger.Identity{
		Name:  req.UserName,
		Email: req.UserEmail,
	})
	if err != nil {
		h.writeDomainError(w, err, "failed to join group order")
		return
	}

	h.writeData(w, http.StatusOK, map[string]string{
		"participantId": participant.ID,
		"groupOrderId":  order.ID,
	})
}

func (h *Handler) HandleValidateJoinCode(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("joinCode")
	h.writeData(w, http.StatusOK, map[string]bool{
		"isValid": h.registry.ValidateJoinCode(r.Context(), code),
	})
}

// projection is the read model of a group order: the aggregate plus derived
// totals and the settlement it would produce right now.
type projection struct {
	*domain.GroupOrder
	Total      decimal.Decimal    `json:"total"`
	Settlement payment.Settlement `json:"settlementPreview"`
}

func project(order *domain.GroupOrder) projection {
	return projection{
		GroupOrder: order,
		Total:      order.Total(),
		Settlement: payment.ComputeSettlement(order),
	}
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	order, err := h.registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err, "failed to get group order")
		return
	}
	h.writeData(w, http.StatusOK, project(order))
}

type spendingLimitsRequest struct {
	SpendingLimits *domain.SpendingLimits `json:"spendingLimits"`
}

func (h *Handler) HandleSetSpendingLimits(w http.ResponseWriter, r *http.Request) {
	var req spendingLimitsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.SpendingLimits == nil {
		h.writeError(w, http.StatusBadRequest, "spendingLimits is required", "invalid_request")
		return
	}

	order, err := h.registry.SetSpendingLimits(r.Context(), r.PathValue("id"), *req.SpendingLimits)
	if err != nil {
		h.writeDomainError(w, err, "failed to update spending limits")
		return
	}
	h.writeData(w, http.StatusOK, order.SpendingLimits)
}

type paymentStructureRequest struct {
	PaymentStructure string                     `json:"paymentStructure"`
	CustomSplits     map[string]decimal.Decimal `json:"customSplits,omitempty"`
	PayerID          string                     `json:"payerId,omitempty"`
}

func (h *Handler) HandleSetPaymentStructure(w http.ResponseWriter, r *http.Request) {
	var req paymentStructureRequest
	if !h.decode(w, r, &req) {
		return
	}
	structure, err := domain.ToPaymentStructure(req.PaymentStructure)
	if err != nil {
		h.writeDomainError(w, err, "invalid payment structure")
		return
	}

	order, err := h.registry.SetPaymentStructure(r.Context(), r.PathValue("id"), PaymentChange{
		Structure: structure,
		Splits:    req.CustomSplits,
		PayerID:   req.PayerID,
	})
	if err != nil {
		h.writeDomainError(w, err, "failed to update payment structure")
		return
	}
	h.writeData(w, http.StatusOK, paymentStructureRequest{
		PaymentStructure: string(order.PaymentStructure),
		CustomSplits:     order.CustomSplits,
		PayerID:          order.PayerID,
	})
}

type addItemRequest struct {
	ParticipantID string          `json:"participantId"`
	MenuItemID    string          `json:"menuItemId"`
	Name          string          `json:"name"`
	Quantity      int             `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unitPrice"`
}

func (h *Handler) HandleAddItem(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if !h.decode(w, r, &req) {
		return
	}

	item, _, err := h.registry.AddItem(r.Context(), r.PathValue("id"), ledger.NewItem{
		ParticipantID: req.ParticipantID,
		MenuItemID:    req.MenuItemID,
		Name:          req.Name,
		Quantity:      req.Quantity,
		UnitPrice:     req.UnitPrice,
	})
	if err != nil {
		h.writeDomainError(w, err, "failed to add item")
		return
	}
	h.writeData(w, http.StatusCreated, item)
}

func (h *Handler) HandleRemoveItem(w http.ResponseWriter, r *http.Request) {
	if _, err := h.registry.RemoveItem(r.Context(), r.PathValue("id"), r.PathValue("itemId")); err != nil {
		h.writeDomainError(w, err, "failed to remove item")
		return
	}
	h.writeData(w, http.StatusOK, map[string]bool{"removed": true})
}

func (h *Handler) HandleLeave(w http.ResponseWriter, r *http.Request) {
	if _, err := h.registry.Leave(r.Context(), r.PathValue("id"), r.PathValue("participantId")); err != nil {
		h.writeDomainError(w, err, "failed to remove participant")
		return
	}
	h.writeData(w, http.StatusOK, map[string]bool{"removed": true})
}

func (h *Handler) HandleLock(w http.ResponseWriter, r *http.Request) {
	order, err := h.registry.Lock(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err, "failed to lock group order")
		return
	}
	h.writeData(w, http.StatusOK, project(order))
}

func (h *Handler) HandleFinalize(w http.ResponseWriter, r *http.Request) {
	settlement, err := h.registry.Finalize(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err, "failed to finalize group order")
		return
	}
	h.writeData(w, http.StatusOK, settlement)
}

func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	order, err := h.registry.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err, "failed to cancel group order")
		return
	}
	h.writeData(w, http.StatusOK, project(order))
}

func (h *Handler) HandleSettlement(w http.ResponseWriter, r *http.Request) {
	settlement, err := h.registry.Settlement(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err, "failed to compute settlement")
		return
	}
	h.writeData(w, http.StatusOK, settlement)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
		return false
	}
	return true
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

var errorStatuses = []struct {
	err    error
	status int
	code   string
}{
	{domain.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
	{domain.ErrInvalidSplit, http.StatusBadRequest, "invalid_split"},
	{domain.ErrIdentityRequired, http.StatusUnprocessableEntity, "identity_required"},
	{domain.ErrNotFound, http.StatusNotFound, "not_found"},
	{domain.ErrSessionClosed, http.StatusGone, "session_closed"},
	{domain.ErrCapacityExceeded, http.StatusConflict, "capacity_exceeded"},
	{domain.ErrHasPendingItems, http.StatusConflict, "has_pending_items"},
	{domain.ErrLimitExceeded, http.StatusConflict, "limit_exceeded"},
	{domain.ErrSessionNotJoinable, http.StatusConflict, "session_not_joinable"},
	{domain.ErrSessionLocked, http.StatusConflict, "session_locked"},
	{domain.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{domain.ErrVersionConflict, http.StatusConflict, "version_conflict"},
	{domain.ErrCodeGenerationFailed, http.StatusServiceUnavailable, "code_generation_failed"},
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error, logMessage string) {
	for _, e := range errorStatuses {
		if errors.Is(err, e.err) {
			h.writeError(w, e.status, err.Error(), e.code)
			return
		}
	}
	h.logger.Error(logMessage, "error", err)
	h.writeError(w, http.StatusInternalServerError, "internal server error", "internal")
}

func (h *Handler) writeData(w http.ResponseWriter, status int, data any) {
	h.writeJSON(w, status, envelope{Success: true, Data: data})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, envelope{Success: false, Message: message, Code: code})
}

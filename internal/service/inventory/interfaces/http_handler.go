package interfaces

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/pkg/errors"

	"nexus-stock/internal/pkg/logger"
	"nexus-stock/internal/service/inventory/application"
	"nexus-stock/internal/service/inventory/domain"
)

const maxBulkItems = 500

// InventoryHandler 封装了 inventory 服务的 HTTP 处理器
type InventoryHandler struct {
	service *application.Service
}

// NewInventoryHandler 创建一个新的 HTTP 处理器实例
func NewInventoryHandler(service *application.Service) *InventoryHandler {
	return &InventoryHandler{service: service}
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *InventoryHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /inventory/reserve", h.handleReserve)
	mux.HandleFunc("POST /inventory/release", h.handleRelease)
	mux.HandleFunc("POST /inventory/confirm", h.handleConfirm)
	mux.HandleFunc("POST /inventory/restock", h.handleRestock)
	mux.HandleFunc("POST /inventory/variants", h.handleDefineVariant)
	mux.HandleFunc("GET /inventory/availability", h.handleAvailability)
	mux.HandleFunc("POST /inventory/availability/bulk", h.handleBulkAvailability)
}

func (h *InventoryHandler) handleReserve(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeStockRequest(w, r)
	if !ok {
		return
	}
	resp, err := h.service.Reserve(r.Context(), req.VariantID, req.Quantity)
	writeResult(w, r, resp, err)
}

func (h *InventoryHandler) handleRelease(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeStockRequest(w, r)
	if !ok {
		return
	}
	resp, err := h.service.Release(r.Context(), req.VariantID, req.Quantity)
	writeResult(w, r, resp, err)
}

func (h *InventoryHandler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeStockRequest(w, r)
	if !ok {
		return
	}
	resp, err := h.service.ConfirmDeduction(r.Context(), req.VariantID, req.Quantity)
	writeResult(w, r, resp, err)
}

func (h *InventoryHandler) handleRestock(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeStockRequest(w, r)
	if !ok {
		return
	}
	resp, err := h.service.Restock(r.Context(), req.VariantID, req.Quantity)
	writeResult(w, r, resp, err)
}

func (h *InventoryHandler) handleDefineVariant(w http.ResponseWriter, r *http.Request) {
	var req application.DefineVariantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	resp, err := h.service.DefineVariant(r.Context(), &req)
	if err == nil {
		writeJSON(w, http.StatusCreated, resp)
		return
	}
	writeResult(w, r, resp, err)
}

func (h *InventoryHandler) handleAvailability(w http.ResponseWriter, r *http.Request) {
	variantID := r.URL.Query().Get("variantId")
	if variantID == "" {
		http.Error(w, "variantId is required", http.StatusBadRequest)
		return
	}

	quantity := int64(1)
	if raw := r.URL.Query().Get("quantity"); raw != "" {
		q, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || q <= 0 {
			http.Error(w, "quantity must be a positive integer", http.StatusBadRequest)
			return
		}
		quantity = q
	}

	resp, err := h.service.CheckAvailability(r.Context(), variantID, quantity)
	writeResult(w, r, resp, err)
}

type bulkAvailabilityRequest struct {
	Items []application.BulkItem `json:"items"`
}

func (h *InventoryHandler) handleBulkAvailability(w http.ResponseWriter, r *http.Request) {
	var req bulkAvailabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Items) > maxBulkItems {
		http.Error(w, "too many items, at most "+strconv.Itoa(maxBulkItems), http.StatusBadRequest)
		return
	}

	results := h.service.CheckBulkAvailability(r.Context(), req.Items)
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

func decodeStockRequest(w http.ResponseWriter, r *http.Request) (*application.StockRequest, bool) {
	var req application.StockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return nil, false
	}
	if req.VariantID == "" {
		http.Error(w, "variantId is required", http.StatusBadRequest)
		return nil, false
	}
	return &req, true
}

// writeResult 按错误类型返回不同的 HTTP 状态码，响应体始终是结果结构
func writeResult(w http.ResponseWriter, r *http.Request, resp interface{}, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	var statusCode int
	switch {
	case errors.Is(err, domain.ErrVariantNotFound):
		statusCode = http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientStock),
		errors.Is(err, domain.ErrVariantExists):
		statusCode = http.StatusConflict
	case errors.Is(err, domain.ErrContentionTimeout):
		// 可重试，提示调用方退避
		w.Header().Set("Retry-After", "1")
		statusCode = http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrInvalidQuantity),
		errors.Is(err, domain.ErrInvalidVariant):
		statusCode = http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		// 调用方已经断开，写什么都没人收
		logger.Ctx(r.Context()).Debug().Err(err).Msg("client went away")
		return
	default:
		logger.Ctx(r.Context()).Error().Err(err).Msg("inventory request failed")
		statusCode = http.StatusInternalServerError
	}
	writeJSON(w, statusCode, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

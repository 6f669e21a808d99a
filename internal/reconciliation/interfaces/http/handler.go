// Package http 对账引擎 HTTP 接口
package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/backoffice/internal/reconciliation/application"
	"github.com/wyfcoding/backoffice/internal/reconciliation/domain"
	"github.com/wyfcoding/backoffice/pkg/middleware"
	"github.com/wyfcoding/backoffice/pkg/utils"
	"github.com/wyfcoding/pkg/response"
)

// ReconciliationHandler 对账 HTTP 处理器
type ReconciliationHandler struct {
	service *application.ReconciliationService
}

func NewReconciliationHandler(service *application.ReconciliationService) *ReconciliationHandler {
	return &ReconciliationHandler{service: service}
}

// RegisterRoutes 注册路由
func (h *ReconciliationHandler) RegisterRoutes(router *gin.RouterGroup) {
	api := router.Group("/api/v1/reconciliations")
	{
		api.POST("", h.ApplyReconciliation)
		api.GET("", h.ListLogs)
		api.GET("/transfers", h.ListTransfers)
		api.POST("/transfers", h.RecordTransfer)
	}
}

// ApplyReconciliationRequest 应用对账请求
type ApplyReconciliationRequest struct {
	ConversionID string          `json:"conversion_id" binding:"required"`
	ActualAmount decimal.Decimal `json:"actual_amount" binding:"required"`
	ExternalRef  string          `json:"external_ref"`
}

// ApplyReconciliation 应用对账
func (h *ReconciliationHandler) ApplyReconciliation(c *gin.Context) {
	var req ApplyReconciliationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	operator := middleware.Operator(c)
	if operator == "" {
		response.ErrorWithStatus(c, http.StatusBadRequest, "missing operator header", "")
		return
	}

	result, err := h.service.ApplyReconciliation(c.Request.Context(), application.ApplyReconciliationCommand{
		ConversionID: req.ConversionID,
		ActualAmount: req.ActualAmount,
		ExternalRef:  req.ExternalRef,
		AppliedBy:    operator,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, result)
}

// RecordTransferRequest 录入外部结算流水请求
type RecordTransferRequest struct {
	TransferID    string          `json:"transfer_id" binding:"required"`
	Asset         string          `json:"asset" binding:"required"`
	Amount        decimal.Decimal `json:"amount" binding:"required"`
	Direction     string          `json:"direction" binding:"required,oneof=IN OUT"`
	ExternalRef   string          `json:"external_ref"`
	TransferredAt time.Time       `json:"transferred_at"`
}

// RecordTransfer 人工补录外部结算流水
func (h *ReconciliationHandler) RecordTransfer(c *gin.Context) {
	var req RecordTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	direction := domain.TransferIn
	if req.Direction == "OUT" {
		direction = domain.TransferOut
	}
	transferredAt := req.TransferredAt
	if transferredAt.IsZero() {
		transferredAt = time.Now()
	}

	transfer := &domain.SettlementTransfer{
		TransferID:    req.TransferID,
		Asset:         req.Asset,
		Amount:        req.Amount,
		Direction:     direction,
		ExternalRef:   req.ExternalRef,
		TransferredAt: transferredAt,
	}
	if err := h.service.RecordTransfer(c.Request.Context(), transfer); err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithStatus(c, http.StatusCreated, "created", transfer)
}

// ListTransfers 按资产与时间窗检索外部结算流水
func (h *ReconciliationHandler) ListTransfers(c *gin.Context) {
	asset := c.Query("asset")
	if asset == "" {
		response.ErrorWithStatus(c, http.StatusBadRequest, "asset is required", "")
		return
	}

	var from, to time.Time
	if s := c.Query("from"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			response.ErrorWithStatus(c, http.StatusBadRequest, "invalid from timestamp", err.Error())
			return
		}
		from = parsed
	}
	if s := c.Query("to"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			response.ErrorWithStatus(c, http.StatusBadRequest, "invalid to timestamp", err.Error())
			return
		}
		to = parsed
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid limit", "")
		return
	}

	transfers, err := h.service.ListTransfers(c.Request.Context(), asset, from, to, limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, transfers)
}

// ListLogs 查询对账审计日志
func (h *ReconciliationHandler) ListLogs(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid page", "")
		return
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid page_size", "")
		return
	}
	p := utils.NewPagination(page, pageSize, 0)

	logs, total, err := h.service.ListLogs(c.Request.Context(), c.Query("wallet_id"), p.PageSize, p.Offset())
	if err != nil {
		response.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":       logs,
		"pagination": utils.NewPagination(p.Page, p.PageSize, total),
	})
}

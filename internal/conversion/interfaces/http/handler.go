// Package http 兑换工作流 HTTP 接口
package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/backoffice/internal/conversion/application"
	"github.com/wyfcoding/backoffice/internal/conversion/domain"
	"github.com/wyfcoding/backoffice/pkg/middleware"
	"github.com/wyfcoding/backoffice/pkg/utils"
	"github.com/wyfcoding/pkg/response"
)

// ConversionHandler 兑换工作流 HTTP 处理器
type ConversionHandler struct {
	service *application.ConversionService
}

func NewConversionHandler(service *application.ConversionService) *ConversionHandler {
	return &ConversionHandler{service: service}
}

// RegisterRoutes 注册路由
func (h *ConversionHandler) RegisterRoutes(router *gin.RouterGroup) {
	api := router.Group("/api/v1/conversions")
	{
		api.POST("", h.CreateConversion)
		api.GET("", h.ListConversions)
		api.GET("/:id", h.GetConversion)
		api.GET("/:id/journal", h.GetJournal)
		api.POST("/:id/approve", h.ApproveConversion)
		api.POST("/:id/reject", h.RejectConversion)
	}
}

// CreateConversionRequest 创建兑换单请求
type CreateConversionRequest struct {
	WalletID  string          `json:"wallet_id" binding:"required"`
	Side      string          `json:"side" binding:"required"`
	Asset     string          `json:"asset" binding:"required"`
	Quantity  decimal.Decimal `json:"quantity" binding:"required"`
	PriceUSDT decimal.Decimal `json:"price_usdt" binding:"required"`
	FeePct    decimal.Decimal `json:"fee_pct"`
}

// CreateConversion 创建兑换单
func (h *ConversionHandler) CreateConversion(c *gin.Context) {
	var req CreateConversionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	operator := middleware.Operator(c)
	if operator == "" {
		response.ErrorWithStatus(c, http.StatusBadRequest, "missing operator header", "")
		return
	}

	record, err := h.service.CreateConversion(c.Request.Context(), application.CreateConversionCommand{
		WalletID:  req.WalletID,
		Side:      req.Side,
		Asset:     req.Asset,
		Quantity:  req.Quantity,
		PriceUSDT: req.PriceUSDT,
		FeePct:    req.FeePct,
		CreatedBy: operator,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithStatus(c, http.StatusCreated, "created", record)
}

// ApproveConversion 审批兑换单
func (h *ConversionHandler) ApproveConversion(c *gin.Context) {
	operator := middleware.Operator(c)
	if operator == "" {
		response.ErrorWithStatus(c, http.StatusBadRequest, "missing operator header", "")
		return
	}

	record, err := h.service.ApproveConversion(c.Request.Context(), c.Param("id"), operator)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, record)
}

// RejectConversionRequest 驳回请求
type RejectConversionRequest struct {
	Reason string `json:"reason"`
}

// RejectConversion 驳回兑换单
func (h *ConversionHandler) RejectConversion(c *gin.Context) {
	var req RejectConversionRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	operator := middleware.Operator(c)
	if operator == "" {
		response.ErrorWithStatus(c, http.StatusBadRequest, "missing operator header", "")
		return
	}

	record, err := h.service.RejectConversion(c.Request.Context(), c.Param("id"), operator, req.Reason)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, record)
}

// GetConversion 查询兑换单详情
func (h *ConversionHandler) GetConversion(c *gin.Context) {
	record, err := h.service.GetConversion(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, record)
}

// GetJournal 查询兑换单日记账分录
func (h *ConversionHandler) GetJournal(c *gin.Context) {
	entries, err := h.service.ListJournal(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, entries)
}

// ListConversions 分页查询兑换单
func (h *ConversionHandler) ListConversions(c *gin.Context) {
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

	var status *domain.ConversionStatus
	if s := c.Query("status"); s != "" {
		parsed, ok := parseStatus(s)
		if !ok {
			response.ErrorWithStatus(c, http.StatusBadRequest, "invalid status", "")
			return
		}
		status = &parsed
	}

	records, total, err := h.service.ListConversions(c.Request.Context(), c.Query("wallet_id"), status, p.PageSize, p.Offset())
	if err != nil {
		response.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":       records,
		"pagination": utils.NewPagination(p.Page, p.PageSize, total),
	})
}

func parseStatus(s string) (domain.ConversionStatus, bool) {
	switch s {
	case "PENDING_APPROVAL":
		return domain.StatusPendingApproval, true
	case "APPROVED":
		return domain.StatusApproved, true
	case "REJECTED":
		return domain.StatusRejected, true
	default:
		return 0, false
	}
}

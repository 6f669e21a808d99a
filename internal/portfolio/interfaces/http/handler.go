// Package http 组合估值与差异报告 HTTP 接口
package http

import (
	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/backoffice/internal/portfolio/application"
	"github.com/wyfcoding/pkg/response"
)

// PortfolioHandler 组合查询 HTTP 处理器
type PortfolioHandler struct {
	service *application.PortfolioService
}

func NewPortfolioHandler(service *application.PortfolioService) *PortfolioHandler {
	return &PortfolioHandler{service: service}
}

// RegisterRoutes 注册路由
func (h *PortfolioHandler) RegisterRoutes(router *gin.RouterGroup) {
	api := router.Group("/api/v1/portfolio")
	{
		api.GET("/:walletID/valuation", h.GetValuation)
		api.GET("/:walletID/variance", h.GetVariance)
	}
}

// GetValuation 组合盯市估值
func (h *PortfolioHandler) GetValuation(c *gin.Context) {
	report, err := h.service.Valuation(c.Request.Context(), c.Param("walletID"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, report)
}

// GetVariance 执行价差异报告
func (h *PortfolioHandler) GetVariance(c *gin.Context) {
	report, err := h.service.Variance(c.Request.Context(), c.Param("walletID"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, report)
}

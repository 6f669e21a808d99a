// Package http 钱包余额与流水查询 HTTP 接口
package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/backoffice/internal/wallet/domain"
	"github.com/wyfcoding/backoffice/pkg/utils"
	"github.com/wyfcoding/pkg/response"
)

// WalletHandler 钱包查询 HTTP 处理器
type WalletHandler struct {
	wallets   domain.WalletRepository
	walletTxs domain.TransactionRepository
}

func NewWalletHandler(wallets domain.WalletRepository, walletTxs domain.TransactionRepository) *WalletHandler {
	return &WalletHandler{
		wallets:   wallets,
		walletTxs: walletTxs,
	}
}

// RegisterRoutes 注册路由
func (h *WalletHandler) RegisterRoutes(router *gin.RouterGroup) {
	api := router.Group("/api/v1/wallets")
	{
		api.GET("/:walletID/balance", h.GetBalance)
		api.GET("/:walletID/transactions", h.ListTransactions)
	}
}

// GetBalance 查询钱包某资产当前余额
func (h *WalletHandler) GetBalance(c *gin.Context) {
	asset := c.DefaultQuery("asset", "USDT")
	wallet, err := h.wallets.Get(c.Request.Context(), c.Param("walletID"), asset)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, wallet)
}

// ListTransactions 分页查询钱包流水 (按序号倒序)
func (h *WalletHandler) ListTransactions(c *gin.Context) {
	asset := c.DefaultQuery("asset", "USDT")
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

	txs, total, err := h.walletTxs.List(c.Request.Context(), c.Param("walletID"), asset, p.PageSize, p.Offset())
	if err != nil {
		response.Error(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":       txs,
		"pagination": utils.NewPagination(p.Page, p.PageSize, total),
	})
}

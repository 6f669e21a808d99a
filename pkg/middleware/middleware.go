// Package middleware 提供 Gin 通用中间件（日志、trace、panic recover、指标）
package middleware

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/wyfcoding/backoffice/pkg/logger"
	"github.com/wyfcoding/backoffice/pkg/metrics"
)

// OperatorIDHeader 操作员身份请求头。鉴权由网关完成，这里只透传用于审计。
const OperatorIDHeader = "X-Operator-ID"

// OperatorIDKey gin context 中操作员 ID 的键
const OperatorIDKey = "operator_id"

// Logging Gin 日志中间件，注入 trace_id/request_id 并记录请求耗时
func Logging() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := uuid.New().String()
		traceID := c.GetHeader("X-Trace-ID")
		if traceID == "" {
			traceID = uuid.New().String()
		}

		ctx := context.WithValue(c.Request.Context(), logger.TraceIDKey, traceID)
		ctx = context.WithValue(ctx, logger.RequestIDKey, requestID)
		c.Request = c.Request.WithContext(ctx)

		if op := c.GetHeader(OperatorIDHeader); op != "" {
			c.Set(OperatorIDKey, op)
		}

		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		logger.Info(ctx, "http request",
			"method", method,
			"path", path,
			"status", c.Writer.Status(),
			"client_ip", c.ClientIP(),
			"elapsed", time.Since(start).String(),
		)
	}
}

// Recovery panic 恢复中间件
func Recovery() gin.HandlerFunc {
	return gin.Recovery()
}

// Metrics 请求指标中间件
func Metrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}

		c.Next()

		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Operator 返回请求中的操作员 ID，缺失时返回空串
func Operator(c *gin.Context) string {
	if v, ok := c.Get(OperatorIDKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return c.GetHeader(OperatorIDHeader)
}

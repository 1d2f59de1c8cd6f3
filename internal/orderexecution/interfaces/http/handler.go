// Package http 订单执行服务的只读运维接口。
package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wyfcoding/orderexecution/internal/orderexecution/application"
	"github.com/wyfcoding/orderexecution/internal/orderexecution/domain"
	"github.com/wyfcoding/orderexecution/pkg/logger"
)

// ExecutionQuery 运维接口依赖的查询能力，由 application.ExecutionManager 实现。
type ExecutionQuery interface {
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	Children(ctx context.Context, orderID string) ([]*domain.Order, error)
	ActiveOrders(ctx context.Context) ([]*domain.Order, error)
	Analytics() *application.AnalyticsSnapshot
	VenueHealth() []domain.VenueHealth
}

// ExecutionHandler 运维 HTTP 处理器。
type ExecutionHandler struct {
	query    ExecutionQuery
	gatherer prometheus.Gatherer
}

// NewExecutionHandler 构造函数。gatherer 为空时使用默认注册表。
func NewExecutionHandler(query ExecutionQuery, gatherer prometheus.Gatherer) *ExecutionHandler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &ExecutionHandler{query: query, gatherer: gatherer}
}

func (h *ExecutionHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))

	v1 := r.Group("/api/v1")
	{
		v1.GET("/analytics", h.GetAnalytics)
		v1.GET("/orders", h.ListActiveOrders)
		v1.GET("/orders/:id", h.GetOrder)
		v1.GET("/orders/:id/children", h.GetChildren)
		v1.GET("/venues", h.GetVenues)
	}
}

// Healthz 至少一个场所健康时返回 200，尚未做过健康检查时视为健康。
func (h *ExecutionHandler) Healthz(c *gin.Context) {
	venues := h.query.VenueHealth()
	healthy := len(venues) == 0
	for _, v := range venues {
		if v.Healthy {
			healthy = true
			break
		}
	}
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "venues": venues})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *ExecutionHandler) GetAnalytics(c *gin.Context) {
	c.JSON(http.StatusOK, h.query.Analytics())
}

func (h *ExecutionHandler) ListActiveOrders(c *gin.Context) {
	orders, err := h.query.ActiveOrders(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "total": len(orders)})
}

func (h *ExecutionHandler) GetOrder(c *gin.Context) {
	order, err := h.query.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *ExecutionHandler) GetChildren(c *gin.Context) {
	children, err := h.query.Children(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": children, "total": len(children)})
}

func (h *ExecutionHandler) GetVenues(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"venues": h.query.VenueHealth()})
}

func (h *ExecutionHandler) fail(c *gin.Context, err error) {
	if errors.Is(err, domain.ErrOrderNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	logger.Error(c.Request.Context(), "query failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/orderexecution/pkg/config"
	"github.com/wyfcoding/orderexecution/pkg/logger"
	"github.com/wyfcoding/orderexecution/pkg/ratelimit"
)

// unmatchedRoute 未命中任何路由的请求共用一个配额
const unmatchedRoute = "unmatched"

// RateLimitMiddleware 按客户端和路由模板分别限流。
// Exempt 中的路由直接放行，Routes 中的路由使用各自配额，其余路由使用默认配额。
func RateLimitMiddleware(limiter ratelimit.RateLimiter, cfg config.RateLimitConfig) gin.HandlerFunc {
	exempt := make(map[string]struct{}, len(cfg.Exempt))
	for _, route := range cfg.Exempt {
		exempt[route] = struct{}{}
	}
	fallback := ratelimit.Limit{Rate: cfg.QPS, Period: time.Second, Burst: cfg.Burst}
	limits := make(map[string]ratelimit.Limit, len(cfg.Routes))
	for route, rl := range cfg.Routes {
		limits[route] = ratelimit.Limit{Rate: rl.QPS, Period: time.Second, Burst: rl.Burst}
	}

	return func(c *gin.Context) {
		if !cfg.Enabled {
			c.Next()
			return
		}
		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		if _, ok := exempt[route]; ok {
			c.Next()
			return
		}
		limit, ok := limits[route]
		if !ok {
			limit = fallback
		}

		key := fmt.Sprintf("ratelimit:http:%s:%s", route, c.ClientIP())
		res, err := limiter.Allow(c.Request.Context(), key, limit)
		if err != nil {
			// 限流器故障时放行
			logger.Warn(c.Request.Context(), "rate limiter unavailable", "route", route, "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limit.Burst))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if !res.Allowed {
			logger.Debug(c.Request.Context(), "request throttled", "route", route, "client", c.ClientIP())
			c.Header("Retry-After", strconv.FormatInt(int64(res.RetryAfter/time.Second)+1, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too Many Requests",
				"route":       route,
				"retry_after": res.RetryAfter.String(),
			})
			return
		}
		c.Next()
	}
}

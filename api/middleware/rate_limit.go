/*
 * @module api/middleware/rate_limit
 * @description 按客户端IP的固定窗口限流中间件
 * @architecture 中间件模式 - HTTP请求拦截
 * @stateFlow 提取客户端标识 -> 限流判定 -> 放行或返回 429
 * @rules 限流器故障时放行请求；perMinute <= 0 时不启用限流
 * @dependencies net/http, github.com/go-chi/render
 * @refs service/rate_limiter/redis_rate_limiter.go, api/routes.go
 */

package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/render"

	"dq-validation-service/service/rate_limiter"
)

type rateLimitBody struct {
	Status int    `json:"status"`
	Msg    string `json:"msg"`
}

// RateLimit 返回限流中间件，每个客户端每分钟最多 perMinute 次请求
func RateLimit(limiter rate_limiter.Limiter, perMinute int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil || perMinute <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "api:" + ClientIP(r)
			res, err := limiter.Allow(r.Context(), key, perMinute, time.Minute)
			if err != nil {
				slog.Warn("限流器不可用，放行请求", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt, 10))

			if !res.Allowed {
				render.Status(r, http.StatusTooManyRequests)
				render.JSON(w, r, rateLimitBody{Status: http.StatusTooManyRequests, Msg: "请求过于频繁，请稍后再试"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP 提取客户端IP，优先使用代理头
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

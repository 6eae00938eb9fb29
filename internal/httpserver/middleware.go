package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"milestonepay/internal/api"
	"milestonepay/internal/escrowerr"
	"milestonepay/internal/model"
	"milestonepay/internal/util"
	"milestonepay/pkg/logger"
	"milestonepay/pkg/metrics"
	"milestonepay/pkg/rbac"
	"milestonepay/pkg/trace"
)

func AuthMiddleware(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := util.ExtractToken(c.Request)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			c.Abort()
			return
		}

		userID, role, err := util.ParseJWT(token, jwtSecret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		// handlers read the caller through api.getActor
		api.SetActor(c, model.Actor{UserID: userID, Role: role})

		c.Next()
	}
}

// RequirePermission 中间件：要求调用方角色具有指定权限
func RequirePermission(permission rbac.Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, exists := c.Get(api.ActorKey)
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
			c.Abort()
			return
		}

		actor, ok := v.(model.Actor)
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid actor"})
			c.Abort()
			return
		}

		if err := rbac.CheckPermission(actor.UserID, actor.Role, permission); err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error(), "kind": escrowerr.KindPermissionDenied})
			c.Abort()
			return
		}

		c.Next()
	}
}

// TraceMiddleware 继承或生成 trace_id，写回响应头，供日志和 outbox 事件使用
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if id := c.GetHeader(trace.HeaderName); id != "" {
			ctx = trace.WithContext(ctx, id)
		}
		ctx, id := trace.Ensure(ctx)
		c.Request = c.Request.WithContext(ctx)
		c.Header(trace.HeaderName, id)
		c.Next()
	}
}

// RequestLogger logs each request and records its latency.
func RequestLogger(l *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)
		metrics.RecordHTTPRequestDuration(c.Request.Method, route, strconv.Itoa(status), elapsed)

		logger.WithTrace(c.Request.Context(), l).Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("latency", elapsed),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

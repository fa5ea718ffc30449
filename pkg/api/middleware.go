package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tempoworks/tempo/pkg/config"
	"github.com/tempoworks/tempo/pkg/metrics"
	"github.com/tempoworks/tempo/pkg/models"
)

// Identity headers. The gateway in front of the service authenticates the
// caller and stamps these; the runtime trusts them.
const (
	HeaderTenantID = "X-Tenant-Id"
	HeaderUserID   = "X-User-Id"
	HeaderTraceID  = "X-Trace-Id"
)

// Gin context keys.
const (
	ctxTenantID = "tenant_id"
	ctxTraceID  = "trace_id"
)

func tenantFrom(c *gin.Context) string { return c.GetString(ctxTenantID) }
func traceFrom(c *gin.Context) string  { return c.GetString(ctxTraceID) }

// recoveryMiddleware turns panics into a logged INTERNAL_ERROR response.
func recoveryMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.Error("Handler panicked", "path", c.FullPath(), "panic", recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, models.ErrorResponse{
			Code:    models.CodeInternalError,
			Message: "internal server error",
			TraceID: traceFrom(c),
		})
	})
}

// securityHeadersMiddleware sets standard security response headers.
func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		c.Next()
	}
}

// traceMiddleware echoes the caller's X-Trace-Id or generates one. Every
// response carries the trace id.
func traceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(HeaderTraceID)
		if traceID == "" {
			traceID = uuid.New().String()
		}
		c.Set(ctxTraceID, traceID)
		c.Writer.Header().Set(HeaderTraceID, traceID)
		c.Next()
	}
}

// tenantMiddleware requires X-Tenant-Id on every /api route.
func tenantMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetHeader(HeaderTenantID)
		if tenantID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{
				Code:    models.CodeUnauthorized,
				Message: "X-Tenant-Id header is required",
				TraceID: traceFrom(c),
			})
			return
		}
		c.Set(ctxTenantID, tenantID)
		c.Next()
	}
}

// tenantLimiters holds one token bucket per tenant.
type tenantLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newTenantLimiters(cfg config.ServerConfig) *tenantLimiters {
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &tenantLimiters{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(cfg.RatePerSecond),
		burst:    burst,
	}
}

func (t *tenantLimiters) get(tenantID string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	limiter, ok := t.limiters[tenantID]
	if !ok {
		limiter = rate.NewLimiter(t.rps, t.burst)
		t.limiters[tenantID] = limiter
	}
	return limiter
}

// rateLimitMiddleware rejects over-limit tenants with 429. A zero
// rate_per_second disables limiting.
func rateLimitMiddleware(limiters *tenantLimiters) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiters.rps <= 0 {
			c.Next()
			return
		}
		if !limiters.get(tenantFrom(c)).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, models.ErrorResponse{
				Code:      models.CodeRateLimited,
				Message:   "request rate limit exceeded",
				TraceID:   traceFrom(c),
				Retryable: true,
			})
			return
		}
		c.Next()
	}
}

// metricsMiddleware records the request counter and latency histogram per
// route template.
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPRequestSeconds.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

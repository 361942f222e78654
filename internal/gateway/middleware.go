package gateway

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/oagw/internal/oagwerr"
	"github.com/vyrodovalexey/oagw/internal/observability"
)

// HeaderRequestID carries the request correlation id.
const HeaderRequestID = "X-Request-ID"

// RequestID assigns a correlation id to every request and propagates it
// through the context and the response headers.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.New().String()
		}
		ctx := observability.ContextWithRequestID(c.Request.Context(), id)
		c.Request = c.Request.WithContext(ctx)
		c.Writer.Header().Set(HeaderRequestID, id)
		c.Next()
	}
}

// Recovery converts panics into 500 problem responses.
func Recovery(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("handler panic",
					observability.Any("panic", r),
					observability.String("path", c.Request.URL.Path),
				)
				if !c.Writer.Written() {
					e := oagwerr.New(oagwerr.KindInternal, "internal gateway error")
					e.WriteHTTP(c.Writer)
				}
				c.Abort()
			}
		}()
		c.Next()
	}
}

// AccessLog emits one structured line per request.
func AccessLog(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithContext(c.Request.Context()).Info("request",
			observability.String("method", c.Request.Method),
			observability.String("path", c.Request.URL.Path),
			observability.Int("status", c.Writer.Status()),
			observability.Duration("elapsed", time.Since(start)),
			observability.String("client_ip", c.ClientIP()),
		)
	}
}

// GlobalRateLimit bounds the whole listener, independent of per-tenant
// admission policy. It sheds load before any routing work happens.
func GlobalRateLimit(rps, burst int) gin.HandlerFunc {
	if burst < rps {
		burst = rps
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			e := oagwerr.New(oagwerr.KindRateLimitExceeded, "listener rate limit exceeded").
				WithRetryAfter(time.Second)
			e.WriteHTTP(c.Writer)
			c.Abort()
			return
		}
		c.Next()
	}
}

package ginmw

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/flowlimit-go/flowlimit"
)

// CostFunc computes how many units of a flow a request consumes.
type CostFunc func(c *gin.Context) int64

// ShapeConfig configures Shape middleware.
type ShapeConfig struct {
	// FlowName names the flow to take from (required).
	FlowName string

	// Registry supplies the flow. Default: flowlimit.DefaultRegistry.
	Registry *flowlimit.Registry

	// CostFunc computes the request's cost. Default: always 1.
	CostFunc CostFunc

	// Timeout bounds how long a request will block waiting for
	// admission. Zero means no additional timeout.
	Timeout time.Duration
}

// Shape returns Gin middleware that blocks each request until the
// named flow admits it, rather than rejecting it outright.
func Shape(flowName string, costFunc CostFunc) gin.HandlerFunc {
	return ShapeWithConfig(ShapeConfig{FlowName: flowName, CostFunc: costFunc})
}

// ShapeWithConfig creates Shape middleware with full configuration
// control.
func ShapeWithConfig(cfg ShapeConfig) gin.HandlerFunc {
	if cfg.FlowName == "" {
		panic("ginmw: FlowName is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = flowlimit.DefaultRegistry
	}
	if cfg.CostFunc == nil {
		cfg.CostFunc = func(*gin.Context) int64 { return 1 }
	}

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()
		}

		cost := cfg.CostFunc(c)
		err := cfg.Registry.Take(ctx, cfg.FlowName, cost)
		if err == nil {
			c.Next()
			return
		}

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(429, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.AbortWithStatusJSON(500, gin.H{"error": "rate limiter error"})
	}
}

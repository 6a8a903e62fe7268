package echomw

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/flowlimit-go/flowlimit"
)

// CostFunc computes how many units of a flow a request consumes.
type CostFunc func(c echo.Context) int64

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

// Shape returns Echo middleware that blocks each request until the
// named flow admits it, rather than rejecting it outright.
func Shape(flowName string, costFunc CostFunc) echo.MiddlewareFunc {
	return ShapeWithConfig(ShapeConfig{FlowName: flowName, CostFunc: costFunc})
}

// ShapeWithConfig creates Shape middleware with full configuration
// control.
func ShapeWithConfig(cfg ShapeConfig) echo.MiddlewareFunc {
	if cfg.FlowName == "" {
		panic("echomw: FlowName is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = flowlimit.DefaultRegistry
	}
	if cfg.CostFunc == nil {
		cfg.CostFunc = func(echo.Context) int64 { return 1 }
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			if cfg.Timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
				defer cancel()
			}

			cost := cfg.CostFunc(c)
			err := cfg.Registry.Take(ctx, cfg.FlowName, cost)
			if err == nil {
				return next(c)
			}

			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				c.Response().Header().Set("Retry-After", "1")
				return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			}
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "rate limiter error"})
		}
	}
}

package fibermw

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/flowlimit-go/flowlimit"
)

// CostFunc computes how many units of a flow a request consumes.
type CostFunc func(c *fiber.Ctx) int64

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

// Shape returns Fiber middleware that blocks each request until the
// named flow admits it, rather than rejecting it outright.
func Shape(flowName string, costFunc CostFunc) fiber.Handler {
	return ShapeWithConfig(ShapeConfig{FlowName: flowName, CostFunc: costFunc})
}

// ShapeWithConfig creates Fiber middleware with full configuration
// control.
func ShapeWithConfig(cfg ShapeConfig) fiber.Handler {
	if cfg.FlowName == "" {
		panic("fibermw: FlowName is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = flowlimit.DefaultRegistry
	}
	if cfg.CostFunc == nil {
		cfg.CostFunc = func(*fiber.Ctx) int64 { return 1 }
	}

	return func(c *fiber.Ctx) error {
		ctx := c.UserContext()
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()
		}

		cost := cfg.CostFunc(c)
		err := cfg.Registry.Take(ctx, cfg.FlowName, cost)
		if err == nil {
			return c.Next()
		}

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			c.Set("Retry-After", "1")
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate limit exceeded"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "rate limiter error"})
	}
}

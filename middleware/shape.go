package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/flowlimit-go/flowlimit"
)

// CostFunc computes how many units of a flow a request consumes.
// Defaults to a constant 1 per request.
type CostFunc func(r *http.Request) int64

// ShapeConfig configures Shape middleware.
type ShapeConfig struct {
	// FlowName names the flow to take from (required).
	FlowName string

	// Registry supplies the flow. Default: flowlimit.DefaultRegistry.
	Registry *flowlimit.Registry

	// CostFunc computes the request's cost. Default: always 1.
	CostFunc CostFunc

	// Timeout bounds how long a request will block waiting for
	// admission, independent of any deadline already on the request's
	// context. Zero means no additional timeout is applied.
	Timeout time.Duration

	// ErrorHandler is called when Take fails for a reason other than
	// the wait being cancelled or timing out. Default: 500.
	ErrorHandler ErrorHandler
}

// ErrorHandler writes the response for a request whose Take failed for a
// reason other than the wait being cancelled or timing out.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

func defaultErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

// Shape returns HTTP middleware that gates requests on a named Flow
// instead of an Allow/Deny Limiter: instead of rejecting a request
// outright, it blocks the handler until the flow admits it, degrading
// request latency under load rather than refusing service.
//
// Usage:
//
//	flowlimit.NewFlow("ingress", 1000, time.Second)
//	mux.Handle("/api/", middleware.Shape("ingress", nil)(handler))
func Shape(flowName string, costFunc CostFunc) func(http.Handler) http.Handler {
	return ShapeWithConfig(ShapeConfig{FlowName: flowName, CostFunc: costFunc})
}

// ShapeWithConfig creates Shape middleware with full configuration
// control.
func ShapeWithConfig(cfg ShapeConfig) func(http.Handler) http.Handler {
	if cfg.FlowName == "" {
		panic("flowlimit/middleware: FlowName is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = flowlimit.DefaultRegistry
	}
	if cfg.CostFunc == nil {
		cfg.CostFunc = func(*http.Request) int64 { return 1 }
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = defaultErrorHandler
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if cfg.Timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
				defer cancel()
			}

			cost := cfg.CostFunc(r)
			err := cfg.Registry.Take(ctx, cfg.FlowName, cost)
			if err == nil {
				next.ServeHTTP(w, r)
				return
			}

			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			cfg.ErrorHandler(w, r, err)
		})
	}
}

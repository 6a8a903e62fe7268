// Package middleware provides net/http middleware that gates requests
// on a named flowlimit.Flow.
//
// Framework-specific equivalents live in their own sub-packages so a
// caller that only needs net/http isn't forced to import gin, echo,
// fiber, or grpc:
//
//	middleware/ginmw   — github.com/gin-gonic/gin
//	middleware/echomw  — github.com/labstack/echo/v4
//	middleware/fibermw — github.com/gofiber/fiber/v2
//	middleware/grpcmw  — google.golang.org/grpc unary/stream interceptors
//
// Usage:
//
//	flowlimit.NewFlow("ingress", 1000, time.Second)
//	mux.Handle("/api/", middleware.Shape("ingress", nil)(handler))
package middleware

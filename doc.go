// Package flowlimit provides aggregate flow-shaping rate control: named
// Flows, each a token bucket refilled once per interval and admitted
// through a Random Early Detection draw so throughput degrades smoothly
// as a Flow's bucket drains instead of cutting off sharply at zero.
//
// Unlike a per-key limiter that rejects a single caller outright, Take
// blocks the caller until the shared Flow has room, shaping request
// latency under load rather than refusing service.
//
// # Quick Start
//
//	flow, err := flowlimit.NewFlow("ingress", 1000, time.Second)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := flowlimit.Take(ctx, "ingress", 10); err != nil {
//	    // ctx was cancelled, or the flow was destroyed
//	}
//
// # Distributed Flows
//
// store/redis provides a Redis-backed Registry for flows shared across
// processes, trading the in-memory registry's exact wakeup-on-refill for
// bounded jittered backoff between probes.
//
// # Observability
//
// metrics.FlowCollector implements Observer and exports admission,
// rejection, wait-latency, and accounting-state metrics to Prometheus.
// cache.FlowCache fronts GetLimit/PrevAllowed with a short-TTL local
// cache for dashboards polling many flows.
//
// # Middleware
//
// middleware.Shape and its ginmw/echomw/fibermw/grpcmw counterparts gate
// a handler or interceptor on a named Flow.
package flowlimit

package flowlimit

import (
	"context"
	"fmt"
	"time"
)

// Take admits n units from the named flow on the default registry,
// blocking until they are admitted, the flow is destroyed, or ctx is
// done. See Registry.Take.
func Take(ctx context.Context, name string, n int64) error {
	return DefaultRegistry.Take(ctx, name, n)
}

// TakeAsync starts an asynchronous take on the default registry. See
// Registry.TakeAsync.
func TakeAsync(ctx context.Context, name string, n int64, message any) *AsyncTake {
	return DefaultRegistry.TakeAsync(ctx, name, n, message)
}

// Take admits n units from the named flow, blocking the calling
// goroutine until all n are admitted, the flow is destroyed, or ctx is
// done.
//
// Oversized requests are sliced: at most limit units are probed at a
// time, so a request for more than the per-interval limit spans
// multiple intervals rather than being rejected outright or admitted
// in one lump that would starve every other caller for the rest of the
// interval.
func (r *Registry) Take(ctx context.Context, name string, n int64) error {
	if n < 0 {
		return fmt.Errorf("%w: negative take size", ErrInvalidArgument)
	}
	f, err := r.get(name)
	if err != nil {
		return err
	}
	return f.take(ctx, n)
}

func (f *Flow) take(ctx context.Context, n int64) error {
	if f.unlimited.Load() {
		return nil
	}

	obs := f.registry.observerFor()
	remaining := n
	for remaining > 0 {
		limit := f.limit.Load()
		m := remaining
		if limit > 0 && m > limit {
			m = limit
		}

		version := f.version.Load()
		admitted, reason := f.probe(m)
		if admitted {
			if obs != nil {
				obs.OnAdmit(f.name, m)
			}
			remaining -= m
			continue
		}

		if obs != nil {
			obs.OnReject(f.name, m, reason)
		}

		waitStart := time.Now()
		if err := f.waitForNextInterval(ctx, version); err != nil {
			return err
		}
		if obs != nil {
			obs.OnWait(f.name, time.Since(waitStart))
		}
	}
	return nil
}

// probe performs one atomic admission attempt for m units: it
// provisionally deducts m from tokens, reconstructs the pre-deduction
// value, and draws a uniform random number in [1, previous] gated by
// the post-deduction value. Requests that would drive the bucket to or
// below zero are rejected outright; otherwise the draw admits with
// probability tokens/previous, so admission degrades smoothly as the
// bucket empties instead of cutting off sharply at the last unit.
//
// On rejection the deduction is refunded before probe returns, so a
// failed probe never leaks tokens.
func (f *Flow) probe(m int64) (bool, RejectReason) {
	tokens := f.tokens.Add(-m)
	previous := tokens + m

	if tokens <= 0 {
		f.tokens.Add(m)
		return false, ReasonEmptyBucket
	}

	draw := f.uniform(previous) + 1
	if draw <= tokens {
		f.allowed.Add(m)
		return true, ""
	}

	f.tokens.Add(m)
	return false, ReasonRED
}

// uniform returns a value in [0, n) using the flow's own PRNG, guarded
// by a small mutex since *rand.Rand is not itself safe for concurrent
// use. Contention here is limited to concurrent probes on the same flow
// that get past the empty-bucket check, not every Take in the process.
func (f *Flow) uniform(n int64) int64 {
	f.randMu.Lock()
	defer f.randMu.Unlock()
	return f.rand.Int64N(n)
}

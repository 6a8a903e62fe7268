package flowlimit

import "context"

// AsyncTake represents an in-flight asynchronous Take. Receiving from
// Done yields message once the take is admitted; the channel is closed
// without a value if the take's context is cancelled or its flow is
// destroyed before admission.
type AsyncTake struct {
	done   chan any
	cancel context.CancelFunc
}

// Done returns the channel that delivers message on successful
// admission and is closed (with no value available) if the take never
// completes.
func (a *AsyncTake) Done() <-chan any {
	return a.done
}

// Cancel stops the underlying take. It is safe to call after the take
// has already completed.
func (a *AsyncTake) Cancel() {
	a.cancel()
}

// TakeAsync starts a Take in its own goroutine and returns immediately.
// The returned AsyncTake is linked to ctx: cancelling ctx, or calling
// Cancel, stops the take without delivering message.
func (r *Registry) TakeAsync(ctx context.Context, name string, n int64, message any) *AsyncTake {
	cctx, cancel := context.WithCancel(ctx)
	at := &AsyncTake{done: make(chan any, 1), cancel: cancel}

	go func() {
		defer close(at.done)
		defer cancel()
		if err := r.Take(cctx, name, n); err != nil {
			return
		}
		at.done <- message
	}()

	return at
}

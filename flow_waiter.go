package flowlimit

import (
	"context"
	"fmt"
)

// waitForNextInterval blocks until the flow's version counter moves past
// observed, the flow is destroyed, or ctx is done. It never busy-polls:
// callers park on a sync.Cond that the flow's ticker goroutine broadcasts
// on every interval boundary, so a blocked Take wakes exactly once per
// tick rather than on a fixed sleep.
func (f *Flow) waitForNextInterval(ctx context.Context, observed uint32) error {
	if f.closed.Load() {
		return fmt.Errorf("%w: %s", ErrFlowNotFound, f.name)
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	// A cancellable ctx needs something to wake the waiting goroutine
	// out of gate.Wait when it fires, since sync.Cond has no channel to
	// select on. The watcher broadcasts on ctx.Done and exits as soon as
	// either the context finishes or the wait it's watching returns.
	var watcherDone chan struct{}
	if ctx != nil && ctx.Done() != nil {
		watcherDone = make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				f.gateMu.Lock()
				f.gate.Broadcast()
				f.gateMu.Unlock()
			case <-watcherDone:
			}
		}()
	}

	f.gateMu.Lock()
	for f.version.Load() == observed && !f.closed.Load() {
		if ctx != nil && ctx.Err() != nil {
			break
		}
		f.gate.Wait()
	}
	f.gateMu.Unlock()

	if watcherDone != nil {
		close(watcherDone)
	}

	if f.closed.Load() {
		return fmt.Errorf("%w: %s", ErrFlowNotFound, f.name)
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

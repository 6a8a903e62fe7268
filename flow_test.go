package flowlimit_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowlimit-go/flowlimit"
)

func newTestRegistry(t *testing.T) *flowlimit.Registry {
	t.Helper()
	return flowlimit.NewRegistry()
}

func TestRegistry_NewFlow_Validation(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.NewFlow("", 10, time.Second)
	require.ErrorIs(t, err, flowlimit.ErrInvalidArgument)

	_, err = r.NewFlow("a", 0, time.Second)
	require.ErrorIs(t, err, flowlimit.ErrInvalidArgument)

	_, err = r.NewFlow("a", 10, 0)
	require.ErrorIs(t, err, flowlimit.ErrInvalidArgument)

	_, err = r.NewFlow("a", 10, time.Second)
	require.NoError(t, err)

	_, err = r.NewFlow("a", 10, time.Second)
	require.ErrorIs(t, err, flowlimit.ErrFlowExists)
}

func TestRegistry_GetLimit_SetLimit(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.NewFlow("limits", 512, time.Second)
	require.NoError(t, err)

	limit, err := r.GetLimit("limits")
	require.NoError(t, err)
	require.Equal(t, int64(512), limit)

	require.NoError(t, r.SetLimit("limits", 256))
	limit, err = r.GetLimit("limits")
	require.NoError(t, err)
	require.Equal(t, int64(256), limit)

	require.NoError(t, r.SetLimit("limits", flowlimit.Unlimited))
	limit, err = r.GetLimit("limits")
	require.NoError(t, err)
	require.Equal(t, flowlimit.Unlimited, limit)

	_, err = r.GetLimit("missing")
	require.ErrorIs(t, err, flowlimit.ErrFlowNotFound)
}

func TestRegistry_Take_AdmitsWithinBurst(t *testing.T) {
	r := newTestRegistry(t)
	// A short interval means a RED draw that happens to reject a probe
	// still only costs one tick before the retry succeeds, keeping the
	// test fast without depending on the draw going any particular way.
	_, err := r.NewFlow("burst", 100, 5*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	for i := 0; i < 50; i++ {
		require.NoError(t, r.Take(ctx, "burst", 5))
	}
}

func TestRegistry_Take_ZeroAdmitsImmediately(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.NewFlow("zero", 1, time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, r.Take(ctx, "zero", 0))

	limit, err := r.GetLimit("zero")
	require.NoError(t, err)
	require.Equal(t, int64(1), limit)
}

func TestRegistry_Take_Unlimited(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.NewFlow("firehose", flowlimit.Unlimited, time.Minute)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, r.Take(ctx, "firehose", 1_000_000))
}

func TestRegistry_Take_BlocksUntilInterval(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.NewFlow("drain", 1, 30*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Take five single units. A probe that would leave the bucket at zero
	// is rejected, so the burst of 5 admits at most four of them before a
	// refill; the fifth waits for at least one tick.
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Take(ctx, "drain", 1))
	}

	start := time.Now()
	require.NoError(t, r.Take(ctx, "drain", 1))
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestRegistry_Take_ContextCancelled(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.NewFlow("cancel", 1, time.Hour)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	// Bring the bucket down to its last token so the next Take has to
	// wait: a probe that would leave it at zero is rejected, so with a
	// burst of 5 that is four admitted single-unit takes. A take that the
	// RED draw rejects would wait the whole hour, so each attempt gets a
	// short deadline and is retried with a fresh probe.
	for admitted := 0; admitted < 4; {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		takeErr := r.Take(drainCtx, "cancel", 1)
		drainCancel()
		if takeErr != nil {
			require.ErrorIs(t, takeErr, context.DeadlineExceeded)
			continue
		}
		admitted++
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err = r.Take(ctx, "cancel", 1)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRegistry_Take_LargeRequestSpansIntervals(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.NewFlow("slice", 10, 20*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Burst is 50; requesting 120 in one call must slice across at
	// least two refills (50 + 50 + 20 would satisfy it, but refills are
	// +10/interval once burst is drained, so this spans several ticks).
	start := time.Now()
	require.NoError(t, r.Take(ctx, "slice", 120))
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestRegistry_PrevAllowed(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.NewFlow("prev", 10, 20*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Take(ctx, "prev", 3))

	require.Eventually(t, func() bool {
		prev, err := r.PrevAllowed("prev")
		return err == nil && prev == 3
	}, time.Second, 5*time.Millisecond)
}

func TestRegistry_DestroyFlow(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.NewFlow("gone", 1, time.Hour)
	require.NoError(t, err)

	require.NoError(t, r.DestroyFlow("gone"))
	_, err = r.GetLimit("gone")
	require.ErrorIs(t, err, flowlimit.ErrFlowNotFound)

	err = r.DestroyFlow("gone")
	require.ErrorIs(t, err, flowlimit.ErrFlowNotFound)
}

func TestRegistry_DestroyFlow_WakesWaiters(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.NewFlow("evict", 1, time.Hour)
	require.NoError(t, err)

	// Bring the bucket down to its last token, as in
	// TestRegistry_Take_ContextCancelled, so the next Take has to wait.
	for admitted := 0; admitted < 4; {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		takeErr := r.Take(drainCtx, "evict", 1)
		drainCancel()
		if takeErr != nil {
			require.ErrorIs(t, takeErr, context.DeadlineExceeded)
			continue
		}
		admitted++
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.Take(context.Background(), "evict", 1)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.DestroyFlow("evict"))

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, flowlimit.ErrFlowNotFound)
	case <-time.After(time.Second):
		t.Fatal("Take did not wake up after DestroyFlow")
	}
}

func TestRegistry_TakeAsync_DeliversMessage(t *testing.T) {
	r := newTestRegistry(t)
	// A short interval keeps a probe that the RED draw happens to reject
	// from outlasting the one-second wait below.
	_, err := r.NewFlow("async", 10, 10*time.Millisecond)
	require.NoError(t, err)

	at := r.TakeAsync(context.Background(), "async", 1, "done")
	select {
	case msg := <-at.Done():
		require.Equal(t, "done", msg)
	case <-time.After(time.Second):
		t.Fatal("TakeAsync did not deliver")
	}
}

func TestRegistry_TakeAsync_CancelSuppressesMessage(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.NewFlow("async-cancel", 1, time.Hour)
	require.NoError(t, err)

	// Bring the bucket down to its last token, as in
	// TestRegistry_Take_ContextCancelled, so the async take has to wait.
	for admitted := 0; admitted < 4; {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		takeErr := r.Take(drainCtx, "async-cancel", 1)
		drainCancel()
		if takeErr != nil {
			require.ErrorIs(t, takeErr, context.DeadlineExceeded)
			continue
		}
		admitted++
	}

	at := r.TakeAsync(context.Background(), "async-cancel", 1, "should-not-arrive")
	at.Cancel()

	select {
	case msg, ok := <-at.Done():
		require.False(t, ok)
		require.Nil(t, msg)
	case <-time.After(time.Second):
		t.Fatal("cancelled TakeAsync never closed Done")
	}
}

func TestRegistry_Take_ConcurrentCallersNeverOvercommit(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.NewFlow("concurrent", 1000, 10*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Take(ctx, "concurrent", 10); err == nil {
				admitted.Add(10)
			}
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, admitted.Load(), int64(5000)) // burst ceiling
}

func TestRegistry_Observer_ReceivesEvents(t *testing.T) {
	r := newTestRegistry(t)
	obs := &recordingObserver{}
	r.SetObserver(obs)

	_, err := r.NewFlow("observed", 1, 20*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Take(ctx, "observed", 1))

	require.Eventually(t, func() bool {
		return obs.intervals.Load() > 0
	}, time.Second, 5*time.Millisecond)
	require.Greater(t, obs.admits.Load(), int64(0))
}

type recordingObserver struct {
	admits    atomic.Int64
	rejects   atomic.Int64
	waits     atomic.Int64
	intervals atomic.Int64
}

func (o *recordingObserver) OnAdmit(flow string, n int64) { o.admits.Add(n) }
func (o *recordingObserver) OnReject(flow string, n int64, reason flowlimit.RejectReason) {
	o.rejects.Add(n)
}
func (o *recordingObserver) OnWait(flow string, d time.Duration)     { o.waits.Add(1) }
func (o *recordingObserver) OnInterval(flow string, tokens, allowed int64, version uint32) {
	o.intervals.Add(1)
}

var _ flowlimit.Observer = (*recordingObserver)(nil)

package reactive

import "context"

// Result is one stream emission: a value or the error that terminated
// the stream.
type Result[T any] struct {
	Value T
	Err   error
}

// Stream runs fn as a tracked computation and emits its result, then
// re-runs and re-emits every time a dependency of the previous run is
// invalidated. The returned channel is unbuffered: production is driven
// by consumption, emissions are strictly ordered, and at most one run
// is in flight at a time.
//
// A run that returns an error emits Result{Err: err} and closes the
// channel; the stream is not restartable. A run that reads no cells
// emits once and parks until ctx is cancelled. Cancelling ctx closes
// the channel without a further emission.
func Stream[T any](ctx context.Context, fn func(context.Context) (T, error)) <-chan Result[T] {
	if ctx == nil {
		ctx = context.Background()
	}
	out := make(chan Result[T])

	go func() {
		defer close(out)
		wake := make(chan struct{}, 1)
		registry := registryFrom(ctx)

		for {
			value, deps, err := Track(ctx, fn)

			select {
			case out <- Result[T]{Value: value, Err: err}:
				registry.IncStreamEmit()
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}

			// Arm waiters, then re-check: an invalidation that landed
			// during the run or the emit wait must not be lost.
			cancel := deps.watch(wake)
			if deps.Stale() {
				cancel()
				drain(wake)
				continue
			}

			select {
			case <-wake:
				cancel()
				drain(wake)
			case <-ctx.Done():
				cancel()
				return
			}
		}
	}()

	return out
}

// drain clears at most one pending wakeup so a signal raced in before
// cancel cannot trigger a spurious re-run next round.
func drain(wake chan struct{}) {
	select {
	case <-wake:
	default:
	}
}

package livesync

import (
	"context"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// runner starts background goroutines with panic recovery and lets the
// owner wait for all of them on teardown.
type runner struct {
	log Logger
	wg  sync.WaitGroup
}

func newRunner(log Logger) *runner {
	return &runner{log: log}
}

// goNamed runs fn in a new goroutine. A panic is logged, not propagated.
func (r *runner) goNamed(name string, fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.recover(name)
		fn()
	}()
}

// goNamedWithContext is goNamed for functions that observe cancellation.
func (r *runner) goNamedWithContext(ctx context.Context, name string, fn func(ctx context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.recover(name)
		fn(ctx)
	}()
}

func (r *runner) wait() {
	r.wg.Wait()
}

func (r *runner) recover(name string) {
	if rec := recover(); rec != nil {
		r.log.Error("goroutine panicked",
			zap.String("routine", name),
			zap.Any("panic", rec),
			zap.String("stack", string(debug.Stack())),
		)
	}
}

// safeCall invokes a user callback and swallows a panic from it.
func safeCall(log Logger, name string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("callback panicked", zap.String("callback", name), zap.Any("panic", rec))
		}
	}()
	fn()
}

package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"github.com/meshforge/meshforge/pkg/logger"
)

// SafeGroup wraps errgroup.Group with panic recovery so one
// misbehaving session worker cannot crash the whole service.
type SafeGroup struct {
	group  *errgroup.Group
	logger logger.Logger
}

// NewSafeGroup creates a new SafeGroup with panic recovery
func NewSafeGroup(ctx context.Context, log logger.Logger) (*SafeGroup, context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	return &SafeGroup{group: g, logger: log}, ctx
}

// Go runs the given function in a new goroutine with panic recovery.
// Any panic is converted to an error and logged with its stack trace.
func (sg *SafeGroup) Go(fn func() error) {
	sg.group.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				if sg.logger != nil {
					sg.logger.Error("Session worker panic recovered",
						logger.WithField("panic", r),
						logger.WithField("stack_trace", string(stack)))
				}
				err = fmt.Errorf("session worker panic: %v", r)
			}
		}()
		return fn()
	})
}

// SetLimit bounds the number of concurrently running workers
func (sg *SafeGroup) SetLimit(n int) {
	sg.group.SetLimit(n)
}

// Wait blocks until all workers have completed and returns the first
// error encountered.
func (sg *SafeGroup) Wait() error {
	return sg.group.Wait()
}

package errgroup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	libLog "github.com/LerianStudio/workflow-relay/relay/log"
	"github.com/LerianStudio/workflow-relay/relay/runtime"
)

// ErrPanicRecovered is returned when a goroutine in the group panics.
var ErrPanicRecovered = errors.New("errgroup: panic recovered")

// Group runs named goroutines that share a cancellation context.
type Group struct {
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errOnce sync.Once
	err     error
	logger  libLog.Logger
}

// WithContext returns a Group and the context its goroutines receive. The
// context is cancelled by the first failure or when Wait returns.
func WithContext(ctx context.Context, logger libLog.Logger) (*Group, context.Context) {
	if logger == nil {
		logger = libLog.NewNop()
	}

	ctx, cancel := context.WithCancel(ctx)

	return &Group{ctx: ctx, cancel: cancel, logger: logger}, ctx
}

func (grp *Group) context() context.Context {
	if grp.ctx != nil {
		return grp.ctx
	}

	return context.Background()
}

func (grp *Group) log() libLog.Logger {
	if grp.logger != nil {
		return grp.logger
	}

	return libLog.NewNop()
}

// Go runs fn under name. A zero Group works and never cancels anything.
func (grp *Group) Go(name string, fn func(ctx context.Context) error) {
	grp.wg.Add(1)

	go func() {
		defer grp.wg.Done()
		defer func() {
			if recovered := recover(); recovered != nil {
				runtime.HandlePanicValue(grp.context(), grp.log(), recovered, "errgroup", name)

				grp.fail(fmt.Errorf("%w in %s: %v", ErrPanicRecovered, name, recovered))
			}
		}()

		if err := fn(grp.context()); err != nil {
			grp.log().Log(grp.context(), libLog.LevelError, "component stopped with error",
				libLog.String("component", name), libLog.Err(err))

			grp.fail(fmt.Errorf("%s: %w", name, err))
		}
	}()
}

func (grp *Group) fail(err error) {
	grp.errOnce.Do(func() {
		grp.err = err

		if grp.cancel != nil {
			grp.cancel()
		}
	})
}

// Wait blocks until every goroutine returned and reports the first failure.
func (grp *Group) Wait() error {
	grp.wg.Wait()

	if grp.cancel != nil {
		grp.cancel()
	}

	return grp.err
}

// Package pool runs asynchronous acquisitions on a bounded number of
// goroutines so that the scheduler loop never blocks on hardware or network
// I/O.
package pool

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// DefaultSize is the number of tasks allowed to run at the same time.
const DefaultSize = 4

// Pool bounds concurrently running tasks.
type Pool struct {
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	logger *logrus.Logger
}

// New creates a pool with size slots. Non-positive sizes fall back to
// DefaultSize.
func New(size int64, logger *logrus.Logger) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	return &Pool{sem: semaphore.NewWeighted(size), logger: logger}
}

// Go schedules fn and returns immediately. fn runs once a slot is free; it is
// dropped if ctx is done before that happens.
func (p *Pool) Go(ctx context.Context, fn func(ctx context.Context)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			p.logger.WithError(err).Debug("Pool task dropped before start")
			return
		}
		defer p.sem.Release(1)
		fn(ctx)
	}()
}

// Wait blocks until every scheduled task has finished or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package worker runs blocking calls on a bounded set of goroutines so request
// handlers only wait on a channel, never on the model runtime itself.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultWorkers    = 1
	defaultQueueDepth = 4
	defaultMaxWait    = 30 * time.Second
)

// ErrBusy is returned when the queue is full or no worker frees up within
// MaxWait.
var ErrBusy = errors.New("worker pool busy")

// PanicError carries a panic recovered from a submitted function.
type PanicError struct{ Value any }

func (e *PanicError) Error() string { return fmt.Sprintf("worker panic: %v", e.Value) }

// Config sizes a Pool. Zero values select the package defaults; a negative
// QueueDepth means no waiting room at all.
type Config struct {
	Workers    int
	QueueDepth int
	MaxWait    time.Duration
}

// Pool admits up to Workers concurrent calls plus QueueDepth waiters.
type Pool struct {
	slots   *semaphore.Weighted
	admit   *semaphore.Weighted
	workers int
	depth   int
	maxWait time.Duration

	queued   atomic.Int64
	inflight atomic.Int64
	done     atomic.Uint64
}

// New constructs a Pool from cfg.
func New(cfg Config) *Pool {
	p := &Pool{workers: cfg.Workers, depth: cfg.QueueDepth, maxWait: cfg.MaxWait}
	if p.workers <= 0 {
		p.workers = defaultWorkers
	}
	switch {
	case p.depth == 0:
		p.depth = defaultQueueDepth
	case p.depth < 0:
		p.depth = 0
	}
	if p.maxWait <= 0 {
		p.maxWait = defaultMaxWait
	}
	p.slots = semaphore.NewWeighted(int64(p.workers))
	p.admit = semaphore.NewWeighted(int64(p.workers + p.depth))
	return p
}

// Do runs fn on a pool goroutine and waits for its result or for ctx.
//
// If ctx ends first Do returns ctx.Err(), but fn keeps its worker slot until
// it returns; fn receives the same ctx and is expected to honor it.
func (p *Pool) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.admit.TryAcquire(1) {
		return ErrBusy
	}
	p.queued.Add(1)
	waitCtx, cancel := context.WithTimeout(ctx, p.maxWait)
	err := p.slots.Acquire(waitCtx, 1)
	cancel()
	p.queued.Add(-1)
	if err != nil {
		p.admit.Release(1)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrBusy
	}

	p.inflight.Add(1)
	result := make(chan error, 1)
	go func() {
		var err error
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = &PanicError{Value: r}
				}
			}()
			err = fn(ctx)
		}()
		p.inflight.Add(-1)
		p.done.Add(1)
		p.slots.Release(1)
		p.admit.Release(1)
		result <- err
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers    int
	QueueDepth int
	Queued     int
	Inflight   int
	Completed  uint64
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:    p.workers,
		QueueDepth: p.depth,
		Queued:     int(p.queued.Load()),
		Inflight:   int(p.inflight.Load()),
		Completed:  p.done.Load(),
	}
}

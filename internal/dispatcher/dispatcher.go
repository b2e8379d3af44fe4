// Package dispatcher fans queued items out to a fixed pool of goroutines.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/zpx01/video-scraper/internal/logging"
	"github.com/zpx01/video-scraper/internal/metrics"
	"github.com/zpx01/video-scraper/internal/queue/memory"
)

// Source hands out items one at a time. Dequeue returns memory.ErrClosed once
// no more items will arrive.
type Source[T any] interface {
	Dequeue(ctx context.Context) (T, error)
}

// Handler processes one item. It must return once ctx is done. Items dequeued
// after ctx ends are dropped without being handled.
type Handler[T any] func(ctx context.Context, item T)

// Dispatcher runs a fixed number of consumers over a Source.
type Dispatcher[T any] struct {
	source  Source[T]
	workers int
	handle  Handler[T]
	logger  *zap.Logger
}

// New creates a Dispatcher. Fewer than one worker is treated as one.
func New[T any](source Source[T], workers int, handle Handler[T], logger *zap.Logger) *Dispatcher[T] {
	return &Dispatcher[T]{
		source:  source,
		workers: max(workers, 1),
		handle:  handle,
		logger:  logging.OrNop(logger).Named("dispatcher"),
	}
}

// Run starts the pool and blocks until every consumer exits: when the source
// is closed and drained (nil), or when ctx ends (ctx's error).
func (d *Dispatcher[T]) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := range d.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.consume(ctx, d.logger.With(zap.Int("index", i)))
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("dispatcher stopped: %w", err)
	}
	return nil
}

func (d *Dispatcher[T]) consume(ctx context.Context, logger *zap.Logger) {
	for {
		item, err := d.source.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, memory.ErrClosed) || ctx.Err() != nil {
				return
			}
			logger.Error("dequeue failed", zap.Error(err))
			continue
		}
		if ctx.Err() != nil {
			return
		}
		metrics.IncActiveWorkers()
		d.handle(ctx, item)
		metrics.DecActiveWorkers()
	}
}

package progress

import (
	"context"
	"sync"
)

// Sink consumes batches of progress events. Implementations must honor ctx
// deadlines and tolerate repeated calls.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events. Hub satisfies it, so components stay
// agnostic about buffering.
type Emitter interface {
	Emit(evt Event)
}

// Recorder is a Sink that keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Consume implements Sink.
func (r *Recorder) Consume(_ context.Context, batch []Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, batch...)
	return nil
}

// Close implements Sink.
func (r *Recorder) Close(context.Context) error { return nil }

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Stages returns the recorded stages for one job, in order.
func (r *Recorder) Stages(jobID string) []Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Stage
	for _, evt := range r.events {
		if evt.JobID == jobID {
			out = append(out, evt.Stage)
		}
	}
	return out
}

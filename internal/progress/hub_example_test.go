package progress

import (
	"context"
	"fmt"
	"time"
)

// ExampleHub_Emit records a job's lifecycle and reads it back after Close.
func ExampleHub_Emit() {
	rec := &Recorder{}
	hub := NewHub(Config{MaxBatchWait: time.Hour}, rec)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	hub.Emit(Event{JobID: "job-42", TS: start, Stage: StageJobStart, Domain: "cdn.example.com"})
	hub.Emit(Event{JobID: "job-42", TS: start, Stage: StageChunkDone, Bytes: 1024, Watermark: 1024, Total: 2048})
	hub.Emit(Event{JobID: "job-42", TS: start, Stage: StageChunkDone, Bytes: 1024, Watermark: 2048, Total: 2048})
	hub.Emit(Event{JobID: "job-42", TS: start, Stage: StageJobDone, Bytes: 2048})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Println(rec.Stages("job-42"))
	// Output:
	// [JOB_START CHUNK_DONE CHUNK_DONE JOB_DONE]
}

// ExampleSink totals discovered nodes per depth with a custom Sink.
func ExampleSink() {
	perDepth := map[int]int{}
	count := sinkFunc(func(_ context.Context, batch []Event) error {
		for _, evt := range batch {
			if evt.Stage == StageNodeRecorded {
				perDepth[evt.Depth]++
			}
		}
		return nil
	})
	hub := NewHub(Config{MaxBatchEvents: 2}, count)

	for i, depth := range []int{0, 1, 1, 2} {
		hub.Emit(Event{Stage: StageNodeRecorded, NodeID: fmt.Sprintf("node-%d", i), Depth: depth})
	}
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Println(perDepth[0], perDepth[1], perDepth[2])
	// Output:
	// 1 2 1
}

type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

func (sinkFunc) Close(context.Context) error {
	return nil
}

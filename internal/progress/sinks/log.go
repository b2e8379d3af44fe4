package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/zpx01/video-scraper/internal/logging"
	"github.com/zpx01/video-scraper/internal/progress"
)

// LogSink writes one structured line per event. Chunk events log at debug
// level so large transfers do not flood production logs.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logging.OrNop(logger)}
}

// Consume implements progress.Sink.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.InfoLevel
		switch evt.Stage {
		case progress.StageChunkDone:
			level = zapcore.DebugLevel
		case progress.StageJobError:
			level = zapcore.WarnLevel
		}
		if ce := s.logger.Check(level, "progress event"); ce != nil {
			ce.Write(fields(evt)...)
		}
	}
	return nil
}

func fields(evt progress.Event) []zap.Field {
	out := []zap.Field{zap.String("stage", string(evt.Stage))}
	if evt.JobID != "" {
		out = append(out, zap.String("job_id", evt.JobID))
	}
	if evt.NodeID != "" {
		out = append(out, zap.String("node_id", evt.NodeID), zap.Int("depth", evt.Depth))
	}
	if evt.Domain != "" {
		out = append(out, zap.String("domain", evt.Domain))
	}
	if evt.URL != "" {
		out = append(out, zap.String("url", evt.URL))
	}
	if evt.Bytes > 0 {
		out = append(out, zap.Int64("bytes", evt.Bytes))
	}
	if evt.Stage == progress.StageChunkDone {
		out = append(out, zap.Int64("offset", evt.Watermark), zap.Int64("total", evt.Total))
	}
	if evt.Attempt > 0 {
		out = append(out, zap.Int("attempt", evt.Attempt))
	}
	if evt.Kind != "" {
		out = append(out, zap.String("kind", evt.Kind))
	}
	if evt.Dur > 0 {
		out = append(out, zap.Duration("dur", evt.Dur))
	}
	if evt.Note != "" {
		out = append(out, zap.String("note", evt.Note))
	}
	return out
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

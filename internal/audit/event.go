// Package audit records every place the validation pipeline failed open, so
// a reviewer can see which checks were silently waived.
package audit

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Cause explains why a stage passed without a real answer.
type Cause string

const (
	CauseError       Cause = "error"
	CauseTimeout     Cause = "timeout"
	CauseMalformed   Cause = "malformed_response"
	CausePanic       Cause = "panic"
	CauseUnavailable Cause = "detector_unavailable"
)

// Event is one fail-open occurrence.
type Event struct {
	RequestID string
	Stage     string
	Backend   string
	Cause     Cause
	Detail    string
	At        time.Time
}

// Recorder persists fail-open events. Implementations must be safe for concurrent use.
type Recorder interface {
	Record(ctx context.Context, e Event) error
}

// Summarizer reports aggregated fail-open counts.
type Summarizer interface {
	Summary(ctx context.Context) (*Summary, error)
}

// LogRecorder writes events to the structured log only.
type LogRecorder struct {
	logger *zap.Logger
}

func NewLogRecorder(logger *zap.Logger) *LogRecorder {
	return &LogRecorder{logger: logger.Named("audit")}
}

func (r *LogRecorder) Record(_ context.Context, e Event) error {
	r.logger.Warn("stage failed open",
		zap.String("request_id", e.RequestID),
		zap.String("stage", e.Stage),
		zap.String("backend", e.Backend),
		zap.String("cause", string(e.Cause)),
		zap.String("detail", e.Detail),
		zap.Time("at", e.At),
	)
	return nil
}

type fanout []Recorder

// Fanout records each event on every non-nil recorder.
func Fanout(recorders ...Recorder) Recorder {
	out := make(fanout, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (f fanout) Record(ctx context.Context, e Event) error {
	var errs []error
	for _, r := range f {
		if err := r.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

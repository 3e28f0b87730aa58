package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrPipelineClosed is returned by Emit after Close
var ErrPipelineClosed = errors.New("pipeline closed")

// Emitter accepts events from a poll loop
type Emitter interface {
	Emit(ctx context.Context, e Event) error
}

// Sink is a destination for events
type Sink interface {
	Name() string
	Write(ctx context.Context, e Event) error
}

// PipelineStats is a snapshot of the pipeline counters
type PipelineStats struct {
	Emitted    int64 `json:"emitted"`
	Delivered  int64 `json:"delivered"`
	SinkErrors int64 `json:"sink_errors"`
	Buffered   int   `json:"buffered"`
}

// Pipeline fans events from all loops out to the sinks
type Pipeline struct {
	events chan Event
	sinks  []Sink
	logger *slog.Logger

	done      chan struct{}
	closeOnce sync.Once

	emitted    atomic.Int64
	delivered  atomic.Int64
	sinkErrors atomic.Int64
}

// NewPipeline creates a pipeline with the given buffer size
func NewPipeline(bufferSize int, logger *slog.Logger, sinks ...Sink) *Pipeline {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Pipeline{
		events: make(chan Event, bufferSize),
		sinks:  sinks,
		logger: logger.With("component", "pipeline"),
		done:   make(chan struct{}),
	}
}

// Emit queues an event, blocking while the buffer is full
func (p *Pipeline) Emit(ctx context.Context, e Event) error {
	select {
	case <-p.done:
		return ErrPipelineClosed
	default:
	}

	select {
	case p.events <- e:
		p.emitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPipelineClosed
	}
}

// Run delivers events until ctx is cancelled or Close is called, then
// delivers whatever is still buffered.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline starting", "sinks", len(p.sinks), "buffer_size", cap(p.events))

	for {
		select {
		case <-ctx.Done():
			p.drain()
			return ctx.Err()
		case <-p.done:
			p.drain()
			return nil
		case e := <-p.events:
			p.deliver(ctx, e)
		}
	}
}

// Close stops accepting events. Safe to call more than once.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
}

// Stats returns the current counters
func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		Emitted:    p.emitted.Load(),
		Delivered:  p.delivered.Load(),
		SinkErrors: p.sinkErrors.Load(),
		Buffered:   len(p.events),
	}
}

// drain delivers buffered events with a fresh context
func (p *Pipeline) drain() {
	remaining := len(p.events)
	if remaining > 0 {
		p.logger.Info("draining buffered events", "count", remaining)
	}
	for i := 0; i < remaining; i++ {
		select {
		case e := <-p.events:
			p.deliver(context.Background(), e)
		default:
			return
		}
	}
}

func (p *Pipeline) deliver(ctx context.Context, e Event) {
	for _, s := range p.sinks {
		if err := p.safeWrite(ctx, s, e); err != nil {
			p.sinkErrors.Add(1)
			p.logger.Error("sink write failed",
				"sink", s.Name(),
				"input", e.Input,
				"event_id", e.ID,
				"error", err,
			)
		}
	}
	p.delivered.Add(1)
}

// safeWrite calls the sink with panic recovery
func (p *Pipeline) safeWrite(ctx context.Context, s Sink, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			p.logger.Error("sink panic",
				"sink", s.Name(),
				"correlation_id", correlationID,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("sink panic (correlation_id: %s)", correlationID)
		}
	}()
	return s.Write(ctx, e)
}

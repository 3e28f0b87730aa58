package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nmslite/wmipoller/internal/channels"
	"github.com/nmslite/wmipoller/internal/connection"
	"github.com/nmslite/wmipoller/internal/wmi"
)

// Connector opens the session a loop queries. *connection.Manager
// implements it.
type Connector interface {
	Resolve(ctx context.Context, spec connection.EndpointSpec) (wmi.Session, error)
	Close()
}

// Options is the immutable per-loop configuration
type Options struct {
	Input    string
	Query    string
	Interval time.Duration
	Endpoint connection.EndpointSpec
}

// Status is a point-in-time view of a loop for the status API
type Status struct {
	Input               string     `json:"input"`
	InstanceID          uuid.UUID  `json:"instance_id"`
	Query               string     `json:"query"`
	ConfiguredHost      string     `json:"configured_host"`
	Host                string     `json:"host"`
	Namespace           string     `json:"namespace"`
	State               State      `json:"state"`
	IntervalSeconds     float64    `json:"interval_seconds"`
	Cycles              int64      `json:"cycles"`
	Events              int64      `json:"events"`
	Failures            int64      `json:"failures"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	LastErrorAt         *time.Time `json:"last_error_at,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
}

// SleepFunc waits for d or until ctx is done, returning ctx.Err() in the
// latter case.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Loop periodically queries one WMI endpoint and emits one event per row.
type Loop struct {
	opts       Options
	instanceID uuid.UUID
	connector  Connector
	emitter    channels.Emitter
	decorate   channels.Decorator
	sleep      SleepFunc
	logger     *slog.Logger

	state   atomic.Int32
	session wmi.Session

	mu     sync.RWMutex
	status Status
}

// NewLoop creates a loop in state INIT. A nil decorator leaves events as
// built.
func NewLoop(
	opts Options,
	connector Connector,
	emitter channels.Emitter,
	decorate channels.Decorator,
	logger *slog.Logger,
) *Loop {
	if decorate == nil {
		decorate = channels.Identity
	}
	id := uuid.New()

	l := &Loop{
		opts:       opts,
		instanceID: id,
		connector:  connector,
		emitter:    emitter,
		decorate:   decorate,
		sleep:      sleepContext,
		logger: logger.With(
			"component", "poll_loop",
			"input", opts.Input,
			"instance_id", id,
		),
		status: Status{
			Input:           opts.Input,
			InstanceID:      id,
			Query:           opts.Query,
			ConfiguredHost:  opts.Endpoint.Host,
			IntervalSeconds: opts.Interval.Seconds(),
		},
	}
	l.state.Store(int32(StateInit))
	return l
}

// SetSleep replaces the wait used between cycles
func (l *Loop) SetSleep(fn SleepFunc) {
	l.sleep = fn
}

// Input returns the loop's input id
func (l *Loop) Input() string {
	return l.opts.Input
}

// State returns the current state
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Register opens the initial session. A failure here is not retried; the
// returned error wraps *connection.ConnectionError.
func (l *Loop) Register(ctx context.Context) error {
	sess, err := l.connector.Resolve(ctx, l.opts.Endpoint)
	if err != nil {
		l.recordFailure(err)
		return fmt.Errorf("failed to register input %s: %w", l.opts.Input, err)
	}

	l.bind(sess)
	l.setState(StateConnected)
	l.logger.Info("input registered",
		"host", sess.Host(),
		"namespace", sess.Namespace(),
		"interval", l.opts.Interval,
	)
	return nil
}

// Run queries until ctx is cancelled. It registers first if Register was not
// called. The only errors returned are registration failures and ctx.Err().
func (l *Loop) Run(ctx context.Context) error {
	if l.State() == StateInit {
		if err := l.Register(ctx); err != nil {
			l.setState(StateStopped)
			return err
		}
	}

	defer func() {
		l.connector.Close()
		l.setState(StateStopped)
		l.logger.Info("poll loop stopped")
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		l.setState(StateQuerying)
		n, err := l.cycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				// Cancelled mid-cycle: the remaining rows are abandoned.
				return ctx.Err()
			}
			if !l.recoverFrom(ctx, err) {
				return ctx.Err()
			}
			continue
		}

		l.setState(StateConnected)
		l.recordSuccess(n)

		if err := l.sleep(ctx, l.opts.Interval); err != nil {
			return ctx.Err()
		}
	}
}

// cycle executes the query once and emits one event per row, in order.
func (l *Loop) cycle(ctx context.Context) (emitted int, err error) {
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			l.logger.Error("panic in poll cycle",
				"correlation_id", correlationID,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("panic in poll cycle (correlation_id: %s)", correlationID)
		}
	}()

	sess := l.session
	if sess == nil {
		return 0, errors.New("no open session")
	}

	records, err := sess.Query(ctx, l.opts.Query)
	if err != nil {
		return 0, err
	}

	host := sess.Host()
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return emitted, err
		}

		event := l.decorate(l.buildEvent(host, rec))
		if err := l.emitter.Emit(ctx, event); err != nil {
			return emitted, fmt.Errorf("failed to emit event: %w", err)
		}
		emitted++
	}
	return emitted, nil
}

// buildEvent copies the row's properties and stamps the session host. The
// host field always names the session host, even when the row carries a
// property of the same name.
func (l *Loop) buildEvent(host string, rec wmi.Record) channels.Event {
	event := channels.NewEvent(l.opts.Input, len(rec)+1)
	for _, p := range rec {
		event.Set(p.Name, p.Value)
	}
	event.Set(channels.HostField, host)
	return event
}

// recoverFrom reports a failed cycle and reconnects after one interval,
// retrying at the same interval until a session opens. It returns false if
// ctx was cancelled first.
func (l *Loop) recoverFrom(ctx context.Context, cause error) bool {
	l.setState(StateFaulted)
	qerr := &QueryError{Input: l.opts.Input, Host: l.currentHost(), Err: cause}
	l.recordFailure(qerr)
	l.logger.Error("WMI query failed", "error", qerr, "retry_in", l.opts.Interval)

	for {
		if err := l.sleep(ctx, l.opts.Interval); err != nil {
			return false
		}

		// Resolve closes the old session whether or not the new one opens.
		l.session = nil
		sess, err := l.connector.Resolve(ctx, l.opts.Endpoint)
		if err == nil {
			l.bind(sess)
			l.setState(StateConnected)
			l.logger.Info("reconnected", "host", sess.Host())
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		l.recordFailure(err)
		l.logger.Warn("reconnect failed", "error", err, "retry_in", l.opts.Interval)
	}
}

func (l *Loop) bind(sess wmi.Session) {
	l.session = sess

	l.mu.Lock()
	l.status.Host = sess.Host()
	l.status.Namespace = sess.Namespace()
	l.mu.Unlock()
}

func (l *Loop) currentHost() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.status.Host != "" {
		return l.status.Host
	}
	return l.opts.Endpoint.Host
}

func (l *Loop) setState(s State) {
	l.state.Store(int32(s))
}

func (l *Loop) recordSuccess(events int) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.status.Cycles++
	l.status.Events += int64(events)
	l.status.ConsecutiveFailures = 0
	l.status.LastSuccessAt = &now
}

func (l *Loop) recordFailure(err error) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.status.Failures++
	l.status.ConsecutiveFailures++
	l.status.LastError = err.Error()
	l.status.LastErrorAt = &now
}

// Status returns a snapshot of the loop's counters
func (l *Loop) Status() Status {
	l.mu.RLock()
	s := l.status
	l.mu.RUnlock()

	s.State = l.State()
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

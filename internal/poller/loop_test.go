package poller

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nmslite/wmipoller/internal/channels"
	"github.com/nmslite/wmipoller/internal/connection"
	"github.com/nmslite/wmipoller/internal/wmi"
	"github.com/nmslite/wmipoller/internal/wmi/wmitest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConnector hands out sessions in order, repeating the last one. errs[i]
// fails the i-th Resolve call when non-nil.
type fakeConnector struct {
	mu       sync.Mutex
	sessions []wmi.Session
	errs     []error
	calls    int
	closed   int
}

func (c *fakeConnector) Resolve(_ context.Context, _ connection.EndpointSpec) (wmi.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.calls
	c.calls++
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	return c.sessions[min(i, len(c.sessions)-1)], nil
}

func (c *fakeConnector) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
}

func (c *fakeConnector) resolveCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// recordingEmitter keeps every accepted event. onEmit runs before the event is
// accepted and may reject it.
type recordingEmitter struct {
	mu     sync.Mutex
	events []channels.Event
	onEmit func(call int) error
	calls  int
}

func (e *recordingEmitter) Emit(_ context.Context, ev channels.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls++
	if e.onEmit != nil {
		if err := e.onEmit(e.calls); err != nil {
			return err
		}
	}
	e.events = append(e.events, ev)
	return nil
}

func (e *recordingEmitter) snapshot() []channels.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]channels.Event(nil), e.events...)
}

// fakeSleeper records requested durations and cancels the loop on the
// cancelAfter-th call.
type fakeSleeper struct {
	mu          sync.Mutex
	durations   []time.Duration
	cancelAfter int
	cancel      context.CancelFunc
}

func (s *fakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.durations = append(s.durations, d)
	n := len(s.durations)
	s.mu.Unlock()

	if n >= s.cancelAfter {
		s.cancel()
	}
	return ctx.Err()
}

func (s *fakeSleeper) calls() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.durations...)
}

func localOptions(interval time.Duration) Options {
	return Options{
		Input:    "q1",
		Query:    "SELECT * FROM Win32_Process",
		Interval: interval,
		Endpoint: connection.EndpointSpec{Host: ""},
	}
}

func values(events []channels.Event, field string) []any {
	out := make([]any, 0, len(events))
	for _, e := range events {
		out = append(out, e.Fields[field])
	}
	return out
}

func TestLoop_QueryFailureRecovery(t *testing.T) {
	sess := wmitest.NewSession("WIN-LOCAL01", wmi.DefaultNamespace,
		wmitest.Result{Records: []wmi.Record{wmitest.Rec("a", 1), wmitest.Rec("a", 2)}},
		wmitest.Result{Err: errors.New("RPC server unavailable")},
		wmitest.Result{Records: []wmi.Record{wmitest.Rec("a", 3)}},
	)
	connector := &fakeConnector{sessions: []wmi.Session{sess}}
	emitter := &recordingEmitter{}

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleeper := &fakeSleeper{cancelAfter: 3, cancel: cancel}

	loop := NewLoop(localOptions(5*time.Second), connector, emitter, nil, logger)
	loop.SetSleep(sleeper.Sleep)

	require.NoError(t, loop.Register(ctx))
	assert.Equal(t, StateConnected, loop.State())

	err := loop.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	events := emitter.snapshot()
	assert.Equal(t, []any{1, 2, 3}, values(events, "a"))
	for _, e := range events {
		assert.Equal(t, "WIN-LOCAL01", e.Host())
		assert.Equal(t, "q1", e.Input)
	}

	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second}, sleeper.calls())
	assert.Equal(t, 2, connector.resolveCalls(), "one reconnect after the failed cycle")
	assert.Equal(t, 1, strings.Count(logs.String(), "WMI query failed"))

	status := loop.Status()
	assert.Equal(t, StateStopped, status.State)
	assert.Equal(t, int64(2), status.Cycles)
	assert.Equal(t, int64(3), status.Events)
	assert.Equal(t, int64(1), status.Failures)
	assert.Equal(t, 0, status.ConsecutiveFailures)
	assert.Contains(t, status.LastError, "RPC server unavailable")
	assert.Equal(t, 1, connector.closed)
}

func TestLoop_EmptyResultEmitsNothing(t *testing.T) {
	sess := wmitest.NewSession("WIN-LOCAL01", wmi.DefaultNamespace)
	connector := &fakeConnector{sessions: []wmi.Session{sess}}
	emitter := &recordingEmitter{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleeper := &fakeSleeper{cancelAfter: 2, cancel: cancel}

	loop := NewLoop(localOptions(time.Second), connector, emitter, nil, testLogger())
	loop.SetSleep(sleeper.Sleep)

	assert.ErrorIs(t, loop.Run(ctx), context.Canceled)

	assert.Empty(t, emitter.snapshot())
	assert.Len(t, sess.Queries(), 2)
	status := loop.Status()
	assert.Equal(t, int64(2), status.Cycles)
	assert.Zero(t, status.Failures)
}

func TestLoop_CancelDuringSleepStopsPromptly(t *testing.T) {
	sess := wmitest.NewSession("WIN-LOCAL01", wmi.DefaultNamespace)
	sess.Default = wmitest.Result{Records: []wmi.Record{wmitest.Rec("a", 1)}}
	connector := &fakeConnector{sessions: []wmi.Session{sess}}

	emitted := make(chan struct{}, 1)
	emitter := &recordingEmitter{onEmit: func(int) error {
		select {
		case emitted <- struct{}{}:
		default:
		}
		return nil
	}}

	loop := NewLoop(localOptions(time.Hour), connector, emitter, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	select {
	case <-emitted:
	case <-time.After(2 * time.Second):
		t.Fatal("no event emitted")
	}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop while sleeping")
	}

	assert.Equal(t, StateStopped, loop.State())
	assert.Len(t, sess.Queries(), 1)
}

func TestLoop_CancelMidCycleAbandonsRemainingRows(t *testing.T) {
	sess := wmitest.NewSession("WIN-LOCAL01", wmi.DefaultNamespace, wmitest.Result{
		Records: []wmi.Record{wmitest.Rec("a", 1), wmitest.Rec("a", 2), wmitest.Rec("a", 3)},
	})
	connector := &fakeConnector{sessions: []wmi.Session{sess}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	emitter := &recordingEmitter{onEmit: func(call int) error {
		if call == 1 {
			cancel()
		}
		return nil
	}}

	loop := NewLoop(localOptions(time.Second), connector, emitter, nil, testLogger())
	loop.SetSleep(func(context.Context, time.Duration) error {
		t.Fatal("loop slept after cancellation")
		return nil
	})

	assert.ErrorIs(t, loop.Run(ctx), context.Canceled)
	assert.Equal(t, []any{1}, values(emitter.snapshot(), "a"))
	assert.Zero(t, loop.Status().Failures, "cancellation is not a fault")
	assert.Equal(t, StateStopped, loop.State())
}

func TestLoop_RegisterFailureIsFatal(t *testing.T) {
	connErr := &connection.ConnectionError{Host: "srv01", Op: "resolve", Err: errors.New("no such host")}
	connector := &fakeConnector{errs: []error{connErr}}
	emitter := &recordingEmitter{}

	loop := NewLoop(Options{
		Input:    "remote",
		Query:    "SELECT * FROM Win32_OperatingSystem",
		Interval: time.Second,
		Endpoint: connection.EndpointSpec{Host: "srv01"},
	}, connector, emitter, nil, testLogger())
	loop.SetSleep(func(context.Context, time.Duration) error {
		t.Fatal("registration must not be retried")
		return nil
	})

	err := loop.Run(context.Background())
	require.Error(t, err)

	var ce *connection.ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "srv01", ce.Host)
	assert.Equal(t, 1, connector.resolveCalls())
	assert.Equal(t, StateStopped, loop.State())
	assert.Empty(t, emitter.snapshot())
}

func TestLoop_ReconnectRetriesAtInterval(t *testing.T) {
	sess := wmitest.NewSession("WIN-LOCAL01", wmi.DefaultNamespace,
		wmitest.Result{Err: errors.New("access denied")},
		wmitest.Result{Records: []wmi.Record{wmitest.Rec("a", 1)}},
	)
	connErr := &connection.ConnectionError{Host: "WIN-LOCAL01", Op: "open", Err: errors.New("busy")}
	connector := &fakeConnector{
		sessions: []wmi.Session{sess},
		errs:     []error{nil, connErr, connErr, nil},
	}
	emitter := &recordingEmitter{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleeper := &fakeSleeper{cancelAfter: 4, cancel: cancel}

	loop := NewLoop(localOptions(3*time.Second), connector, emitter, nil, testLogger())
	loop.SetSleep(sleeper.Sleep)

	assert.ErrorIs(t, loop.Run(ctx), context.Canceled)

	for _, d := range sleeper.calls() {
		assert.Equal(t, 3*time.Second, d)
	}
	assert.Len(t, sleeper.calls(), 4)
	assert.Equal(t, 4, connector.resolveCalls())
	assert.Equal(t, []any{1}, values(emitter.snapshot(), "a"))
	assert.Equal(t, int64(3), loop.Status().Failures)
}

func TestLoop_EmitFailureIsRecovered(t *testing.T) {
	sess := wmitest.NewSession("WIN-LOCAL01", wmi.DefaultNamespace)
	sess.Default = wmitest.Result{Records: []wmi.Record{wmitest.Rec("a", 1)}}
	connector := &fakeConnector{sessions: []wmi.Session{sess}}
	emitter := &recordingEmitter{onEmit: func(call int) error {
		if call == 1 {
			return channels.ErrPipelineClosed
		}
		return nil
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleeper := &fakeSleeper{cancelAfter: 2, cancel: cancel}

	loop := NewLoop(localOptions(time.Second), connector, emitter, nil, testLogger())
	loop.SetSleep(sleeper.Sleep)

	assert.ErrorIs(t, loop.Run(ctx), context.Canceled)

	assert.Len(t, emitter.snapshot(), 1)
	status := loop.Status()
	assert.Equal(t, int64(1), status.Failures)
	assert.Contains(t, status.LastError, "pipeline closed")
	assert.Equal(t, 2, connector.resolveCalls())
}

func TestLoop_DecoratorAppliedOncePerEvent(t *testing.T) {
	sess := wmitest.NewSession("WIN-LOCAL01", wmi.DefaultNamespace, wmitest.Result{
		Records: []wmi.Record{wmitest.Rec("a", 1), wmitest.Rec("a", 2)},
	})
	connector := &fakeConnector{sessions: []wmi.Session{sess}}
	emitter := &recordingEmitter{}

	var calls int
	decorate := func(e channels.Event) channels.Event {
		calls++
		e.Set("decorations", calls)
		return e
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleeper := &fakeSleeper{cancelAfter: 1, cancel: cancel}

	loop := NewLoop(localOptions(time.Second), connector, emitter, decorate, testLogger())
	loop.SetSleep(sleeper.Sleep)

	assert.ErrorIs(t, loop.Run(ctx), context.Canceled)

	assert.Equal(t, 2, calls)
	assert.Equal(t, []any{1, 2}, values(emitter.snapshot(), "decorations"))
}

func TestLoop_DecoratorPanicIsAQueryFailure(t *testing.T) {
	sess := wmitest.NewSession("WIN-LOCAL01", wmi.DefaultNamespace)
	sess.Default = wmitest.Result{Records: []wmi.Record{wmitest.Rec("a", 1)}}
	connector := &fakeConnector{sessions: []wmi.Session{sess}}
	emitter := &recordingEmitter{}

	var calls int
	decorate := func(e channels.Event) channels.Event {
		calls++
		if calls == 1 {
			panic("bad decorator")
		}
		return e
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleeper := &fakeSleeper{cancelAfter: 2, cancel: cancel}

	loop := NewLoop(localOptions(time.Second), connector, emitter, decorate, testLogger())
	loop.SetSleep(sleeper.Sleep)

	assert.ErrorIs(t, loop.Run(ctx), context.Canceled)

	assert.Len(t, emitter.snapshot(), 1)
	status := loop.Status()
	assert.Equal(t, int64(1), status.Failures)
	assert.Contains(t, status.LastError, "panic in poll cycle")
}

func TestLoop_HostFieldIsSessionHost(t *testing.T) {
	sess := wmitest.NewSession("WIN-LOCAL01", wmi.DefaultNamespace, wmitest.Result{
		Records: []wmi.Record{wmitest.Rec("host", "spoofed", "Name", "svchost.exe")},
	})
	connector := &fakeConnector{sessions: []wmi.Session{sess}}
	emitter := &recordingEmitter{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleeper := &fakeSleeper{cancelAfter: 1, cancel: cancel}

	loop := NewLoop(localOptions(time.Second), connector, emitter, nil, testLogger())
	loop.SetSleep(sleeper.Sleep)
	assert.ErrorIs(t, loop.Run(ctx), context.Canceled)

	events := emitter.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, "WIN-LOCAL01", events[0].Host())
	assert.Equal(t, "svchost.exe", events[0].Fields["Name"])
}

func TestLoop_StatusBeforeRun(t *testing.T) {
	loop := NewLoop(localOptions(5*time.Second), &fakeConnector{}, &recordingEmitter{}, nil, testLogger())

	status := loop.Status()
	assert.Equal(t, StateInit, status.State)
	assert.Equal(t, "q1", status.Input)
	assert.Equal(t, float64(5), status.IntervalSeconds)
	assert.Nil(t, status.LastSuccessAt)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "init", StateInit.String())
	assert.Equal(t, "faulted", StateFaulted.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "state(42)", State(42).String())
}

func TestQueryError(t *testing.T) {
	cause := errors.New("timeout")
	err := &QueryError{Input: "q1", Host: "WIN-LOCAL01", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, `input q1: query on "WIN-LOCAL01" failed: timeout`, err.Error())
}

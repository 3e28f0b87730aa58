package database

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nmslite/wmipoller/internal/channels"
	"github.com/nmslite/wmipoller/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	mu      sync.Mutex
	batches [][]channels.Event
	fail    func(call int) error
	calls   int
}

func (s *fakeStore) write(_ context.Context, batch []channels.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.fail != nil {
		if err := s.fail(s.calls); err != nil {
			return err
		}
	}
	s.batches = append(s.batches, append([]channels.Event(nil), batch...))
	return nil
}

func (s *fakeStore) written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func testEvent(v int) channels.Event {
	e := channels.NewEvent("processes", 2)
	e.Set(channels.HostField, "WIN-LOCAL01")
	e.Set("ProcessId", v)
	return e
}

func newTestWriter(batchSize int, interval time.Duration, store *fakeStore) *BatchWriter {
	bw := newBatchWriter(batchSize, interval, testLogger())
	bw.write = store.write
	return bw
}

func TestBatchWriter_FlushesWhenBatchIsFull(t *testing.T) {
	store := &fakeStore{}
	bw := newTestWriter(2, time.Hour, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bw.Run(ctx)

	require.NoError(t, bw.Write(ctx, testEvent(1)))
	require.NoError(t, bw.Write(ctx, testEvent(2)))

	require.Eventually(t, func() bool { return store.written() == 2 }, time.Second, 5*time.Millisecond)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.batches, 1)
	assert.Equal(t, 1, store.batches[0][0].Fields["ProcessId"])
	assert.Equal(t, 2, store.batches[0][1].Fields["ProcessId"])
}

func TestBatchWriter_FlushesOnInterval(t *testing.T) {
	store := &fakeStore{}
	bw := newTestWriter(100, 10*time.Millisecond, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bw.Run(ctx)

	require.NoError(t, bw.Write(ctx, testEvent(1)))
	require.Eventually(t, func() bool { return store.written() == 1 }, time.Second, 5*time.Millisecond)
}

func TestBatchWriter_FinalFlushOnShutdown(t *testing.T) {
	store := &fakeStore{}
	bw := newTestWriter(100, time.Hour, store)

	for i := 1; i <= 3; i++ {
		require.NoError(t, bw.Write(context.Background(), testEvent(i)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, bw.Run(ctx), context.Canceled)

	assert.Equal(t, 3, store.written())
	assert.Zero(t, bw.Pending())
}

func TestBatchWriter_RequeuesFailedBatch(t *testing.T) {
	store := &fakeStore{fail: func(call int) error {
		if call == 1 {
			return errors.New("connection reset")
		}
		return nil
	}}
	bw := newTestWriter(10, time.Hour, store)

	bw.current = append(bw.current, testEvent(1))
	require.Error(t, bw.flush(context.Background()))
	assert.Equal(t, 1, bw.Pending())

	bw.current = append(bw.current, testEvent(2))
	require.NoError(t, bw.flush(context.Background()))
	assert.Zero(t, bw.Pending())

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.batches, 1)
	assert.Equal(t, 1, store.batches[0][0].Fields["ProcessId"], "requeued events go first")
	assert.Equal(t, 2, store.batches[0][1].Fields["ProcessId"])
}

func TestBatchWriter_DropsAfterRepeatedFailures(t *testing.T) {
	store := &fakeStore{fail: func(int) error { return errors.New("database down") }}
	bw := newTestWriter(10, time.Hour, store)

	bw.current = append(bw.current, testEvent(1))
	for i := 0; i < maxConsecutiveFails-1; i++ {
		require.Error(t, bw.flush(context.Background()))
		assert.Equal(t, 1, bw.Pending(), "attempt %d", i+1)
	}

	require.Error(t, bw.flush(context.Background()))
	assert.Zero(t, bw.Pending())
}

func TestBatchWriter_WriteHonoursContext(t *testing.T) {
	bw := newTestWriter(1, time.Hour, &fakeStore{})
	require.NoError(t, bw.Write(context.Background(), testEvent(1)))
	require.NoError(t, bw.Write(context.Background(), testEvent(2)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, bw.Write(ctx, testEvent(3)), context.DeadlineExceeded)
}

func TestEventRow(t *testing.T) {
	e := testEvent(4242)
	row, err := eventRow(e)
	require.NoError(t, err)
	require.Len(t, row, len(eventColumns))

	assert.Equal(t, e.ID, row[0])
	assert.Equal(t, "processes", row[1])
	assert.Equal(t, "WIN-LOCAL01", row[2])
	assert.Equal(t, e.Timestamp, row[3])

	var fields map[string]any
	require.NoError(t, json.Unmarshal(row[4].([]byte), &fields))
	assert.Equal(t, float64(4242), fields["ProcessId"])
}

func TestPoolConfig(t *testing.T) {
	cfg := &config.PostgresSinkConfig{
		Host:    "db.internal",
		Port:    5433,
		User:    "wmipoller",
		DBName:  "telemetry",
		SSLMode: "disable",
		Pool:    config.PoolConfig{MaxConns: 7, MinConns: 2, MaxConnLifetimeMinutes: 30},
	}

	poolCfg, err := poolConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, int32(7), poolCfg.MaxConns)
	assert.Equal(t, int32(2), poolCfg.MinConns)
	assert.Equal(t, 30*time.Minute, poolCfg.MaxConnLifetime)
	assert.Equal(t, "db.internal", poolCfg.ConnConfig.Host)
	assert.Equal(t, uint16(5433), poolCfg.ConnConfig.Port)
	assert.Equal(t, "telemetry", poolCfg.ConnConfig.Database)
}

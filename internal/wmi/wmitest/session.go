// Package wmitest provides an in-memory wmi.Session for tests.
package wmitest

import (
	"context"
	"sync"

	"github.com/nmslite/wmipoller/internal/wmi"
)

// Result is the canned outcome of one Query call
type Result struct {
	Records []wmi.Record
	Err     error
}

// Session replays queued results. When the queue is empty it returns Default.
type Session struct {
	HostName string
	NS       string
	Default  Result

	mu      sync.Mutex
	queue   []Result
	queries []string
	closed  bool
}

// NewSession creates a fake session bound to host
func NewSession(host, namespace string, results ...Result) *Session {
	return &Session{
		HostName: host,
		NS:       namespace,
		queue:    results,
	}
}

// Push queues more results
func (s *Session) Push(results ...Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, results...)
}

func (s *Session) Host() string {
	return s.HostName
}

func (s *Session) Namespace() string {
	return s.NS
}

func (s *Session) Query(ctx context.Context, query string) ([]wmi.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.queries = append(s.queries, query)
	if len(s.queue) == 0 {
		return s.Default.Records, s.Default.Err
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	return next.Records, next.Err
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Queries returns every query text received so far
func (s *Session) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

// Closed reports whether Close was called
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Rec builds a record from alternating name/value arguments.
func Rec(pairs ...any) wmi.Record {
	rec := make(wmi.Record, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		rec = append(rec, wmi.Property{Name: pairs[i].(string), Value: pairs[i+1]})
	}
	return rec
}

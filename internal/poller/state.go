// Package poller runs one poll loop per configured input. Each loop owns a
// WMI session, executes its query at a fixed interval and hands every
// result row to the event pipeline.
//
//	INIT ──register──▶ CONNECTED ──tick──▶ QUERYING ──ok──▶ CONNECTED
//	                                          │
//	                                        error
//	                                          ▼
//	                       CONNECTED ◀──reconnect── FAULTED ◀─┐
//	                                                  └─fail──┘
//
// Any state moves to STOPPED once the loop's context is cancelled.
package poller

import (
	"fmt"
)

// State is the lifecycle state of a poll loop
type State int32

const (
	StateInit State = iota
	StateConnected
	StateQuerying
	StateFaulted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnected:
		return "connected"
	case StateQuerying:
		return "querying"
	case StateFaulted:
		return "faulted"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText renders the state by name in API responses
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// QueryError wraps any failure inside a poll cycle: the query itself, the
// decorator or the emitter. Loops recover from it by reconnecting.
type QueryError struct {
	Input string
	Host  string
	Err   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("input %s: query on %q failed: %v", e.Input, e.Host, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

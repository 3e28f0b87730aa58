// Package wmi executes WQL queries on a Windows host and returns the rows as
// ordered property lists.
//
// A Session is either local (powershell on this machine) or remote (WinRM).
// Both run the same generated script, so they return the same Record shape.
package wmi

import "context"

// Property is one named value of a WMI object.
type Property struct {
	Name  string
	Value any
}

// Record is one query result row, properties in the order WMI reported them.
type Record []Property

// Get returns the value of the named property.
func (r Record) Get(name string) (any, bool) {
	for _, p := range r {
		if p.Name == name {
			return p.Value, true
		}
	}
	return nil, false
}

// Session is an open handle to a WMI endpoint.
type Session interface {
	// Host returns the resolved host identifier the session is bound to.
	Host() string
	// Namespace returns the WMI namespace queries run against.
	Namespace() string
	// Query executes a WQL query and returns every result row.
	Query(ctx context.Context, query string) ([]Record, error)
	Close() error
}

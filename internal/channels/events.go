package channels

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	// HostField is always present and holds the session's resolved host.
	HostField      = "host"
	TypeField      = "type"
	TagsField      = "tags"
	TimestampField = "@timestamp"
)

// Event is one converted WMI record on its way to the sinks
type Event struct {
	ID        uuid.UUID
	Input     string
	Timestamp time.Time
	Fields    map[string]any
}

// NewEvent creates an empty event for the named input
func NewEvent(input string, fieldCount int) Event {
	return Event{
		ID:        uuid.New(),
		Input:     input,
		Timestamp: time.Now().UTC(),
		Fields:    make(map[string]any, fieldCount),
	}
}

// Get returns the value of a field
func (e Event) Get(name string) (any, bool) {
	v, ok := e.Fields[name]
	return v, ok
}

// Set sets a field, allocating Fields if needed
func (e *Event) Set(name string, value any) {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[name] = value
}

// Host returns the host field as a string
func (e Event) Host() string {
	h, _ := e.Fields[HostField].(string)
	return h
}

// MarshalJSON renders the fields as a flat object with an @timestamp key
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		out[k] = v
	}
	out[TimestampField] = e.Timestamp.Format(time.RFC3339Nano)
	return json.Marshal(out)
}

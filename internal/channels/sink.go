package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// JSONLinesSink writes one JSON object per event
type JSONLinesSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONLinesSink creates a sink writing to w
func NewJSONLinesSink(w io.Writer) *JSONLinesSink {
	return &JSONLinesSink{enc: json.NewEncoder(w)}
}

func (s *JSONLinesSink) Name() string {
	return "stdout"
}

func (s *JSONLinesSink) Write(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enc.Encode(e); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

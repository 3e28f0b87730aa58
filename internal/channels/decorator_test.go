package channels

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Decorator {
		return func(e Event) Event {
			order = append(order, name)
			e.Set(name, true)
			return e
		}
	}

	d := Chain(mark("first"), nil, mark("second"))
	e := d(NewEvent("in", 0))

	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, true, e.Fields["first"])
	assert.Equal(t, true, e.Fields["second"])
}

func TestChain_Empty(t *testing.T) {
	d := Chain(nil, nil)
	e := NewEvent("in", 0)
	e.Set("a", 1)

	assert.Equal(t, e, d(e))
}

func TestNewInputDecorator_NothingConfigured(t *testing.T) {
	assert.Nil(t, NewInputDecorator("", nil, nil))
}

func TestNewInputDecorator(t *testing.T) {
	tests := []struct {
		name      string
		typ       string
		tags      []string
		addFields map[string]string
		initial   map[string]any
		want      map[string]any
	}{
		{
			name:    "sets type when absent",
			typ:     "wmi",
			initial: map[string]any{"host": "h"},
			want:    map[string]any{"host": "h", "type": "wmi"},
		},
		{
			name:    "keeps existing type",
			typ:     "wmi",
			initial: map[string]any{"type": "Win32_Process"},
			want:    map[string]any{"type": "Win32_Process"},
		},
		{
			name:    "merges tags without duplicates",
			tags:    []string{"perf", "wmi"},
			initial: map[string]any{"tags": []any{"wmi"}},
			want:    map[string]any{"tags": []string{"wmi", "perf"}},
		},
		{
			name:    "keeps non-string tags",
			tags:    []string{"perf"},
			initial: map[string]any{"tags": []any{int64(7), "wmi", 1.5}},
			want:    map[string]any{"tags": []string{"7", "wmi", "1.5", "perf"}},
		},
		{
			name:    "keeps a scalar tag",
			tags:    []string{"perf"},
			initial: map[string]any{"tags": int64(3)},
			want:    map[string]any{"tags": []string{"3", "perf"}},
		},
		{
			name:      "adds fields and turns collisions into lists",
			addFields: map[string]string{"site": "dc1", "Name": "extra"},
			initial:   map[string]any{"Name": "System"},
			want:      map[string]any{"Name": []any{"System", "extra"}, "site": "dc1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewInputDecorator(tt.typ, tt.tags, tt.addFields)
			e := NewEvent("in", len(tt.initial))
			for k, v := range tt.initial {
				e.Set(k, v)
			}

			got := d(e)
			assert.Equal(t, tt.want, got.Fields)
		})
	}
}

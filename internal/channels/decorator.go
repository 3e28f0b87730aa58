package channels

import (
	"fmt"
	"slices"
)

// Decorator is applied to every event exactly once before it is emitted.
type Decorator func(Event) Event

// Identity returns the event unchanged
func Identity(e Event) Event {
	return e
}

// Chain composes decorators left to right. Nil entries are skipped.
func Chain(decorators ...Decorator) Decorator {
	active := make([]Decorator, 0, len(decorators))
	for _, d := range decorators {
		if d != nil {
			active = append(active, d)
		}
	}

	switch len(active) {
	case 0:
		return Identity
	case 1:
		return active[0]
	}

	return func(e Event) Event {
		for _, d := range active {
			e = d(e)
		}
		return e
	}
}

// NewInputDecorator returns the decorator for an input's type, tags and
// add_fields settings.
//   - type is only set when the event has none
//   - tags are appended once each
//   - an added field that already exists becomes a list of both values
func NewInputDecorator(typ string, tags []string, addFields map[string]string) Decorator {
	if typ == "" && len(tags) == 0 && len(addFields) == 0 {
		return nil
	}

	return func(e Event) Event {
		if typ != "" {
			if _, ok := e.Fields[TypeField]; !ok {
				e.Set(TypeField, typ)
			}
		}

		if len(tags) > 0 {
			e.Set(TagsField, mergeTags(e.Fields[TagsField], tags))
		}

		for k, v := range addFields {
			existing, ok := e.Fields[k]
			if !ok {
				e.Set(k, v)
				continue
			}
			switch cur := existing.(type) {
			case []any:
				e.Set(k, append(cur, v))
			default:
				e.Set(k, []any{cur, v})
			}
		}
		return e
	}
}

func mergeTags(existing any, tags []string) []string {
	var merged []string
	switch cur := existing.(type) {
	case []string:
		merged = append(merged, cur...)
	case string:
		merged = append(merged, cur)
	case []any:
		for _, t := range cur {
			if s, ok := t.(string); ok {
				merged = append(merged, s)
			} else if t != nil {
				merged = append(merged, fmt.Sprint(t))
			}
		}
	case nil:
	default:
		merged = append(merged, fmt.Sprint(cur))
	}

	for _, t := range tags {
		if !slices.Contains(merged, t) {
			merged = append(merged, t)
		}
	}
	return merged
}

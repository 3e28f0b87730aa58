package wmi

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// ParseRecords converts the JSON printed by BuildQueryScript into records.
// Empty output and null mean zero rows. A single object is accepted as one row.
func ParseRecords(output string) ([]Record, error) {
	output = strings.TrimSpace(output)
	if output == "" || output == "null" {
		return nil, nil
	}

	if !gjson.Valid(output) {
		return nil, fmt.Errorf("failed to parse query output: invalid JSON: %s", truncate(output, 200))
	}

	result := gjson.Parse(output)
	switch {
	case result.IsArray():
		rows := result.Array()
		records := make([]Record, 0, len(rows))
		for i, row := range rows {
			if !row.IsObject() {
				return nil, fmt.Errorf("failed to parse query output: row %d is %s, not an object", i, row.Type)
			}
			records = append(records, parseRecord(row))
		}
		return records, nil
	case result.IsObject():
		return []Record{parseRecord(result)}, nil
	default:
		return nil, fmt.Errorf("failed to parse query output: unexpected %s", result.Type)
	}
}

func parseRecord(row gjson.Result) Record {
	var rec Record
	row.ForEach(func(key, value gjson.Result) bool {
		rec = append(rec, Property{Name: key.String(), Value: scalarValue(value)})
		return true
	})
	return rec
}

// scalarValue keeps integers integral; WMI uint64 counters exceed float64 precision.
func scalarValue(v gjson.Result) any {
	if v.Type != gjson.Number {
		return v.Value()
	}
	if !strings.ContainsAny(v.Raw, ".eE") {
		if i, err := strconv.ParseInt(v.Raw, 10, 64); err == nil {
			return i
		}
		if u, err := strconv.ParseUint(v.Raw, 10, 64); err == nil {
			return u
		}
	}
	return v.Float()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

package selection

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	nameKeys = []string{"display_name", "name", "title", "label"}
	idKeys   = []string{"opaque_id", "id", "code"}
)

// FromRecords builds numbered candidates from decoded JSON or YAML records.
// A record is either a map carrying a display name and an id under one of
// the usual keys, or a bare string used as both. Records without an id are
// skipped so no selection can ever produce a made-up id.
func FromRecords(records any) []Candidate {
	list, ok := records.([]any)
	if !ok {
		return nil
	}
	var out []Candidate
	for _, r := range list {
		switch v := r.(type) {
		case string:
			if v != "" {
				out = append(out, Candidate{DisplayName: v, OpaqueID: v})
			}
		case map[string]any:
			name, id := pick(v, nameKeys), pick(v, idKeys)
			if id == "" {
				continue
			}
			if name == "" {
				name = id
			}
			out = append(out, Candidate{DisplayName: name, OpaqueID: id})
		}
	}
	return Number(out)
}

func pick(m map[string]any, keys []string) string {
	for _, k := range keys {
		if v := formatValue(m[k]); v != "" {
			return v
		}
	}
	return ""
}

// formatValue renders scalar record values. Numbers keep every digit, so an
// id decoded from JSON as float64 reads 20098765 and not 2.0098765e+07.
func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1<<63 {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return formatValue(float64(v))
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case uint:
		return strconv.FormatUint(uint64(v), 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case uint32:
		return strconv.FormatUint(uint64(v), 10)
	default:
		return fmt.Sprint(v)
	}
}

// Listing renders candidates one per line as "1. Name".
func Listing(candidates []Candidate) string {
	var b strings.Builder
	for i, c := range candidates {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d. %s", c.Position, c.DisplayName)
	}
	return b.String()
}

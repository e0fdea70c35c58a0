// Package bxencode implements the CRM's form-body wire encoding: nested
// maps and slices are flattened into bracketed keys ("filter[ID][]=1"),
// values are URL-encoded except those explicitly marked raw, and empty
// collections serialize as "key[]=" rather than being dropped.
package bxencode

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
)

// Raw marks a value that must be written to the query string without
// URL-encoding (the CRM client's form body accepts a handful of fields,
// like already-escaped redirect URLs, verbatim).
type Raw string

// Encode flattens params into a CRM-compatible form-body string. Map key
// order is sorted for determinism (the wire format does not care, but
// deterministic output makes tests and batch command replay reproducible).
func Encode(params map[string]any) string {
	var pairs []string
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		pairs = append(pairs, encodeValue(k, params[k])...)
	}
	return joinPairs(pairs)
}

func encodeValue(key string, v any) []string {
	switch val := v.(type) {
	case map[string]any:
		if len(val) == 0 {
			return []string{key + "[]="}
		}
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var out []string
		for _, k := range keys {
			out = append(out, encodeValue(fmt.Sprintf("%s[%s]", key, k), val[k])...)
		}
		return out
	case []any:
		if len(val) == 0 {
			return []string{key + "[]="}
		}
		var out []string
		for _, item := range val {
			out = append(out, encodeValue(key+"[]", item)...)
		}
		return out
	case []string:
		if len(val) == 0 {
			return []string{key + "[]="}
		}
		var out []string
		for _, item := range val {
			out = append(out, encodeValue(key+"[]", item)...)
		}
		return out
	case []int:
		if len(val) == 0 {
			return []string{key + "[]="}
		}
		var out []string
		for _, item := range val {
			out = append(out, encodeValue(key+"[]", item)...)
		}
		return out
	case Raw:
		return []string{key + "=" + string(val)}
	case nil:
		return []string{key + "="}
	default:
		return []string{key + "=" + url.QueryEscape(scalarString(val))}
	}
}

func scalarString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		if val {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprintf("%v", val)
	}
}

func joinPairs(pairs []string) string {
	out := ""
	for i, p := range pairs {
		if i > 0 {
			out += "&"
		}
		out += p
	}
	return out
}

package config

import (
	"bytes"
	"encoding/csv"
	"strings"

	"github.com/spf13/cast"
)

// searchMap finds the value at path in nested maps.
func searchMap(source map[string]interface{}, path []string) interface{} {
	if len(path) == 0 {
		return source
	}
	next, ok := source[path[0]]
	if !ok {
		return nil
	}
	if len(path) == 1 {
		return next
	}
	switch next := next.(type) {
	case map[string]interface{}:
		return searchMap(next, path[1:])
	case map[interface{}]interface{}:
		return searchMap(cast.ToStringMap(next), path[1:])
	}
	return nil
}

// setKeyInMap sets value at path, creating intermediate maps.
func setKeyInMap(m map[string]interface{}, path []string, value interface{}) {
	for _, k := range path[:len(path)-1] {
		sub, ok := m[k].(map[string]interface{})
		if !ok {
			sub = make(map[string]interface{})
			m[k] = sub
		}
		m = sub
	}
	m[path[len(path)-1]] = value
}

// deepCopyMap copies nested maps, normalizing map[interface{}]interface{} from
// YAML into map[string]interface{} and optionally lower casing keys.
func deepCopyMap(m map[string]interface{}, lower bool) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if lower {
			k = strings.ToLower(k)
		}
		out[k] = deepCopyValue(v, lower)
	}
	return out
}

func deepCopyValue(v interface{}, lower bool) interface{} {
	switch v := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(v, lower)
	case map[interface{}]interface{}:
		return deepCopyMap(cast.ToStringMap(v), lower)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, e := range v {
			out[i] = deepCopyValue(e, lower)
		}
		return out
	}
	return v
}

// mergeMaps merges src into dst. Maps are merged recursively, anything else
// in src replaces what's in dst.
func mergeMaps(dst, src map[string]interface{}) {
	for k, sv := range src {
		if sm, ok := sv.(map[string]interface{}); ok {
			if dm, ok := dst[k].(map[string]interface{}); ok {
				mergeMaps(dm, sm)
				continue
			}
		}
		dst[k] = sv
	}
}

func readAsCSV(val string) ([]string, error) {
	if val == "" {
		return []string{}, nil
	}
	r := csv.NewReader(strings.NewReader(val))
	return r.Read()
}

// stringToStringConv parses the "[a=1,b=2]" form of a pflag stringToString value.
func stringToStringConv(val string) interface{} {
	val = strings.Trim(val, "[]")
	if len(val) == 0 {
		return map[string]interface{}{}
	}
	r := csv.NewReader(bytes.NewBufferString(val))
	ss, err := r.Read()
	if err != nil {
		return nil
	}
	out := make(map[string]interface{}, len(ss))
	for _, pair := range ss {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return nil
		}
		out[kv[0]] = kv[1]
	}
	return out
}

package steps

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

func stringParam(params map[string]interface{}, key string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// intParam accepts the numeric shapes produced by Go literals and by JSON
func intParam(params map[string]interface{}, key string) (int, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return 0, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	case string:
		return strconv.Atoi(n)
	}
	return 0, fmt.Errorf("parameter %s: expected a number, got %T", key, v)
}

func stringsParam(params map[string]interface{}, key string) ([]string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch list := v.(type) {
	case []string:
		return list, nil
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("parameter %s: expected strings, got %T", key, item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("parameter %s: expected a list, got %T", key, v)
}

// durationParam reads "90s" style strings or a number of seconds
func durationParam(params map[string]interface{}, key string) (time.Duration, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return 0, nil
	}
	if s, ok := v.(string); ok {
		return time.ParseDuration(s)
	}
	secs, err := intParam(params, key)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs) * time.Second, nil
}

func mapParam(params map[string]interface{}, key string) map[string]interface{} {
	m, _ := params[key].(map[string]interface{})
	return m
}

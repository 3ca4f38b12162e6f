package command

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

const maxExactFloat = 1 << 53

// Parameters usually arrive decoded from JSON, so numbers may be float64, json.Number or strings.

func StringParam(params map[string]any, name string) (string, error) {
	v, ok := params[name]
	if !ok {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidParameter, name)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: %s must be a non empty string", ErrInvalidParameter, name)
	}
	return s, nil
}

func OptionalStringParam(params map[string]any, name string) (string, error) {
	if _, ok := params[name]; !ok {
		return "", nil
	}
	return StringParam(params, name)
}

func Int64Param(params map[string]any, name string) (int64, error) {
	v, ok := params[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s is required", ErrInvalidParameter, name)
	}
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidParameter, name)
		}
		// keys above 2^53 were already rounded by the decoder
		if math.Abs(n) > maxExactFloat {
			return 0, fmt.Errorf("%w: %s exceeds the exact float range, send it as a string or json number", ErrInvalidParameter, name)
		}
		return int64(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %w", ErrInvalidParameter, name, err)
		}
		return i, nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %w", ErrInvalidParameter, name, err)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("%w: %s must be an integer, got %T", ErrInvalidParameter, name, v)
	}
}

func MapParam(params map[string]any, name string) (map[string]any, error) {
	v, ok := params[name]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be an object, got %T", ErrInvalidParameter, name, v)
	}
	return m, nil
}

// StringsParam reads an optional list of strings.
func StringsParam(params map[string]any, name string) ([]string, error) {
	v, ok := params[name]
	if !ok || v == nil {
		return nil, nil
	}
	switch list := v.(type) {
	case []string:
		return list, nil
	case []any:
		res := make([]string, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s[%d] must be a string", ErrInvalidParameter, name, i)
			}
			res[i] = s
		}
		return res, nil
	default:
		return nil, fmt.Errorf("%w: %s must be a list of strings, got %T", ErrInvalidParameter, name, v)
	}
}

package codec

import (
	"fmt"

	"github.com/danielpatrickdp/adaptive-recommender/internal/faults"
)

// Floats converts a vector into the []any form structpb accepts.
func Floats(v []float64) []any {
	out := make([]any, len(v))
	for i, f := range v {
		out[i] = f
	}
	return out
}

// Ints converts integer ids into the []any form structpb accepts.
func Ints(v []int) []any {
	out := make([]any, len(v))
	for i, n := range v {
		out[i] = n
	}
	return out
}

// Strings converts strings into the []any form structpb accepts.
func Strings(v []string) []any {
	out := make([]any, len(v))
	for i, s := range v {
		out[i] = s
	}
	return out
}

// FloatSlice reads a numeric list field. Missing or malformed fields are
// reported as ErrInvalidResponse.
func (p Payload) FloatSlice(key string) ([]float64, error) {
	raw, ok := p[key]
	if !ok {
		return nil, fmt.Errorf("missing %q: %w", key, faults.ErrInvalidResponse)
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%q is %T, want list: %w", key, raw, faults.ErrInvalidResponse)
	}
	out := make([]float64, len(list))
	for i, v := range list {
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("%q[%d] is %T, want number: %w", key, i, v, faults.ErrInvalidResponse)
		}
		out[i] = f
	}
	return out, nil
}

// Float reads a numeric field.
func (p Payload) Float(key string) (float64, error) {
	raw, ok := p[key]
	if !ok {
		return 0, fmt.Errorf("missing %q: %w", key, faults.ErrInvalidResponse)
	}
	f, ok := raw.(float64)
	if !ok {
		return 0, fmt.Errorf("%q is %T, want number: %w", key, raw, faults.ErrInvalidResponse)
	}
	return f, nil
}

// String reads a string field.
func (p Payload) String(key string) (string, error) {
	raw, ok := p[key]
	if !ok {
		return "", fmt.Errorf("missing %q: %w", key, faults.ErrInvalidResponse)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%q is %T, want string: %w", key, raw, faults.ErrInvalidResponse)
	}
	return s, nil
}

// List reads a list of objects.
func (p Payload) List(key string) ([]Payload, error) {
	raw, ok := p[key]
	if !ok {
		return nil, fmt.Errorf("missing %q: %w", key, faults.ErrInvalidResponse)
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%q is %T, want list: %w", key, raw, faults.ErrInvalidResponse)
	}
	out := make([]Payload, 0, len(list))
	for i, v := range list {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%q[%d] is %T, want object: %w", key, i, v, faults.ErrInvalidResponse)
		}
		out = append(out, Payload(m))
	}
	return out, nil
}

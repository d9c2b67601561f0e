package bulk

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// ErrUnresolved is returned when a reference cannot be followed.
var ErrUnresolved = errors.New("bulk: unresolved reference")

var (
	referencePattern = regexp.MustCompile(`<<(\d+)((?:\[[^\[\]]*\])+)>>`)
	keyPattern       = regexp.MustCompile(`\[([^\[\]]*)\]`)
)

// Resolve substitutes every reference in s using the results gathered so far.
// When s is exactly one reference the referenced value is returned as is,
// otherwise references are rendered into the string.
func Resolve(s string, results []Result) (any, error) {
	matches := referencePattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		return lookup(s[matches[0][2]:matches[0][3]], s[matches[0][4]:matches[0][5]], results)
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		v, err := lookup(s[m[2]:m[3]], s[m[4]:m[5]], results)
		if err != nil {
			return nil, err
		}
		b.WriteString(s[last:m[0]])
		if v != nil {
			b.WriteString(formatScalar(v))
		}
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// ResolveData walks maps and slices and resolves every string inside.
func ResolveData(v any, results []Result) (any, error) {
	switch t := v.(type) {
	case string:
		return Resolve(t, results)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			r, err := ResolveData(item, results)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			r, err := ResolveData(item, results)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	}
	return v, nil
}

// ResolveDescriptor resolves the path, query, headers and data of d.
func ResolveDescriptor(d Descriptor, results []Result) (Descriptor, error) {
	out := d
	out.Path = make(PathSegments, 0, len(d.Path))
	for _, seg := range d.Path {
		v, err := Resolve(seg, results)
		if err != nil {
			return Descriptor{}, err
		}
		out.Path = append(out.Path, splitPath(formatScalar(v))...)
	}

	if d.Query != "" {
		values, err := url.ParseQuery(d.Query)
		if err != nil {
			return Descriptor{}, fmt.Errorf("bulk: invalid query %q: %w", d.Query, err)
		}
		for key, items := range values {
			for i, item := range items {
				v, err := Resolve(item, results)
				if err != nil {
					return Descriptor{}, err
				}
				items[i] = formatScalar(v)
			}
			values[key] = items
		}
		out.Query = values.Encode()
	}

	if len(d.Headers) > 0 {
		out.Headers = make(map[string]string, len(d.Headers))
		for k, h := range d.Headers {
			v, err := Resolve(h, results)
			if err != nil {
				return Descriptor{}, err
			}
			out.Headers[k] = formatScalar(v)
		}
	}

	data, err := ResolveData(d.Data, results)
	if err != nil {
		return Descriptor{}, err
	}
	out.Data = data
	return out, nil
}

func lookup(stepText, keysText string, results []Result) (any, error) {
	step, err := strconv.Atoi(stepText)
	if err != nil || step < 0 || step >= len(results) {
		return nil, fmt.Errorf("%w: step %s is not available", ErrUnresolved, stepText)
	}
	keys := keyPattern.FindAllStringSubmatch(keysText, -1)
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: empty pointer for step %d", ErrUnresolved, step)
	}

	r := results[step]
	var current any
	switch first := keys[0][1]; first {
	case "data":
		current = r.Data
	case "status":
		current = r.Status
	case "method":
		current = r.Method
	case "path":
		current = r.Path
	case "info":
		current = r.Info
	case "headers":
		current = r.Headers
	default:
		return nil, fmt.Errorf("%w: result %d has no %q", ErrUnresolved, step, first)
	}

	for _, k := range keys[1:] {
		key := k[1]
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[key]
			if !ok {
				return nil, fmt.Errorf("%w: key %q not found in result %d", ErrUnresolved, key, step)
			}
			current = v
		case map[string]string:
			v, ok := node[key]
			if !ok {
				return nil, fmt.Errorf("%w: header %q not found in result %d", ErrUnresolved, key, step)
			}
			current = v
		case []any:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(node) {
				return nil, fmt.Errorf("%w: index %q out of range in result %d", ErrUnresolved, key, step)
			}
			current = node[i]
		default:
			return nil, fmt.Errorf("%w: cannot index %T with %q in result %d", ErrUnresolved, current, key, step)
		}
	}
	return current, nil
}

func formatScalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

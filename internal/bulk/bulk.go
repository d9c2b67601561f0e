// Package bulk implements the batched request protocol: several operations
// sent in one round trip, where later operations may reference values from
// the results of earlier ones.
package bulk

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Type selects how the server executes a batch.
type Type string

const (
	// Simple executes every operation independently.
	Simple Type = "put"
	// Transactional aborts the batch at the first failing operation.
	Transactional Type = "post"
)

// Method returns the HTTP method used to send a batch of this type.
func (t Type) Method() string {
	if t == Transactional {
		return http.MethodPost
	}
	return http.MethodPut
}

// TypeForMethod maps an HTTP method of a bulk call back to its Type.
func TypeForMethod(method string) (Type, bool) {
	switch strings.ToUpper(method) {
	case http.MethodPut:
		return Simple, true
	case http.MethodPost:
		return Transactional, true
	}
	return "", false
}

// Reference points at a value inside the result of an earlier operation.
type Reference struct {
	Step    int
	Pointer []string
}

// String renders the reference in wire form, e.g. <<0[data][id]>>.
func (r Reference) String() string {
	var b strings.Builder
	b.WriteString("<<")
	b.WriteString(strconv.Itoa(r.Step))
	for _, key := range r.Pointer {
		b.WriteByte('[')
		b.WriteString(key)
		b.WriteByte(']')
	}
	b.WriteString(">>")
	return b.String()
}

// Value is either a literal or a reference to an earlier result.
type Value struct {
	literal any
	ref     *Reference
}

// Literal wraps a plain value.
func Literal(v any) Value {
	return Value{literal: v}
}

// Ref references the result of step at the given keys.
func Ref(step int, pointer ...string) Value {
	return Value{ref: &Reference{Step: step, Pointer: append([]string(nil), pointer...)}}
}

// RefPointer references the result of step using a JSON pointer such as
// "/data/results/0/id".
func RefPointer(step int, pointer string) Value {
	pointer = strings.TrimPrefix(pointer, "/")
	var keys []string
	if pointer != "" {
		for _, key := range strings.Split(pointer, "/") {
			key = strings.ReplaceAll(key, "~1", "/")
			key = strings.ReplaceAll(key, "~0", "~")
			keys = append(keys, key)
		}
	}
	return Ref(step, keys...)
}

// Reference returns the reference held by v.
func (v Value) Reference() (Reference, bool) {
	if v.ref == nil {
		return Reference{}, false
	}
	return *v.ref, true
}

// Encode returns the wire form of v.
func (v Value) Encode() any {
	if v.ref != nil {
		return v.ref.String()
	}
	return encodeData(v.literal)
}

// String returns the wire form of v as a path segment.
func (v Value) String() string {
	if v.ref != nil {
		return v.ref.String()
	}
	if v.literal == nil {
		return ""
	}
	return fmt.Sprint(v.literal)
}

// Path builds path segments from strings, numbers and Values.
func Path(segments ...any) []Value {
	out := make([]Value, 0, len(segments))
	for _, s := range segments {
		switch v := s.(type) {
		case Value:
			out = append(out, v)
		case []string:
			for _, part := range v {
				out = append(out, Literal(part))
			}
		default:
			out = append(out, Literal(v))
		}
	}
	return out
}

// Operation is one logical request inside a batch. Data may contain Values at
// any depth.
type Operation struct {
	Method  string
	Path    []Value
	Query   url.Values
	Data    any
	Headers map[string]string
	Version string
}

// Descriptor is the wire form of an Operation.
type Descriptor struct {
	Method  string            `json:"method"`
	Path    PathSegments      `json:"path"`
	Query   string            `json:"query,omitempty"`
	Data    any               `json:"data,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Version string            `json:"version,omitempty"`
}

// Result is the server's answer to one descriptor.
type Result struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Status  int               `json:"status"`
	Data    any               `json:"data"`
	Headers map[string]string `json:"headers,omitempty"`
	Info    string            `json:"info,omitempty"`
}

// OK reports whether the status is below 400.
func (r Result) OK() bool {
	return r.Status >= 100 && r.Status < 400
}

// PathSegments is a descriptor path. It decodes from either a slash separated
// string or an array of strings and numbers.
type PathSegments []string

// UnmarshalJSON accepts "a/b/" and ["a", 1].
func (p *PathSegments) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*p = splitPath(s)
		return nil
	}
	var items []any
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("bulk: path must be a string or an array: %w", err)
	}
	out := make(PathSegments, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			out = append(out, splitPath(v)...)
		case float64:
			out = append(out, strconv.FormatFloat(v, 'f', -1, 64))
		default:
			return fmt.Errorf("bulk: unsupported path segment %v", item)
		}
	}
	*p = out
	return nil
}

// String joins the segments as "a/b/".
func (p PathSegments) String() string {
	if len(p) == 0 {
		return ""
	}
	return strings.Join(p, "/") + "/"
}

func splitPath(s string) []string {
	s = strings.Trim(s, "/")
	if s == "" {
		return nil
	}
	return strings.Split(s, "/")
}

// Encode converts operations into wire descriptors. A reference to the same
// or a later step is rejected.
func Encode(ops []Operation) ([]Descriptor, error) {
	out := make([]Descriptor, len(ops))
	for i, op := range ops {
		if err := checkReferences(i, op); err != nil {
			return nil, err
		}
		d := Descriptor{
			Method:  strings.ToLower(op.Method),
			Path:    make(PathSegments, 0, len(op.Path)),
			Data:    encodeData(op.Data),
			Headers: op.Headers,
			Version: op.Version,
		}
		for _, seg := range op.Path {
			if s := strings.Trim(seg.String(), "/"); s != "" {
				d.Path = append(d.Path, s)
			}
		}
		if len(op.Query) > 0 {
			d.Query = op.Query.Encode()
		}
		out[i] = d
	}
	return out, nil
}

func checkReferences(index int, op Operation) error {
	check := func(v Value) error {
		if ref, ok := v.Reference(); ok && (ref.Step < 0 || ref.Step >= index) {
			return fmt.Errorf("bulk: operation %d references step %d which is not before it", index, ref.Step)
		}
		return nil
	}
	for _, seg := range op.Path {
		if err := check(seg); err != nil {
			return err
		}
	}
	var walk func(any) error
	walk = func(v any) error {
		switch t := v.(type) {
		case Value:
			if err := check(t); err != nil {
				return err
			}
			return walk(t.literal)
		case map[string]any:
			for _, item := range t {
				if err := walk(item); err != nil {
					return err
				}
			}
		case []any:
			for _, item := range t {
				if err := walk(item); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return walk(op.Data)
}

func encodeData(v any) any {
	switch t := v.(type) {
	case Value:
		return t.Encode()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = encodeData(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = encodeData(item)
		}
		return out
	}
	return v
}

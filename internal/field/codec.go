package field

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Codec implements the format-specific part of a field: conversion in both
// directions, the custom validation rule and the empty value.
type Codec interface {
	ToInner(v any) any
	ToRepresent(v any) any
	Validate(f *Field, v any) error
	Empty() any
}

var defaultCodecs = map[string]Codec{
	"string":  stringCodec{},
	"integer": integerCodec{},
	"number":  numberCodec{},
	"boolean": booleanCodec{},
	"object":  passthroughCodec{},
	"array":   passthroughCodec{},
}

type passthroughCodec struct{}

func (passthroughCodec) ToInner(v any) any              { return v }
func (passthroughCodec) ToRepresent(v any) any          { return v }
func (passthroughCodec) Validate(_ *Field, _ any) error { return nil }
func (passthroughCodec) Empty() any                     { return nil }

type stringCodec struct{}

func (stringCodec) ToInner(v any) any     { return v }
func (stringCodec) ToRepresent(v any) any { return v }
func (stringCodec) Empty() any            { return "" }

func (stringCodec) Validate(_ *Field, v any) error {
	if _, ok := v.(string); !ok {
		return errors.New("Not a valid string.")
	}
	return nil
}

type integerCodec struct{}

func (integerCodec) ToInner(v any) any {
	if s, ok := v.(string); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return n
		}
	}
	return v
}

func (integerCodec) ToRepresent(v any) any { return v }
func (integerCodec) Empty() any            { return nil }

func (integerCodec) Validate(_ *Field, v any) error {
	if s, ok := v.(string); ok {
		if _, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err != nil {
			return errors.New("A valid integer is required.")
		}
		return nil
	}
	n, ok := numeric(v)
	if !ok || n != math.Trunc(n) {
		return errors.New("A valid integer is required.")
	}
	return nil
}

type numberCodec struct{}

func (numberCodec) ToInner(v any) any {
	if s, ok := v.(string); ok {
		if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return n
		}
	}
	return v
}

func (numberCodec) ToRepresent(v any) any { return v }
func (numberCodec) Empty() any            { return nil }

func (numberCodec) Validate(_ *Field, v any) error {
	if s, ok := v.(string); ok {
		if _, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err != nil {
			return errors.New("A valid number is required.")
		}
		return nil
	}
	if _, ok := numeric(v); !ok {
		return errors.New("A valid number is required.")
	}
	return nil
}

type booleanCodec struct{}

func (booleanCodec) ToInner(v any) any {
	if s, ok := v.(string); ok {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return v
}

func (booleanCodec) ToRepresent(v any) any { return v }
func (booleanCodec) Empty() any            { return false }

func (booleanCodec) Validate(_ *Field, v any) error {
	switch b := v.(type) {
	case bool:
		return nil
	case string:
		if _, err := strconv.ParseBool(b); err == nil {
			return nil
		}
	}
	return errors.New("Must be a valid boolean.")
}

// choicesCodec restricts values to the field's enum.
type choicesCodec struct {
	base Codec
}

func (c choicesCodec) ToInner(v any) any     { return c.base.ToInner(v) }
func (c choicesCodec) ToRepresent(v any) any { return c.base.ToRepresent(v) }
func (c choicesCodec) Empty() any            { return c.base.Empty() }

func (c choicesCodec) Validate(f *Field, v any) error {
	inner := c.base.ToInner(v)
	for _, allowed := range f.Options.Enum {
		if sameValue(allowed, inner) {
			return nil
		}
	}
	return fmt.Errorf("%q is not a valid choice.", fmt.Sprint(v))
}

// dateTimeCodec stores RFC 3339 strings on the wire and time.Time values in
// represent data.
type dateTimeCodec struct{}

func (dateTimeCodec) ToInner(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.Format(time.RFC3339)
	}
	return v
}

func (dateTimeCodec) ToRepresent(v any) any {
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
	}
	return v
}

func (dateTimeCodec) Empty() any { return nil }

func (dateTimeCodec) Validate(_ *Field, v any) error {
	switch t := v.(type) {
	case time.Time:
		return nil
	case string:
		if _, err := time.Parse(time.RFC3339, t); err == nil {
			return nil
		}
	}
	return errors.New("Datetime has wrong format.")
}

// referenceCodec stores the referenced entity's value field on the wire.
// Represent data may hold either that value or the whole related object.
type referenceCodec struct {
	ref Reference
}

func (c referenceCodec) ToInner(v any) any {
	if obj, ok := v.(map[string]any); ok {
		return obj[c.ref.ValueField]
	}
	return v
}

func (c referenceCodec) ToRepresent(v any) any { return v }
func (c referenceCodec) Empty() any            { return nil }

func (c referenceCodec) Validate(_ *Field, v any) error {
	if obj, ok := v.(map[string]any); ok {
		if _, ok := obj[c.ref.ValueField]; !ok {
			return fmt.Errorf("Related object has no %q attribute.", c.ref.ValueField)
		}
	}
	return nil
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func sameValue(a, b any) bool {
	na, okA := numeric(a)
	nb, okB := numeric(b)
	if okA && okB {
		return na == nb
	}
	return reflect.DeepEqual(a, b)
}

package model

import (
	"bytes"
	"encoding/json"
)

// FieldErrorMap is a field-keyed error map that remembers insertion order.
type FieldErrorMap struct {
	keys   []string
	values map[string]any
}

func (m *FieldErrorMap) set(key string, value any) {
	if _, exists := m.values[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Keys returns field names in declaration order.
func (m *FieldErrorMap) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Get returns the message for a field.
func (m *FieldErrorMap) Get(key string) (any, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Len returns the number of fields with errors.
func (m *FieldErrorMap) Len() int {
	return len(m.keys)
}

// MarshalJSON encodes the map as a JSON object in declaration order.
func (m *FieldErrorMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(m.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Package entity builds models from schema definitions and holds model
// instances with their wire and display data.
package entity

import (
	"strings"

	"github.com/pitabwire/qset/internal/field"
)

// PkFieldNames are the field names treated as primary keys when a model has
// no explicit designation.
var PkFieldNames = []string{"id", "pk"}

// Options carries the identity and transport settings of a model level.
type Options struct {
	PkFieldName    string
	ViewFieldName  string
	NonBulkMethods []string
}

func (o Options) inherit(parent Options) Options {
	if o.PkFieldName == "" {
		o.PkFieldName = parent.PkFieldName
	}
	if o.ViewFieldName == "" {
		o.ViewFieldName = parent.ViewFieldName
	}
	if o.NonBulkMethods == nil {
		o.NonBulkMethods = parent.NonBulkMethods
	}
	return o
}

// Model is a named ordered set of fields with identity rules. Models are
// immutable after construction.
type Model struct {
	name    string
	levels  [][]*field.Field
	fields  []*field.Field
	index   map[string]int
	pk      *field.Field
	view    *field.Field
	opts    Options
	nonBulk map[string]bool
}

// NewModel creates a root model declaring the given fields.
func NewModel(name string, declared []*field.Field, opts Options) *Model {
	return newModel(name, [][]*field.Field{declared}, opts)
}

// Extend creates a child model that adds a level of declared fields on top of
// m. Empty options are inherited from m.
func (m *Model) Extend(name string, declared []*field.Field, opts Options) *Model {
	levels := make([][]*field.Field, 0, len(m.levels)+1)
	levels = append(levels, m.levels...)
	levels = append(levels, declared)
	return newModel(name, levels, opts.inherit(m.opts))
}

func newModel(name string, levels [][]*field.Field, opts Options) *Model {
	merged := MergeLevels(levels...)
	m := &Model{
		name:   name,
		levels: levels,
		fields: make([]*field.Field, len(merged)),
		index:  make(map[string]int, len(merged)),
		opts:   opts,
	}
	for i, f := range merged {
		m.fields[i] = f.Bind(name)
		m.index[f.Name] = i
	}
	m.pk = SelectPkField(m.fields, opts.PkFieldName)
	m.view = SelectViewField(m.fields, opts.ViewFieldName, m.pk)
	if opts.NonBulkMethods != nil {
		m.nonBulk = make(map[string]bool, len(opts.NonBulkMethods))
		for _, method := range opts.NonBulkMethods {
			m.nonBulk[strings.ToUpper(method)] = true
		}
	}
	return m
}

// MergeLevels merges per-level field lists from root to leaf. A field
// redeclared by a later level replaces the earlier one and moves to the
// redeclaring level's position.
func MergeLevels(levels ...[]*field.Field) []*field.Field {
	var merged []*field.Field
	for _, level := range levels {
		for _, f := range level {
			for i, existing := range merged {
				if existing.Name == f.Name {
					merged = append(merged[:i], merged[i+1:]...)
					break
				}
			}
			merged = append(merged, f)
		}
	}
	return merged
}

// SelectPkField returns the explicitly named field, else the first field
// whose name is in PkFieldNames, else the first field. It returns nil for
// models without fields.
func SelectPkField(fields []*field.Field, explicit string) *field.Field {
	if explicit != "" {
		for _, f := range fields {
			if f.Name == explicit {
				return f
			}
		}
	}
	for _, f := range fields {
		for _, name := range PkFieldNames {
			if f.Name == name {
				return f
			}
		}
	}
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// SelectViewField returns the explicitly named field when it exists, else pk.
func SelectViewField(fields []*field.Field, explicit string, pk *field.Field) *field.Field {
	if explicit != "" {
		for _, f := range fields {
			if f.Name == explicit {
				return f
			}
		}
	}
	return pk
}

// Name returns the model name.
func (m *Model) Name() string { return m.name }

// Fields returns the merged fields in order.
func (m *Model) Fields() []*field.Field {
	out := make([]*field.Field, len(m.fields))
	copy(out, m.fields)
	return out
}

// FieldNames returns the merged field names in order.
func (m *Model) FieldNames() []string {
	names := make([]string, len(m.fields))
	for i, f := range m.fields {
		names[i] = f.Name
	}
	return names
}

// Field returns the named field.
func (m *Model) Field(name string) (*field.Field, bool) {
	i, ok := m.index[name]
	if !ok {
		return nil, false
	}
	return m.fields[i], true
}

// PkField returns the primary key field or nil.
func (m *Model) PkField() *field.Field { return m.pk }

// ViewField returns the display field or nil.
func (m *Model) ViewField() *field.Field { return m.view }

// Options returns the options the model was built with.
func (m *Model) Options() Options { return m.opts }

// ShouldUseBulk reports whether requests with the given method go through the
// bulk endpoint for this model.
func (m *Model) ShouldUseBulk(method string) bool {
	if m.nonBulk == nil {
		return true
	}
	return !m.nonBulk[strings.ToUpper(method)]
}

// WritableFields returns the fields that are not read-only.
func (m *Model) WritableFields() []*field.Field {
	out := make([]*field.Field, 0, len(m.fields))
	for _, f := range m.fields {
		if !f.ReadOnly {
			out = append(out, f)
		}
	}
	return out
}

// RepresentToInner converts display data into wire data. Fields that are
// absent and not required are left out.
func (m *Model) RepresentToInner(represent map[string]any) map[string]any {
	data := make(map[string]any, len(m.fields))
	for _, f := range m.fields {
		_, present := represent[f.Name]
		if present || f.Required {
			data[f.Name] = f.ToInner(represent)
		}
	}
	return data
}

// InnerToRepresent converts wire data into display data. Absent fields stay
// absent and keys unknown to the model are copied unchanged.
func (m *Model) InnerToRepresent(inner map[string]any) map[string]any {
	represent := make(map[string]any, len(inner))
	for _, f := range m.fields {
		if _, present := inner[f.Name]; present {
			represent[f.Name] = f.ToRepresent(inner)
		}
	}
	for k, v := range inner {
		if _, known := m.index[k]; !known {
			represent[k] = v
		}
	}
	return represent
}

// InitialData returns a copy of provided completed with each missing field's
// initial value.
func (m *Model) InitialData(provided map[string]any) map[string]any {
	data := deepCopyMap(provided)
	for _, f := range m.fields {
		if _, ok := data[f.Name]; !ok {
			data[f.Name] = f.InitialValue()
		}
	}
	return data
}

func deepCopyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopy(v)
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = deepCopy(item)
		}
		return out
	}
	return v
}

package entity

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/pitabwire/qset/internal/field"
	"github.com/pitabwire/qset/model"
)

// Source is the collection an instance was loaded from.
type Source interface {
	URL() string
}

// Instance holds one entity's wire data together with an editable display
// copy. Instances are not safe for concurrent mutation; related slots may be
// filled concurrently.
type Instance struct {
	model  *Model
	data   map[string]any
	source Source
	parent *Instance

	represent map[string]any
	changed   map[string]bool

	mu      sync.RWMutex
	related map[string]*Instance
}

// InstanceOption configures New.
type InstanceOption func(*Instance)

// WithSource sets the collection the instance belongs to.
func WithSource(src Source) InstanceOption {
	return func(i *Instance) { i.source = src }
}

// WithParent sets the instance supplying identity and defaults.
func WithParent(parent *Instance) InstanceOption {
	return func(i *Instance) { i.parent = parent }
}

// New creates an instance of m. A nil data map starts from the parent's inner
// data when a parent is given.
func (m *Model) New(data map[string]any, opts ...InstanceOption) *Instance {
	inst := &Instance{model: m}
	for _, opt := range opts {
		opt(inst)
	}
	if data == nil {
		if inst.parent != nil {
			data = inst.parent.InnerData()
		} else {
			data = make(map[string]any)
		}
	}
	if inst.source == nil && inst.parent != nil {
		inst.source = inst.parent.source
	}
	inst.data = data
	return inst
}

// FromRepresent creates an instance from display data.
func (m *Model) FromRepresent(represent map[string]any, opts ...InstanceOption) *Instance {
	return m.New(m.RepresentToInner(represent), opts...)
}

// Model returns the instance's model.
func (i *Instance) Model() *Model { return i.model }

// Source returns the collection the instance was loaded from.
func (i *Instance) Source() Source { return i.source }

// Parent returns the parent instance, if any.
func (i *Instance) Parent() *Instance { return i.parent }

// Data returns the wire data. Callers must treat it as read-only.
func (i *Instance) Data() map[string]any { return i.data }

// SetData replaces the wire data and discards pending display edits.
func (i *Instance) SetData(data map[string]any) {
	if data == nil {
		data = make(map[string]any)
	}
	i.data = data
	i.represent = nil
	i.changed = nil
}

// Value returns the raw wire value of a key.
func (i *Instance) Value(name string) any {
	return i.data[name]
}

// InnerData returns the wire data limited to the model's fields, or to the
// named subset. Absent optional fields are omitted.
func (i *Instance) InnerData(fieldNames ...string) map[string]any {
	var only map[string]bool
	if len(fieldNames) > 0 {
		only = make(map[string]bool, len(fieldNames))
		for _, n := range fieldNames {
			only[n] = true
		}
	}
	out := make(map[string]any, len(i.model.fields))
	for _, f := range i.model.fields {
		if only != nil && !only[f.Name] {
			continue
		}
		v, present := i.data[f.Name]
		if present || f.Required {
			out[f.Name] = v
		}
	}
	return out
}

func (i *Instance) sandbox() map[string]any {
	if i.represent == nil {
		i.represent = i.model.InnerToRepresent(i.data)
	}
	return i.represent
}

// RepresentData returns a copy of the display data including pending edits.
func (i *Instance) RepresentData() map[string]any {
	src := i.sandbox()
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// Get returns the display value of a field.
func (i *Instance) Get(name string) (any, error) {
	if _, ok := i.model.Field(name); !ok {
		return nil, fmt.Errorf("entity: field %q is not found in model %q", name, i.model.name)
	}
	return i.sandbox()[name], nil
}

// Set validates a display value against the pending display data and stores
// it. The field is marked changed; a rejected value leaves the data as it was.
func (i *Instance) Set(name string, value any) error {
	f, ok := i.model.Field(name)
	if !ok {
		return fmt.Errorf("entity: field %q is not found in model %q", name, i.model.name)
	}
	candidate := i.RepresentData()
	candidate[name] = value
	if _, err := f.ValidateValue(candidate); err != nil {
		return err
	}
	i.sandbox()[name] = value
	if i.changed == nil {
		i.changed = make(map[string]bool)
	}
	i.changed[name] = true
	return nil
}

// Changed reports whether any field was set since the last reset.
func (i *Instance) Changed() bool { return len(i.changed) > 0 }

// ChangedFields returns the names of changed fields in model order.
func (i *Instance) ChangedFields() []string {
	out := make([]string, 0, len(i.changed))
	for _, f := range i.model.fields {
		if i.changed[f.Name] {
			out = append(out, f.Name)
		}
	}
	return out
}

// Reset discards pending display edits.
func (i *Instance) Reset() {
	i.represent = nil
	i.changed = nil
}

// Validate checks the display data against every field and returns the
// resulting wire data. Failures are collected in field order.
func (i *Instance) Validate() (map[string]any, error) {
	if err := i.validate(i.model.fields); err != nil {
		return nil, err
	}
	return i.model.RepresentToInner(i.sandbox()), nil
}

// ValidateFields checks only the named fields, as a partial update sends
// them, and returns their wire data. Unknown names are an error.
func (i *Instance) ValidateFields(names ...string) (map[string]any, error) {
	for _, name := range names {
		if _, ok := i.model.Field(name); !ok {
			return nil, fmt.Errorf("entity: field %q is not found in model %q", name, i.model.name)
		}
	}
	fields := make([]*field.Field, 0, len(names))
	for _, f := range i.model.fields {
		if slices.Contains(names, f.Name) {
			fields = append(fields, f)
		}
	}
	if err := i.validate(fields); err != nil {
		return nil, err
	}
	represent := i.sandbox()
	data := make(map[string]any, len(fields))
	for _, f := range fields {
		data[f.Name] = f.ToInner(represent)
	}
	return data, nil
}

func (i *Instance) validate(fields []*field.Field) error {
	represent := i.sandbox()
	var failures []model.FieldValidationError
	for _, f := range fields {
		if _, err := f.ValidateValue(represent); err != nil {
			msg := err.Error()
			var ve *field.ValidationError
			if errors.As(err, &ve) {
				msg = ve.Message
			}
			failures = append(failures, model.FieldValidationError{Field: f.Name, Title: f.Title, Message: msg})
		}
	}
	if len(failures) > 0 {
		return &model.ModelValidationError{Errors: failures}
	}
	return nil
}

// ValidateAndSetData validates the pending edits, or the given display data
// when not nil, and replaces the wire data with the result.
func (i *Instance) ValidateAndSetData(represent map[string]any) error {
	if represent != nil {
		i.represent = make(map[string]any, len(represent))
		for k, v := range represent {
			i.represent[k] = v
		}
	}
	data, err := i.Validate()
	if err != nil {
		return err
	}
	i.SetData(data)
	return nil
}

// ParseModelError maps a server-side validation body onto the model's fields.
// It returns nil when the body carries no field errors.
func (i *Instance) ParseModelError(body any) *model.ModelValidationError {
	obj, ok := body.(map[string]any)
	if !ok {
		return nil
	}
	var failures []model.FieldValidationError
	for _, f := range i.model.fields {
		item, present := obj[f.Name]
		if !present {
			continue
		}
		msg := f.ParseFieldError(item)
		if s, ok := msg.(string); ok && s == "" {
			continue
		}
		failures = append(failures, model.FieldValidationError{Field: f.Name, Title: f.Title, Message: msg})
	}
	if len(failures) == 0 {
		return nil
	}
	return &model.ModelValidationError{Errors: failures}
}

// PkValue returns the primary key. A parent's non-empty key takes precedence.
func (i *Instance) PkValue() any {
	if i.parent != nil {
		if pk := i.parent.PkValue(); !isEmpty(pk) {
			return pk
		}
	}
	if i.model.pk == nil {
		return nil
	}
	return i.data[i.model.pk.Name]
}

// ViewFieldString returns the display string of the view field.
func (i *Instance) ViewFieldString() string {
	vf := i.model.view
	if vf == nil {
		return ""
	}
	if rel, ok := i.Related(vf.Name); ok {
		return rel.ViewFieldString()
	}
	switch v := vf.ToRepresent(i.data).(type) {
	case nil:
		return ""
	case *Instance:
		return v.ViewFieldString()
	case map[string]any:
		for _, key := range []string{"name", "title"} {
			if s, ok := v[key]; ok && !isEmpty(s) {
				return fmt.Sprint(s)
			}
		}
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Clone returns an instance of the same model with a deep copy of the data.
func (i *Instance) Clone() *Instance {
	return &Instance{
		model:  i.model,
		data:   deepCopyMap(i.data),
		source: i.source,
		parent: i.parent,
	}
}

// IsEqual reports whether other has the same model and equal field values.
func (i *Instance) IsEqual(other *Instance) bool {
	if i == other {
		return true
	}
	if other == nil || other.model != i.model {
		return false
	}
	for _, f := range i.model.fields {
		if !reflect.DeepEqual(i.data[f.Name], other.data[f.Name]) {
			return false
		}
	}
	return true
}

// Related returns the instance attached to a reference field by prefetch.
func (i *Instance) Related(name string) (*Instance, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	rel, ok := i.related[name]
	return rel, ok
}

// SetRelated attaches a related instance to a reference field.
func (i *Instance) SetRelated(name string, rel *Instance) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.related == nil {
		i.related = make(map[string]*Instance)
	}
	i.related[name] = rel
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	}
	if n, ok := toFloat(v); ok {
		return n == 0
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

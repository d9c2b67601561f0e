// Package field converts and validates single entity attributes between
// their wire (inner) form and their display (represent) form.
package field

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Options holds schema constraints that drive validation.
type Options struct {
	MinLength *int
	MaxLength *int
	Minimum   *float64
	Maximum   *float64
	Enum      []any
}

// Reference describes a field pointing at another entity.
type Reference struct {
	// Model is the name of the referenced model.
	Model string
	// ValueField is the attribute of the referenced entity stored on the wire.
	ValueField string
	// ViewField is the attribute used to display the referenced entity.
	ViewField string
	// FilterName is the list filter used to fetch referenced entities by value.
	FilterName string
}

// Validator is an extra rule applied after the built-in checks.
type Validator func(value any) error

// ValidationError is returned by ValidateValue.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Field describes one named attribute of an entity. A Field is stateless with
// respect to entity data; instances keep their values elsewhere.
type Field struct {
	Name        string
	Title       string
	Description string
	Type        string
	Format      string
	Required    bool
	ReadOnly    bool
	Nullable    bool
	HasDefault  bool
	Default     any
	Options     Options
	// XOptions carries format-specific options from the x-options extension.
	XOptions   map[string]any
	Validators []Validator

	reference *Reference
	codec     Codec
	model     string
}

// New creates a plain field of the given type using the default codec.
func New(name, typ string) *Field {
	f := &Field{Name: name, Type: typ}
	f.Title = defaultTitle(name)
	f.codec = defaultCodecs[typ]
	if f.codec == nil {
		f.codec = passthroughCodec{}
	}
	return f
}

// WithCodec returns a copy of f using the given codec.
func (f *Field) WithCodec(c Codec) *Field {
	cp := f.clone()
	cp.codec = c
	return cp
}

// Bind returns a copy of f owned by the named model.
func (f *Field) Bind(modelName string) *Field {
	cp := f.clone()
	cp.model = modelName
	return cp
}

// ModelName returns the name of the owning model, if bound.
func (f *Field) ModelName() string {
	return f.model
}

// Reference returns the reference description for foreign-key fields.
func (f *Field) Reference() (*Reference, bool) {
	return f.reference, f.reference != nil
}

func (f *Field) clone() *Field {
	cp := *f
	if f.Validators != nil {
		cp.Validators = append([]Validator(nil), f.Validators...)
	}
	return &cp
}

func (f *Field) getCodec() Codec {
	if f.codec == nil {
		return passthroughCodec{}
	}
	return f.codec
}

// ToInner extracts this field's value from represent data in wire form.
// It never fails; values that cannot be converted pass through unchanged.
func (f *Field) ToInner(represent map[string]any) any {
	v, ok := represent[f.Name]
	if !ok || v == nil {
		return v
	}
	return f.getCodec().ToInner(v)
}

// ToRepresent extracts this field's value from inner data in display form.
func (f *Field) ToRepresent(inner map[string]any) any {
	v, ok := inner[f.Name]
	if !ok || v == nil {
		return v
	}
	return f.getCodec().ToRepresent(v)
}

// ValidateValue checks the represent value against the field constraints and
// returns its inner form. Checks run in a fixed order: length bounds, numeric
// bounds, required-ness, format rule, then custom validators.
func (f *Field) ValidateValue(represent map[string]any) (any, error) {
	value, present := represent[f.Name]
	if !present && f.Required && f.Type == "string" {
		value = ""
	}

	if s, ok := value.(string); ok {
		length := utf8.RuneCountInString(s)
		if f.Options.MaxLength != nil && length > *f.Options.MaxLength {
			return nil, f.fail(fmt.Sprintf("Ensure this field has no more than %d characters.", *f.Options.MaxLength))
		}
		if f.Options.MinLength != nil && *f.Options.MinLength > 0 {
			if length == 0 {
				if !f.Required {
					return nil, nil
				}
				return nil, f.fail("This field may not be blank.")
			}
			if length < *f.Options.MinLength {
				return nil, f.fail(fmt.Sprintf("Ensure this field has at least %d characters.", *f.Options.MinLength))
			}
		}
	}

	if n, ok := numeric(f.boundedValue(value)); ok {
		if f.Options.Maximum != nil && n > *f.Options.Maximum {
			return nil, f.fail(fmt.Sprintf("Ensure this value is less than or equal to %s.", formatNumber(*f.Options.Maximum)))
		}
		if f.Options.Minimum != nil && n < *f.Options.Minimum {
			return nil, f.fail(fmt.Sprintf("Ensure this value is greater than or equal to %s.", formatNumber(*f.Options.Minimum)))
		}
	}

	if value == nil {
		if present && !f.Nullable {
			return nil, f.fail("This field may not be null.")
		}
		if !present && f.Required && !f.HasDefault {
			return nil, f.fail("This field is required.")
		}
		return nil, nil
	}
	if s, ok := value.(string); ok && s == "" && f.Required {
		return nil, f.fail("This field may not be blank.")
	}

	if err := f.getCodec().Validate(f, value); err != nil {
		return nil, f.fail(err.Error())
	}
	for _, validate := range f.Validators {
		if err := validate(value); err != nil {
			return nil, f.fail(err.Error())
		}
	}

	return f.getCodec().ToInner(value), nil
}

// boundedValue is the value the minimum and maximum apply to. Numeric
// codecs accept numeric strings, so those are bounded after conversion.
func (f *Field) boundedValue(value any) any {
	c := f.getCodec()
	if ch, ok := c.(choicesCodec); ok {
		c = ch.base
	}
	switch c.(type) {
	case integerCodec, numberCodec:
		return c.ToInner(value)
	}
	return value
}

// InitialValue returns the value a new, empty form should start with.
func (f *Field) InitialValue() any {
	if !f.Required {
		return nil
	}
	if f.HasDefault {
		return f.Default
	}
	return f.getCodec().Empty()
}

// ParseFieldError turns a server-side error fragment into a display message.
// Strings are returned as-is, lists are parsed item by item and joined with a
// space, and objects are returned unchanged for later flattening.
func (f *Field) ParseFieldError(fragment any) any {
	switch v := fragment.(type) {
	case nil:
		return ""
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parsed := f.ParseFieldError(item)
			switch p := parsed.(type) {
			case string:
				if p != "" {
					parts = append(parts, p)
				}
			case map[string]any:
				if len(p) > 0 {
					parts = append(parts, fmt.Sprint(p))
				}
			}
		}
		return strings.Join(parts, " ")
	case []string:
		items := make([]any, len(v))
		for i, s := range v {
			items[i] = s
		}
		return f.ParseFieldError(items)
	case map[string]any:
		return v
	}
	return fmt.Sprint(fragment)
}

func (f *Field) fail(msg string) error {
	return &ValidationError{Field: f.Name, Message: msg}
}

func defaultTitle(name string) string {
	title := strings.ReplaceAll(name, "_", " ")
	if title == "" {
		return title
	}
	return strings.ToUpper(title[:1]) + title[1:]
}

func formatNumber(n float64) string {
	if n == float64(int64(n)) {
		return fmt.Sprintf("%d", int64(n))
	}
	return fmt.Sprintf("%g", n)
}

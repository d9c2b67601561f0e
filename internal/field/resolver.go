package field

import (
	"encoding/json"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
)

// Format names with dedicated codecs.
const (
	FormatDateTime = "date-time"
	FormatFK       = "fk"
	FormatChoices  = "choices"
)

// ExtensionOptions is the schema extension carrying format-specific options.
const ExtensionOptions = "x-options"

// Resolver maps schema type and format pairs to codecs and builds Fields
// from schema fragments. It is safe for concurrent use.
type Resolver struct {
	mu     sync.RWMutex
	codecs map[string]map[string]Codec
}

// NewResolver returns a resolver with the built-in codecs registered.
func NewResolver() *Resolver {
	r := &Resolver{codecs: make(map[string]map[string]Codec)}
	for typ, c := range defaultCodecs {
		r.Register(typ, "", c)
	}
	r.Register("string", FormatDateTime, dateTimeCodec{})
	return r
}

// Register installs a codec for the given type and format. An empty format
// sets the type-level default.
func (r *Resolver) Register(typ, format string, c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.codecs[typ] == nil {
		r.codecs[typ] = make(map[string]Codec)
	}
	r.codecs[typ][format] = c
}

func (r *Resolver) codecFor(typ, format string) Codec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byFormat := r.codecs[typ]
	if c, ok := byFormat[format]; ok {
		return c
	}
	if c, ok := byFormat[""]; ok {
		return c
	}
	return passthroughCodec{}
}

// Resolve builds a Field for the named property schema.
func (r *Resolver) Resolve(name string, s *openapi3.Schema, required bool) *Field {
	f := New(name, SchemaType(s))
	if s == nil {
		f.Required = required
		return f
	}

	f.Format = s.Format
	if s.Title != "" {
		f.Title = s.Title
	}
	f.Description = s.Description
	f.Required = required
	f.ReadOnly = s.ReadOnly
	f.Nullable = s.Nullable
	if s.Default != nil {
		f.HasDefault = true
		f.Default = s.Default
	}
	if s.MinLength > 0 {
		n := int(s.MinLength)
		f.Options.MinLength = &n
	}
	if s.MaxLength != nil {
		n := int(*s.MaxLength)
		f.Options.MaxLength = &n
	}
	f.Options.Minimum = s.Min
	f.Options.Maximum = s.Max
	f.Options.Enum = s.Enum
	f.XOptions = extensionMap(s.Extensions, ExtensionOptions)

	f.codec = r.codecFor(f.Type, f.Format)

	if ref, ok := referenceFrom(f); ok {
		f.reference = ref
		f.codec = referenceCodec{ref: *ref}
		return f
	}
	if len(f.Options.Enum) > 0 || f.Format == FormatChoices {
		f.codec = choicesCodec{base: f.codec}
	}
	return f
}

// SchemaType returns the first declared type of a schema, "object" for
// schemas with properties and "string" otherwise.
func SchemaType(s *openapi3.Schema) string {
	if s == nil {
		return "string"
	}
	if s.Type != nil {
		if types := s.Type.Slice(); len(types) > 0 {
			return types[0]
		}
	}
	if len(s.Properties) > 0 || len(s.AllOf) > 0 {
		return "object"
	}
	return "string"
}

func referenceFrom(f *Field) (*Reference, bool) {
	if f.Format != FormatFK {
		if _, ok := f.XOptions["model"]; !ok {
			return nil, false
		}
	}
	ref := &Reference{
		Model:      stringOption(f.XOptions, "model"),
		ValueField: stringOption(f.XOptions, "value_field"),
		ViewField:  stringOption(f.XOptions, "view_field"),
		FilterName: stringOption(f.XOptions, "filter_name"),
	}
	if ref.Model == "" {
		return nil, false
	}
	if ref.ValueField == "" {
		ref.ValueField = "id"
	}
	if ref.ViewField == "" {
		ref.ViewField = ref.ValueField
	}
	if ref.FilterName == "" {
		ref.FilterName = ref.ValueField
	}
	return ref, true
}

func stringOption(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	if len(s) > 0 && s[0] == '#' {
		// Accept "#/definitions/Name" style references.
		for i := len(s) - 1; i >= 0; i-- {
			if s[i] == '/' {
				return s[i+1:]
			}
		}
	}
	return s
}

// ExtensionValue returns a decoded schema extension value.
func ExtensionValue(ext map[string]any, key string) any {
	v, ok := ext[key]
	if !ok {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil
		}
		return decoded
	}
	return v
}

func extensionMap(ext map[string]any, key string) map[string]any {
	m, _ := ExtensionValue(ext, key).(map[string]any)
	return m
}

package entity

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
	"go.uber.org/zap"

	"github.com/pitabwire/qset/internal/field"
	"github.com/pitabwire/qset/internal/openapi"
)

// Schema extensions read from definitions.
const (
	ExtensionPkFieldName    = "x-pk-field-name"
	ExtensionViewFieldName  = "x-view-field-name"
	ExtensionNonBulkMethods = "x-non-bulk-methods"
)

// ErrInvalidReference is returned when a reference names no definition.
var ErrInvalidReference = errors.New("entity: invalid model reference")

// Resolver builds models from a document's definitions and memoizes them so
// that resolving the same reference twice yields the same *Model. It is safe
// for concurrent use.
type Resolver struct {
	doc    *openapi.Document
	fields *field.Resolver
	logger *zap.Logger

	mu        sync.Mutex
	byName    map[string]*Model
	bySchema  map[*openapi3.Schema]*Model
	resolving map[string]bool // definitions whose allOf chain is being walked
	seq       int
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithLogger sets the resolver's logger.
func WithLogger(l *zap.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = l }
}

// WithFieldResolver replaces the default field resolver.
func WithFieldResolver(fr *field.Resolver) ResolverOption {
	return func(r *Resolver) { r.fields = fr }
}

// NewResolver creates a resolver over doc.
func NewResolver(doc *openapi.Document, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		doc:       doc,
		fields:    field.NewResolver(),
		logger:    zap.NewNop(),
		byName:    make(map[string]*Model),
		bySchema:  make(map[*openapi3.Schema]*Model),
		resolving: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register stores a model under its name, replacing any earlier one.
func (r *Resolver) Register(m *Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[m.Name()] = m
}

// Get resolves a model. ref may be a model name, a "#/definitions/X" or
// "#/components/schemas/X" pointer, a *openapi3.SchemaRef or an inline
// *openapi3.Schema.
func (r *Resolver) Get(ref any) (*Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(ref)
}

func (r *Resolver) get(ref any) (*Model, error) {
	switch v := ref.(type) {
	case string:
		if m, ok := r.byName[v]; ok {
			return m, nil
		}
		return r.byReference(v)
	case *openapi3.SchemaRef:
		if v == nil {
			return nil, fmt.Errorf("%w: nil schema", ErrInvalidReference)
		}
		if v.Ref != "" {
			return r.byReference(v.Ref)
		}
		return r.bySchemaObject(v.Value, "")
	case *openapi3.Schema:
		return r.bySchemaObject(v, "")
	}
	return nil, fmt.Errorf("%w: unsupported reference type %T", ErrInvalidReference, ref)
}

func (r *Resolver) byReference(ref string) (*Model, error) {
	name := ref[strings.LastIndex(ref, "/")+1:]
	if name != "" {
		if m, ok := r.byName[name]; ok {
			return m, nil
		}
		if s, ok := r.doc.Definition(name); ok {
			if r.resolving[name] {
				return nil, fmt.Errorf("%w: %s extends itself through allOf", ErrInvalidReference, ref)
			}
			r.resolving[name] = true
			defer delete(r.resolving, name)
			m, err := r.bySchemaObject(s, name)
			if err != nil {
				return nil, err
			}
			r.byName[name] = m
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrInvalidReference, ref)
}

func (r *Resolver) bySchemaObject(s *openapi3.Schema, name string) (*Model, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil schema", ErrInvalidReference)
	}
	if m, ok := r.bySchema[s]; ok && (name == "" || m.Name() == name) {
		return m, nil
	}
	if name == "" {
		r.seq++
		name = fmt.Sprintf("NoNameModel%d", r.seq)
	}

	var (
		levels [][]*field.Field
		parent *Options
	)
	for _, item := range s.AllOf {
		if item == nil {
			continue
		}
		if item.Ref != "" {
			base, err := r.byReference(item.Ref)
			if err != nil {
				return nil, err
			}
			levels = append(levels, base.levels...)
			if parent == nil {
				opts := base.opts
				parent = &opts
			}
			continue
		}
		if item.Value != nil {
			levels = append(levels, r.declaredFields(item.Value))
		}
	}
	levels = append(levels, r.declaredFields(s))

	opts := schemaOptions(s)
	if parent != nil {
		opts = opts.inherit(*parent)
	}
	m := newModel(name, levels, opts)
	r.bySchema[s] = m
	r.logger.Debug("model resolved",
		zap.String("model", name),
		zap.Strings("fields", m.FieldNames()),
	)
	return m, nil
}

func (r *Resolver) declaredFields(s *openapi3.Schema) []*field.Field {
	required := make(map[string]bool, len(s.Required))
	for _, name := range s.Required {
		required[name] = true
	}
	names := r.doc.OrderedProperties(s)
	fields := make([]*field.Field, 0, len(names))
	for _, name := range names {
		prop := s.Properties[name]
		var ps *openapi3.Schema
		if prop != nil {
			ps = prop.Value
		}
		fields = append(fields, r.fields.Resolve(name, ps, required[name]))
	}
	return fields
}

func schemaOptions(s *openapi3.Schema) Options {
	var opts Options
	opts.PkFieldName, _ = field.ExtensionValue(s.Extensions, ExtensionPkFieldName).(string)
	opts.ViewFieldName, _ = field.ExtensionValue(s.Extensions, ExtensionViewFieldName).(string)
	switch v := field.ExtensionValue(s.Extensions, ExtensionNonBulkMethods).(type) {
	case []any:
		opts.NonBulkMethods = make([]string, 0, len(v))
		for _, item := range v {
			if method, ok := item.(string); ok {
				opts.NonBulkMethods = append(opts.NonBulkMethods, method)
			}
		}
	case []string:
		opts.NonBulkMethods = v
	case string:
		opts.NonBulkMethods = []string{v}
	}
	return opts
}

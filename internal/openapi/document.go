// Package openapi loads OpenAPI 3 and Swagger 2 documents and exposes the two
// things the data layer needs from them: named entity definitions (with
// properties in declared order) and path operations.
package openapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi2"
	"github.com/getkin/kin-openapi/openapi2conv"
	"github.com/getkin/kin-openapi/openapi3"
	"gopkg.in/yaml.v3"
)

// methodOrder fixes the iteration order of operations within one path.
var methodOrder = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}

// Operation is one method on one path with its merged parameters.
type Operation struct {
	Path        string
	Method      string
	OperationID string
	Operation   *openapi3.Operation
	Parameters  []*openapi3.Parameter
}

// Extension returns a decoded extension value set on the operation.
func (o Operation) Extension(key string) any {
	if o.Operation == nil {
		return nil
	}
	return extensionValue(o.Operation.Extensions, key)
}

// RequestSchema returns the request body schema, preferring JSON content.
func (o Operation) RequestSchema() *openapi3.SchemaRef {
	if o.Operation == nil || o.Operation.RequestBody == nil || o.Operation.RequestBody.Value == nil {
		return nil
	}
	return schemaOf(o.Operation.RequestBody.Value.Content)
}

// ResponseSchema returns the schema of the first successful response,
// checking 200 and 201 before any other 2xx code.
func (o Operation) ResponseSchema() *openapi3.SchemaRef {
	if o.Operation == nil || o.Operation.Responses == nil {
		return nil
	}
	for _, status := range []int{200, 201} {
		if ref := o.Operation.Responses.Status(status); ref != nil && ref.Value != nil {
			if s := schemaOf(ref.Value.Content); s != nil {
				return s
			}
		}
	}
	codes := make([]string, 0)
	for code := range o.Operation.Responses.Map() {
		if strings.HasPrefix(code, "2") {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	for _, code := range codes {
		ref := o.Operation.Responses.Value(code)
		if ref != nil && ref.Value != nil {
			if s := schemaOf(ref.Value.Content); s != nil {
				return s
			}
		}
	}
	return nil
}

func schemaOf(content openapi3.Content) *openapi3.SchemaRef {
	if mt := content.Get("application/json"); mt != nil && mt.Schema != nil {
		return mt.Schema
	}
	types := make([]string, 0, len(content))
	for ct := range content {
		types = append(types, ct)
	}
	sort.Strings(types)
	for _, ct := range types {
		if mt := content[ct]; mt != nil && mt.Schema != nil {
			return mt.Schema
		}
	}
	return nil
}

// Document is a loaded API description.
type Document struct {
	doc      *openapi3.T
	swagger  bool
	basePath string

	definitions []string
	paths       []string
	// properties maps a fingerprint of a property set to its declared order.
	properties map[string][]string
}

type loadOptions struct {
	validate bool
}

// LoadOption configures Load and LoadData.
type LoadOption func(*loadOptions)

// WithValidation validates the document after loading.
func WithValidation() LoadOption {
	return func(o *loadOptions) { o.validate = true }
}

// Load reads and parses the document at path.
func Load(path string, opts ...LoadOption) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("openapi: reading %s: %w", path, err)
	}
	doc, err := LoadData(data, opts...)
	if err != nil {
		return nil, fmt.Errorf("openapi: loading %s: %w", path, err)
	}
	return doc, nil
}

// LoadData parses a JSON or YAML document. Swagger 2 documents are converted
// to OpenAPI 3 with definition names preserved.
func LoadData(data []byte, opts ...LoadOption) (*Document, error) {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("openapi: parsing document: %w", err)
	}
	root := documentRoot(&node)
	if root == nil {
		return nil, fmt.Errorf("openapi: document is not an object")
	}

	d := &Document{properties: make(map[string][]string)}
	d.swagger = mappingValue(root, "swagger") != nil
	d.collectOrder(root)

	var err error
	if d.swagger {
		d.doc, d.basePath, err = loadSwagger(root)
	} else {
		d.doc, d.basePath, err = loadOpenAPI3(data)
	}
	if err != nil {
		return nil, err
	}
	if d.doc.Components == nil {
		d.doc.Components = &openapi3.Components{}
	}

	if o.validate {
		if err := d.doc.Validate(context.Background()); err != nil {
			return nil, fmt.Errorf("openapi: validating document: %w", err)
		}
	}
	return d, nil
}

func loadOpenAPI3(data []byte) (*openapi3.T, string, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false
	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, "", fmt.Errorf("openapi: loading openapi 3 document: %w", err)
	}
	basePath := "/"
	if len(doc.Servers) > 0 {
		if u, err := url.Parse(doc.Servers[0].URL); err == nil && u.Path != "" {
			basePath = u.Path
		}
	}
	return doc, basePath, nil
}

func loadSwagger(root *yaml.Node) (*openapi3.T, string, error) {
	var raw any
	if err := root.Decode(&raw); err != nil {
		return nil, "", fmt.Errorf("openapi: decoding swagger document: %w", err)
	}
	encoded, err := json.Marshal(normalize(raw))
	if err != nil {
		return nil, "", fmt.Errorf("openapi: encoding swagger document: %w", err)
	}
	var doc2 openapi2.T
	if err := json.Unmarshal(encoded, &doc2); err != nil {
		return nil, "", fmt.Errorf("openapi: unmarshalling swagger document: %w", err)
	}
	doc3, err := openapi2conv.ToV3(&doc2)
	if err != nil {
		return nil, "", fmt.Errorf("openapi: converting swagger document: %w", err)
	}
	basePath := doc2.BasePath
	if basePath == "" {
		basePath = "/"
	}
	return doc3, basePath, nil
}

// T returns the underlying OpenAPI 3 document.
func (d *Document) T() *openapi3.T {
	return d.doc
}

// IsSwagger reports whether the source was a Swagger 2 document.
func (d *Document) IsSwagger() bool {
	return d.swagger
}

// BasePath returns the API base path declared by the document.
func (d *Document) BasePath() string {
	return d.basePath
}

// Definition returns the named entity definition.
func (d *Document) Definition(name string) (*openapi3.Schema, bool) {
	ref, ok := d.doc.Components.Schemas[name]
	if !ok || ref == nil || ref.Value == nil {
		return nil, false
	}
	return ref.Value, true
}

// DefinitionNames returns definition names in declared order.
func (d *Document) DefinitionNames() []string {
	names := make([]string, 0, len(d.doc.Components.Schemas))
	seen := make(map[string]bool, len(d.doc.Components.Schemas))
	for _, name := range d.definitions {
		if _, ok := d.doc.Components.Schemas[name]; ok && !seen[name] {
			names = append(names, name)
			seen[name] = true
		}
	}
	rest := make([]string, 0)
	for name := range d.doc.Components.Schemas {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(names, rest...)
}

// OrderedProperties returns the property names of s in the order they were
// declared in the source document. Unknown property sets fall back to sorted
// order.
func (d *Document) OrderedProperties(s *openapi3.Schema) []string {
	if s == nil || len(s.Properties) == 0 {
		return nil
	}
	keys := make([]string, 0, len(s.Properties))
	for k := range s.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if declared, ok := d.properties[fingerprint(keys)]; ok {
		return append([]string(nil), declared...)
	}
	return keys
}

// Operations returns every operation in declared path order.
func (d *Document) Operations() []Operation {
	if d.doc.Paths == nil {
		return nil
	}
	items := d.doc.Paths.Map()
	paths := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, p := range d.paths {
		if _, ok := items[p]; ok && !seen[p] {
			paths = append(paths, p)
			seen[p] = true
		}
	}
	rest := make([]string, 0)
	for p := range items {
		if !seen[p] {
			rest = append(rest, p)
		}
	}
	sort.Strings(rest)
	paths = append(paths, rest...)

	ops := make([]Operation, 0, len(paths))
	for _, path := range paths {
		item := items[path]
		for _, method := range methodOrder {
			op := item.GetOperation(method)
			if op == nil {
				continue
			}
			params := make([]*openapi3.Parameter, 0, len(item.Parameters)+len(op.Parameters))
			for _, ref := range item.Parameters {
				if ref.Value != nil {
					params = append(params, ref.Value)
				}
			}
			for _, ref := range op.Parameters {
				if ref.Value != nil {
					params = append(params, ref.Value)
				}
			}
			ops = append(ops, Operation{
				Path:        path,
				Method:      method,
				OperationID: op.OperationID,
				Operation:   op,
				Parameters:  params,
			})
		}
	}
	return ops
}

func (d *Document) collectOrder(root *yaml.Node) {
	if defs := mappingValue(root, "definitions"); defs != nil {
		d.definitions = mappingKeys(defs)
	} else if comps := mappingValue(root, "components"); comps != nil {
		if schemas := mappingValue(comps, "schemas"); schemas != nil {
			d.definitions = mappingKeys(schemas)
		}
	}
	if paths := mappingValue(root, "paths"); paths != nil {
		d.paths = mappingKeys(paths)
	}
	d.walkProperties(root)
}

func (d *Document) walkProperties(n *yaml.Node) {
	switch n.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			key, value := n.Content[i], n.Content[i+1]
			if key.Value == "properties" && value.Kind == yaml.MappingNode {
				declared := mappingKeys(value)
				sorted := append([]string(nil), declared...)
				sort.Strings(sorted)
				fp := fingerprint(sorted)
				if _, ok := d.properties[fp]; !ok {
					d.properties[fp] = declared
				}
			}
			d.walkProperties(value)
		}
	case yaml.SequenceNode, yaml.DocumentNode:
		for _, c := range n.Content {
			d.walkProperties(c)
		}
	}
}

func fingerprint(sortedKeys []string) string {
	return strings.Join(sortedKeys, "\x00")
}

func documentRoot(n *yaml.Node) *yaml.Node {
	if n.Kind == yaml.DocumentNode && len(n.Content) > 0 {
		n = n.Content[0]
	}
	if n.Kind != yaml.MappingNode {
		return nil
	}
	return n
}

func mappingValue(n *yaml.Node, key string) *yaml.Node {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

func mappingKeys(n *yaml.Node) []string {
	keys := make([]string, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		keys = append(keys, n.Content[i].Value)
	}
	return keys
}

// normalize converts YAML maps with non-string keys (such as response codes)
// into JSON-compatible maps.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	}
	return v
}

func extensionValue(ext map[string]any, key string) any {
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

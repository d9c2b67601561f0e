// Package views derives the navigable views of an API from its schema paths
// and resolves the QuerySet that serves a model at a given path.
package views

import (
	"errors"
	"fmt"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"go.uber.org/zap"

	"github.com/pitabwire/qset/internal/entity"
	"github.com/pitabwire/qset/internal/openapi"
	"github.com/pitabwire/qset/internal/queryset"
	"github.com/pitabwire/qset/model"
)

// ExtensionDeepNestedView names the path fragment under which a list view
// nests entities of its own model.
const ExtensionDeepNestedView = "x-deep-nested-view"

// Kind classifies a view.
type Kind string

// View kinds.
const (
	KindList   Kind = "list"
	KindPage   Kind = "page"
	KindAction Kind = "action"
)

// View is one navigable path of the API.
type View struct {
	Path    string
	Kind    Kind
	Objects *queryset.QuerySet
	Parent  *View

	// DeepNestedParent is the list view whose entities this view nests.
	DeepNestedParent *View
	// DeepNestedFragment is set on list views that nest their own model.
	DeepNestedFragment string

	Level int
}

// ListModel returns the list model of the view's QuerySet.
func (v *View) ListModel() (*entity.Model, bool) {
	if v == nil || v.Objects == nil {
		return nil, false
	}
	m, err := v.Objects.Model(model.RequestList)
	if err != nil {
		return nil, false
	}
	return m, true
}

func (v *View) String() string {
	return fmt.Sprintf("%s(%s)", v.Kind, v.Path)
}

// Builder derives views from the operations of a document.
type Builder struct {
	doc       *openapi.Document
	models    *entity.Resolver
	transport queryset.Transport
	logger    *zap.Logger
	qsOpts    []queryset.Option
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithBuilderLogger sets the builder's logger.
func WithBuilderLogger(l *zap.Logger) BuilderOption {
	return func(b *Builder) { b.logger = l }
}

// WithQuerySetOptions sets options applied to every QuerySet built.
func WithQuerySetOptions(opts ...queryset.Option) BuilderOption {
	return func(b *Builder) { b.qsOpts = append(b.qsOpts, opts...) }
}

// NewBuilder creates a builder over doc.
func NewBuilder(doc *openapi.Document, models *entity.Resolver, transport queryset.Transport, opts ...BuilderOption) *Builder {
	b := &Builder{
		doc:       doc,
		models:    models,
		transport: transport,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type pathOps struct {
	path string
	ops  map[string]openapi.Operation
}

// Build returns the views in declared path order. A collection path with GET
// becomes a list view, a path ending in a parameter with GET becomes a page
// view and any other path an action view.
func (b *Builder) Build() ([]*View, error) {
	var (
		order  []*pathOps
		byPath = make(map[string]*pathOps)
	)
	for _, op := range b.doc.Operations() {
		p := normalizePath(op.Path)
		po, ok := byPath[p]
		if !ok {
			po = &pathOps{path: p, ops: make(map[string]openapi.Operation)}
			byPath[p] = po
			order = append(order, po)
		}
		po.ops[op.Method] = op
	}

	var (
		views  = make([]*View, 0, len(order))
		byView = make(map[string]*View, len(order))
	)
	for _, po := range order {
		v, err := b.buildView(po, byPath, byView)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
		byView[v.Path] = v
	}

	for _, v := range views {
		v.Parent = nearestAncestor(v.Path, byView)
	}

	for _, po := range order {
		list := byView[po.path]
		if list.Kind != KindList {
			continue
		}
		fragment, _ := po.ops["GET"].Extension(ExtensionDeepNestedView).(string)
		fragment = strings.Trim(fragment, "/")
		if fragment == "" {
			continue
		}
		list.DeepNestedFragment = fragment
		nestedPath := list.Path + "{" + pkParam(po.path, byPath) + "}/" + fragment + "/"
		nested, ok := byView[nestedPath]
		if !ok {
			nested = &View{
				Path:    nestedPath,
				Kind:    KindList,
				Objects: list.Objects.Clone(queryset.Overrides{Pattern: ptr(strings.TrimPrefix(nestedPath, "/"))}, false),
				Level:   levelOf(nestedPath),
			}
			nested.Parent = nearestAncestor(nestedPath, byView)
			views = append(views, nested)
			byView[nestedPath] = nested
		}
		nested.DeepNestedParent = list
		b.logger.Debug("deep nested view",
			zap.String("path", nestedPath),
			zap.String("parent", list.Path),
		)
	}

	return views, nil
}

func (b *Builder) buildView(po *pathOps, byPath map[string]*pathOps, built map[string]*View) (*View, error) {
	get, hasGet := po.ops["GET"]
	detail := isParamSegment(lastSegment(po.path))

	switch {
	case hasGet && !detail:
		models := queryset.Models{}
		list, err := b.listModel(get)
		if err != nil {
			return nil, fmt.Errorf("list view %s: %w", po.path, err)
		}
		models[model.RequestList] = queryset.Single(list)
		if err := b.addPair(models, model.RequestCreate, po.ops["POST"]); err != nil {
			return nil, fmt.Errorf("list view %s: %w", po.path, err)
		}
		if d, ok := byPath[detailPath(po.path, byPath)]; ok {
			if err := b.addDetailModels(models, d); err != nil {
				return nil, fmt.Errorf("list view %s: %w", po.path, err)
			}
		}
		return &View{
			Path:    po.path,
			Kind:    KindList,
			Objects: b.newQuerySet(po.path, models),
			Level:   levelOf(po.path),
		}, nil

	case hasGet && detail:
		collection := parentPath(po.path)
		if lv, ok := built[collection]; ok && lv.Kind == KindList {
			return &View{Path: po.path, Kind: KindPage, Objects: lv.Objects, Level: levelOf(po.path)}, nil
		}
		models := queryset.Models{}
		if err := b.addDetailModels(models, po); err != nil {
			return nil, fmt.Errorf("page view %s: %w", po.path, err)
		}
		return &View{
			Path:    po.path,
			Kind:    KindPage,
			Objects: b.newQuerySet(collection, models),
			Level:   levelOf(po.path),
		}, nil
	}

	models := queryset.Models{}
	for _, method := range []string{"POST", "PUT", "PATCH", "DELETE"} {
		if op, ok := po.ops[method]; ok {
			if err := b.addPair(models, model.RequestCreate, op); err != nil {
				return nil, fmt.Errorf("action view %s: %w", po.path, err)
			}
			break
		}
	}
	return &View{
		Path:    po.path,
		Kind:    KindAction,
		Objects: b.newQuerySet(po.path, models),
		Level:   levelOf(po.path),
	}, nil
}

func (b *Builder) addDetailModels(models queryset.Models, po *pathOps) error {
	if get, ok := po.ops["GET"]; ok {
		if ref := get.ResponseSchema(); ref != nil {
			m, err := b.models.Get(ref)
			if err != nil {
				return err
			}
			models[model.RequestRetrieve] = queryset.Single(m)
		}
	}
	if err := b.addPair(models, model.RequestUpdate, po.ops["PUT"]); err != nil {
		return err
	}
	return b.addPair(models, model.RequestPartialUpdate, po.ops["PATCH"])
}

// addPair stores the request and response models of op under t. A zero op
// or one without schemas is skipped.
func (b *Builder) addPair(models queryset.Models, t model.RequestType, op openapi.Operation) error {
	if op.Operation == nil {
		return nil
	}
	var pair queryset.Pair
	if ref := op.RequestSchema(); ref != nil {
		m, err := b.models.Get(ref)
		if err != nil {
			return err
		}
		pair.Request = m
	}
	if ref := op.ResponseSchema(); ref != nil {
		m, err := b.models.Get(ref)
		if err != nil {
			return err
		}
		pair.Response = m
	}
	if pair.Request == nil && pair.Response == nil {
		return nil
	}
	if pair.Request == nil {
		pair.Request = pair.Response
	}
	if pair.Response == nil {
		pair.Response = pair.Request
	}
	models[t] = pair
	return nil
}

// listModel returns the item model of a list response: the items of its
// "results" array, the items of a bare array or the schema itself.
func (b *Builder) listModel(op openapi.Operation) (*entity.Model, error) {
	ref := op.ResponseSchema()
	if ref == nil || ref.Value == nil {
		return nil, errors.New("no response schema")
	}
	s := ref.Value
	if results, ok := s.Properties["results"]; ok && results != nil && results.Value != nil && results.Value.Items != nil {
		return b.models.Get(results.Value.Items)
	}
	if s.Type != nil && s.Type.Is(openapi3.TypeArray) && s.Items != nil {
		return b.models.Get(s.Items)
	}
	return b.models.Get(ref)
}

func (b *Builder) newQuerySet(path string, models queryset.Models) *queryset.QuerySet {
	return queryset.New(strings.TrimPrefix(path, "/"), models, b.transport, b.qsOpts...)
}

// detailPath returns the path of the entity page below a collection, or "".
func detailPath(collection string, byPath map[string]*pathOps) string {
	found := ""
	for p := range byPath {
		if parentPath(p) == collection && isParamSegment(lastSegment(p)) && (found == "" || p < found) {
			found = p
		}
	}
	return found
}

func pkParam(collection string, byPath map[string]*pathOps) string {
	if d := detailPath(collection, byPath); d != "" {
		return strings.Trim(lastSegment(d), "{}")
	}
	return "id"
}

func nearestAncestor(path string, views map[string]*View) *View {
	for p := parentPath(path); p != "/"; p = parentPath(p) {
		if v, ok := views[p]; ok {
			return v
		}
	}
	return views["/"]
}

// normalizePath returns path with a leading and a trailing slash.
func normalizePath(path string) string {
	path = "/" + strings.Trim(path, "/")
	if path != "/" {
		path += "/"
	}
	return path
}

// pathToArray splits a view path into its fragments.
func pathToArray(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func parentPath(path string) string {
	parts := pathToArray(path)
	if len(parts) <= 1 {
		return "/"
	}
	return "/" + strings.Join(parts[:len(parts)-1], "/") + "/"
}

func lastSegment(path string) string {
	parts := pathToArray(path)
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

func isParamSegment(s string) bool {
	return strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")
}

func levelOf(path string) int {
	return len(pathToArray(path))
}

func ptr[T any](v T) *T { return &v }

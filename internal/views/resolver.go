package views

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/qset/internal/entity"
	"github.com/pitabwire/qset/internal/field"
	"github.com/pitabwire/qset/internal/queryset"
)

// ErrUnknownPath is returned for a path no view declares.
var ErrUnknownPath = errors.New("views: view does not exist in tree")

// CannotFindError is returned when no view serves a model.
type CannotFindError struct {
	Model string
	Path  string
}

func (e *CannotFindError) Error() string {
	return fmt.Sprintf("Cannot find model %s for path %s", e.Model, e.Path)
}

// Resolver picks the QuerySet serving a model at a path by searching the
// views tree outward from that path.
type Resolver struct {
	tree     *Tree
	logger   *zap.Logger
	observer queryset.AggregationObserver

	mu       sync.Mutex
	bindings map[bindingKey][]Binding
}

type bindingKey struct {
	model string
	path  string
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithLogger sets the resolver's logger.
func WithLogger(l *zap.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = l }
}

// WithAggregationObserver sets the sink passed to prefetch executors.
func WithAggregationObserver(o queryset.AggregationObserver) ResolverOption {
	return func(r *Resolver) { r.observer = o }
}

// NewResolver builds the views tree.
func NewResolver(views []*View, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		tree:     NewTree(views),
		logger:   zap.NewNop(),
		bindings: make(map[bindingKey][]Binding),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Tree returns the views tree.
func (r *Resolver) Tree() *Tree { return r.tree }

// View returns the view declared at path.
func (r *Resolver) View(path string) (*View, bool) {
	node := r.tree.Node(path)
	if node == nil || node.View == nil {
		return nil, false
	}
	return node.View, true
}

// EnablePrefetch makes every view's QuerySet resolve the reference fields
// of the entities it fetches. Views sharing a QuerySet keep sharing it.
func (r *Resolver) EnablePrefetch() {
	replaced := make(map[*queryset.QuerySet]*queryset.QuerySet)
	for _, v := range r.tree.Views() {
		if v.Objects == nil || v.Kind == KindAction {
			continue
		}
		qs, ok := replaced[v.Objects]
		if !ok {
			qs = v.Objects.WithPrefetcher(&pathPrefetcher{resolver: r, path: v.Path})
			replaced[v.Objects] = qs
		}
		v.Objects = qs
	}
}

// FindQuerySet returns a fresh QuerySet whose list model is named modelName.
// The search starts at path and widens to its children, its siblings, its
// ancestors with their siblings, then every view in declared order. An
// empty path searches every view only.
func (r *Resolver) FindQuerySet(modelName, path string) (*queryset.QuerySet, error) {
	if path == "" {
		if qs := r.findInAllPaths(modelName); qs != nil {
			return qs, nil
		}
		return nil, &CannotFindError{Model: modelName, Path: path}
	}

	node := r.tree.Node(path)
	if node == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPath, path)
	}
	for _, find := range []func() *queryset.QuerySet{
		func() *queryset.QuerySet { return checkView(node.View, modelName) },
		func() *queryset.QuerySet { return findIn(node.Children(), modelName) },
		func() *queryset.QuerySet { return findIn(node.Siblings(), modelName) },
		func() *queryset.QuerySet { return r.findInParents(node, modelName) },
		func() *queryset.QuerySet { return r.findInAllPaths(modelName) },
	} {
		if qs := find(); qs != nil {
			return qs, nil
		}
	}
	return nil, &CannotFindError{Model: modelName, Path: path}
}

// FindQuerySetForNested searches only the ancestors of path and their
// siblings.
func (r *Resolver) FindQuerySetForNested(modelName, path string) (*queryset.QuerySet, error) {
	node := r.tree.Node(path)
	if node == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPath, path)
	}
	if qs := r.findInParents(node, modelName); qs != nil {
		return qs, nil
	}
	return nil, &CannotFindError{Model: modelName, Path: path}
}

func (r *Resolver) findInParents(node *Node, modelName string) *queryset.QuerySet {
	for parent := range node.Parents() {
		if qs := checkView(parent.View, modelName); qs != nil {
			return qs
		}
		if qs := findIn(parent.Siblings(), modelName); qs != nil {
			return qs
		}
	}
	return nil
}

func (r *Resolver) findInAllPaths(modelName string) *queryset.QuerySet {
	for _, v := range r.tree.Views() {
		if qs := checkView(v, modelName); qs != nil {
			return qs
		}
	}
	return nil
}

func findIn(nodes iter.Seq[*Node], modelName string) *queryset.QuerySet {
	for n := range nodes {
		if qs := checkView(n.View, modelName); qs != nil {
			return qs
		}
	}
	return nil
}

// checkView returns a clone of the view's QuerySet when it lists modelName.
// A deep nested view answers with its parent's QuerySet.
func checkView(v *View, modelName string) *queryset.QuerySet {
	if v == nil || v.Kind != KindList {
		return nil
	}
	m, ok := v.ListModel()
	if !ok || m.Name() != modelName {
		return nil
	}
	if v.DeepNestedParent != nil && v.DeepNestedParent.Objects != nil {
		return v.DeepNestedParent.Objects.All()
	}
	return v.Objects.All()
}

// Binding ties a reference field to the QuerySet holding its targets.
type Binding struct {
	Field     string
	Reference field.Reference
	QuerySet  *queryset.QuerySet
	// Disabled is set when no QuerySet serves the referenced model.
	Disabled bool
}

// BindReferences resolves the target QuerySet of every reference field of m
// as seen from path. Unresolvable references produce disabled bindings.
func (r *Resolver) BindReferences(m *entity.Model, path string) []Binding {
	key := bindingKey{model: m.Name(), path: path}
	r.mu.Lock()
	cached, ok := r.bindings[key]
	r.mu.Unlock()
	if ok {
		return cached
	}

	var bindings []Binding
	for _, f := range m.Fields() {
		ref, ok := f.Reference()
		if !ok {
			continue
		}
		b := Binding{Field: f.Name, Reference: *ref}
		qs, err := r.FindQuerySet(ref.Model, path)
		if err != nil {
			r.logger.Warn("reference binding disabled",
				zap.String("model", m.Name()),
				zap.String("field", f.Name),
				zap.String("target", ref.Model),
				zap.String("path", path),
				zap.Error(err),
			)
			b.Disabled = true
		} else {
			b.QuerySet = qs.WithoutPrefetch()
		}
		bindings = append(bindings, b)
	}

	r.mu.Lock()
	r.bindings[key] = bindings
	r.mu.Unlock()
	return bindings
}

type pathPrefetcher struct {
	resolver *Resolver
	path     string
}

func (p *pathPrefetcher) Prefetch(ctx context.Context, instances []*entity.Instance) error {
	if len(instances) == 0 {
		return nil
	}
	return p.resolver.Prefetch(ctx, instances, p.resolver.BindReferences(instances[0].Model(), p.path))
}

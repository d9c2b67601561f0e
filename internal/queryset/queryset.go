// Package queryset provides immutable handles on API collections and the
// operations that read and write their entities.
package queryset

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/pitabwire/qset/internal/bulk"
	"github.com/pitabwire/qset/internal/entity"
	"github.com/pitabwire/qset/model"
)

// ErrNoModel is returned when no model is configured for an operation and
// none of its fallbacks.
var ErrNoModel = errors.New("queryset: no model configured")

// Transport sends requests to the API.
type Transport interface {
	MakeRequest(ctx context.Context, req model.Request) (model.Response, error)
	SendBulk(ctx context.Context, ops []bulk.Operation, typ bulk.Type) ([]bulk.Result, error)
}

// Prefetcher loads entities referenced by freshly fetched instances.
type Prefetcher interface {
	Prefetch(ctx context.Context, instances []*entity.Instance) error
}

// Pair holds the request and response model of one operation.
type Pair struct {
	Request  *entity.Model
	Response *entity.Model
}

// Single returns a pair using m in both directions.
func Single(m *entity.Model) Pair {
	return Pair{Request: m, Response: m}
}

// Models is the per-operation model table of a QuerySet.
type Models map[model.RequestType]Pair

// FallbackChain returns the request types consulted, in order, when looking
// up the model of t.
func FallbackChain(t model.RequestType) []model.RequestType {
	switch t {
	case model.RequestPartialUpdate:
		return []model.RequestType{model.RequestPartialUpdate, model.RequestUpdate, model.RequestCreate, model.RequestRetrieve, model.RequestList}
	case model.RequestUpdate:
		return []model.RequestType{model.RequestUpdate, model.RequestCreate, model.RequestRetrieve, model.RequestList}
	case model.RequestCreate:
		return []model.RequestType{model.RequestCreate, model.RequestRetrieve, model.RequestList}
	case model.RequestRetrieve:
		return []model.RequestType{model.RequestRetrieve, model.RequestList}
	default:
		return []model.RequestType{t}
	}
}

// Lookup returns the model serving t, walking the fallback chain. response
// selects the response model over the request model.
func (m Models) Lookup(t model.RequestType, response bool) (*entity.Model, bool) {
	for _, rt := range FallbackChain(t) {
		pair, ok := m[rt]
		if !ok {
			continue
		}
		if response && pair.Response != nil {
			return pair.Response, true
		}
		if !response && pair.Request != nil {
			return pair.Request, true
		}
	}
	return nil, false
}

// InstancesList is the result of a list fetch.
type InstancesList struct {
	Items []*entity.Instance
	// Extra holds every top-level response key except "results".
	Extra map[string]any
	// Total duplicates Extra["count"].
	Total int
}

// Len returns the number of fetched items.
func (l *InstancesList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.Items)
}

// QuerySet is an immutable handle on one collection endpoint. Every
// derivation returns a new value; the original is never changed.
type QuerySet struct {
	pattern    string
	models     Models
	query      map[string]any
	pathParams map[string]any

	transport  Transport
	prefetcher Prefetcher
	prefetch   bool
	logger     *zap.Logger

	cache atomic.Pointer[InstancesList]
}

// Option configures a QuerySet.
type Option func(*QuerySet)

// WithQuery sets the initial filters.
func WithQuery(query map[string]any) Option {
	return func(qs *QuerySet) { qs.query = deepMerge(nil, query) }
}

// WithPathParams sets values for the {param} placeholders of the pattern.
func WithPathParams(params map[string]any) Option {
	return func(qs *QuerySet) { qs.pathParams = maps.Clone(params) }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(qs *QuerySet) { qs.logger = l }
}

// WithPrefetch installs a prefetcher run on fetched instances. A nil
// prefetcher disables prefetching.
func WithPrefetch(p Prefetcher) Option {
	return func(qs *QuerySet) {
		qs.prefetcher = p
		qs.prefetch = p != nil
	}
}

// New creates a QuerySet for a URL pattern such as "user/{id}/group/".
func New(pattern string, models Models, transport Transport, opts ...Option) *QuerySet {
	qs := &QuerySet{
		pattern:   pattern,
		models:    models,
		transport: transport,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(qs)
	}
	if qs.query == nil {
		qs.query = map[string]any{}
	}
	return qs
}

// Pattern returns the URL pattern with its placeholders.
func (qs *QuerySet) Pattern() string { return qs.pattern }

// Models returns the model table.
func (qs *QuerySet) Models() Models { return qs.models }

// Query returns a copy of the current filters.
func (qs *QuerySet) Query() map[string]any { return deepMerge(nil, qs.query) }

// PrefetchEnabled reports whether fetched instances are prefetched.
func (qs *QuerySet) PrefetchEnabled() bool { return qs.prefetch }

// URL returns the pattern with bound path parameters substituted.
func (qs *QuerySet) URL() string {
	u := qs.pattern
	for name, value := range qs.pathParams {
		if value == nil {
			continue
		}
		u = strings.ReplaceAll(u, "{"+name+"}", fmt.Sprint(value))
	}
	return u
}

// DataType returns the URL split into path segments.
func (qs *QuerySet) DataType() []string {
	return model.SplitPath(qs.URL())
}

// Model returns the response model of t, following the fallback chain.
func (qs *QuerySet) Model(t model.RequestType) (*entity.Model, error) {
	return qs.lookup(t, true)
}

// RequestModel returns the request model of t, following the fallback chain.
func (qs *QuerySet) RequestModel(t model.RequestType) (*entity.Model, error) {
	return qs.lookup(t, false)
}

func (qs *QuerySet) lookup(t model.RequestType, response bool) (*entity.Model, error) {
	m, ok := qs.models.Lookup(t, response)
	if !ok {
		kind := "request"
		if response {
			kind = "response"
		}
		return nil, fmt.Errorf("%w: no %s model for operation %s on path %s", ErrNoModel, kind, t, qs.URL())
	}
	return m, nil
}

// --- derivations ---

// Overrides lists the fields replaced by Clone. Nil fields are kept.
type Overrides struct {
	Pattern    *string
	Models     Models
	Query      map[string]any
	PathParams map[string]any
	Prefetch   *bool
}

// Clone returns a copy with the given overrides applied. The cached list is
// carried over only when keepCache is set.
func (qs *QuerySet) Clone(o Overrides, keepCache bool) *QuerySet {
	clone := &QuerySet{
		pattern:    qs.pattern,
		models:     qs.models,
		query:      deepMerge(nil, qs.query),
		pathParams: maps.Clone(qs.pathParams),
		transport:  qs.transport,
		prefetcher: qs.prefetcher,
		prefetch:   qs.prefetch,
		logger:     qs.logger,
	}
	if o.Pattern != nil {
		clone.pattern = *o.Pattern
	}
	if o.Models != nil {
		clone.models = o.Models
	}
	if o.Query != nil {
		clone.query = deepMerge(nil, o.Query)
	}
	if o.PathParams != nil {
		clone.pathParams = maps.Clone(o.PathParams)
	}
	if o.Prefetch != nil {
		clone.prefetch = *o.Prefetch && qs.prefetcher != nil
	}
	if keepCache {
		clone.cache.Store(qs.cache.Load())
	}
	return clone
}

// Copy returns a clone that keeps the cached list.
func (qs *QuerySet) Copy() *QuerySet {
	return qs.Clone(Overrides{}, true)
}

// All returns a fresh clone with the current filters.
func (qs *QuerySet) All() *QuerySet {
	return qs.Clone(Overrides{}, false)
}

// Filter returns a QuerySet with filters merged into the current ones.
func (qs *QuerySet) Filter(filters map[string]any) *QuerySet {
	return qs.Clone(Overrides{Query: deepMerge(qs.query, filters)}, false)
}

// Exclude returns a QuerySet with negated filters merged in. Keys are
// suffixed with "__not" unless they already contain it.
func (qs *QuerySet) Exclude(filters map[string]any) *QuerySet {
	negated := make(map[string]any, len(filters))
	for k, v := range filters {
		if !strings.Contains(k, "__not") {
			k += "__not"
		}
		negated[k] = v
	}
	return qs.Filter(negated)
}

// FormatPath returns a QuerySet with path parameter values bound.
func (qs *QuerySet) FormatPath(values map[string]any) *QuerySet {
	params := maps.Clone(qs.pathParams)
	if params == nil {
		params = make(map[string]any, len(values))
	}
	maps.Copy(params, values)
	return qs.Clone(Overrides{PathParams: params}, false)
}

// WithoutPrefetch returns a clone that does not prefetch references.
func (qs *QuerySet) WithoutPrefetch() *QuerySet {
	off := false
	return qs.Clone(Overrides{Prefetch: &off}, false)
}

// WithPrefetcher returns a clone that runs p on fetched instances.
func (qs *QuerySet) WithPrefetcher(p Prefetcher) *QuerySet {
	clone := qs.Clone(Overrides{}, false)
	clone.prefetcher = p
	clone.prefetch = p != nil
	return clone
}

// Cached returns the cached list, if any.
func (qs *QuerySet) Cached() (*InstancesList, bool) {
	l := qs.cache.Load()
	return l, l != nil
}

// ClearCache drops the cached list.
func (qs *QuerySet) ClearCache() {
	qs.cache.Store(nil)
}

// EncodeQuery renders filters as URL values. Lists are joined with commas.
func EncodeQuery(query map[string]any) url.Values {
	values := make(url.Values, len(query))
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := query[k]; v != nil {
			values.Set(k, formatQueryValue(v))
		}
	}
	return values
}

func formatQueryValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []string:
		return strings.Join(t, ",")
	case []any:
		parts := make([]string, len(t))
		for i, item := range t {
			parts[i] = formatQueryValue(item)
		}
		return strings.Join(parts, ",")
	case float64:
		return formatKey(t)
	default:
		return fmt.Sprint(t)
	}
}

// deepMerge returns a new map with src merged over dst. Nested maps merge
// recursively.
func deepMerge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = copyValue(v)
	}
	for k, v := range src {
		if sm, ok := v.(map[string]any); ok {
			if dm, ok := out[k].(map[string]any); ok {
				out[k] = deepMerge(dm, sm)
				continue
			}
		}
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepMerge(nil, t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}

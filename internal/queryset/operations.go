package queryset

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/qset/internal/bulk"
	"github.com/pitabwire/qset/internal/entity"
	"github.com/pitabwire/qset/internal/observability"
	"github.com/pitabwire/qset/model"
)

// PurgeHeader asks the server to remove nested data along with an entity.
const PurgeHeader = "X-Purge-Nested"

// Get fetches the entity with the given key.
func (qs *QuerySet) Get(ctx context.Context, key any) (*entity.Instance, error) {
	ctx, span := qs.startSpan(ctx, "get")
	inst, err := qs.get(ctx, key)
	observability.EndSpanWithError(span, err)
	return inst, err
}

func (qs *QuerySet) get(ctx context.Context, key any) (*entity.Instance, error) {
	retrieve, err := qs.Model(model.RequestRetrieve)
	if err != nil {
		return nil, err
	}
	list, err := qs.Model(model.RequestList)
	if err != nil {
		return nil, err
	}

	var data map[string]any
	if retrieve != list && retrieve.ShouldUseBulk(http.MethodGet) && retrieve.PkField() != nil {
		pk := retrieve.PkField().Name
		query := deepMerge(qs.query, map[string]any{pk: key, "limit": 1})
		data, err = qs.lookupByReference(ctx, retrieve, query, key)
	} else {
		var resp model.Response
		resp, err = qs.execute(ctx, model.Request{
			Method:  http.MethodGet,
			Path:    qs.detailPath(key),
			Query:   EncodeQuery(qs.query),
			UseBulk: retrieve.ShouldUseBulk(http.MethodGet),
		})
		if err == nil {
			data, err = objectData(resp.Data)
		}
	}
	if err != nil {
		return nil, err
	}

	inst := retrieve.New(data, entity.WithSource(qs))
	qs.runPrefetch(ctx, []*entity.Instance{inst})
	return inst, nil
}

// GetOne fetches the single entity matching the current filters.
func (qs *QuerySet) GetOne(ctx context.Context) (*entity.Instance, error) {
	ctx, span := qs.startSpan(ctx, "get_one")
	inst, err := qs.getOne(ctx)
	observability.EndSpanWithError(span, err)
	return inst, err
}

func (qs *QuerySet) getOne(ctx context.Context) (*entity.Instance, error) {
	retrieve, err := qs.Model(model.RequestRetrieve)
	if err != nil {
		return nil, err
	}
	list, err := qs.Model(model.RequestList)
	if err != nil {
		return nil, err
	}

	if retrieve != list && retrieve.ShouldUseBulk(http.MethodGet) && retrieve.PkField() != nil {
		data, err := qs.lookupByReference(ctx, retrieve, deepMerge(qs.query, map[string]any{"limit": 1}), nil)
		if err != nil {
			return nil, err
		}
		inst := retrieve.New(data, entity.WithSource(qs))
		qs.runPrefetch(ctx, []*entity.Instance{inst})
		return inst, nil
	}

	items, err := qs.Filter(map[string]any{"limit": 1}).Items(ctx, true)
	if err != nil {
		return nil, err
	}
	if items.Total > 1 {
		return nil, &model.MultipleResultsError{Model: retrieve.Name(), Count: items.Total}
	}
	if items.Len() == 0 {
		return nil, &model.NotFoundError{Model: retrieve.Name()}
	}
	if retrieve == list {
		return items.Items[0], nil
	}
	return qs.Get(ctx, items.Items[0].PkValue())
}

// lookupByReference runs a filtered list and a detail read addressed by the
// first listed key in one batch. key is reported in errors only.
func (qs *QuerySet) lookupByReference(ctx context.Context, retrieve *entity.Model, query map[string]any, key any) (map[string]any, error) {
	pk := retrieve.PkField().Name
	path := qs.DataType()
	results, err := qs.transport.SendBulk(ctx, []bulk.Operation{
		{Method: http.MethodGet, Path: bulk.Path(path), Query: EncodeQuery(query)},
		{Method: http.MethodGet, Path: bulk.Path(path, bulk.Ref(0, "data", "results", "0", pk))},
	}, bulk.Simple)
	if err != nil {
		return nil, err
	}
	if err := checkResult(results[0], path); err != nil {
		return nil, err
	}

	listing, err := objectData(results[0].Data)
	if err != nil {
		return nil, err
	}
	count := countOf(listing)
	if count > 1 && key == nil {
		return nil, &model.MultipleResultsError{Model: retrieve.Name(), Count: count}
	}
	if count == 0 {
		return nil, &model.NotFoundError{Model: retrieve.Name(), Key: key}
	}

	if err := checkResult(results[1], path); err != nil {
		return nil, err
	}
	return objectData(results[1].Data)
}

// Items fetches the list matching the current filters. With invalidateCache
// false a previously fetched list is returned without a request.
func (qs *QuerySet) Items(ctx context.Context, invalidateCache bool) (*InstancesList, error) {
	if !invalidateCache {
		if cached, ok := qs.Cached(); ok {
			return cached, nil
		}
	}

	ctx, span := qs.startSpan(ctx, "items")
	list, err := qs.items(ctx)
	observability.EndSpanWithError(span, err)
	if err != nil {
		return nil, err
	}
	qs.cache.Store(list)
	return list, nil
}

func (qs *QuerySet) items(ctx context.Context) (*InstancesList, error) {
	listModel, err := qs.Model(model.RequestList)
	if err != nil {
		return nil, err
	}

	resp, err := qs.execute(ctx, model.Request{
		Method:  http.MethodGet,
		Path:    qs.DataType(),
		Query:   EncodeQuery(qs.query),
		UseBulk: listModel.ShouldUseBulk(http.MethodGet),
	})
	if err != nil {
		return nil, err
	}
	data, err := objectData(resp.Data)
	if err != nil {
		return nil, err
	}

	rows, _ := data["results"].([]any)
	list := &InstancesList{
		Items: make([]*entity.Instance, 0, len(rows)),
		Extra: make(map[string]any, len(data)),
	}
	for _, row := range rows {
		item, ok := row.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("queryset: list item of %s is %T, want object", qs.URL(), row)
		}
		list.Items = append(list.Items, listModel.New(item, entity.WithSource(qs)))
	}
	for k, v := range data {
		if k != "results" {
			list.Extra[k] = v
		}
	}
	list.Total = countOf(data)

	qs.runPrefetch(ctx, list.Items)
	return list, nil
}

// Create sends a new entity. method defaults to POST.
func (qs *QuerySet) Create(ctx context.Context, inst *entity.Instance, method string) (*entity.Instance, error) {
	if method == "" {
		method = http.MethodPost
	}
	ctx, span := qs.startSpan(ctx, "create")
	out, err := qs.create(ctx, inst, method)
	observability.EndSpanWithError(span, err)
	return out, err
}

func (qs *QuerySet) create(ctx context.Context, inst *entity.Instance, method string) (*entity.Instance, error) {
	createModel, err := qs.RequestModel(model.RequestCreate)
	if err != nil {
		return nil, err
	}
	if err := checkModel(createModel, inst); err != nil {
		return nil, err
	}
	retrieve, err := qs.Model(model.RequestRetrieve)
	if err != nil {
		return nil, err
	}

	path := qs.DataType()
	if createModel != retrieve &&
		createModel.ShouldUseBulk(method) &&
		retrieve.ShouldUseBulk(http.MethodGet) &&
		retrieve.PkField() != nil {
		results, err := qs.transport.SendBulk(ctx, []bulk.Operation{
			{Method: method, Path: bulk.Path(path), Data: inst.InnerData()},
			{Method: http.MethodGet, Path: bulk.Path(path, bulk.Ref(0, "data", retrieve.PkField().Name))},
		}, bulk.Simple)
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			if err := checkResult(r, path); err != nil {
				return nil, err
			}
		}
		data, err := objectData(results[1].Data)
		if err != nil {
			return nil, err
		}
		return retrieve.New(data, entity.WithSource(qs)), nil
	}

	resp, err := qs.execute(ctx, model.Request{
		Method:  method,
		Path:    path,
		Query:   EncodeQuery(qs.query),
		Data:    inst.InnerData(),
		UseBulk: createModel.ShouldUseBulk(method),
	})
	if err != nil {
		return nil, err
	}
	data, err := objectData(resp.Data)
	if err != nil {
		return nil, err
	}
	created := createModel.New(data, entity.WithSource(qs))
	if createModel == retrieve {
		return created, nil
	}
	return qs.Get(ctx, created.PkValue())
}

// Update writes the data of inst, optionally restricted to fields, to every
// target. Nil targets update every entity of the current list. method
// defaults to PATCH.
func (qs *QuerySet) Update(ctx context.Context, inst *entity.Instance, targets []*entity.Instance, method string, fields []string) ([]*entity.Instance, error) {
	if method == "" {
		method = http.MethodPatch
	}
	ctx, span := qs.startSpan(ctx, "update")
	out, err := qs.update(ctx, inst, targets, method, fields)
	observability.EndSpanWithError(span, err)
	return out, err
}

func (qs *QuerySet) update(ctx context.Context, inst *entity.Instance, targets []*entity.Instance, method string, fields []string) ([]*entity.Instance, error) {
	if targets == nil {
		list, err := qs.Items(ctx, true)
		if err != nil {
			return nil, err
		}
		targets = list.Items
	}

	requestType := model.RequestUpdate
	if method == http.MethodPatch {
		requestType = model.RequestPartialUpdate
	}
	updateModel, err := qs.RequestModel(requestType)
	if err != nil {
		return nil, err
	}
	retrieve, err := qs.Model(model.RequestRetrieve)
	if err != nil {
		return nil, err
	}
	if err := checkModel(updateModel, inst); err != nil {
		return nil, err
	}

	data := inst.InnerData(fields...)
	out := make([]*entity.Instance, 0, len(targets))

	if updateModel != retrieve && updateModel.ShouldUseBulk(method) && retrieve.ShouldUseBulk(http.MethodGet) {
		ops := make([]bulk.Operation, 0, len(targets)*2)
		for _, target := range targets {
			path := bulk.Path(qs.detailPath(target.PkValue()))
			ops = append(ops,
				bulk.Operation{Method: method, Path: path, Data: data},
				bulk.Operation{Method: http.MethodGet, Path: path},
			)
		}
		results, err := qs.transport.SendBulk(ctx, ops, bulk.Transactional)
		if err != nil {
			return nil, err
		}
		for i, r := range results {
			if err := checkResult(r, qs.DataType()); err != nil {
				return nil, err
			}
			if i%2 == 0 {
				continue
			}
			item, err := objectData(r.Data)
			if err != nil {
				return nil, err
			}
			out = append(out, retrieve.New(item, entity.WithSource(qs)))
		}
		return out, nil
	}

	for _, target := range targets {
		resp, err := qs.execute(ctx, model.Request{
			Method:  method,
			Path:    qs.detailPath(target.PkValue()),
			Query:   EncodeQuery(qs.query),
			Data:    data,
			UseBulk: updateModel.ShouldUseBulk(method),
		})
		if err != nil {
			return nil, err
		}
		item, err := objectData(resp.Data)
		if err != nil {
			return nil, err
		}
		out = append(out, updateModel.New(item, entity.WithSource(qs)))
	}
	return out, nil
}

// Delete removes every target. Nil targets delete every entity of the
// current list. purge also removes nested data.
func (qs *QuerySet) Delete(ctx context.Context, targets []*entity.Instance, purge bool) ([]model.Response, error) {
	ctx, span := qs.startSpan(ctx, "delete")
	out, err := qs.delete(ctx, targets, purge)
	observability.EndSpanWithError(span, err)
	return out, err
}

func (qs *QuerySet) delete(ctx context.Context, targets []*entity.Instance, purge bool) ([]model.Response, error) {
	if targets == nil {
		list, err := qs.Items(ctx, true)
		if err != nil {
			return nil, err
		}
		targets = list.Items
	}

	useBulk := true
	if retrieve, ok := qs.models.Lookup(model.RequestRetrieve, true); ok {
		useBulk = retrieve.ShouldUseBulk(http.MethodDelete)
	}
	var headers map[string]string
	if purge {
		headers = map[string]string{PurgeHeader: "true"}
	}

	out := make([]model.Response, 0, len(targets))
	for _, target := range targets {
		resp, err := qs.execute(ctx, model.Request{
			Method:  http.MethodDelete,
			Path:    qs.detailPath(target.PkValue()),
			Headers: headers,
			UseBulk: useBulk,
		})
		if err != nil {
			return out, err
		}
		out = append(out, resp)
	}
	return out, nil
}

// Save creates inst when it has no primary key and updates it otherwise.
func (qs *QuerySet) Save(ctx context.Context, inst *entity.Instance) (*entity.Instance, error) {
	if isEmptyKey(inst.PkValue()) {
		return qs.Create(ctx, inst, http.MethodPost)
	}
	updated, err := qs.Update(ctx, inst, []*entity.Instance{inst}, http.MethodPatch, nil)
	if err != nil {
		return nil, err
	}
	return updated[0], nil
}

// --- helpers ---

func (qs *QuerySet) execute(ctx context.Context, req model.Request) (model.Response, error) {
	qs.logger.Debug("queryset request",
		zap.String("method", req.Method),
		zap.String("path", req.PathString()),
		zap.Bool("bulk", req.UseBulk),
	)
	return qs.transport.MakeRequest(ctx, req)
}

func (qs *QuerySet) runPrefetch(ctx context.Context, instances []*entity.Instance) {
	if !qs.prefetch || qs.prefetcher == nil || len(instances) == 0 {
		return
	}
	if err := qs.prefetcher.Prefetch(ctx, instances); err != nil {
		qs.logger.Warn("prefetch of related entities failed",
			zap.String("path", qs.URL()),
			zap.Error(err),
		)
	}
}

func (qs *QuerySet) startSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{observability.AttrPath.String(qs.URL())}
	if m, err := qs.Model(model.RequestList); err == nil {
		attrs = append(attrs, observability.AttrModel.String(m.Name()))
	}
	return observability.StartSpan(ctx, "qset.queryset."+op, attrs...)
}

func (qs *QuerySet) detailPath(key any) []string {
	return append(qs.DataType(), FormatKey(key))
}

func checkModel(expected *entity.Model, inst *entity.Instance) error {
	if inst.Model() != expected {
		return &model.WrongModelError{Expected: expected.Name(), Actual: inst.Model().Name()}
	}
	return nil
}

func checkResult(r bulk.Result, path []string) error {
	if r.OK() {
		return nil
	}
	p := r.Path
	if p == "" {
		p = model.JoinPath(path)
	}
	return &model.TransportError{Status: r.Status, Payload: r.Data, Method: r.Method, Path: p}
}

func objectData(data any) (map[string]any, error) {
	switch d := data.(type) {
	case map[string]any:
		return d, nil
	case nil:
		return map[string]any{}, nil
	default:
		return nil, fmt.Errorf("queryset: response data is %T, want object", data)
	}
}

func countOf(data map[string]any) int {
	switch c := data["count"].(type) {
	case float64:
		return int(c)
	case int:
		return c
	case int64:
		return int(c)
	}
	if rows, ok := data["results"].([]any); ok {
		return len(rows)
	}
	return 0
}

// FormatKey renders an entity key as a path segment or filter value.
func FormatKey(key any) string {
	switch k := key.(type) {
	case string:
		return k
	case float64:
		return formatKey(k)
	default:
		return fmt.Sprint(k)
	}
}

func formatKey(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func isEmptyKey(v any) bool {
	switch k := v.(type) {
	case nil:
		return true
	case string:
		return k == ""
	}
	return false
}

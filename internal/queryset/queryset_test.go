package queryset

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/qset/internal/bulk"
	"github.com/pitabwire/qset/internal/entity"
	"github.com/pitabwire/qset/internal/field"
	"github.com/pitabwire/qset/model"
)

// fakeTransport records calls and answers them with the configured funcs.
type fakeTransport struct {
	mu        sync.Mutex
	requests  []model.Request
	batches   [][]bulk.Operation
	types     []bulk.Type
	onRequest func(model.Request) (model.Response, error)
	onBulk    func([]bulk.Operation, bulk.Type) ([]bulk.Result, error)
}

func (f *fakeTransport) MakeRequest(_ context.Context, req model.Request) (model.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.onRequest == nil {
		return model.Response{Status: http.StatusOK}, nil
	}
	return f.onRequest(req)
}

func (f *fakeTransport) SendBulk(_ context.Context, ops []bulk.Operation, typ bulk.Type) ([]bulk.Result, error) {
	f.mu.Lock()
	f.batches = append(f.batches, ops)
	f.types = append(f.types, typ)
	f.mu.Unlock()
	if f.onBulk == nil {
		return nil, errors.New("unexpected bulk")
	}
	return f.onBulk(ops, typ)
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests) + len(f.batches)
}

type testModels struct {
	list, detail, create *entity.Model
}

func newTestModels(opts entity.Options) testModels {
	id := field.New("id", "integer")
	id.ReadOnly = true
	username := field.New("username", "string")
	list := entity.NewModel("OneUserList", []*field.Field{id, username}, opts)
	detail := list.Extend("OneUser", []*field.Field{field.New("email", "string")}, entity.Options{})
	create := entity.NewModel("CreateUser", []*field.Field{field.New("username", "string"), field.New("email", "string")}, opts)
	return testModels{list: list, detail: detail, create: create}
}

func (m testModels) table() Models {
	return Models{
		model.RequestList:     Single(m.list),
		model.RequestRetrieve: Single(m.detail),
		model.RequestCreate:   {Request: m.create, Response: m.detail},
	}
}

func listResponse(rows ...map[string]any) map[string]any {
	results := make([]any, len(rows))
	for i, r := range rows {
		results[i] = r
	}
	return map[string]any{
		"count":    float64(len(rows)),
		"next":     nil,
		"previous": nil,
		"results":  results,
	}
}

func encodedPaths(t *testing.T, ops []bulk.Operation) []string {
	t.Helper()
	descs, err := bulk.Encode(ops)
	require.NoError(t, err)
	out := make([]string, len(descs))
	for i, d := range descs {
		out[i] = d.Path.String()
	}
	return out
}

// --- model table ---

func TestFallbackChain(t *testing.T) {
	tests := []struct {
		in   model.RequestType
		want []model.RequestType
	}{
		{model.RequestPartialUpdate, []model.RequestType{"partial_update", "update", "create", "retrieve", "list"}},
		{model.RequestUpdate, []model.RequestType{"update", "create", "retrieve", "list"}},
		{model.RequestCreate, []model.RequestType{"create", "retrieve", "list"}},
		{model.RequestRetrieve, []model.RequestType{"retrieve", "list"}},
		{model.RequestList, []model.RequestType{"list"}},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, FallbackChain(tt.in)); diff != "" {
			t.Errorf("FallbackChain(%s) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestModels_Lookup(t *testing.T) {
	m := newTestModels(entity.Options{})
	qs := New("user/", m.table(), &fakeTransport{})

	got, err := qs.RequestModel(model.RequestPartialUpdate)
	require.NoError(t, err)
	assert.Same(t, m.create, got, "partial_update request model falls back to create")

	got, err = qs.Model(model.RequestUpdate)
	require.NoError(t, err)
	assert.Same(t, m.detail, got, "update response model falls back to create's response")

	empty := New("user/", Models{}, &fakeTransport{})
	_, err = empty.Model(model.RequestRetrieve)
	assert.ErrorIs(t, err, ErrNoModel)
}

// --- derivations ---

func TestQuerySet_FilterIsImmutable(t *testing.T) {
	qs1 := New("user/", newTestModels(entity.Options{}).table(), &fakeTransport{}, WithQuery(map[string]any{"a": "1"}))
	qs2 := qs1.Filter(map[string]any{"x": 1})

	if qs1 == qs2 {
		t.Fatal("Filter returned the same QuerySet")
	}
	if diff := cmp.Diff(map[string]any{"a": "1"}, qs1.Query()); diff != "" {
		t.Errorf("original query changed (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]any{"a": "1", "x": 1}, qs2.Query()); diff != "" {
		t.Errorf("filtered query mismatch (-want +got):\n%s", diff)
	}
}

func TestQuerySet_FilterDeepMerges(t *testing.T) {
	qs := New("user/", Models{}, &fakeTransport{}, WithQuery(map[string]any{"n": map[string]any{"a": 1}}))
	got := qs.Filter(map[string]any{"n": map[string]any{"b": 2}}).Query()
	want := map[string]any{"n": map[string]any{"a": 1, "b": 2}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("deep merge mismatch (-want +got):\n%s", diff)
	}
}

func TestQuerySet_Exclude(t *testing.T) {
	qs := New("user/", Models{}, &fakeTransport{}).Exclude(map[string]any{"name": "bob", "id__not": 3})
	want := map[string]any{"name__not": "bob", "id__not": 3}
	if diff := cmp.Diff(want, qs.Query()); diff != "" {
		t.Errorf("Exclude mismatch (-want +got):\n%s", diff)
	}
}

func TestQuerySet_FormatPath(t *testing.T) {
	qs := New("user/{id}/group/{group_id}/", Models{}, &fakeTransport{})
	bound := qs.FormatPath(map[string]any{"id": 5}).FormatPath(map[string]any{"group_id": "g1"})

	if got := qs.URL(); got != "user/{id}/group/{group_id}/" {
		t.Errorf("original URL = %q", got)
	}
	if got := bound.URL(); got != "user/5/group/g1/" {
		t.Errorf("URL() = %q, want user/5/group/g1/", got)
	}
	if diff := cmp.Diff([]string{"user", "5", "group", "g1"}, bound.DataType()); diff != "" {
		t.Errorf("DataType mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeQuery(t *testing.T) {
	got := EncodeQuery(map[string]any{
		"id":    []any{float64(1), float64(2)},
		"limit": 3,
		"name":  "bob",
		"skip":  nil,
		"score": 1.5,
	})
	if got.Encode() != "id=1%2C2&limit=3&name=bob&score=1.5" {
		t.Errorf("EncodeQuery() = %q", got.Encode())
	}
}

// --- items ---

func TestQuerySet_Items(t *testing.T) {
	m := newTestModels(entity.Options{})
	tr := &fakeTransport{onRequest: func(req model.Request) (model.Response, error) {
		return model.Response{Status: 200, Data: listResponse(
			map[string]any{"id": float64(1), "username": "alice"},
			map[string]any{"id": float64(2), "username": "bob"},
		)}, nil
	}}
	qs := New("user/", m.table(), tr, WithQuery(map[string]any{"limit": 20}))

	list, err := qs.Items(context.Background(), true)
	require.NoError(t, err)

	require.Len(t, tr.requests, 1)
	req := tr.requests[0]
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, []string{"user"}, req.Path)
	assert.Equal(t, "limit=20", req.Query.Encode())
	assert.True(t, req.UseBulk)

	require.Equal(t, 2, list.Len())
	assert.Same(t, m.list, list.Items[0].Model())
	assert.Equal(t, "bob", list.Items[1].Value("username"))
	assert.Equal(t, 2, list.Total)
	assert.Equal(t, map[string]any{"count": float64(2), "next": nil, "previous": nil}, list.Extra)
}

func TestQuerySet_ItemsCache(t *testing.T) {
	tr := &fakeTransport{onRequest: func(model.Request) (model.Response, error) {
		return model.Response{Status: 200, Data: listResponse()}, nil
	}}
	qs := New("user/", newTestModels(entity.Options{}).table(), tr)

	first, err := qs.Items(context.Background(), false)
	require.NoError(t, err)
	second, err := qs.Items(context.Background(), false)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, tr.calls())

	copied, _ := qs.Copy().Cached()
	assert.Same(t, first, copied, "Copy keeps the cache")
	_, ok := qs.Clone(Overrides{}, false).Cached()
	assert.False(t, ok, "Clone drops the cache")

	_, err = qs.Items(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 2, tr.calls())
}

func TestQuerySet_ItemsTransportError(t *testing.T) {
	tr := &fakeTransport{onRequest: func(model.Request) (model.Response, error) {
		return model.Response{Status: 403}, &model.TransportError{Status: 403, Method: "GET", Path: "user/"}
	}}
	qs := New("user/", newTestModels(entity.Options{}).table(), tr)

	_, err := qs.Items(context.Background(), true)
	status, ok := model.IsTransport(err)
	assert.True(t, ok)
	assert.Equal(t, 403, status)
}

// --- get ---

func TestQuerySet_GetDirectWhenModelsMatch(t *testing.T) {
	m := newTestModels(entity.Options{})
	tr := &fakeTransport{onRequest: func(req model.Request) (model.Response, error) {
		return model.Response{Status: 200, Data: map[string]any{"id": float64(1), "username": "alice"}}, nil
	}}
	qs := New("user/", Models{model.RequestList: Single(m.list)}, tr)

	inst, err := qs.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Same(t, m.list, inst.Model())
	assert.Equal(t, []string{"user", "1"}, tr.requests[0].Path)
	assert.Same(t, qs, inst.Source())
}

func TestQuerySet_GetTwoStepWhenModelsDiffer(t *testing.T) {
	m := newTestModels(entity.Options{})
	tr := &fakeTransport{onBulk: func(ops []bulk.Operation, typ bulk.Type) ([]bulk.Result, error) {
		return []bulk.Result{
			{Status: 200, Data: listResponse(map[string]any{"id": float64(7), "username": "bob"})},
			{Status: 200, Data: map[string]any{"id": float64(7), "username": "bob", "email": "b@x.io"}},
		}, nil
	}}
	qs := New("user/", m.table(), tr)

	inst, err := qs.Get(context.Background(), 7)
	require.NoError(t, err)
	assert.Same(t, m.detail, inst.Model())
	assert.Equal(t, "b@x.io", inst.Value("email"))

	require.Len(t, tr.batches, 1)
	assert.Empty(t, tr.requests)
	assert.Equal(t, bulk.Simple, tr.types[0])
	ops := tr.batches[0]
	assert.Equal(t, "id=7&limit=1", ops[0].Query.Encode())
	assert.Equal(t, []string{"user/", "user/<<0[data][results][0][id]>>/"}, encodedPaths(t, ops))
}

func TestQuerySet_GetTwoStepNotFound(t *testing.T) {
	m := newTestModels(entity.Options{})
	tr := &fakeTransport{onBulk: func([]bulk.Operation, bulk.Type) ([]bulk.Result, error) {
		return []bulk.Result{
			{Status: 200, Data: listResponse()},
			{Status: 400, Data: map[string]any{"detail": "unresolved reference"}},
		}, nil
	}}
	qs := New("user/", m.table(), tr)

	_, err := qs.Get(context.Background(), 99)
	var nf *model.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "OneUser", nf.Model)
	assert.Equal(t, 99, nf.Key)
	assert.True(t, model.IsNotFound(err))
}

func TestQuerySet_GetNonBulkRetrieveGoesDirect(t *testing.T) {
	m := newTestModels(entity.Options{NonBulkMethods: []string{"GET"}})
	tr := &fakeTransport{onRequest: func(model.Request) (model.Response, error) {
		return model.Response{Status: 200, Data: map[string]any{"id": float64(1)}}, nil
	}}
	qs := New("user/", m.table(), tr)

	_, err := qs.Get(context.Background(), "1")
	require.NoError(t, err)
	require.Len(t, tr.requests, 1)
	assert.False(t, tr.requests[0].UseBulk)
	assert.Empty(t, tr.batches)
}

// --- get one ---

func TestQuerySet_GetOneTwoStepMultiple(t *testing.T) {
	m := newTestModels(entity.Options{})
	tr := &fakeTransport{onBulk: func([]bulk.Operation, bulk.Type) ([]bulk.Result, error) {
		return []bulk.Result{
			{Status: 200, Data: map[string]any{"count": float64(2), "results": []any{map[string]any{"id": float64(1)}}}},
			{Status: 200, Data: map[string]any{"id": float64(1)}},
		}, nil
	}}
	qs := New("user/", m.table(), tr).Filter(map[string]any{"username": "bob"})

	_, err := qs.GetOne(context.Background())
	var mr *model.MultipleResultsError
	require.ErrorAs(t, err, &mr)
	assert.Equal(t, 2, mr.Count)
	assert.Equal(t, "limit=1&username=bob", tr.batches[0][0].Query.Encode())
}

func TestQuerySet_GetOneViaItems(t *testing.T) {
	m := newTestModels(entity.Options{})
	rows := []map[string]any{}
	tr := &fakeTransport{onRequest: func(req model.Request) (model.Response, error) {
		return model.Response{Status: 200, Data: listResponse(rows...)}, nil
	}}
	qs := New("user/", Models{model.RequestList: Single(m.list)}, tr)

	_, err := qs.GetOne(context.Background())
	var nf *model.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "limit=1", tr.requests[0].Query.Encode())

	rows = []map[string]any{{"id": float64(3)}}
	inst, err := qs.GetOne(context.Background())
	require.NoError(t, err)
	assert.Equal(t, float64(3), inst.PkValue())

	rows = []map[string]any{{"id": float64(3)}, {"id": float64(4)}}
	_, err = qs.GetOne(context.Background())
	var mr *model.MultipleResultsError
	assert.ErrorAs(t, err, &mr)
}

// --- create ---

func TestQuerySet_CreateTwoStep(t *testing.T) {
	m := newTestModels(entity.Options{})
	tr := &fakeTransport{onBulk: func(ops []bulk.Operation, _ bulk.Type) ([]bulk.Result, error) {
		return []bulk.Result{
			{Status: 201, Data: map[string]any{"id": float64(11), "username": "carol"}},
			{Status: 200, Data: map[string]any{"id": float64(11), "username": "carol", "email": "c@x.io"}},
		}, nil
	}}
	qs := New("user/", m.table(), tr)

	inst := m.create.New(map[string]any{"username": "carol", "email": "c@x.io"})
	created, err := qs.Create(context.Background(), inst, "")
	require.NoError(t, err)

	assert.Equal(t, 1, tr.calls(), "exactly one transport call")
	require.Len(t, tr.batches[0], 2)
	ops := tr.batches[0]
	assert.Equal(t, http.MethodPost, ops[0].Method)
	assert.Equal(t, map[string]any{"username": "carol", "email": "c@x.io"}, ops[0].Data)
	assert.Equal(t, []string{"user/", "user/<<0[data][id]>>/"}, encodedPaths(t, ops))
	assert.Same(t, m.detail, created.Model())
	assert.Equal(t, float64(11), created.PkValue())
}

func TestQuerySet_CreateFirstStepRejected(t *testing.T) {
	m := newTestModels(entity.Options{})
	tr := &fakeTransport{onBulk: func([]bulk.Operation, bulk.Type) ([]bulk.Result, error) {
		return []bulk.Result{
			{Method: "post", Path: "user/", Status: 400, Data: map[string]any{"username": []any{"This field is required."}}},
			{Status: 400},
		}, nil
	}}
	qs := New("user/", m.table(), tr)

	_, err := qs.Create(context.Background(), m.create.New(nil), "")
	var te *model.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 400, te.Status)
	assert.Equal(t, "user/", te.Path)
}

func TestQuerySet_CreateWrongModel(t *testing.T) {
	m := newTestModels(entity.Options{})
	qs := New("user/", m.table(), &fakeTransport{})

	_, err := qs.Create(context.Background(), m.list.New(nil), "")
	var wm *model.WrongModelError
	require.ErrorAs(t, err, &wm)
	assert.Equal(t, "CreateUser", wm.Expected)
	assert.Equal(t, "OneUserList", wm.Actual)
}

func TestQuerySet_CreateSameModelReusesResponse(t *testing.T) {
	m := newTestModels(entity.Options{})
	tr := &fakeTransport{onRequest: func(req model.Request) (model.Response, error) {
		return model.Response{Status: 201, Data: map[string]any{"id": float64(5), "username": "dan"}}, nil
	}}
	qs := New("user/", Models{model.RequestList: Single(m.list)}, tr)

	created, err := qs.Create(context.Background(), m.list.New(map[string]any{"username": "dan"}), "")
	require.NoError(t, err)
	assert.Equal(t, 1, tr.calls())
	assert.Equal(t, map[string]any{"username": "dan"}, tr.requests[0].Data)
	assert.Equal(t, float64(5), created.PkValue())
}

// --- update ---

func TestQuerySet_UpdateTransactionalPairs(t *testing.T) {
	m := newTestModels(entity.Options{})
	tr := &fakeTransport{onBulk: func(ops []bulk.Operation, _ bulk.Type) ([]bulk.Result, error) {
		out := make([]bulk.Result, len(ops))
		for i := range ops {
			out[i] = bulk.Result{Status: 200, Data: map[string]any{"id": float64(i), "email": "new@x.io"}}
		}
		return out, nil
	}}
	qs := New("user/", m.table(), tr)

	targets := []*entity.Instance{
		m.list.New(map[string]any{"id": float64(1)}),
		m.list.New(map[string]any{"id": float64(2)}),
	}
	patch := m.create.New(map[string]any{"username": "x", "email": "new@x.io"})
	updated, err := qs.Update(context.Background(), patch, targets, "", []string{"email"})
	require.NoError(t, err)

	require.Len(t, tr.batches, 1)
	assert.Equal(t, bulk.Transactional, tr.types[0])
	ops := tr.batches[0]
	assert.Equal(t, []string{"user/1/", "user/1/", "user/2/", "user/2/"}, encodedPaths(t, ops))
	assert.Equal(t, []string{"PATCH", "GET", "PATCH", "GET"}, []string{ops[0].Method, ops[1].Method, ops[2].Method, ops[3].Method})
	assert.Equal(t, map[string]any{"email": "new@x.io"}, ops[0].Data)

	require.Len(t, updated, 2)
	assert.Same(t, m.detail, updated[0].Model())
	assert.Equal(t, float64(1), updated[0].PkValue())
	assert.Equal(t, float64(3), updated[1].PkValue())
}

func TestQuerySet_UpdateDirectPerTarget(t *testing.T) {
	m := newTestModels(entity.Options{NonBulkMethods: []string{"PUT"}})
	tr := &fakeTransport{onRequest: func(req model.Request) (model.Response, error) {
		return model.Response{Status: 200, Data: req.Data}, nil
	}}
	qs := New("user/", m.table(), tr)

	targets := []*entity.Instance{m.list.New(map[string]any{"id": float64(4)})}
	updated, err := qs.Update(context.Background(), m.create.New(map[string]any{"username": "e"}), targets, http.MethodPut, nil)
	require.NoError(t, err)
	require.Len(t, tr.requests, 1)
	assert.False(t, tr.requests[0].UseBulk)
	assert.Equal(t, []string{"user", "4"}, tr.requests[0].Path)
	assert.Same(t, m.create, updated[0].Model())
}

func TestQuerySet_UpdateNilTargetsUsesItems(t *testing.T) {
	m := newTestModels(entity.Options{})
	tr := &fakeTransport{
		onRequest: func(model.Request) (model.Response, error) {
			return model.Response{Status: 200, Data: listResponse(map[string]any{"id": float64(8)})}, nil
		},
		onBulk: func(ops []bulk.Operation, _ bulk.Type) ([]bulk.Result, error) {
			return []bulk.Result{{Status: 200}, {Status: 200, Data: map[string]any{"id": float64(8)}}}, nil
		},
	}
	qs := New("user/", m.table(), tr)

	updated, err := qs.Update(context.Background(), m.create.New(nil), nil, http.MethodPatch, nil)
	require.NoError(t, err)
	require.Len(t, updated, 1)
	assert.Equal(t, []string{"user/8/", "user/8/"}, encodedPaths(t, tr.batches[0]))
}

// --- delete & save ---

func TestQuerySet_DeletePurge(t *testing.T) {
	m := newTestModels(entity.Options{})
	tr := &fakeTransport{onRequest: func(model.Request) (model.Response, error) {
		return model.Response{Status: 204}, nil
	}}
	qs := New("user/", m.table(), tr)

	targets := []*entity.Instance{
		m.list.New(map[string]any{"id": float64(1)}),
		m.list.New(map[string]any{"id": "abc"}),
	}
	resps, err := qs.Delete(context.Background(), targets, true)
	require.NoError(t, err)
	require.Len(t, resps, 2)
	assert.Equal(t, []string{"user", "abc"}, tr.requests[1].Path)
	assert.Equal(t, http.MethodDelete, tr.requests[0].Method)
	assert.Equal(t, map[string]string{PurgeHeader: "true"}, tr.requests[0].Headers)

	_, err = qs.Delete(context.Background(), targets[:1], false)
	require.NoError(t, err)
	assert.Nil(t, tr.requests[2].Headers)
}

func TestQuerySet_Save(t *testing.T) {
	m := newTestModels(entity.Options{})
	tr := &fakeTransport{onRequest: func(req model.Request) (model.Response, error) {
		data := map[string]any{"id": float64(1), "username": "f"}
		return model.Response{Status: 200, Data: data}, nil
	}}
	qs := New("user/", Models{model.RequestList: Single(m.list)}, tr)

	created, err := qs.Save(context.Background(), m.list.New(map[string]any{"username": "f"}))
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, tr.requests[0].Method)

	_, err = qs.Save(context.Background(), created)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPatch, tr.requests[1].Method)
	assert.Equal(t, []string{"user", "1"}, tr.requests[1].Path)
}

// --- prefetch ---

type recordingPrefetcher struct {
	calls [][]*entity.Instance
	err   error
}

func (p *recordingPrefetcher) Prefetch(_ context.Context, instances []*entity.Instance) error {
	p.calls = append(p.calls, instances)
	return p.err
}

func TestQuerySet_PrefetchRunsOnFetchedInstances(t *testing.T) {
	m := newTestModels(entity.Options{})
	tr := &fakeTransport{onRequest: func(model.Request) (model.Response, error) {
		return model.Response{Status: 200, Data: listResponse(map[string]any{"id": float64(1)})}, nil
	}}
	p := &recordingPrefetcher{err: errors.New("boom")}
	qs := New("user/", Models{model.RequestList: Single(m.list)}, tr, WithPrefetch(p))

	list, err := qs.Items(context.Background(), true)
	require.NoError(t, err, "prefetch failures are not fatal")
	require.Len(t, p.calls, 1)
	assert.Same(t, list.Items[0], p.calls[0][0])

	_, err = qs.WithoutPrefetch().Items(context.Background(), true)
	require.NoError(t, err)
	assert.Len(t, p.calls, 1)
}

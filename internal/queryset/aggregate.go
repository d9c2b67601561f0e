package queryset

import (
	"context"
	"strings"
	"sync"

	"github.com/pitabwire/qset/internal/entity"
	"github.com/pitabwire/qset/model"
)

// AggregationObserver receives the number of distinct keys of each
// aggregated fetch. *observability.Metrics satisfies it.
type AggregationObserver interface {
	ObserveAggregation(keys int)
}

// Pending is the deferred result of a single query.
type Pending struct {
	done chan struct{}
	inst *entity.Instance
	err  error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

func (p *Pending) settle(inst *entity.Instance, err error) {
	p.inst, p.err = inst, err
	close(p.done)
}

// Done is closed once the result is settled.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the result is settled or ctx is done.
func (p *Pending) Wait(ctx context.Context) (*entity.Instance, error) {
	select {
	case <-p.done:
		return p.inst, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AggregatedQueriesExecutor collects single-entity lookups against one
// collection and resolves them with one filtered list fetch. It is safe for
// concurrent use.
type AggregatedQueriesExecutor struct {
	qs              *QuerySet
	filterName      string
	filterFieldName string
	observer        AggregationObserver

	mu      sync.Mutex
	keys    []string
	pending map[string][]*Pending
}

// AggregatorOption configures an AggregatedQueriesExecutor.
type AggregatorOption func(*AggregatedQueriesExecutor)

// WithAggregationObserver sets the measurement sink.
func WithAggregationObserver(o AggregationObserver) AggregatorOption {
	return func(e *AggregatedQueriesExecutor) { e.observer = o }
}

// NewAggregatedQueriesExecutor creates an executor filtering qs by
// filterName and matching results on their filterFieldName attribute. An
// empty filterFieldName defaults to filterName.
func NewAggregatedQueriesExecutor(qs *QuerySet, filterName, filterFieldName string, opts ...AggregatorOption) *AggregatedQueriesExecutor {
	if filterFieldName == "" {
		filterFieldName = filterName
	}
	e := &AggregatedQueriesExecutor{
		qs:              qs,
		filterName:      filterName,
		filterFieldName: filterFieldName,
		pending:         make(map[string][]*Pending),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Query registers interest in key. The result settles on the next Execute.
func (e *AggregatedQueriesExecutor) Query(key any) *Pending {
	p := newPending()
	k := FormatKey(key)

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, seen := e.pending[k]; !seen {
		e.keys = append(e.keys, k)
	}
	e.pending[k] = append(e.pending[k], p)
	return p
}

// Execute fetches every key registered since the previous call with one list
// request. Keys absent from the result settle with *model.NotFoundError. A
// transport failure settles every pending query with the error and is
// returned. Keys registered while Execute runs belong to the next window.
func (e *AggregatedQueriesExecutor) Execute(ctx context.Context) error {
	e.mu.Lock()
	keys, pending := e.keys, e.pending
	e.keys, e.pending = nil, make(map[string][]*Pending)
	e.mu.Unlock()

	if len(keys) == 0 {
		return nil
	}
	if e.observer != nil {
		e.observer.ObserveAggregation(len(keys))
	}

	list, err := e.qs.Filter(map[string]any{
		e.filterName: strings.Join(keys, ","),
		"limit":      len(keys),
	}).Items(ctx, true)
	if err != nil {
		for _, ps := range pending {
			for _, p := range ps {
				p.settle(nil, err)
			}
		}
		return err
	}

	for _, inst := range list.Items {
		k := FormatKey(inst.Data()[e.filterFieldName])
		ps, ok := pending[k]
		if !ok {
			continue
		}
		for _, p := range ps {
			p.settle(inst, nil)
		}
		delete(pending, k)
	}

	modelName := e.qs.URL()
	if m, err := e.qs.Model(model.RequestList); err == nil {
		modelName = m.Name()
	}
	for _, k := range keys {
		for _, p := range pending[k] {
			p.settle(nil, &model.NotFoundError{Model: modelName, Key: k})
		}
	}
	return nil
}

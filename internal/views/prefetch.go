package views

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/qset/internal/entity"
	"github.com/pitabwire/qset/internal/queryset"
	"github.com/pitabwire/qset/model"
)

// Prefetch loads the entities referenced by instances and attaches them with
// SetRelated. Each enabled binding issues one aggregated list request;
// bindings run concurrently. Values with no matching entity are left
// unattached.
func (r *Resolver) Prefetch(ctx context.Context, instances []*entity.Instance, bindings []Binding) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, b := range bindings {
		if b.Disabled || b.QuerySet == nil {
			continue
		}
		g.Go(func() error {
			return r.prefetchBinding(ctx, instances, b)
		})
	}
	return g.Wait()
}

func (r *Resolver) prefetchBinding(ctx context.Context, instances []*entity.Instance, b Binding) error {
	var opts []queryset.AggregatorOption
	if r.observer != nil {
		opts = append(opts, queryset.WithAggregationObserver(r.observer))
	}
	exec := queryset.NewAggregatedQueriesExecutor(b.QuerySet, b.Reference.FilterName, b.Reference.ValueField, opts...)

	type waiting struct {
		inst    *entity.Instance
		pending *queryset.Pending
	}
	var queued []waiting
	for _, inst := range instances {
		value := inst.Data()[b.Field]
		switch v := value.(type) {
		case nil:
			continue
		case string:
			if v == "" {
				continue
			}
		case map[string]any:
			// already expanded by the API
			continue
		}
		queued = append(queued, waiting{inst: inst, pending: exec.Query(value)})
	}
	if len(queued) == 0 {
		return nil
	}

	if err := exec.Execute(ctx); err != nil {
		return err
	}
	for _, w := range queued {
		rel, err := w.pending.Wait(ctx)
		var nf *model.NotFoundError
		switch {
		case errors.As(err, &nf):
			r.logger.Debug("referenced entity not found",
				zap.String("field", b.Field),
				zap.String("model", b.Reference.Model),
				zap.String("key", nf.Key),
			)
		case err != nil:
			return err
		default:
			w.inst.SetRelated(b.Field, rel)
		}
	}
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/qset/internal/entity"
	"github.com/pitabwire/qset/internal/queryset"
	"github.com/pitabwire/qset/internal/views"
	"github.com/pitabwire/qset/model"
)

// assignments collects repeated k=v flags.
type assignments map[string]any

func (a assignments) String() string { return fmt.Sprint(map[string]any(a)) }

func (a assignments) Set(s string) error {
	k, v, err := parseAssignment(s)
	if err != nil {
		return err
	}
	a[k] = v
	return nil
}

// parseAssignment splits "k=v". Values that parse as JSON keep their JSON
// type; anything else is a string.
func parseAssignment(s string) (string, any, error) {
	k, raw, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return "", nil, fmt.Errorf("%w: %q is not k=v", errUsage, s)
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		v = raw
	}
	return k, v, nil
}

func parseAssignments(args []string) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for _, s := range args {
		k, v, err := parseAssignment(s)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// printer renders command output.
type printer struct {
	w      io.Writer
	format string
}

func newPrinter(w io.Writer, format string) *printer {
	return &printer{w: w, format: format}
}

func (p *printer) print(v any) error {
	if p.format == "yaml" {
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) dispatch(ctx context.Context, command string, args []string) error {
	switch command {
	case "views":
		return a.listViews()
	case "list":
		return a.list(ctx, args)
	case "get":
		return a.get(ctx, args)
	case "create":
		return a.create(ctx, args)
	case "update":
		return a.update(ctx, args)
	case "delete":
		return a.delete(ctx, args)
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, command)
}

type viewSummary struct {
	Path    string `json:"path" yaml:"path"`
	Kind    string `json:"kind" yaml:"kind"`
	Model   string `json:"model,omitempty" yaml:"model,omitempty"`
	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Parent  string `json:"parent,omitempty" yaml:"parent,omitempty"`
	Nested  bool   `json:"deep_nested,omitempty" yaml:"deep_nested,omitempty"`
}

func (a *app) listViews() error {
	all := a.resolver.Tree().Views()
	out := make([]viewSummary, 0, len(all))
	for _, v := range all {
		s := viewSummary{Path: v.Path, Kind: string(v.Kind), Nested: v.DeepNestedParent != nil}
		if m, ok := v.ListModel(); ok {
			s.Model = m.Name()
		}
		if v.Objects != nil {
			s.Pattern = v.Objects.Pattern()
		}
		if v.Parent != nil {
			s.Parent = v.Parent.Path
		}
		out = append(out, s)
	}
	return a.out.print(out)
}

// querySet resolves the QuerySet of the view at path with path params bound.
func (a *app) querySet(path string, params map[string]any) (*queryset.QuerySet, error) {
	v, ok := a.resolver.View(path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", views.ErrUnknownPath, path)
	}
	if v.Objects == nil {
		return nil, fmt.Errorf("view %s has no data", path)
	}
	qs := v.Objects.All()
	if len(params) > 0 {
		qs = qs.FormatPath(params)
	}
	return qs, nil
}

func (a *app) list(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	params, filters := assignments{}, assignments{}
	fs.Var(params, "p", "path parameter k=v")
	fs.Var(filters, "f", "filter k=v")
	limit := fs.Int("limit", 0, "maximum number of entities")
	positional, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if len(positional) != 1 {
		return fmt.Errorf("%w: list needs a path", errUsage)
	}
	path := positional[0]

	qs, err := a.querySet(path, params)
	if err != nil {
		return err
	}
	if *limit > 0 {
		filters["limit"] = *limit
	}
	if len(filters) > 0 {
		qs = qs.Filter(filters)
	}

	list, err := qs.Items(ctx, true)
	if err != nil {
		return err
	}
	results := make([]map[string]any, 0, list.Len())
	for _, inst := range list.Items {
		results = append(results, represent(inst))
	}
	a.logger.Debug("list fetched", zap.String("path", path), zap.Int("items", list.Len()), zap.Int("total", list.Total))
	return a.out.print(map[string]any{"count": list.Total, "results": results})
}

func (a *app) get(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	params := assignments{}
	fs.Var(params, "p", "path parameter k=v")
	positional, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if len(positional) != 2 {
		return fmt.Errorf("%w: get needs a path and a key", errUsage)
	}

	qs, err := a.querySet(positional[0], params)
	if err != nil {
		return err
	}
	inst, err := qs.Get(ctx, positional[1])
	if err != nil {
		return err
	}
	return a.out.print(represent(inst))
}

func (a *app) create(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("%w: create needs a path", errUsage)
	}
	data, err := parseAssignments(args[1:])
	if err != nil {
		return err
	}
	qs, err := a.querySet(args[0], nil)
	if err != nil {
		return err
	}
	createModel, err := qs.RequestModel(model.RequestCreate)
	if err != nil {
		return err
	}

	inst := createModel.FromRepresent(data)
	if _, err := inst.Validate(); err != nil {
		return err
	}
	created, err := qs.Create(ctx, inst, http.MethodPost)
	if err != nil {
		return err
	}
	return a.out.print(represent(created))
}

func (a *app) update(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("%w: update needs a path, a key and at least one k=v", errUsage)
	}
	data, err := parseAssignments(args[2:])
	if err != nil {
		return err
	}
	qs, err := a.querySet(args[0], nil)
	if err != nil {
		return err
	}
	target, err := qs.Get(ctx, args[1])
	if err != nil {
		return err
	}

	patchModel, err := qs.RequestModel(model.RequestPartialUpdate)
	if err != nil {
		return err
	}
	changes := patchModel.FromRepresent(data)
	fields := make([]string, 0, len(data))
	for k := range data {
		if _, ok := patchModel.Field(k); !ok {
			return fmt.Errorf("field %q is not found in model %q", k, patchModel.Name())
		}
		fields = append(fields, k)
	}
	if _, err := changes.ValidateFields(fields...); err != nil {
		return err
	}
	updated, err := qs.Update(ctx, changes, []*entity.Instance{target}, http.MethodPatch, fields)
	if err != nil {
		return err
	}
	return a.out.print(represent(updated[0]))
}

func (a *app) delete(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("%w: delete needs a path and at least one key", errUsage)
	}
	qs, err := a.querySet(args[0], nil)
	if err != nil {
		return err
	}

	targets := make([]*entity.Instance, 0, len(args)-1)
	for _, key := range args[1:] {
		inst, err := qs.Get(ctx, key)
		if err != nil {
			return err
		}
		targets = append(targets, inst)
	}
	responses, err := qs.Delete(ctx, targets, false)
	if err != nil {
		return err
	}
	statuses := make([]int, len(responses))
	for i, r := range responses {
		statuses[i] = r.Status
	}
	return a.out.print(map[string]any{"deleted": args[1:], "statuses": statuses})
}

// parseArgs parses fs allowing flags between positional arguments and
// returns the positional ones.
func parseArgs(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, fmt.Errorf("%w: %v", errUsage, err)
		}
		if fs.NArg() == 0 {
			return positional, nil
		}
		positional = append(positional, fs.Arg(0))
		args = fs.Args()[1:]
	}
}

// represent renders inst with its prefetched related entities under
// "_related".
func represent(inst *entity.Instance) map[string]any {
	out := inst.RepresentData()
	related := map[string]any{}
	for _, f := range inst.Model().Fields() {
		if rel, ok := inst.Related(f.Name); ok {
			related[f.Name] = rel.RepresentData()
		}
	}
	if len(related) > 0 {
		out["_related"] = related
	}
	return out
}

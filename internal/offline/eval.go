package offline

import (
	"context"
	"encoding/json"
	"fmt"

	"sustainbench-ee/internal/ee"
)

// ImageCollection is an evaluated, ordered set of images
type ImageCollection []*Image

// FeatureCollection is an evaluated, ordered set of features
type FeatureCollection []*Feature

type scope map[string]any

type closure struct {
	params []string
	body   string
	scope  scope
}

// Evaluator walks one expression. Values that reference no lambda argument
// are computed once and reused, so a composite shared by every per-point
// sample is built a single time. An Evaluator is not safe for concurrent use.
type Evaluator struct {
	cat   *Catalog
	expr  *ee.Expression
	cache map[string]any
	free  map[string]map[string]bool
}

// NewEvaluator prepares expr for evaluation against cat
func NewEvaluator(cat *Catalog, expr *ee.Expression) *Evaluator {
	return &Evaluator{
		cat:   cat,
		expr:  expr,
		cache: make(map[string]any),
		free:  make(map[string]map[string]bool),
	}
}

// Evaluate computes the expression result. Images evaluate to *Image,
// collections to ImageCollection or FeatureCollection, features to *Feature,
// and everything else to JSON-like Go values.
func (e *Evaluator) Evaluate(ctx context.Context) (any, error) {
	return e.eval(ctx, ee.ValueNode{ValueReference: e.expr.Result}, nil)
}

func (e *Evaluator) eval(ctx context.Context, v ee.ValueNode, sc scope) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if ref := v.ValueReference; ref != "" {
		if val, ok := e.cache[ref]; ok {
			return val, nil
		}
		node, ok := e.expr.Values[ref]
		if !ok {
			return nil, fmt.Errorf("dangling value reference %q", ref)
		}
		val, err := e.eval(ctx, node, sc)
		if err != nil {
			return nil, err
		}
		vars, err := e.freeVars(v)
		if err != nil {
			return nil, err
		}
		if len(vars) == 0 {
			e.cache[ref] = val
		}
		return val, nil
	}

	switch {
	case v.ArgumentReference != "":
		val, ok := sc[v.ArgumentReference]
		if !ok {
			return nil, fmt.Errorf("unbound argument %q", v.ArgumentReference)
		}
		return val, nil

	case v.ArrayValue != nil:
		items := make([]any, len(v.ArrayValue.Values))
		for i, it := range v.ArrayValue.Values {
			val, err := e.eval(ctx, it, sc)
			if err != nil {
				return nil, err
			}
			items[i] = val
		}
		return items, nil

	case v.DictionaryValue != nil:
		entries := make(map[string]any, len(v.DictionaryValue.Values))
		for k, it := range v.DictionaryValue.Values {
			val, err := e.eval(ctx, it, sc)
			if err != nil {
				return nil, err
			}
			entries[k] = val
		}
		return entries, nil

	case v.FunctionDefinitionValue != nil:
		def := v.FunctionDefinitionValue
		return &closure{params: def.ArgumentNames, body: def.Body, scope: sc}, nil

	case v.FunctionInvocationValue != nil:
		inv := v.FunctionInvocationValue
		args := make(map[string]any, len(inv.Arguments))
		for k, a := range inv.Arguments {
			val, err := e.eval(ctx, a, sc)
			if err != nil {
				return nil, err
			}
			args[k] = val
		}
		out, err := e.call(ctx, inv.FunctionName, args)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", inv.FunctionName, err)
		}
		return out, nil

	case v.ConstantValue != nil:
		var out any
		if err := json.Unmarshal(v.ConstantValue, &out); err != nil {
			return nil, fmt.Errorf("invalid constant: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("empty value node")
}

// freeVars returns the argument names v depends on that no enclosing
// function definition inside v binds.
func (e *Evaluator) freeVars(v ee.ValueNode) (map[string]bool, error) {
	if ref := v.ValueReference; ref != "" {
		if vars, ok := e.free[ref]; ok {
			return vars, nil
		}
		node, ok := e.expr.Values[ref]
		if !ok {
			return nil, fmt.Errorf("dangling value reference %q", ref)
		}
		vars, err := e.freeVars(node)
		if err != nil {
			return nil, err
		}
		e.free[ref] = vars
		return vars, nil
	}

	vars := map[string]bool{}
	merge := func(children ...ee.ValueNode) error {
		for _, c := range children {
			cv, err := e.freeVars(c)
			if err != nil {
				return err
			}
			for k := range cv {
				vars[k] = true
			}
		}
		return nil
	}

	var err error
	switch {
	case v.ArgumentReference != "":
		vars[v.ArgumentReference] = true
	case v.ArrayValue != nil:
		err = merge(v.ArrayValue.Values...)
	case v.DictionaryValue != nil:
		for _, c := range v.DictionaryValue.Values {
			if err = merge(c); err != nil {
				break
			}
		}
	case v.FunctionInvocationValue != nil:
		for _, c := range v.FunctionInvocationValue.Arguments {
			if err = merge(c); err != nil {
				break
			}
		}
	case v.FunctionDefinitionValue != nil:
		def := v.FunctionDefinitionValue
		if err = merge(ee.ValueNode{ValueReference: def.Body}); err == nil {
			for _, p := range def.ArgumentNames {
				delete(vars, p)
			}
		}
	}
	return vars, err
}

func (e *Evaluator) apply(ctx context.Context, fn *closure, args ...any) (any, error) {
	if len(args) != len(fn.params) {
		return nil, fmt.Errorf("function takes %d argument(s), got %d", len(fn.params), len(args))
	}
	sc := make(scope, len(fn.scope)+len(args))
	for k, v := range fn.scope {
		sc[k] = v
	}
	for i, p := range fn.params {
		sc[p] = args[i]
	}
	return e.eval(ctx, ee.ValueNode{ValueReference: fn.body}, sc)
}

package workflow

import (
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

// applyTransform runs cfg's ordered operations against vars,
// mutating vars in place as each operation writes its Output.
func applyTransform(cfg TransformConfig, vars map[string]any) error {
	for _, op := range cfg.Operations {
		if err := applyOp(op, vars); err != nil {
			return fmt.Errorf("workflow: transform op %s: %w", op.Kind, err)
		}
	}
	return nil
}

func applyOp(op TransformOp, vars map[string]any) error {
	switch op.Kind {
	case OpMap:
		return applyMap(op, vars)
	case OpFilter:
		return applyFilter(op, vars)
	case OpReduce:
		return applyReduce(op, vars)
	case OpExtract:
		return applyExtract(op, vars)
	case OpFormat:
		return applyFormat(op, vars)
	case OpMerge:
		return applyMerge(op, vars)
	default:
		return fmt.Errorf("unknown kind %q", op.Kind)
	}
}

func sourceSlice(op TransformOp, vars map[string]any) ([]any, error) {
	v, ok := resolveIdent(op.Source, vars)
	if !ok {
		return nil, fmt.Errorf("source %q not found", op.Source)
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("source %q is not a list", op.Source)
	}
	return items, nil
}

func applyMap(op TransformOp, vars map[string]any) error {
	items, err := sourceSlice(op, vars)
	if err != nil {
		return err
	}
	out := make([]any, 0, len(items))
	for _, item := range items {
		scoped := scopedVars(vars, map[string]any{"item": item})
		v, err := evalValue(op.Expr, scoped)
		if err != nil {
			return err
		}
		out = append(out, v)
	}
	vars[op.Output] = out
	return nil
}

func applyFilter(op TransformOp, vars map[string]any) error {
	items, err := sourceSlice(op, vars)
	if err != nil {
		return err
	}
	out := make([]any, 0, len(items))
	for _, item := range items {
		scoped := scopedVars(vars, map[string]any{"item": item})
		keep, err := evalCondition(op.Expr, scoped)
		if err != nil {
			return err
		}
		if keep {
			out = append(out, item)
		}
	}
	vars[op.Output] = out
	return nil
}

// applyReduce folds items left-to-right, binding "acc" and "item" in
// Expr, starting the accumulator at 0.
func applyReduce(op TransformOp, vars map[string]any) error {
	items, err := sourceSlice(op, vars)
	if err != nil {
		return err
	}
	var acc any = float64(0)
	for _, item := range items {
		scoped := scopedVars(vars, map[string]any{"item": item, "acc": acc})
		v, err := evalValue(op.Expr, scoped)
		if err != nil {
			return err
		}
		acc = v
	}
	vars[op.Output] = acc
	return nil
}

func applyExtract(op TransformOp, vars map[string]any) error {
	v, ok := resolveIdent(op.Source, vars)
	if !ok {
		return fmt.Errorf("source %q not found", op.Source)
	}
	extracted, ok := navigatePath(v, op.Path)
	if !ok {
		return fmt.Errorf("path %q not found under %q", op.Path, op.Source)
	}
	vars[op.Output] = extracted
	return nil
}

func navigatePath(v any, path string) (any, bool) {
	if path == "" {
		return v, true
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			nv, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = nv
		default:
			return nil, false
		}
	}
	return cur, true
}

// applyFormat runs a sandboxed JavaScript snippet via goja, the only
// place the transform pipeline allows script execution (decision and
// wait conditions stay on the restricted evaluator). The script sees
// "vars" and must return its result; globals that would allow
// file/network/process access are stripped.
func applyFormat(op TransformOp, vars map[string]any) error {
	vm := goja.New()
	vm.Set("require", goja.Undefined())
	vm.Set("eval", goja.Undefined())
	vm.Set("Function", goja.Undefined())
	if err := vm.Set("vars", vars); err != nil {
		return err
	}
	v, err := vm.RunString(fmt.Sprintf("(function(){ %s })()", op.Script))
	if err != nil {
		return fmt.Errorf("format script: %w", err)
	}
	vars[op.Output] = v.Export()
	return nil
}

func applyMerge(op TransformOp, vars map[string]any) error {
	merged := map[string]any{}
	names := append([]string{op.Source}, op.Merge...)
	for _, name := range names {
		v, ok := resolveIdent(name, vars)
		if !ok {
			continue
		}
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		for k, val := range m {
			merged[k] = val
		}
	}
	vars[op.Output] = merged
	return nil
}

// scopedVars returns a shallow copy of vars with extra overlaid, so a
// map/filter/reduce element binding ("item", "acc") is visible to Expr
// without mutating the execution's real variable set.
func scopedVars(vars map[string]any, extra map[string]any) map[string]any {
	out := make(map[string]any, len(vars)+len(extra))
	for k, v := range vars {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// evalValue evaluates expr for its value (not necessarily boolean),
// reusing the restricted evaluator's full condition grammar so
// map/reduce projections stay within the same safe language as
// decision conditions.
func evalValue(expr string, vars map[string]any) (any, error) {
	p := &exprParser{tokens: tokenize(expr), vars: vars}
	v, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("eval %q: %w", expr, err)
	}
	return v, nil
}

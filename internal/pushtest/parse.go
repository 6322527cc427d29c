package pushtest

import (
	"fmt"
	"sort"
)

// Catalog resolves custom push test names used in rule files.
type Catalog map[string]Predicate

// Parse builds a predicate from a decoded YAML or JSON tree.
//
// A string names a builtin without arguments ("always", "never",
// "toDefaultBranch") or a catalog entry. A single-key map is an operator:
// and/or take a list, not takes one test, and the remaining keys are
// builtins taking a string or a list of strings.
//
//	and:
//	  - isBranch: main
//	  - not:
//	      materialChange: ["docs/**", "*.md"]
func Parse(spec any, catalog Catalog) (Predicate, error) {
	switch v := spec.(type) {
	case nil:
		return Always, nil
	case string:
		return parseName(v, catalog)
	case map[string]any:
		if len(v) != 1 {
			keys := make([]string, 0, len(v))
			for k := range v {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			return nil, fmt.Errorf("push test must have exactly one operator, got %v", keys)
		}
		for op, arg := range v {
			return parseOp(op, arg, catalog)
		}
	case []any:
		return parseList("and", v, catalog)
	}
	return nil, fmt.Errorf("unsupported push test %T", spec)
}

func parseName(name string, catalog Catalog) (Predicate, error) {
	switch name {
	case "always":
		return Always, nil
	case "never":
		return Never, nil
	case "toDefaultBranch":
		return ToDefaultBranch, nil
	}
	if p, ok := catalog[name]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("unknown push test %q", name)
}

func parseOp(op string, arg any, catalog Catalog) (Predicate, error) {
	switch op {
	case "and", "or":
		list, ok := arg.([]any)
		if !ok {
			return nil, fmt.Errorf("%s expects a list, got %T", op, arg)
		}
		return parseList(op, list, catalog)
	case "not":
		p, err := Parse(arg, catalog)
		if err != nil {
			return nil, err
		}
		return Not{Pred: p}, nil
	}

	args, err := stringArgs(op, arg)
	if err != nil {
		return nil, err
	}
	one := func() (string, error) {
		if len(args) != 1 {
			return "", fmt.Errorf("%s expects one argument, got %d", op, len(args))
		}
		return args[0], nil
	}

	switch op {
	case "isBranch":
		a, err := one()
		if err != nil {
			return nil, err
		}
		return IsBranch(a)
	case "isRepo":
		a, err := one()
		if err != nil {
			return nil, err
		}
		return IsRepo(a)
	case "hasFile":
		a, err := one()
		if err != nil {
			return nil, err
		}
		return HasFile(a), nil
	case "hasFileMatching":
		a, err := one()
		if err != nil {
			return nil, err
		}
		return HasFileMatching(a)
	case "hasFileContaining":
		if len(args) != 2 {
			return nil, fmt.Errorf("hasFileContaining expects [glob, regexp]")
		}
		return HasFileContaining(args[0], args[1])
	case "hasCommitMessage":
		a, err := one()
		if err != nil {
			return nil, err
		}
		return HasCommitMessage(a)
	case "materialChange":
		if len(args) == 0 {
			return nil, fmt.Errorf("materialChange expects at least one glob")
		}
		return MaterialChange(args...)
	}
	return nil, fmt.Errorf("unknown push test operator %q", op)
}

func parseList(op string, list []any, catalog Catalog) (Predicate, error) {
	preds := make([]Predicate, 0, len(list))
	for i, item := range list {
		p, err := Parse(item, catalog)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", op, i, err)
		}
		preds = append(preds, p)
	}
	if op == "or" {
		return Or{Preds: preds}, nil
	}
	return And{Preds: preds}, nil
}

func stringArgs(op string, arg any) ([]string, error) {
	switch v := arg.(type) {
	case string:
		return []string{v}, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s arguments must be strings, got %T", op, item)
			}
			out = append(out, s)
		}
		return out, nil
	case []string:
		return v, nil
	}
	return nil, fmt.Errorf("%s expects a string or list, got %T", op, arg)
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package routing

import (
	"strconv"
	"strings"
)

// FieldGetter resolves a field reference against a message. The HL7 parsed
// view satisfies it; missing fields resolve to the default.
type FieldGetter interface {
	GetField(path, def string) string
}

// CondFunc is a compiled condition.
type CondFunc func(FieldGetter) bool

// operand is a compiled operand: a field lookup or a literal.
type operand struct {
	field string
	lit   string
	isInt bool
}

func (o operand) resolve(g FieldGetter) string {
	if o.field != "" {
		return g.GetField(o.field, "")
	}
	return o.lit
}

// CompileCondition parses and compiles a condition expression. The empty
// condition compiles to always-true.
func CompileCondition(cond string) (CondFunc, error) {
	if strings.TrimSpace(cond) == "" {
		return func(FieldGetter) bool { return true }, nil
	}
	ast := &astCondition{}
	if err := condParser.ParseString(cond, ast); err != nil {
		return nil, err
	}
	return compileOr(ast.Expr), nil
}

// MustCompileCondition is for statically known conditions in tests.
func MustCompileCondition(cond string) CondFunc {
	f, err := CompileCondition(cond)
	if err != nil {
		panic(err)
	}
	return f
}

func compileOr(n *astOr) CondFunc {
	left := compileAnd(n.Left)
	if len(n.Right) == 0 {
		return left
	}
	rest := make([]CondFunc, len(n.Right))
	for i, r := range n.Right {
		rest[i] = compileAnd(r)
	}
	return func(g FieldGetter) bool {
		if left(g) {
			return true
		}
		for _, f := range rest {
			if f(g) {
				return true
			}
		}
		return false
	}
}

func compileAnd(n *astAnd) CondFunc {
	left := compileNot(n.Left)
	if len(n.Right) == 0 {
		return left
	}
	rest := make([]CondFunc, len(n.Right))
	for i, r := range n.Right {
		rest[i] = compileNot(r)
	}
	return func(g FieldGetter) bool {
		if !left(g) {
			return false
		}
		for _, f := range rest {
			if !f(g) {
				return false
			}
		}
		return true
	}
}

func compileNot(n *astNot) CondFunc {
	inner := compilePrimary(n.Primary)
	if !n.Not {
		return inner
	}
	return func(g FieldGetter) bool { return !inner(g) }
}

func compilePrimary(n *astPrimary) CondFunc {
	if n.Paren != nil {
		return compileOr(n.Paren)
	}
	return compileComparison(n.Comparison)
}

func compileComparison(n *astComparison) CondFunc {
	left := compileOperand(n.Left)
	if n.Rest == nil {
		// A bare operand is truthy when non-empty.
		return func(g FieldGetter) bool {
			return left.resolve(g) != ""
		}
	}

	if len(n.Rest.In) > 0 {
		set := make([]operand, len(n.Rest.In))
		for i, op := range n.Rest.In {
			set[i] = compileOperand(op)
		}
		return func(g FieldGetter) bool {
			v := left.resolve(g)
			for _, o := range set {
				if v == o.resolve(g) {
					return true
				}
			}
			return false
		}
	}

	right := compileOperand(n.Rest.Right)
	switch n.Rest.Op {
	case "=":
		return func(g FieldGetter) bool { return equal(left, right, g) }
	case "!=":
		return func(g FieldGetter) bool { return !equal(left, right, g) }
	case "Contains":
		return func(g FieldGetter) bool {
			return strings.Contains(left.resolve(g), right.resolve(g))
		}
	case "StartsWith":
		return func(g FieldGetter) bool {
			return strings.HasPrefix(left.resolve(g), right.resolve(g))
		}
	case "EndsWith":
		return func(g FieldGetter) bool {
			return strings.HasSuffix(left.resolve(g), right.resolve(g))
		}
	}
	return func(FieldGetter) bool { return false }
}

// equal compares numerically when one side is an integer literal and the
// other side's value parses as an integer; otherwise as strings. Missing
// fields compare as empty strings, so comparison is total.
func equal(left, right operand, g FieldGetter) bool {
	lv, rv := left.resolve(g), right.resolve(g)
	if left.isInt || right.isInt {
		li, lerr := strconv.ParseInt(lv, 10, 64)
		ri, rerr := strconv.ParseInt(rv, 10, 64)
		if lerr == nil && rerr == nil {
			return li == ri
		}
	}
	return lv == rv
}

func compileOperand(n *astOperand) operand {
	switch {
	case n.Field != nil:
		// Strip the braces; the path grammar inside is the hl7 one.
		return operand{field: strings.Trim(*n.Field, "{}")}
	case n.String != nil:
		return operand{lit: *n.String}
	case n.Int != nil:
		return operand{lit: strconv.FormatInt(*n.Int, 10), isInt: true}
	}
	return operand{}
}

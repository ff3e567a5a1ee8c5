package query

import (
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// Conditions written for numexpr combine comparisons with &, | and ~.
// Starlark only defines those on ints and sets, so the compiler routes them
// through builtins that treat two bools logically and defer to the normal
// operator for everything else.
const (
	builtinAnd = "__and"
	builtinOr  = "__or"
	builtinNot = "__not"
)

var logicalBuiltins = starlark.StringDict{
	builtinAnd: starlark.NewBuiltin(builtinAnd, binaryLogical(syntax.AMP, func(x, y bool) bool { return x && y })),
	builtinOr:  starlark.NewBuiltin(builtinOr, binaryLogical(syntax.PIPE, func(x, y bool) bool { return x || y })),
	builtinNot: starlark.NewBuiltin(builtinNot, unaryLogical),
}

func binaryLogical(op syntax.Token, logical func(x, y bool) bool) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var x, y starlark.Value
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &x, &y); err != nil {
			return nil, err
		}
		bx, xok := x.(starlark.Bool)
		by, yok := y.(starlark.Bool)
		if xok && yok {
			return starlark.Bool(logical(bool(bx), bool(by))), nil
		}
		return starlark.Binary(op, x, y)
	}
}

func unaryLogical(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &x); err != nil {
		return nil, err
	}
	if bx, ok := x.(starlark.Bool); ok {
		return !bx, nil
	}
	return starlark.Unary(syntax.TILDE, x)
}

// lowerLogical replaces the &, | and ~ operators held by n with calls to
// the logical builtins. syntax.Walk visits n before its children, so nested
// operators are lowered as the walk descends into the new calls.
func lowerLogical(n syntax.Node) bool {
	switch n := n.(type) {
	case *syntax.ReturnStmt:
		if n.Result != nil {
			n.Result = lower(n.Result)
		}
	case *syntax.ExprStmt:
		n.X = lower(n.X)
	case *syntax.ParenExpr:
		n.X = lower(n.X)
	case *syntax.BinaryExpr:
		n.X, n.Y = lower(n.X), lower(n.Y)
	case *syntax.UnaryExpr:
		if n.X != nil {
			n.X = lower(n.X)
		}
	case *syntax.CallExpr:
		n.Fn = lower(n.Fn)
		lowerAll(n.Args)
	case *syntax.IndexExpr:
		n.X, n.Y = lower(n.X), lower(n.Y)
	case *syntax.SliceExpr:
		n.X = lower(n.X)
		if n.Lo != nil {
			n.Lo = lower(n.Lo)
		}
		if n.Hi != nil {
			n.Hi = lower(n.Hi)
		}
		if n.Step != nil {
			n.Step = lower(n.Step)
		}
	case *syntax.DotExpr:
		n.X = lower(n.X)
	case *syntax.ListExpr:
		lowerAll(n.List)
	case *syntax.TupleExpr:
		lowerAll(n.List)
	case *syntax.DictEntry:
		n.Key, n.Value = lower(n.Key), lower(n.Value)
	case *syntax.CondExpr:
		n.Cond, n.True, n.False = lower(n.Cond), lower(n.True), lower(n.False)
	case *syntax.Comprehension:
		n.Body = lower(n.Body)
	case *syntax.ForClause:
		n.X = lower(n.X)
	case *syntax.IfClause:
		n.Cond = lower(n.Cond)
	case *syntax.LambdaExpr:
		n.Body = lower(n.Body)
	}
	return true
}

func lowerAll(list []syntax.Expr) {
	for i, e := range list {
		list[i] = lower(e)
	}
}

func lower(e syntax.Expr) syntax.Expr {
	switch x := e.(type) {
	case *syntax.BinaryExpr:
		switch x.Op {
		case syntax.AMP:
			return builtinCall(builtinAnd, x.OpPos, x.X, x.Y)
		case syntax.PIPE:
			return builtinCall(builtinOr, x.OpPos, x.X, x.Y)
		}
	case *syntax.UnaryExpr:
		if x.Op == syntax.TILDE {
			return builtinCall(builtinNot, x.OpPos, x.X)
		}
	}
	return e
}

func builtinCall(name string, pos syntax.Position, args ...syntax.Expr) *syntax.CallExpr {
	return &syntax.CallExpr{
		Fn:     &syntax.Ident{NamePos: pos, Name: name},
		Lparen: pos,
		Args:   args,
		Rparen: pos,
	}
}

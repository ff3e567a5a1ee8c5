// Package query evaluates row predicates for table where-queries. A
// condition is a Starlark expression over column names and caller supplied
// variables, e.g. "lc == 1 and x > threshold".
package query

import (
	stderrors "errors"
	"fmt"
	"strings"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/ome/openmicroscopy-sub004/pkg/errors"
	"github.com/ome/openmicroscopy-sub004/server/storage/codec"
)

// DefaultMaxSteps bounds the work done evaluating one row.
const DefaultMaxSteps = uint64(10_000)

const (
	conditionFile = "<condition>"
	predicateName = "where"
	// Lines the generated wrapper adds before the condition text.
	wrapperLines = 2
)

var fileOptions = &syntax.FileOptions{}

// Evaluator compiles conditions into predicates.
type Evaluator struct {
	maxSteps uint64
}

// NewEvaluator returns an evaluator that allows maxSteps Starlark steps per
// row. Zero selects DefaultMaxSteps.
func NewEvaluator(maxSteps uint64) *Evaluator {
	if maxSteps == 0 {
		maxSteps = DefaultMaxSteps
	}
	return &Evaluator{maxSteps: maxSteps}
}

// Predicate is a compiled condition bound to a table's column layout.
type Predicate struct {
	condition string
	fn        starlark.Callable
	columns   []int
	maxSteps  uint64
}

// Compile parses condition and binds it to the named columns and variables.
// Column names take precedence over variables of the same name.
func (e *Evaluator) Compile(condition string, columns []string, variables map[string]any) (*Predicate, error) {
	if strings.TrimSpace(condition) == "" {
		return nil, errors.New(errors.TableQuery, "condition is empty", nil)
	}

	expr, err := fileOptions.ParseExpr(conditionFile, condition, 0)
	if err != nil {
		return nil, queryError(condition, err, 0)
	}

	index := make(map[string]int, len(columns))
	for i, name := range columns {
		index[name] = i
	}
	used := make(map[int]bool)
	syntax.Walk(expr, func(n syntax.Node) bool {
		if id, ok := n.(*syntax.Ident); ok {
			if i, ok := index[id.Name]; ok {
				used[i] = true
			}
		}
		return true
	})

	p := &Predicate{condition: condition, maxSteps: e.maxSteps}
	params := make([]string, 0, len(used))
	for i, name := range columns {
		if used[i] {
			p.columns = append(p.columns, i)
			params = append(params, name)
		}
	}

	predeclared := make(starlark.StringDict, len(variables))
	for name, v := range variables {
		sv, err := toStarlark(v)
		if err != nil {
			return nil, errors.New(errors.TableQuery, "unsupported variable value", err).AddContext("variable", name)
		}
		predeclared[name] = sv
	}

	for name, fn := range logicalBuiltins {
		predeclared[name] = fn
	}

	src := fmt.Sprintf("def %s(%s):\n    return (\n%s\n    )\n", predicateName, strings.Join(params, ", "), condition)
	f, err := fileOptions.Parse(conditionFile, src, 0)
	if err != nil {
		return nil, queryError(condition, err, wrapperLines)
	}
	syntax.Walk(f, lowerLogical)
	prog, err := starlark.FileProgram(f, predeclared.Has)
	if err != nil {
		return nil, queryError(condition, err, wrapperLines)
	}
	thread := &starlark.Thread{Name: "compile-condition"}
	globals, err := prog.Init(thread, predeclared)
	if err != nil {
		return nil, queryError(condition, err, wrapperLines)
	}
	globals.Freeze()
	fn, ok := globals[predicateName].(starlark.Callable)
	if !ok {
		return nil, errors.New(errors.TableQuery, "condition did not compile to a predicate", nil).AddContext("condition", condition)
	}
	p.fn = fn
	return p, nil
}

// Columns returns the positions of the columns the condition reads.
func (p *Predicate) Columns() []int {
	return p.columns
}

// Match evaluates the predicate for one row. values holds the row's values
// for Columns(), in the same order.
func (p *Predicate) Match(values []any) (bool, error) {
	args := make(starlark.Tuple, len(values))
	for i, v := range values {
		sv, err := toStarlark(v)
		if err != nil {
			return false, errors.New(errors.TableQuery, "unsupported column value", err).AddContext("condition", p.condition)
		}
		args[i] = sv
	}

	thread := &starlark.Thread{Name: "eval-condition"}
	thread.SetMaxExecutionSteps(p.maxSteps)
	res, err := starlark.Call(thread, p.fn, args, nil)
	if err != nil {
		return false, queryError(p.condition, err, wrapperLines)
	}
	b, ok := res.(starlark.Bool)
	if !ok {
		return false, errors.Newf(errors.TableQuery, "condition evaluated to %s, not bool", res.Type()).AddContext("condition", p.condition)
	}
	return bool(b), nil
}

// Filter returns the rows in [start, stop) taken every step rows for which
// the predicate holds. cols holds every column of the table by position.
func (p *Predicate) Filter(cols []codec.Column, start, stop, step int64) ([]int64, error) {
	if step <= 0 {
		return nil, errors.Newf(errors.TableValidation, "step must be positive, got %d", step)
	}
	for _, c := range p.columns {
		if c >= len(cols) {
			return nil, errors.Newf(errors.TableOutOfBounds, "column %d out of range [0, %d)", c, len(cols))
		}
	}

	matches := []int64{}
	values := make([]any, len(p.columns))
	for row := start; row < stop; row += step {
		for i, c := range p.columns {
			values[i] = cols[c].Value(int(row))
		}
		ok, err := p.Match(values)
		if err != nil {
			return nil, errors.AsError(err).AddContextf("row", "%d", row)
		}
		if ok {
			matches = append(matches, row)
		}
	}
	return matches, nil
}

// queryError wraps an evaluator diagnostic, keeping its message and moving
// its position back onto the caller's condition text.
func queryError(condition string, err error, lineOffset int32) *errors.Error {
	msg, pos := diagnostic(err)
	qe := errors.New(errors.TableQuery, msg, err).AddContext("condition", condition)
	if pos.Line > 0 {
		line := pos.Line - lineOffset
		if line < 1 {
			line = 1
		}
		qe.AddContextf("line", "%d", line).AddContextf("column", "%d", pos.Col)
	}
	return qe
}

func diagnostic(err error) (string, syntax.Position) {
	var se syntax.Error
	if stderrors.As(err, &se) {
		return se.Msg, se.Pos
	}
	var rl resolve.ErrorList
	if stderrors.As(err, &rl) && len(rl) > 0 {
		return rl[0].Msg, rl[0].Pos
	}
	var ee *starlark.EvalError
	if stderrors.As(err, &ee) {
		var pos syntax.Position
		if len(ee.CallStack) > 0 {
			pos = ee.CallStack.At(0).Pos
		}
		return ee.Msg, pos
	}
	return err.Error(), syntax.Position{}
}

func toStarlark(v any) (starlark.Value, error) {
	switch x := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(x), nil
	case int:
		return starlark.MakeInt(x), nil
	case int32:
		return starlark.MakeInt64(int64(x)), nil
	case int64:
		return starlark.MakeInt64(x), nil
	case float32:
		return starlark.Float(x), nil
	case float64:
		return starlark.Float(x), nil
	case string:
		return starlark.String(x), nil
	case []int64:
		return tupleOf(x, func(e int64) starlark.Value { return starlark.MakeInt64(e) }), nil
	case []float32:
		return tupleOf(x, func(e float32) starlark.Value { return starlark.Float(e) }), nil
	case []float64:
		return tupleOf(x, func(e float64) starlark.Value { return starlark.Float(e) }), nil
	case codec.Mask:
		return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			codec.MaskImageID: starlark.MakeInt64(x.ImageID),
			codec.MaskTheZ:    starlark.MakeInt64(int64(x.TheZ)),
			codec.MaskTheT:    starlark.MakeInt64(int64(x.TheT)),
			codec.MaskX:       starlark.Float(x.X),
			codec.MaskY:       starlark.Float(x.Y),
			codec.MaskW:       starlark.Float(x.W),
			codec.MaskH:       starlark.Float(x.H),
			codec.MaskBytes:   starlark.Bytes(x.Bytes),
		}), nil
	}
	return nil, fmt.Errorf("cannot use %T in a condition", v)
}

func tupleOf[E any](in []E, conv func(E) starlark.Value) starlark.Tuple {
	out := make(starlark.Tuple, len(in))
	for i, e := range in {
		out[i] = conv(e)
	}
	return out
}

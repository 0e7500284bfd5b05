package eventstore

import (
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/e7canasta/beatlamp/internal/types"
)

// filter wraps a compiled CEL program. When disabled, Eval always returns true.
type filter struct {
	prog    cel.Program
	enabled bool
}

func newFilter(expr string) (filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return filter{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("id", cel.IntType),
		cel.Variable("topic", cel.StringType),
		cel.Variable("payload", cel.StringType),
		cel.Variable("ts_ms", cel.IntType),
	)
	if err != nil {
		return filter{}, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return filter{}, iss.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return filter{}, &filterTypeError{expr: expr}
	}
	prog, err := env.Program(ast)
	if err != nil {
		return filter{}, err
	}
	return filter{prog: prog, enabled: true}, nil
}

func (f filter) Eval(rec types.StoredMessageRecord) bool {
	if !f.enabled {
		return true
	}
	out, _, err := f.prog.Eval(map[string]any{
		"id":      int64(rec.ID),
		"topic":   rec.Topic,
		"payload": rec.Payload,
		"ts_ms":   rec.Timestamp.UnixMilli(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

type filterTypeError struct{ expr string }

func (e *filterTypeError) Error() string {
	return "expression must evaluate to bool: " + e.expr
}

package expressions

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/rendis/flowgate/pkg/schema"
)

// Engine evaluates expressions of one dialect.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
	// Compile checks an expression without evaluating it.
	Compile(expression string) error
}

// Dialect selects the engine an expression is written for.
type Dialect string

const (
	DialectExpr Dialect = "expr"
	DialectCEL  Dialect = "cel"
	DialectJQ   Dialect = "jq"
)

// SplitDialect strips a "cel:", "jq:" or "expr:" prefix. Unprefixed text is expr.
func SplitDialect(expression string) (Dialect, string) {
	trimmed := strings.TrimSpace(expression)
	for _, d := range []Dialect{DialectCEL, DialectJQ, DialectExpr} {
		prefix := string(d) + ":"
		if strings.HasPrefix(trimmed, prefix) {
			return d, strings.TrimSpace(trimmed[len(prefix):])
		}
	}
	return DialectExpr, trimmed
}

// Evaluator routes expressions to the engine of their dialect.
type Evaluator struct {
	engines map[Dialect]Engine
}

// NewEvaluator creates an Evaluator with the expr, CEL and jq engines.
func NewEvaluator() (*Evaluator, error) {
	cel, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Evaluator{engines: map[Dialect]Engine{
		DialectExpr: NewExprEngine(),
		DialectCEL:  cel,
		DialectJQ:   NewGoJQEngine(),
	}}, nil
}

func (e *Evaluator) engine(expression string) (Engine, string, error) {
	dialect, body := SplitDialect(expression)
	eng, ok := e.engines[dialect]
	if !ok {
		return nil, "", schema.NewErrorf(schema.ErrCodeValidation, "unsupported expression dialect %q", dialect)
	}
	return eng, body, nil
}

// Evaluate evaluates an expression against a scope built by BuildScope.
func (e *Evaluator) Evaluate(ctx context.Context, expression string, scope map[string]any) (any, error) {
	eng, body, err := e.engine(expression)
	if err != nil {
		return nil, err
	}
	return eng.Evaluate(ctx, body, scope)
}

// EvaluateBool evaluates an expression and reports its truthiness.
func (e *Evaluator) EvaluateBool(ctx context.Context, expression string, scope map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, scope)
	if err != nil {
		return false, err
	}
	return Truthy(out), nil
}

// Check compiles an expression in its dialect without evaluating it.
func (e *Evaluator) Check(expression string) error {
	eng, body, err := e.engine(expression)
	if err != nil {
		return err
	}
	return eng.Compile(body)
}

// Truthy applies loose truthiness: nil, false, zero numbers, empty strings,
// "false"/"0" and empty collections are false.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		s := strings.TrimSpace(strings.ToLower(val))
		return s != "" && s != "false" && s != "0"
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32:
		return rv.Float() != 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

// Stringify renders an evaluation result for prompt text.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	}
	return toJSON(v)
}

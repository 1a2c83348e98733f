package celengine

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// FormulaEnv builds the CEL environment points formulas are compiled against.
// A formula sees the earning event as three variables:
//
//	amount - monetary base amount of the event (double)
//	domain - earning domain tag, e.g. "BASE_PURCHASE" (string)
//	rate   - the program's configured earn rate (double)
//
// and must evaluate to a numeric value (int or double); doubles are floored.
func FormulaEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("domain", cel.StringType),
		cel.Variable("rate", cel.DoubleType),
	)
}

// Compile validates and compiles a points formula into an executable program.
func Compile(env *cel.Env, expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile formula: %w", issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build formula program: %w", err)
	}

	return prg, nil
}

// EvaluatePoints runs a compiled formula and coerces the result to a point
// count. Doubles are floored; negative results clamp to zero.
func EvaluatePoints(prg cel.Program, attrs map[string]any) (int64, error) {
	out, _, err := prg.Eval(attrs)
	if err != nil {
		return 0, fmt.Errorf("formula evaluation failed: %w", err)
	}

	points, err := coercePoints(out)
	if err != nil {
		return 0, err
	}

	if points < 0 {
		return 0, nil
	}
	return points, nil
}

func coercePoints(v ref.Val) (int64, error) {
	switch val := v.Value().(type) {
	case int64:
		return val, nil
	case uint64:
		return int64(val), nil
	case float64:
		return int64(val), nil
	default:
		return 0, fmt.Errorf("formula must return a number, got %T (%v)", v.Value(), v.Value())
	}
}

// ValidateExpression checks that an expression compiles against the formula
// environment without executing it. Used by the program validator.
func ValidateExpression(expr string) error {
	env, err := FormulaEnv()
	if err != nil {
		return err
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return issues.Err()
	}

	switch ast.OutputType() {
	case types.IntType, types.UintType, types.DoubleType, types.DynType:
		return nil
	default:
		return fmt.Errorf("formula must produce a numeric value, got %s", ast.OutputType())
	}
}

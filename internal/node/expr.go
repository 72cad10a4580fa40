package node

import (
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/casarerpa/core/internal/runtime"
)

// EvalCondition compiles and evaluates a boolean expression against the
// run's variables. Expressions reference variables by bare name
// (`counter > 5 && status == "ok"`).
func EvalCondition(condition string, ec *runtime.ExecutionContext) (bool, error) {
	if condition == "" {
		return false, fmt.Errorf("empty condition")
	}

	env := ec.Variables()
	program, err := expr.Compile(condition, expr.Env(env), expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return false, fmt.Errorf("compile condition %q: %w", condition, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", condition, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q is not boolean", condition)
	}
	return b, nil
}

// EvalValue evaluates an expression to any value against the run's
// variables. Used by for_each collections and computed assignments.
func EvalValue(expression string, ec *runtime.ExecutionContext) (any, error) {
	env := ec.Variables()
	program, err := expr.Compile(expression, expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile expression %q: %w", expression, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate expression %q: %w", expression, err)
	}
	return out, nil
}

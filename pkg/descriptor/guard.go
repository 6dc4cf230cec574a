package descriptor

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// compileGuard compiles a transition guard expression once, at load time.
// Guards are evaluated against the running machine's context map, so
// the expression environment is left dynamic (no static Env) and undefined
// variables are allowed to compile — a guard referencing a key that
// happens to be absent at evaluation time is a runtime "false", not a load
// error, mirroring the interpolator's "unknown path is not an error"
// stance.
func compileGuard(src string) (*vm.Program, error) {
	if src == "" {
		return nil, nil
	}
	prog, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidGuard, src, err)
	}
	return prog, nil
}

// EvalGuard runs a compiled guard against a context snapshot. A nil
// program (no guard declared) always evaluates to true — a guardless
// transition matches unconditionally.
func EvalGuard(prog *vm.Program, ctx map[string]any) (bool, error) {
	if prog == nil {
		return true, nil
	}
	out, err := expr.Run(prog, ctx)
	if err != nil {
		return false, fmt.Errorf("guard evaluation failed: %w", err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("guard did not evaluate to a boolean, got %T", out)
	}
	return b, nil
}

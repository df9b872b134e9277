package rule

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"
)

// celEnvironment wraps the CEL environment used to compile when.expr
// conditions. One environment is shared by all rules of a compilation pass.
type celEnvironment struct {
	env *cel.Env
}

// newCELEnvironment builds the expression environment. Variables:
//   - tool (string), sender (string)
//   - args (map[string]dyn)
//   - session (map: total_calls, pii_tainted, tool_counts)
//   - context (map[string]string)
//
// Custom functions: glob(pattern, s) and arg_contains(args, substr).
func newCELEnvironment() (*celEnvironment, error) {
	env, err := cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("tool", cel.StringType),
		cel.Variable("sender", cel.StringType),
		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("session", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("context", cel.MapType(cel.StringType, cel.StringType)),

		// glob: shell-style pattern match against a string.
		// Usage: glob("web_*", tool)
		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					p := pattern.Value().(string)
					n := name.Value().(string)
					matched, _ := filepath.Match(p, n)
					return types.Bool(matched)
				}),
			),
		),

		// arg_contains: true if any string argument value contains the substring.
		// Usage: arg_contains(args, "password")
		cel.Function("arg_contains",
			cel.Overload("arg_contains_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(mapVal, substrVal ref.Val) ref.Val {
					substr := substrVal.Value().(string)
					goVal := mapVal.Value()
					if goMap, ok := goVal.(map[string]any); ok {
						for _, v := range goMap {
							if s, ok := v.(string); ok && strings.Contains(s, substr) {
								return types.Bool(true)
							}
						}
					}
					if refMap, ok := goVal.(map[ref.Val]ref.Val); ok {
						for _, v := range refMap {
							if s, ok := v.Value().(string); ok && strings.Contains(s, substr) {
								return types.Bool(true)
							}
						}
					}
					return types.Bool(false)
				}),
			),
		),
	)
	if err != nil {
		return nil, err
	}
	return &celEnvironment{env: env}, nil
}

// compile checks and compiles one expression to a Program. The expression
// must evaluate to a boolean.
func (e *celEnvironment) compile(expr string) (cel.Program, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("compile %q: expression must be boolean, got %s", expr, ast.OutputType())
	}
	prog, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}
	return prog, nil
}

// BuildActivation assembles the variable bindings for one evaluation.
// sessionVars carries total_calls, pii_tainted and tool_counts.
func BuildActivation(tool, sender string, args map[string]any, sessionVars map[string]any, context map[string]string) map[string]any {
	if args == nil {
		args = map[string]any{}
	}
	if sessionVars == nil {
		sessionVars = map[string]any{}
	}
	if context == nil {
		context = map[string]string{}
	}
	return map[string]any{
		"tool":    tool,
		"sender":  sender,
		"args":    args,
		"session": sessionVars,
		"context": context,
	}
}

// EvalProgram runs a compiled expression. Evaluation errors make the
// predicate false; they never abort a match pass.
func EvalProgram(prog cel.Program, activation map[string]any) bool {
	out, _, err := prog.Eval(activation)
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

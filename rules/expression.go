package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	expressionCacheSize = 512
	expressionCostLimit = 1000000
)

// expressionVariables are the top-level names visible to expression conditions
var expressionVariables = []string{"timer", "issue", "user", "current", "vars"}

// expressionCompiler compiles CEL condition expressions and caches the programs
type expressionCompiler struct {
	env      *cel.Env
	programs *lru.Cache[string, cel.Program]
}

func newExpressionCompiler() (*expressionCompiler, error) {
	opts := make([]cel.EnvOption, 0, len(expressionVariables))
	for _, name := range expressionVariables {
		opts = append(opts, cel.Variable(name, cel.DynType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	programs, err := lru.New[string, cel.Program](expressionCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create program cache: %w", err)
	}
	return &expressionCompiler{env: env, programs: programs}, nil
}

// Compile validates and caches an expression
func (c *expressionCompiler) Compile(expression string) (cel.Program, error) {
	if prog, ok := c.programs.Get(expression); ok {
		return prog, nil
	}

	ast, issues := c.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}

	// Cost limit prevents runaway expressions
	prog, err := c.env.Program(ast, cel.CostLimit(expressionCostLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	c.programs.Add(expression, prog)
	return prog, nil
}

// Eval evaluates an expression against a context tree. Non-boolean results are false.
func (c *expressionCompiler) Eval(expression string, tree map[string]any) (bool, error) {
	prog, err := c.Compile(expression)
	if err != nil {
		return false, err
	}

	activation := make(map[string]any, len(expressionVariables))
	for _, name := range expressionVariables {
		activation[name] = map[string]any{}
	}
	vars := map[string]any{}
	for k, v := range tree {
		if _, section := activation[k]; section && k != "vars" {
			activation[k] = v
			continue
		}
		vars[k] = v
	}
	activation["vars"] = vars

	out, _, err := prog.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("evaluation error: %w", err)
	}

	matched, ok := out.Value().(bool)
	return ok && matched, nil
}

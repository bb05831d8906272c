package cel

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Activation is the variable set a trigger predicate is evaluated against.
type Activation struct {
	Kind    string
	Fields  map[string]interface{}
	Guest   map[string]interface{}
	Booking map[string]interface{}
	Payment map[string]interface{}
}

func (a Activation) vars() map[string]interface{} {
	return map[string]interface{}{
		"kind":    a.Kind,
		"fields":  orEmpty(a.Fields),
		"guest":   orEmpty(a.Guest),
		"booking": orEmpty(a.Booking),
		"payment": orEmpty(a.Payment),
	}
}

func orEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

type Evaluator struct {
	env      *cel.Env
	programs sync.Map
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("kind", cel.StringType),
		cel.Variable("fields", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("guest", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("booking", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("payment", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{env: env}, nil
}

func (e *Evaluator) ValidateExpression(expression string) error {
	_, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}
	return nil
}

// ValidatePredicate compiles expression and requires a bool result type.
func (e *Evaluator) ValidatePredicate(expression string) error {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return fmt.Errorf("predicate must return bool, got %v", ast.OutputType())
	}

	return nil
}

// EvaluatePredicate runs a bool expression. Compiled programs are cached per expression.
func (e *Evaluator) EvaluatePredicate(ctx context.Context, expression string, act Activation) (bool, error) {
	program, err := e.program(expression)
	if err != nil {
		return false, err
	}

	result, _, err := program.ContextEval(ctx, act.vars())
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	boolVal, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", result.Value())
	}

	return boolVal, nil
}

func (e *Evaluator) program(expression string) (cel.Program, error) {
	if cached, ok := e.programs.Load(expression); ok {
		return cached.(cel.Program), nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("predicate must return bool, got %v", ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	e.programs.Store(expression, program)
	return program, nil
}

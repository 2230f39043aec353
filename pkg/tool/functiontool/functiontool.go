// Package functiontool creates tools from typed Go functions.
//
// A function tool wraps a func(ctx, Args) pair into the tool.CallableTool
// interface, generating the parameter schema from the Args struct tags:
//
//	type CalcArgs struct {
//	    Expression string `json:"expression" jsonschema:"required,description=Arithmetic expression"`
//	}
//
//	calc, err := functiontool.New(
//	    functiontool.Config{Name: "custom_calculator", Description: "Evaluate arithmetic"},
//	    func(ctx context.Context, args CalcArgs) (map[string]any, error) {
//	        ...
//	    },
//	)
package functiontool

import (
	"context"
	"fmt"

	"github.com/kadirpekel/maestro/pkg/tool"
)

// Config names and describes a function tool.
type Config struct {
	// Name is the unique identifier for this tool (required).
	Name string

	// Description explains what the tool does (required). Shown to the LLM.
	Description string
}

// New creates a CallableTool from a typed function. The parameter schema is
// generated from the json and jsonschema tags on Args.
func New[Args any](cfg Config, fn func(context.Context, Args) (map[string]any, error)) (tool.CallableTool, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	if cfg.Description == "" {
		return nil, fmt.Errorf("tool description is required")
	}

	schema, err := generateSchema[Args]()
	if err != nil {
		return nil, fmt.Errorf("failed to generate schema for %s: %w", cfg.Name, err)
	}

	return &functionTool[Args]{
		config: cfg,
		fn:     fn,
		schema: schema,
	}, nil
}

// NewWithValidation creates a CallableTool that runs validate on the decoded
// arguments before invoking fn. Use it for constraints struct tags cannot
// express.
func NewWithValidation[Args any](
	cfg Config,
	fn func(context.Context, Args) (map[string]any, error),
	validate func(Args) error,
) (tool.CallableTool, error) {
	base, err := New(cfg, fn)
	if err != nil {
		return nil, err
	}
	return &validatedFunctionTool[Args]{
		functionTool: base.(*functionTool[Args]),
		validate:     validate,
	}, nil
}

type functionTool[Args any] struct {
	config Config
	fn     func(context.Context, Args) (map[string]any, error)
	schema map[string]any
}

func (t *functionTool[Args]) Name() string        { return t.config.Name }
func (t *functionTool[Args]) Description() string { return t.config.Description }

func (t *functionTool[Args]) Schema() map[string]any { return t.schema }

func (t *functionTool[Args]) Call(ctx context.Context, args map[string]any) (map[string]any, error) {
	var typed Args
	if err := decodeArgs(args, &typed); err != nil {
		return nil, fmt.Errorf("invalid arguments for %s: %w", t.config.Name, err)
	}
	return t.fn(ctx, typed)
}

type validatedFunctionTool[Args any] struct {
	*functionTool[Args]
	validate func(Args) error
}

func (t *validatedFunctionTool[Args]) Call(ctx context.Context, args map[string]any) (map[string]any, error) {
	var typed Args
	if err := decodeArgs(args, &typed); err != nil {
		return nil, fmt.Errorf("invalid arguments for %s: %w", t.config.Name, err)
	}
	if err := t.validate(typed); err != nil {
		return nil, fmt.Errorf("validation failed for %s: %w", t.config.Name, err)
	}
	return t.fn(ctx, typed)
}

var (
	_ tool.CallableTool = (*functionTool[struct{}])(nil)
	_ tool.CallableTool = (*validatedFunctionTool[struct{}])(nil)
)

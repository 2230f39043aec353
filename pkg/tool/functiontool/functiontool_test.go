package functiontool

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/maestro/pkg/tool"
)

type echoArgs struct {
	Message string `json:"message" jsonschema:"required,description=Message to echo"`
	Times   int    `json:"times,omitempty" jsonschema:"description=Repeat count"`
}

func newEcho(t *testing.T) tool.CallableTool {
	t.Helper()
	echo, err := New(
		Config{Name: "echo", Description: "Echo a message"},
		func(ctx context.Context, args echoArgs) (map[string]any, error) {
			times := args.Times
			if times == 0 {
				times = 1
			}
			out := ""
			for i := 0; i < times; i++ {
				out += args.Message
			}
			return map[string]any{"echo": out}, nil
		},
	)
	require.NoError(t, err)
	return echo
}

func TestNewRequiresNameAndDescription(t *testing.T) {
	_, err := New(Config{}, func(ctx context.Context, args echoArgs) (map[string]any, error) {
		return nil, nil
	})
	require.Error(t, err)

	_, err = New(Config{Name: "echo"}, func(ctx context.Context, args echoArgs) (map[string]any, error) {
		return nil, nil
	})
	require.Error(t, err)
}

func TestSchemaGeneration(t *testing.T) {
	echo := newEcho(t)
	schema := echo.Schema()

	assert.Equal(t, "object", schema["type"])

	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "message")
	assert.Contains(t, props, "times")

	message, ok := props["message"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Message to echo", message["description"])

	required, ok := schema["required"].([]any)
	require.True(t, ok)
	assert.Contains(t, required, "message")
	assert.NotContains(t, required, "times")
}

func TestCallDecodesArgs(t *testing.T) {
	echo := newEcho(t)

	result, err := echo.Call(context.Background(), map[string]any{"message": "hi", "times": 2})
	require.NoError(t, err)
	assert.Equal(t, "hihi", result["echo"])
}

func TestCallToleratesWeakTypes(t *testing.T) {
	echo := newEcho(t)

	// Models frequently send numbers as strings; the decoder accepts them.
	result, err := echo.Call(context.Background(), map[string]any{"message": "a", "times": "3"})
	require.NoError(t, err)
	assert.Equal(t, "aaa", result["echo"])

	// JSON numbers arrive as float64.
	result, err = echo.Call(context.Background(), map[string]any{"message": "b", "times": float64(2)})
	require.NoError(t, err)
	assert.Equal(t, "bb", result["echo"])
}

func TestNewWithValidation(t *testing.T) {
	bounded, err := NewWithValidation(
		Config{Name: "bounded", Description: "Echo with a bound"},
		func(ctx context.Context, args echoArgs) (map[string]any, error) {
			return map[string]any{"echo": args.Message}, nil
		},
		func(args echoArgs) error {
			if args.Times > 10 {
				return fmt.Errorf("times must be <= 10")
			}
			return nil
		},
	)
	require.NoError(t, err)

	_, err = bounded.Call(context.Background(), map[string]any{"message": "x", "times": 11})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")

	result, err := bounded.Call(context.Background(), map[string]any{"message": "x", "times": 2})
	require.NoError(t, err)
	assert.Equal(t, "x", result["echo"])
}

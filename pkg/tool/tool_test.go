package tool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTool struct {
	name string
}

func (f *fakeTool) Name() string           { return f.name }
func (f *fakeTool) Description() string    { return "fake tool" }
func (f *fakeTool) Schema() map[string]any { return nil }
func (f *fakeTool) Call(ctx context.Context, args map[string]any) (map[string]any, error) {
	return map[string]any{"ok": true}, nil
}

func TestParseAgentRef(t *testing.T) {
	id, ok := ParseAgentRef("agent:researcher")
	require.True(t, ok)
	assert.Equal(t, "researcher", id)

	_, ok = ParseAgentRef("calculator")
	assert.False(t, ok)

	_, ok = ParseAgentRef("agent:")
	assert.False(t, ok)
}

func TestRegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Descriptor{Category: "math"}, &fakeTool{name: "calc"}))

	desc, impl, err := reg.Get("calc")
	require.NoError(t, err)
	assert.Equal(t, "calc", desc.Name)
	assert.True(t, desc.IsEnabled)
	assert.NotNil(t, impl)

	// Duplicate registration fails.
	require.Error(t, reg.Register(Descriptor{}, &fakeTool{name: "calc"}))
}

func TestRegisterRejectsAgentPrefix(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(Descriptor{Name: "agent:sneaky"}, &fakeTool{name: "agent:sneaky"})
	require.Error(t, err)
}

func TestUnregisterIsSoft(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Descriptor{}, &fakeTool{name: "calc"}))
	require.NoError(t, reg.Unregister("calc"))

	// Disabled tools are not resolvable...
	_, _, err := reg.Get("calc")
	require.ErrorIs(t, err, ErrToolUnavailable)

	// ...but stay listed so references do not dangle.
	all := reg.List(ListFilter{})
	require.Len(t, all, 1)
	assert.False(t, all[0].IsEnabled)
	assert.Empty(t, reg.List(ListFilter{EnabledOnly: true}))

	require.NoError(t, reg.Enable("calc"))
	_, _, err = reg.Get("calc")
	require.NoError(t, err)
}

func TestResolveMany(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Descriptor{}, &fakeTool{name: "a"}))
	require.NoError(t, reg.Register(Descriptor{}, &fakeTool{name: "b"}))
	require.NoError(t, reg.Unregister("b"))

	resolved, missing := reg.ResolveMany([]string{"a", "b", "c", "agent:x"})
	assert.Len(t, resolved, 1)
	assert.Equal(t, []string{"b", "c", "agent:x"}, missing)
}

func TestBumpUsage(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Descriptor{}, &fakeTool{name: "calc"}))

	reg.BumpUsage("calc")
	reg.BumpUsage("calc")
	reg.BumpUsage("unknown")

	desc, _, err := reg.Get("calc")
	require.NoError(t, err)
	assert.Equal(t, int64(2), desc.UsageCount)
}

func TestListFilterByCategory(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Descriptor{Category: "math"}, &fakeTool{name: "calc"}))
	require.NoError(t, reg.Register(Descriptor{Category: "text"}, &fakeTool{name: "analyze"}))

	math := reg.List(ListFilter{Category: "math"})
	require.Len(t, math, 1)
	assert.Equal(t, "calc", math[0].Name)
}

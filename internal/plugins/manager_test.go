package plugins

import (
	"context"
	"fmt"
	"testing"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhanush-chevuri/julep/pkg/schema"
)

func calcServer() *server.MCPServer {
	s := server.NewMCPServer("calc", "1.0.0", server.WithToolCapabilities(false))
	s.AddTool(mcp.NewTool("add",
		mcp.WithNumber("a", mcp.Required()),
		mcp.WithNumber("b", mcp.Required()),
	), func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		a := req.GetFloat("a", 0)
		b := req.GetFloat("b", 0)
		return mcp.NewToolResultText(fmt.Sprintf(`{"sum": %g}`, a+b)), nil
	})
	s.AddTool(mcp.NewTool("echo", mcp.WithString("text")), func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText("said " + req.GetString("text", "")), nil
	})
	s.AddTool(mcp.NewTool("fail"), func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultError("division by zero"), nil
	})
	return s
}

func connect(t *testing.T, m *Manager, name string, s *server.MCPServer) {
	t.Helper()
	c, err := client.NewInProcessClient(s)
	require.NoError(t, err)
	require.NoError(t, m.Connect(context.Background(), name, c))
}

func TestManager_CallTool(t *testing.T) {
	m := NewManager("test", nil)
	t.Cleanup(func() { _ = m.Close() })
	connect(t, m, "calc", calcServer())

	assert.Equal(t, []string{"calc.add", "calc.echo", "calc.fail"}, m.Tools())
	assert.Equal(t, map[string]string{"calc": StatusHealthy}, m.Status())

	out, err := m.CallTool(context.Background(), "add", map[string]any{"a": 1.0, "b": 2.0})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"sum": 3.0}, out)

	out, err = m.CallTool(context.Background(), "calc.echo", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "said hi", out)
}

func TestManager_ToolErrors(t *testing.T) {
	m := NewManager("test", nil)
	t.Cleanup(func() { _ = m.Close() })
	connect(t, m, "calc", calcServer())

	_, err := m.CallTool(context.Background(), "fail", nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStepFailed))
	assert.Contains(t, err.Error(), "division by zero")

	_, err = m.CallTool(context.Background(), "nope", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestManager_AmbiguousTool(t *testing.T) {
	m := NewManager("test", nil)
	t.Cleanup(func() { _ = m.Close() })
	connect(t, m, "calc", calcServer())
	connect(t, m, "other", calcServer())

	_, err := m.CallTool(context.Background(), "add", map[string]any{"a": 1.0, "b": 1.0})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	out, err := m.CallTool(context.Background(), "other.add", map[string]any{"a": 1.0, "b": 1.0})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"sum": 2.0}, out)
}

func TestManager_DuplicateProvider(t *testing.T) {
	m := NewManager("test", nil)
	t.Cleanup(func() { _ = m.Close() })
	connect(t, m, "calc", calcServer())

	c, err := client.NewInProcessClient(calcServer())
	require.NoError(t, err)
	err = m.Connect(context.Background(), "calc", c)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}

func TestManager_HealthCheck(t *testing.T) {
	m := NewManager("test", nil)
	t.Cleanup(func() { _ = m.Close() })
	connect(t, m, "calc", calcServer())

	assert.Equal(t, map[string]string{"calc": StatusHealthy}, m.HealthCheck(context.Background()))
}

func TestManager_LaunchRequiresCommand(t *testing.T) {
	m := NewManager("test", nil)
	err := m.Launch(context.Background(), ProviderConfig{Name: "x"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestManager_Close(t *testing.T) {
	m := NewManager("test", nil)
	connect(t, m, "calc", calcServer())
	require.NoError(t, m.Close())
	assert.Empty(t, m.Tools())
	assert.Empty(t, m.Status())
}

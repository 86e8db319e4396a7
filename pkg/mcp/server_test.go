package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	s := NewServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.Sessions())
}

func TestNewServer_SharesSessionRegistry(t *testing.T) {
	sessions := NewSessionRegistry()
	s := NewServer(ServerDeps{Sessions: sessions})
	assert.Same(t, sessions, s.Sessions())
}

func TestToolRegistration(t *testing.T) {
	s := NewServer(ServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 13)

	expectedTools := []string{
		"flowgate.run",
		"flowgate.status",
		"flowgate.decide",
		"flowgate.revise",
		"flowgate.pause",
		"flowgate.resume",
		"flowgate.abort",
		"flowgate.replay",
		"flowgate.history",
		"flowgate.validate",
		"flowgate.workflows",
		"flowgate.schedules",
		"flowgate.diagram",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"run", "flowgate.run", "Start a workflow execution"},
		{"decide", "flowgate.decide", "Resolve a waiting review gate"},
		{"revise", "flowgate.revise", "Send a gated node back for another attempt with feedback"},
		{"abort", "flowgate.abort", "Abort the active execution and cancel in-flight nodes"},
		{"replay", "flowgate.replay", "Start a new execution from a settled one"},
	}

	s := NewServer(ServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}

func TestDecideToolRequiresNodeID(t *testing.T) {
	s := NewServer(ServerDeps{})
	tool := s.mcpServer.GetTool("flowgate.decide")
	require.NotNil(t, tool)
	assert.Contains(t, tool.Tool.InputSchema.Required, "node_id")
}

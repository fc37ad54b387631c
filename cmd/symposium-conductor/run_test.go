package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSpecsSplitsEachArgumentOnWhitespace(t *testing.T) {
	specs, err := buildSpecs([]string{"editor-context-proxy", "mcp-proxy --registry tools"})
	require.NoError(t, err)
	require.Len(t, specs, 2)

	assert.Equal(t, "editor-context-proxy", specs[0].Command)
	assert.Empty(t, specs[0].Args)

	assert.Equal(t, "mcp-proxy", specs[1].Command)
	assert.Equal(t, []string{"--registry", "tools"}, specs[1].Args)
}

func TestBuildSpecsRejectsEmptyCommand(t *testing.T) {
	_, err := buildSpecs([]string{"  "})
	assert.Error(t, err)
}

package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cyclicYAML = `
id: loop
nodes:
  - id: a
    kind: agent
    type: writer
  - id: b
    kind: agent
    type: writer
transitions:
  - source: a
    target: b
  - source: b
    target: a
`

func TestValidateFiles(t *testing.T) {
	dir := t.TempDir()
	good := writeWorkflow(t, dir, "pipeline.yaml", pipelineYAML)
	bad := writeWorkflow(t, dir, "loop.yaml", cyclicYAML)

	var out bytes.Buffer
	require.NoError(t, validateFiles(context.Background(), []string{good}, &out))
	assert.Contains(t, out.String(), "pipeline.yaml: ok")

	out.Reset()
	err := validateFiles(context.Background(), []string{good, bad, dir + "/missing.yaml"}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 of 3")
	assert.Contains(t, out.String(), "CYCLE_DETECTED")
}

package diagram

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowgate/pkg/schema"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G'}

func TestRenderImagePNG(t *testing.T) {
	model, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	png, err := RenderImage(context.Background(), model, ImagePNG)
	require.NoError(t, err)
	require.Greater(t, len(png), 8)
	assert.True(t, bytes.HasPrefix(png, pngMagic))
}

func TestRenderImageSVGWithClustersAndStatus(t *testing.T) {
	exec := &schema.Execution{NodeStates: map[string]*schema.NodeExecutionState{
		"plan": {Status: schema.NodeCompleted},
		"each": {Status: schema.NodeRunning},
		"a":    {Status: schema.NodeFailed},
	}}
	model, err := Build(loopWorkflow(), exec)
	require.NoError(t, err)

	svg, err := RenderImage(context.Background(), model, ImageSVG)
	require.NoError(t, err)
	assert.Contains(t, string(svg), "<svg")
	assert.Contains(t, string(svg), "cluster_body_each")
}

func TestRenderImageUnknownFormat(t *testing.T) {
	model, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	_, err = RenderImage(context.Background(), model, "gif")
	require.Error(t, err)
	assert.Equal(t, "image/svg+xml", ImageSVG.MIMEType())
	assert.Equal(t, "image/png", ImagePNG.MIMEType())
}

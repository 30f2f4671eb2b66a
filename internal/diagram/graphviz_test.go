package diagram

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhanush-chevuri/julep/pkg/schema"
)

func TestRenderImage_PNG(t *testing.T) {
	m, err := Build(reviewTask(), []*schema.Transition{
		{Type: schema.TransitionStep, Current: schema.TransitionTarget{Workflow: "main", Step: 0}},
		{Type: schema.TransitionError, Current: schema.TransitionTarget{Workflow: "main", Step: 1}, Output: "x"},
	})
	require.NoError(t, err)

	png, err := RenderImage(context.Background(), m, FormatPNG)
	require.NoError(t, err)
	require.Greater(t, len(png), 8)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])
}

func TestRenderImage_SVG(t *testing.T) {
	m, err := Build(reviewTask(), nil)
	require.NoError(t, err)

	svg, err := RenderImage(context.Background(), m, FormatSVG)
	require.NoError(t, err)
	assert.Contains(t, string(svg), "<svg")
}

func TestRenderImage_UnknownFormat(t *testing.T) {
	m, err := Build(reviewTask(), nil)
	require.NoError(t, err)

	_, err = RenderImage(context.Background(), m, "gif")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

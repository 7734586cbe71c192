// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package classifier

import (
	"image"
	"image/color"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/quiznet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gradientImage returns an image with a different color gradient depending on seed.
func gradientImage(width, height, seed int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			img.Set(x, y, color.NRGBA{
				R: uint8((x*7 + seed*31) % 256),
				G: uint8((y*11 + seed*17) % 256),
				B: uint8((x + y + seed*53) % 256),
				A: 255,
			})
		}
	}
	return img
}

func TestClassifier(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := quiznet.CreateDefaultContext()
	c, err := newFromContext(backend, ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.0, c.Model().DropoutRate())

	img := gradientImage(32, 32, 0)
	probabilities, err := c.Probabilities(img)
	require.NoError(t, err)
	require.Len(t, probabilities, quiznet.NumClasses)
	var sum float32
	best := 0
	for ii, p := range probabilities {
		assert.GreaterOrEqual(t, p, float32(0))
		sum += p
		if p > probabilities[best] {
			best = ii
		}
	}
	assert.InDelta(t, 1.0, sum, 1e-4)

	class, err := c.Classify(img)
	require.NoError(t, err)
	assert.Equal(t, int32(best), class)

	// Images of other sizes are resized.
	imgs := []image.Image{img, gradientImage(64, 48, 1), gradientImage(20, 20, 2)}
	classes, err := c.ClassifyBatch(imgs)
	require.NoError(t, err)
	require.Len(t, classes, len(imgs))
	assert.Equal(t, class, classes[0])
	for _, class := range classes {
		assert.GreaterOrEqual(t, class, int32(0))
		assert.Less(t, class, int32(quiznet.NumClasses))
	}

	_, err = c.ClassifyBatch(nil)
	require.Error(t, err)
	_, err = c.Classify(nil)
	require.Error(t, err)
}

func TestNewFromCheckpoint(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	dir := t.TempDir()

	// Initialize the model variables, and save them.
	ctx := quiznet.CreateDefaultContext()
	ctx.SetParam(quiznet.ParamDropoutRate, 0.1)
	c, err := newFromContext(backend, ctx)
	require.NoError(t, err)
	img := gradientImage(32, 32, 3)
	want, err := c.Probabilities(img)
	require.NoError(t, err)
	checkpoint, err := checkpoints.Build(ctx).Dir(dir).Done()
	require.NoError(t, err)
	require.NoError(t, checkpoint.Save())

	loaded, err := NewWithBackend(backend, dir)
	require.NoError(t, err)
	assert.Equal(t, 0.1, loaded.Model().DropoutRate())
	got, err := loaded.Probabilities(img)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want, got, 1e-5)

	_, err = NewWithBackend(backend, t.TempDir())
	require.Error(t, err)
}

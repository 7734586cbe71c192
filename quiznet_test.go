// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quiznet

import (
	"math"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Expected static counts for QuizNet: convolution kernels plus batch normalization scale and offset
// (trainable), and batch normalization mean, variance and average weight (non-trainable).
const (
	wantTrainableParams    = 547_744
	wantNonTrainableParams = 2_400
)

// testImages returns a deterministic batch of images shaped [batchSize, 3, size, size] with values in [0, 1).
func testImages(batchSize, size int) *tensors.Tensor {
	flat := make([]float32, batchSize*InputChannels*size*size)
	for ii := range flat {
		flat[ii] = float32((ii*7)%13) / 13
	}
	return tensors.FromFlatDataAndDimensions(flat, batchSize, InputChannels, size, size)
}

func TestForward(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := New("quiznet", 0.1)
	ctx := context.New()
	output := context.MustExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return model.Forward(ctx, x)
	}, testImages(2, 32))
	require.NoError(t, output.Shape().Check(dtypes.Float32, 2, NumClasses))

	// Log-probabilities: each row exponentiated sums to 1.
	for _, row := range output.Value().([][]float32) {
		var sum float64
		for _, logProb := range row {
			assert.LessOrEqual(t, logProb, float32(1e-5))
			sum += math.Exp(float64(logProb))
		}
		assert.InDelta(t, 1.0, sum, 1e-4)
	}
}

func TestForwardInvalidInput(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := New("quiznet", 0)
	forward := func(input *tensors.Tensor) {
		_ = context.MustExecOnce(backend, context.New(), func(ctx *context.Context, x *Node) *Node {
			return model.Forward(ctx, x)
		}, input)
	}
	require.Panics(t, func() { forward(tensors.FromShape(shapes.Make(dtypes.Float32, 2, 1, 32, 32))) })
	require.Panics(t, func() { forward(tensors.FromShape(shapes.Make(dtypes.Float32, 3, 32, 32))) })
	require.Panics(t, func() { New("quiznet", 1.0) })
	require.Panics(t, func() { New("quiznet", -0.1) })
}

func TestDeterministicInference(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := New("quiznet", 0.2)
	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return model.Forward(ctx, x)
	})
	images := testImages(3, 16)
	first := exec.MustExec(images)[0]
	second := exec.MustExec(images)[0]
	require.Equal(t, first.Value(), second.Value())
}

func TestModelGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := NewFromContext(CreateDefaultContext(), "quiznet")
	ctx := CreateDefaultContext().In(ModelScope)
	output := context.MustExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return model.ModelGraph(ctx, nil, []*Node{x})[0]
	}, testImages(2, 32))
	require.NoError(t, output.Shape().Check(dtypes.Float32, 2, NumClasses))
	require.NotNil(t, ctx.InspectVariable("/"+ModelScope+"/conv0/00_conv", "weights"))
}

// TestModelGraphTraining builds the model in training mode with the default hyperparameters, which
// include the cosine schedule of the learning rate.
func TestModelGraphTraining(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := CreateDefaultContext()
	model := NewFromContext(ctx, "quiznet")
	modelCtx := ctx.In(ModelScope)
	output, err := context.ExecOnce(backend, modelCtx, func(ctx *context.Context, x *Node) *Node {
		ctx.SetTraining(x.Graph(), true)
		return model.ModelGraph(ctx, nil, []*Node{x})[0]
	}, testImages(2, 32))
	require.NoError(t, err)
	require.NoError(t, output.Shape().Check(dtypes.Float32, 2, NumClasses))

	// The first step of the schedule uses the full learning rate.
	lrVar := modelCtx.In(optimizers.Scope).GetVariable(optimizers.ParamLearningRate)
	require.NotNil(t, lrVar)
	lr, err := lrVar.Value()
	require.NoError(t, err)
	assert.InDelta(t, 0.05, shapes.ConvertTo[float64](lr.Value()), 1e-6)

	// Without a schedule the model graph is built just the same.
	ctx = CreateDefaultContext()
	ctx.SetParam(cosineschedule.ParamCycles, 0)
	_, err = context.ExecOnce(backend, ctx.In(ModelScope), func(ctx *context.Context, x *Node) *Node {
		ctx.SetTraining(x.Graph(), true)
		return model.ModelGraph(ctx, nil, []*Node{x})[0]
	}, testImages(2, 32))
	require.NoError(t, err)
}

func TestSharedBlock(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := New("quiznet", 0)
	ctx := context.New()
	_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return model.Forward(ctx, x)
	}, testImages(1, 32))

	var conv5Weights int
	for v := range ctx.IterVariables() {
		if v.Name() == "weights" && strings.HasPrefix(v.Scope(), "/conv5") {
			conv5Weights++
			assert.Equal(t, "/conv5/00_conv", v.Scope())
		}
	}
	require.Equal(t, 1, conv5Weights)
	assert.Len(t, model.Blocks(), 11)

	// conv5 is counted once.
	assert.Equal(t, wantTrainableParams, model.NumParameters(ctx))
	totals, err := model.Totals([]int{1, 3, 32, 32})
	require.NoError(t, err)
	assert.Equal(t, wantTrainableParams, totals.TrainableParams)
	assert.Equal(t, wantNonTrainableParams, totals.NonTrainableParams)
}

func TestValidateAndEdges(t *testing.T) {
	model := New("quiznet", 0.05)
	require.NoError(t, model.Validate())

	edges := model.Edges()
	assert.Contains(t, edges, Edge{From: "x4", To: "conv5/reuse"})
	assert.Contains(t, edges, Edge{From: "x6", To: "conv5/reuse"})
	assert.Contains(t, edges, Edge{From: "x7", To: "pool2"})
	assert.NotContains(t, edges, Edge{From: "x4", To: "pool2"})
	assert.Contains(t, edges, Edge{From: "x10", To: "conv9"})

	// Break the topology: conv3 consumes an activation map with the wrong number of channels.
	broken := New("broken", 0)
	for _, step := range broken.steps {
		if step.Name == "conv3" {
			step.Inputs = []string{"x8"}
		}
	}
	require.Error(t, broken.Validate())

	broken = New("broken", 0)
	for _, step := range broken.steps {
		if step.Name == "conv4" {
			step.Inputs = []string{"x4", "pooled2"}
		}
	}
	require.Error(t, broken.Validate())
}

func TestOutputDims(t *testing.T) {
	model := New("quiznet", 0)
	dims, err := model.OutputDims([]int{5, 3, 32, 32})
	require.NoError(t, err)
	assert.Equal(t, []int{5, NumClasses}, dims)

	dims, err = model.OutputDims([]int{1, 3, 7, 9})
	require.NoError(t, err)
	assert.Equal(t, []int{1, NumClasses}, dims)

	_, err = model.OutputDims([]int{1, 3, 3, 3})
	require.Error(t, err)
	_, err = model.OutputDims([]int{1, 1, 32, 32})
	require.Error(t, err)
	_, err = model.OutputDims([]int{3, 32, 32})
	require.Error(t, err)
}

func TestSummary(t *testing.T) {
	model := New("quiznet", 0.1)
	summary, err := model.Summary([]int{1, 3, 32, 32})
	require.NoError(t, err)
	for _, want := range []string{
		"Conv2d-1", "BatchNorm2d-1", "Dropout-1", "ReLU-1", "MaxPool2d-2", "AdaptiveAvgPool2d-1", "LogSoftmax-1",
		"conv5/reuse", "(shared)", "[-1, 32, 32, 32]", "[-1, 10]",
		"Total params: 550,144", "Trainable params: 547,744", "Non-trainable params: 2,400",
	} {
		assert.Contains(t, summary, want)
	}
	_, err = model.Summary([]int{1, 3, 2, 2})
	require.Error(t, err)
}

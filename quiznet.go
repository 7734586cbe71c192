// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package quiznet implements the QuizNet convolutional network for 32x32 RGB images (CIFAR-10),
// built from the convolution blocks of the blocks package.
//
// The network is a fixed graph of 11 convolution blocks with dense skip connections (sums of the
// previous activation maps), two 2x2 max-poolings, a global average pooling and a 1x1 projection to
// the 10 classes, with a final log-softmax. The block conv5 is applied twice, sharing its weights.
//
// Images are channels-first: shaped [batch, 3, height, width].
//
// Example:
//
//	model := quiznet.New("quiznet", 0.05)
//	trainer := train.NewTrainer(backend, ctx.In(quiznet.ModelScope), model.ModelGraph, ...)
package quiznet

import (
	"iter"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/quiznet/blocks"
	"github.com/gomlx/quiznet/cifar"
)

// Node is a shortcut to graph.Node.
type Node = graph.Node

const (
	// ModelScope is the context scope under which the trainer and the classifier build the model.
	ModelScope = "model"

	// NumClasses is the number of outputs of the model.
	NumClasses = 10

	// InputChannels expected in the input images.
	InputChannels = 3
)

// Model is the QuizNet network. It is immutable after New, and holds the configuration of every block:
// the weights live in the context passed to Forward.
type Model struct {
	name        string
	dropoutRate float64
	steps       []*Step
}

// New creates the QuizNet model with the given dropout rate, applied to every block except conv6 and conv10.
//
// It panics if dropoutRate is not in [0, 1).
func New(name string, dropoutRate float64) *Model {
	if dropoutRate < 0 || dropoutRate >= 1 {
		exceptions.Panicf("quiznet.New(%q): dropout rate must be in [0, 1), got %g", name, dropoutRate)
	}
	m := &Model{name: name, dropoutRate: dropoutRate}
	m.steps = buildTopology(dropoutRate)
	return m
}

// Name of the model.
func (m *Model) Name() string { return m.name }

// DropoutRate used by the blocks.
func (m *Model) DropoutRate() float64 { return m.dropoutRate }

// Steps returns the ordered steps of the topology.
func (m *Model) Steps() []*Step {
	steps := make([]*Step, len(m.steps))
	copy(steps, m.steps)
	return steps
}

// Blocks returns the distinct blocks of the model, in order of first use.
func (m *Model) Blocks() []*blocks.Block {
	var result []*blocks.Block
	seen := make(map[*blocks.Block]bool)
	for _, step := range m.steps {
		if step.Kind != StepBlock || seen[step.Block] {
			continue
		}
		seen[step.Block] = true
		result = append(result, step.Block)
	}
	return result
}

// Forward builds the QuizNet graph for x, shaped [batch, 3, height, width], and returns the
// log-probabilities shaped [batch, 10].
//
// The variables are created under the current scope of ctx. Blocks used more than once reuse their
// variables on the later applications.
func (m *Model) Forward(ctx *context.Context, x *Node) *Node {
	if x.Rank() != 4 {
		exceptions.Panicf("quiznet: input must be shaped [batch, channels, height, width], got %s", x.Shape())
	}
	if x.Shape().Dimensions[1] != InputChannels {
		exceptions.Panicf("quiznet: input must have %d channels (channels-first), got shape %s",
			InputChannels, x.Shape())
	}
	activations := map[string]*Node{InputName: x}
	built := make(map[*blocks.Block]bool)
	for _, step := range m.steps {
		input := activations[step.Inputs[0]]
		for _, name := range step.Inputs[1:] {
			input = graph.Add(input, activations[name])
		}
		var output *Node
		switch step.Kind {
		case StepBlock:
			blockCtx := ctx
			if built[step.Block] {
				blockCtx = ctx.Reuse()
			}
			output = step.Block.Apply(blockCtx, input)
			built[step.Block] = true
		case StepMaxPool:
			output = graph.MaxPool(input).ChannelsAxis(images.ChannelsFirst).Window(2).Strides(2).NoPadding().Done()
		case StepGlobalAvgPool:
			output = graph.ReduceAndKeep(input, graph.ReduceMean, 2, 3)
		case StepLogSoftmax:
			output = graph.Reshape(input, input.Shape().Dimensions[0], -1)
			output = graph.LogSoftmax(output, -1)
		default:
			exceptions.Panicf("quiznet: unknown step kind %s in step %q", step.Kind, step.Name)
		}
		activations[step.Output] = output
	}
	return activations[OutputName]
}

// ModelGraph implements train.ModelFn: inputs[0] is the batch of images, and it returns the
// log-probabilities.
//
// It applies the cosine learning-rate schedule, if configured with cosineschedule.ParamCycles or
// cosineschedule.ParamPeriodSteps, and the per-channel CIFAR normalization of the images if
// ParamNormalizeInput is set.
func (m *Model) ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec // Not used, the dataset is always the same.
	x := inputs[0]
	g := x.Graph()
	cosineschedule.New(ctx, g, x.DType()).FromContext().Done()
	if context.GetParamOr(ctx, ParamNormalizeInput, true) {
		x = cifar.NormalizeGraph(x)
	}
	return []*Node{m.Forward(ctx, x)}
}

// Assert ModelGraph is a train.ModelFn.
var _ train.ModelFn = (*Model)(nil).ModelGraph

// Parameters iterates over the trainable variables of the model under the current scope of ctx.
func (m *Model) Parameters(ctx *context.Context) iter.Seq[*context.Variable] {
	return func(yield func(*context.Variable) bool) {
		for v := range ctx.IterVariablesInScope() {
			if !v.Trainable {
				continue
			}
			if !yield(v) {
				return
			}
		}
	}
}

// NumParameters returns the number of trainable scalars of the model under the current scope of ctx.
// Variables of shared blocks are counted once.
func (m *Model) NumParameters(ctx *context.Context) int {
	var total int
	for v := range m.Parameters(ctx) {
		total += v.Shape().Size()
	}
	return total
}

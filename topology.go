// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quiznet

import (
	"fmt"
	"slices"

	"github.com/gomlx/quiznet/blocks"
	"github.com/pkg/errors"
)

// StepKind enumerates the operations of the topology.
type StepKind int

const (
	// StepBlock applies a convolution block.
	StepBlock StepKind = iota

	// StepMaxPool is a 2x2 max-pooling with stride 2 and no padding.
	StepMaxPool

	// StepGlobalAvgPool takes the mean over the spatial axes, keeping them with dimension 1.
	StepGlobalAvgPool

	// StepLogSoftmax flattens the input to [batch, classes] and applies log-softmax over the classes.
	StepLogSoftmax
)

var stepKindNames = [...]string{"block", "maxpool", "gap", "log_softmax"}

// String implements fmt.Stringer.
func (k StepKind) String() string {
	if k < 0 || int(k) >= len(stepKindNames) {
		return fmt.Sprintf("StepKind(%d)", int(k))
	}
	return stepKindNames[k]
}

// Names of the input and output activation maps.
const (
	InputName  = "input"
	OutputName = "output"
)

// Step is one operation of the topology: it sums the activation maps named in Inputs, applies its
// operation and stores the result as the activation map named Output.
type Step struct {
	Name   string
	Kind   StepKind
	Block  *blocks.Block // Only for StepBlock.
	Inputs []string
	Output string
}

// String implements fmt.Stringer.
func (s *Step) String() string {
	return fmt.Sprintf("%s(%s): %v -> %s", s.Name, s.Kind, s.Inputs, s.Output)
}

// Edge connects an activation map to the step that consumes it.
type Edge struct {
	From, To string
}

// buildTopology returns the QuizNet steps, in execution order.
//
// The 1x1 blocks (conv0, conv3, conv6 and conv10) use padding 0, the 3x3 ones padding 1.
// conv5 is a single block used by two steps.
func buildTopology(dropoutRate float64) []*Step {
	pointwise := func(name string, in, out int) *blocks.ConvBlockBuilder {
		return blocks.NewConvBlock(name, in, out).Kernel(1, 1).Padding(0)
	}
	conv3x3 := func(name string, channels int) *blocks.Block {
		return blocks.NewConvBlock(name, channels, channels).DropoutRate(dropoutRate).Done()
	}
	block := func(b *blocks.Block, output string, inputs ...string) *Step {
		return &Step{Name: b.Name(), Kind: StepBlock, Block: b, Inputs: inputs, Output: output}
	}

	conv5 := conv3x3("conv5", 64)
	return []*Step{
		block(pointwise("conv0", InputChannels, 32).DropoutRate(dropoutRate).Done(), "x1", InputName),
		block(conv3x3("conv1", 32), "x2", "x1"),
		block(conv3x3("conv2", 32), "x3", "x1", "x2"),
		{Name: "pool1", Kind: StepMaxPool, Inputs: []string{"x1", "x2", "x3"}, Output: "pooled1"},

		block(pointwise("conv3", 32, 64).DropoutRate(dropoutRate).Done(), "x4", "pooled1"),
		block(conv3x3("conv4", 64), "x5", "x4"),
		block(conv5, "x6", "x4", "x5"),
		{Name: "conv5/reuse", Kind: StepBlock, Block: conv5, Inputs: []string{"x4", "x5", "x6"}, Output: "x7"},
		{Name: "pool2", Kind: StepMaxPool, Inputs: []string{"x5", "x6", "x7"}, Output: "pooled2"},

		block(pointwise("conv6", 64, 128).Done(), "x8", "pooled2"),
		block(conv3x3("conv7", 128), "x9", "x8"),
		block(conv3x3("conv8", 128), "x10", "x8", "x9"),
		block(conv3x3("conv9", 128), "x11", "x8", "x9", "x10"),
		{Name: "gap", Kind: StepGlobalAvgPool, Inputs: []string{"x11"}, Output: "pooled3"},

		block(pointwise("conv10", 128, NumClasses).BatchNorm(false).ReLU(false).Done(), "logits", "pooled3"),
		{Name: "log_softmax", Kind: StepLogSoftmax, Inputs: []string{"logits"}, Output: OutputName},
	}
}

// Edges returns the list of connections of the topology: one edge from each activation map to each of
// the steps consuming it.
func (m *Model) Edges() []Edge {
	var edges []Edge
	for _, step := range m.steps {
		for _, input := range step.Inputs {
			edges = append(edges, Edge{From: input, To: step.Name})
		}
	}
	return edges
}

// Validate checks the structure of the topology: every step only consumes activation maps produced
// by earlier steps (so the graph is acyclic), every activation map is produced once, the maps summed
// together have the same number of channels, and each block receives the number of channels it expects.
func (m *Model) Validate() error {
	channels := map[string]int{InputName: InputChannels}
	stepNames := make(map[string]bool)
	for ii, step := range m.steps {
		if stepNames[step.Name] {
			return errors.Errorf("step #%d: duplicate step name %q", ii, step.Name)
		}
		stepNames[step.Name] = true
		if len(step.Inputs) == 0 {
			return errors.Errorf("step %q has no inputs", step.Name)
		}
		inChannels := -1
		for _, input := range step.Inputs {
			c, found := channels[input]
			if !found {
				return errors.Errorf("step %q consumes %q before it is produced", step.Name, input)
			}
			if inChannels != -1 && c != inChannels {
				return errors.Errorf("step %q sums activation maps with different channels: %q has %d, expected %d",
					step.Name, input, c, inChannels)
			}
			inChannels = c
		}
		outChannels := inChannels
		if step.Kind == StepBlock {
			if step.Block == nil {
				return errors.Errorf("step %q has no block", step.Name)
			}
			if step.Block.InChannels() != inChannels {
				return errors.Errorf("step %q: block %q expects %d channels, got %d",
					step.Name, step.Block.Name(), step.Block.InChannels(), inChannels)
			}
			outChannels = step.Block.OutChannels()
		}
		if _, found := channels[step.Output]; found {
			return errors.Errorf("step %q: activation map %q is produced twice", step.Name, step.Output)
		}
		channels[step.Output] = outChannels
	}
	c, found := channels[OutputName]
	if !found {
		return errors.Errorf("no step produces %q", OutputName)
	}
	if c != NumClasses {
		return errors.Errorf("output has %d channels, expected %d classes", c, NumClasses)
	}
	return nil
}

// OutputDims propagates the input dimensions ([batch, 3, height, width]) through the topology and
// returns the dimensions of the output ([batch, 10]).
//
// It returns an error if the input is not a valid image shape, or if height or width are too small
// for the two poolings.
func (m *Model) OutputDims(inputDims []int) ([]int, error) {
	var result []int
	err := m.walkDims(inputDims, func(step *Step, _, outputDims []int) {
		if step.Output == OutputName {
			result = outputDims
		}
	})
	return result, err
}

// walkDims propagates the input dimensions through the steps, calling fn with the input and output
// dimensions of each step.
func (m *Model) walkDims(inputDims []int, fn func(step *Step, stepInputDims, outputDims []int)) error {
	if len(inputDims) != 4 {
		return errors.Errorf("input must be shaped [batch, channels, height, width], got dimensions %v", inputDims)
	}
	if inputDims[1] != InputChannels {
		return errors.Errorf("input must have %d channels, got dimensions %v", InputChannels, inputDims)
	}
	dims := map[string][]int{InputName: inputDims}
	for _, step := range m.steps {
		in := dims[step.Inputs[0]]
		for _, name := range step.Inputs[1:] {
			if !slices.Equal(dims[name], in) {
				return errors.Errorf("step %q sums %q shaped %v with an activation map shaped %v",
					step.Name, name, dims[name], in)
			}
		}
		var out []int
		switch step.Kind {
		case StepBlock:
			var err error
			out, err = step.Block.OutputDims(in)
			if err != nil {
				return errors.WithMessagef(err, "step %q", step.Name)
			}
		case StepMaxPool:
			if in[2] < 2 || in[3] < 2 {
				return errors.Errorf("step %q: input spatial dimensions %v too small for 2x2 pooling", step.Name, in)
			}
			out = []int{in[0], in[1], in[2] / 2, in[3] / 2}
		case StepGlobalAvgPool:
			out = []int{in[0], in[1], 1, 1}
		case StepLogSoftmax:
			out = []int{in[0], in[1] * in[2] * in[3]}
		default:
			return errors.Errorf("step %q has unknown kind %s", step.Name, step.Kind)
		}
		dims[step.Output] = out
		fn(step, in, out)
	}
	return nil
}

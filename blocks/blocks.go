// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package blocks is a small factory of convolution blocks for channels-first images
// (shaped [batch, channels, height, width]).
//
// A Block is an immutable, named, ordered list of stages (see Stage): one or more convolutions,
// optionally followed by batch normalization, dropout and a ReLU activation, always in that order.
//
// Example:
//
//	conv1 := blocks.NewConvBlock("conv1", 32, 32).DropoutRate(0.1).Done()
//	sep := blocks.NewDepthwiseBlock("sep", 32, 64).Done()
//	...
//	func modelGraph(ctx *context.Context, x *Node) *Node {
//		x = conv1.Apply(ctx, x)
//		return sep.Apply(ctx, x)
//	}
//
// Blocks create their variables under ctx.In(block.Name()). Applying the same Block twice in one graph
// shares its weights, but the second application must be given a context with Reuse() set.
package blocks

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Block is a composition of stages with fixed parameters. Create it with Wrap, NewConvBlock or NewDepthwiseBlock.
type Block struct {
	name                    string
	stages                  []Stage
	inChannels, outChannels int
}

// Name of the block, also used as the scope of its variables.
func (b *Block) Name() string { return b.name }

// Stages returns a copy of the ordered list of stages.
func (b *Block) Stages() []Stage { return slices.Clone(b.stages) }

// InChannels expected in the input of the block.
func (b *Block) InChannels() int { return b.inChannels }

// OutChannels produced by the block.
func (b *Block) OutChannels() int { return b.outChannels }

// String implements fmt.Stringer.
func (b *Block) String() string {
	parts := make([]string, len(b.stages))
	for ii, stage := range b.stages {
		parts[ii] = stage.String()
	}
	return fmt.Sprintf("%s: %s", b.name, strings.Join(parts, " -> "))
}

// stageScope is the scope name for the stage of the given index.
func stageScope(idx int, stage Stage) string {
	return fmt.Sprintf("%02d_%s", idx, stage.Kind())
}

// Apply builds the computation graph of the block on x, and returns the result.
//
// Variables are created (or reused, if ctx.Reuse() is set) under ctx.In(b.Name()).
func (b *Block) Apply(ctx *context.Context, x *Node) *Node {
	ctx = ctx.In(b.name)
	for ii, stage := range b.stages {
		x = stage.build(ctx.In(stageScope(ii, stage)), x)
	}
	return x
}

// OutputDims returns the output dimensions of the block given the input dimensions, checking every stage.
func (b *Block) OutputDims(inputDims []int) ([]int, error) {
	dims := inputDims
	for ii, stage := range b.stages {
		var err error
		dims, err = stage.OutputDims(dims)
		if err != nil {
			return nil, errors.WithMessagef(err, "block %q stage #%d", b.name, ii)
		}
	}
	return dims, nil
}

// NumParameters sums the parameters of all stages.
func (b *Block) NumParameters() (trainable, nonTrainable int) {
	for _, stage := range b.stages {
		t, nt := stage.NumParameters()
		trainable += t
		nonTrainable += nt
	}
	return
}

// WrapOptions configures what Wrap appends after the convolution stages.
type WrapOptions struct {
	// BatchNorm appends a Normalization stage.
	BatchNorm bool

	// DropoutRate appends a Dropout stage if > 0.
	DropoutRate float64

	// ReLU appends an Activation stage.
	ReLU bool
}

// DefaultWrapOptions has batch normalization and activation enabled, and no dropout.
var DefaultWrapOptions = WrapOptions{BatchNorm: true, ReLU: true}

// Wrap the convolution stages into a Block, appending batch normalization, dropout and activation, in this
// fixed order, according to opts.
//
// outChannels is the number of channels produced by the last stage, used by the normalization.
//
// It panics if stages is empty, if the first stage is not a convolution, or if the channels of consecutive
// stages don't match.
func Wrap(name string, stages []Stage, outChannels int, opts WrapOptions) *Block {
	if len(stages) == 0 {
		exceptions.Panicf("blocks.Wrap(%q): no stages given", name)
	}
	if opts.DropoutRate < 0 || opts.DropoutRate >= 1 {
		exceptions.Panicf("blocks.Wrap(%q): dropout rate must be in [0, 1), got %g", name, opts.DropoutRate)
	}
	first, ok := stages[0].(*Convolution)
	if !ok {
		exceptions.Panicf("blocks.Wrap(%q): first stage must be a convolution, got %s", name, stages[0])
	}
	b := &Block{
		name:        name,
		stages:      slices.Clone(stages),
		inChannels:  first.InChannels,
		outChannels: outChannels,
	}
	channels := first.InChannels
	for ii, stage := range stages {
		conv, ok := stage.(*Convolution)
		if !ok {
			continue
		}
		if conv.InChannels != channels {
			exceptions.Panicf("blocks.Wrap(%q): stage #%d %s takes %d channels, but previous stage outputs %d",
				name, ii, conv, conv.InChannels, channels)
		}
		channels = conv.OutChannels
	}
	if channels != outChannels {
		exceptions.Panicf("blocks.Wrap(%q): stages output %d channels, but outChannels=%d", name, channels, outChannels)
	}

	if opts.BatchNorm {
		b.stages = append(b.stages, &Normalization{
			Channels: outChannels,
			Momentum: DefaultNormalizationMomentum,
			Epsilon:  DefaultNormalizationEpsilon,
		})
	}
	if opts.DropoutRate > 0 {
		b.stages = append(b.stages, &Dropout{Rate: opts.DropoutRate})
	}
	if opts.ReLU {
		b.stages = append(b.stages, &Activation{})
	}
	return b
}

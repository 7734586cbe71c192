// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package blocks

import (
	"github.com/gomlx/exceptions"
)

// convConfig holds the geometry shared by the plain and separable convolution builders.
type convConfig struct {
	inChannels, outChannels   int
	kernelHeight, kernelWidth int
	dilation, groups, padding int
	bias                      bool
	paddingMode               PaddingMode
}

func newConvConfig(inChannels, outChannels int) convConfig {
	return convConfig{
		inChannels:   inChannels,
		outChannels:  outChannels,
		kernelHeight: 3,
		kernelWidth:  3,
		dilation:     1,
		groups:       1,
		padding:      1,
		paddingMode:  PaddingZeros,
	}
}

// PlainConvBuilder configures one convolution stage. Create it with PlainConv.
type PlainConvBuilder struct {
	cfg convConfig
}

// PlainConv starts the configuration of a convolution stage from inChannels to outChannels.
//
// The defaults are a 3x3 kernel, dilation 1, one group, padding 1 with zeros and no bias.
// Call Done to get the stage.
func PlainConv(inChannels, outChannels int) *PlainConvBuilder {
	return &PlainConvBuilder{cfg: newConvConfig(inChannels, outChannels)}
}

// Kernel sets the kernel height and width. Default is 3x3.
func (b *PlainConvBuilder) Kernel(height, width int) *PlainConvBuilder {
	b.cfg.kernelHeight, b.cfg.kernelWidth = height, width
	return b
}

// Dilation of the kernel. Default is 1.
func (b *PlainConvBuilder) Dilation(dilation int) *PlainConvBuilder {
	b.cfg.dilation = dilation
	return b
}

// Groups splits the input and output channels in groups convolved independently. It must divide both.
// Default is 1.
func (b *PlainConvBuilder) Groups(groups int) *PlainConvBuilder {
	b.cfg.groups = groups
	return b
}

// Padding added at both sides of the spatial axes. Default is 1.
func (b *PlainConvBuilder) Padding(padding int) *PlainConvBuilder {
	b.cfg.padding = padding
	return b
}

// Bias adds a learned bias per output channel. Default is false.
func (b *PlainConvBuilder) Bias(useBias bool) *PlainConvBuilder {
	b.cfg.bias = useBias
	return b
}

// PaddingMode sets how the padding is filled. Default is PaddingZeros.
func (b *PlainConvBuilder) PaddingMode(mode PaddingMode) *PlainConvBuilder {
	b.cfg.paddingMode = mode
	return b
}

// Done returns the configured convolution stage. It panics if the configuration is invalid.
func (b *PlainConvBuilder) Done() *Convolution {
	conv := &Convolution{
		InChannels:   b.cfg.inChannels,
		OutChannels:  b.cfg.outChannels,
		KernelHeight: b.cfg.kernelHeight,
		KernelWidth:  b.cfg.kernelWidth,
		Dilation:     b.cfg.dilation,
		Groups:       b.cfg.groups,
		Padding:      b.cfg.padding,
		Bias:         b.cfg.bias,
		PaddingMode:  b.cfg.paddingMode,
	}
	if err := conv.validate(); err != nil {
		exceptions.Panicf("blocks.PlainConv: %v", err)
	}
	return conv
}

// SeparableConvBuilder configures a depthwise-separable convolution. Create it with SeparableConv.
type SeparableConvBuilder struct {
	cfg convConfig
}

// SeparableConv starts the configuration of a depthwise-separable convolution from inChannels to outChannels:
// a depthwise convolution (one group per input channel, inChannels output channels) followed by a
// pointwise 1x1 convolution mapping inChannels to outChannels.
//
// Kernel, dilation, padding and padding mode apply to the depthwise stage; bias applies to both.
// Defaults are the same as PlainConv.
func SeparableConv(inChannels, outChannels int) *SeparableConvBuilder {
	return &SeparableConvBuilder{cfg: newConvConfig(inChannels, outChannels)}
}

// Kernel sets the depthwise kernel height and width. Default is 3x3.
func (b *SeparableConvBuilder) Kernel(height, width int) *SeparableConvBuilder {
	b.cfg.kernelHeight, b.cfg.kernelWidth = height, width
	return b
}

// Dilation of the depthwise kernel. Default is 1.
func (b *SeparableConvBuilder) Dilation(dilation int) *SeparableConvBuilder {
	b.cfg.dilation = dilation
	return b
}

// Padding of the depthwise stage. Default is 1.
func (b *SeparableConvBuilder) Padding(padding int) *SeparableConvBuilder {
	b.cfg.padding = padding
	return b
}

// Bias adds learned biases to both stages. Default is false.
func (b *SeparableConvBuilder) Bias(useBias bool) *SeparableConvBuilder {
	b.cfg.bias = useBias
	return b
}

// PaddingMode of the depthwise stage. Default is PaddingZeros.
func (b *SeparableConvBuilder) PaddingMode(mode PaddingMode) *SeparableConvBuilder {
	b.cfg.paddingMode = mode
	return b
}

// Done returns the depthwise and the pointwise stages, in this order.
func (b *SeparableConvBuilder) Done() []Stage {
	depthwise := PlainConv(b.cfg.inChannels, b.cfg.inChannels).
		Kernel(b.cfg.kernelHeight, b.cfg.kernelWidth).
		Dilation(b.cfg.dilation).
		Groups(b.cfg.inChannels).
		Padding(b.cfg.padding).
		Bias(b.cfg.bias).
		PaddingMode(b.cfg.paddingMode).
		Done()
	pointwise := PlainConv(b.cfg.inChannels, b.cfg.outChannels).
		Kernel(1, 1).
		Padding(0).
		Bias(b.cfg.bias).
		Done()
	return []Stage{depthwise, pointwise}
}

// ConvBlockBuilder configures a Block with a plain convolution. Create it with NewConvBlock.
type ConvBlockBuilder struct {
	name string
	conv *PlainConvBuilder
	opts WrapOptions
}

// NewConvBlock starts the configuration of a Block named name, with one convolution from inChannels to
// outChannels followed by batch normalization and ReLU (the defaults), and optionally dropout.
func NewConvBlock(name string, inChannels, outChannels int) *ConvBlockBuilder {
	return &ConvBlockBuilder{
		name: name,
		conv: PlainConv(inChannels, outChannels),
		opts: DefaultWrapOptions,
	}
}

// Kernel sets the kernel height and width. Default is 3x3.
func (b *ConvBlockBuilder) Kernel(height, width int) *ConvBlockBuilder {
	b.conv.Kernel(height, width)
	return b
}

// Dilation of the kernel. Default is 1.
func (b *ConvBlockBuilder) Dilation(dilation int) *ConvBlockBuilder {
	b.conv.Dilation(dilation)
	return b
}

// Groups of the convolution. Default is 1.
func (b *ConvBlockBuilder) Groups(groups int) *ConvBlockBuilder {
	b.conv.Groups(groups)
	return b
}

// Padding of the convolution. Default is 1.
func (b *ConvBlockBuilder) Padding(padding int) *ConvBlockBuilder {
	b.conv.Padding(padding)
	return b
}

// Bias of the convolution. Default is false.
func (b *ConvBlockBuilder) Bias(useBias bool) *ConvBlockBuilder {
	b.conv.Bias(useBias)
	return b
}

// PaddingMode of the convolution. Default is PaddingZeros.
func (b *ConvBlockBuilder) PaddingMode(mode PaddingMode) *ConvBlockBuilder {
	b.conv.PaddingMode(mode)
	return b
}

// BatchNorm enables batch normalization after the convolution. Default is true.
func (b *ConvBlockBuilder) BatchNorm(enabled bool) *ConvBlockBuilder {
	b.opts.BatchNorm = enabled
	return b
}

// DropoutRate appends a dropout stage if rate > 0. Default is 0.
func (b *ConvBlockBuilder) DropoutRate(rate float64) *ConvBlockBuilder {
	b.opts.DropoutRate = rate
	return b
}

// ReLU enables the activation at the end of the block. Default is true.
func (b *ConvBlockBuilder) ReLU(enabled bool) *ConvBlockBuilder {
	b.opts.ReLU = enabled
	return b
}

// Done returns the immutable Block.
func (b *ConvBlockBuilder) Done() *Block {
	conv := b.conv.Done()
	return Wrap(b.name, []Stage{conv}, conv.OutChannels, b.opts)
}

// DepthwiseBlockBuilder configures a Block with a depthwise-separable convolution. Create it with
// NewDepthwiseBlock.
type DepthwiseBlockBuilder struct {
	name string
	conv *SeparableConvBuilder
	opts WrapOptions
}

// NewDepthwiseBlock starts the configuration of a Block named name, with a depthwise-separable convolution from
// inChannels to outChannels followed by batch normalization and ReLU (the defaults), and optionally dropout.
func NewDepthwiseBlock(name string, inChannels, outChannels int) *DepthwiseBlockBuilder {
	return &DepthwiseBlockBuilder{
		name: name,
		conv: SeparableConv(inChannels, outChannels),
		opts: DefaultWrapOptions,
	}
}

// Kernel sets the depthwise kernel height and width. Default is 3x3.
func (b *DepthwiseBlockBuilder) Kernel(height, width int) *DepthwiseBlockBuilder {
	b.conv.Kernel(height, width)
	return b
}

// Dilation of the depthwise kernel. Default is 1.
func (b *DepthwiseBlockBuilder) Dilation(dilation int) *DepthwiseBlockBuilder {
	b.conv.Dilation(dilation)
	return b
}

// Padding of the depthwise stage. Default is 1.
func (b *DepthwiseBlockBuilder) Padding(padding int) *DepthwiseBlockBuilder {
	b.conv.Padding(padding)
	return b
}

// Bias of both convolution stages. Default is false.
func (b *DepthwiseBlockBuilder) Bias(useBias bool) *DepthwiseBlockBuilder {
	b.conv.Bias(useBias)
	return b
}

// PaddingMode of the depthwise stage. Default is PaddingZeros.
func (b *DepthwiseBlockBuilder) PaddingMode(mode PaddingMode) *DepthwiseBlockBuilder {
	b.conv.PaddingMode(mode)
	return b
}

// BatchNorm enables batch normalization after the convolutions. Default is true.
func (b *DepthwiseBlockBuilder) BatchNorm(enabled bool) *DepthwiseBlockBuilder {
	b.opts.BatchNorm = enabled
	return b
}

// DropoutRate appends a dropout stage if rate > 0. Default is 0.
func (b *DepthwiseBlockBuilder) DropoutRate(rate float64) *DepthwiseBlockBuilder {
	b.opts.DropoutRate = rate
	return b
}

// ReLU enables the activation at the end of the block. Default is true.
func (b *DepthwiseBlockBuilder) ReLU(enabled bool) *DepthwiseBlockBuilder {
	b.opts.ReLU = enabled
	return b
}

// Done returns the immutable Block.
func (b *DepthwiseBlockBuilder) Done() *Block {
	return Wrap(b.name, b.conv.Done(), b.conv.cfg.outChannels, b.opts)
}

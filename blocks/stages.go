// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package blocks

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/pkg/errors"
)

// StageKind enumerates the variants of Stage.
type StageKind int

const (
	KindConvolution StageKind = iota
	KindNormalization
	KindDropout
	KindActivation
)

var stageKindNames = [...]string{"conv", "batchnorm", "dropout", "relu"}

// String implements fmt.Stringer. The value is also used to name the scope of the stage variables.
func (k StageKind) String() string {
	if k < 0 || int(k) >= len(stageKindNames) {
		return fmt.Sprintf("StageKind(%d)", int(k))
	}
	return stageKindNames[k]
}

// Stage is one transform of a Block. It is implemented by *Convolution, *Normalization, *Dropout and
// *Activation only.
//
// Stages are plain descriptors: the graph is only built when the Block holding them is applied.
type Stage interface {
	fmt.Stringer

	// Kind of the stage.
	Kind() StageKind

	// OutputDims returns the dimensions of the stage output, given the input dimensions
	// (channels-first: [batch, channels, height, width]).
	// It returns an error if the input is not valid for the stage.
	OutputDims(inputDims []int) ([]int, error)

	// NumParameters returns the number of trainable and non-trainable (running statistics) scalars of the stage.
	NumParameters() (trainable, nonTrainable int)

	// build the stage computation graph. ctx is already scoped for the stage.
	build(ctx *context.Context, x *Node) *Node
}

// Convolution stage: a 2D convolution with stride 1 over a channels-first input.
//
// The kernel is stored in the variable "weights" shaped [OutChannels, InChannels/Groups, KernelHeight, KernelWidth],
// and, if Bias is set, the variable "biases" shaped [OutChannels].
type Convolution struct {
	InChannels, OutChannels int
	KernelHeight            int
	KernelWidth             int
	Dilation                int
	Groups                  int
	Padding                 int
	Bias                    bool
	PaddingMode             PaddingMode
}

// Kind implements Stage.
func (c *Convolution) Kind() StageKind { return KindConvolution }

// String implements fmt.Stringer.
func (c *Convolution) String() string {
	s := fmt.Sprintf("Conv2d(%d, %d, kernel=%dx%d", c.InChannels, c.OutChannels, c.KernelHeight, c.KernelWidth)
	if c.Padding != 0 {
		s += fmt.Sprintf(", padding=%d", c.Padding)
	}
	if c.Dilation > 1 {
		s += fmt.Sprintf(", dilation=%d", c.Dilation)
	}
	if c.Groups > 1 {
		s += fmt.Sprintf(", groups=%d", c.Groups)
	}
	if c.PaddingMode != PaddingZeros {
		s += fmt.Sprintf(", padding_mode=%s", c.PaddingMode)
	}
	if c.Bias {
		s += ", bias"
	}
	return s + ")"
}

// IsDepthwise returns whether each input channel is convolved independently.
func (c *Convolution) IsDepthwise() bool {
	return c.Groups > 1 && c.Groups == c.InChannels
}

// IsPointwise returns whether it is a 1x1 convolution.
func (c *Convolution) IsPointwise() bool {
	return c.KernelHeight == 1 && c.KernelWidth == 1
}

// validate the geometry of the convolution.
func (c *Convolution) validate() error {
	if c.InChannels <= 0 || c.OutChannels <= 0 {
		return errors.Errorf("convolution channels must be > 0, got in=%d, out=%d", c.InChannels, c.OutChannels)
	}
	if c.KernelHeight <= 0 || c.KernelWidth <= 0 {
		return errors.Errorf("convolution kernel must be > 0, got %dx%d", c.KernelHeight, c.KernelWidth)
	}
	if c.Dilation <= 0 {
		return errors.Errorf("convolution dilation must be > 0, got %d", c.Dilation)
	}
	if c.Padding < 0 {
		return errors.Errorf("convolution padding must be >= 0, got %d", c.Padding)
	}
	if c.Groups <= 0 || c.InChannels%c.Groups != 0 || c.OutChannels%c.Groups != 0 {
		return errors.Errorf("convolution groups=%d must divide both in=%d and out=%d channels",
			c.Groups, c.InChannels, c.OutChannels)
	}
	return c.PaddingMode.validate()
}

// OutputDims implements Stage.
func (c *Convolution) OutputDims(inputDims []int) ([]int, error) {
	if len(inputDims) != 4 {
		return nil, errors.Errorf("%s: input must be rank-4 [batch, channels, height, width], got %v", c, inputDims)
	}
	if inputDims[1] != c.InChannels {
		return nil, errors.Errorf("%s: input has %d channels, expected %d", c, inputDims[1], c.InChannels)
	}
	outDims := []int{inputDims[0], c.OutChannels, 0, 0}
	for ii, kernelSize := range []int{c.KernelHeight, c.KernelWidth} {
		inSize := inputDims[2+ii]
		if c.PaddingMode == PaddingReflect && c.Padding >= inSize {
			return nil, errors.Errorf("%s: reflect padding %d must be smaller than spatial dimension %d",
				c, c.Padding, inSize)
		}
		if c.PaddingMode == PaddingCircular && c.Padding > inSize {
			return nil, errors.Errorf("%s: circular padding %d must not be larger than spatial dimension %d",
				c, c.Padding, inSize)
		}
		effectiveKernel := (kernelSize-1)*c.Dilation + 1
		outSize := inSize + 2*c.Padding - effectiveKernel + 1
		if outSize <= 0 {
			return nil, errors.Errorf("%s: spatial dimension %d too small for effective kernel size %d",
				c, inSize, effectiveKernel)
		}
		outDims[2+ii] = outSize
	}
	return outDims, nil
}

// NumParameters implements Stage.
func (c *Convolution) NumParameters() (trainable, nonTrainable int) {
	trainable = c.OutChannels * (c.InChannels / c.Groups) * c.KernelHeight * c.KernelWidth
	if c.Bias {
		trainable += c.OutChannels
	}
	return
}

func (c *Convolution) build(ctx *context.Context, x *Node) *Node {
	x.AssertRank(4)
	if x.Shape().Dimensions[1] != c.InChannels {
		exceptions.Panicf("%s: input shape %s has %d channels, expected %d",
			c, x.Shape(), x.Shape().Dimensions[1], c.InChannels)
	}
	g := x.Graph()
	dtype := x.DType()

	kernelShape := shapes.Make(dtype, c.OutChannels, c.InChannels/c.Groups, c.KernelHeight, c.KernelWidth)
	kernelVar := ctx.VariableWithShape("weights", kernelShape)
	if regularizer := regularizers.FromContext(ctx); regularizer != nil {
		regularizer(ctx, g, kernelVar)
	}
	kernel := kernelVar.ValueGraph(g)

	paddings := [][2]int{{c.Padding, c.Padding}, {c.Padding, c.Padding}}
	if c.Padding > 0 && c.PaddingMode != PaddingZeros {
		x = c.PaddingMode.Pad(x, c.Padding)
		paddings = [][2]int{{0, 0}, {0, 0}}
	}
	conv := Convolve(x, kernel).
		ChannelsAxis(images.ChannelsFirst).
		Strides(1).
		PaddingPerDim(paddings).
		ChannelGroupCount(c.Groups)
	if c.Dilation > 1 {
		conv.Dilations(c.Dilation)
	}
	output := conv.Done()

	if c.Bias {
		biasVar := ctx.VariableWithShape("biases", shapes.Make(dtype, c.OutChannels))
		bias := Reshape(biasVar.ValueGraph(g), 1, c.OutChannels, 1, 1)
		output = Add(output, bias)
	}
	return output
}

// Normalization stage: batch normalization over the channels axis.
type Normalization struct {
	Channels int

	// Momentum of the running averages, GoMLX convention: weight of the previous average.
	Momentum float64
	Epsilon  float64
}

const (
	// DefaultNormalizationMomentum corresponds to PyTorch's BatchNorm2d momentum of 0.1.
	DefaultNormalizationMomentum = 0.9

	// DefaultNormalizationEpsilon is the same as PyTorch's BatchNorm2d.
	DefaultNormalizationEpsilon = 1e-5
)

// Kind implements Stage.
func (n *Normalization) Kind() StageKind { return KindNormalization }

// String implements fmt.Stringer.
func (n *Normalization) String() string { return fmt.Sprintf("BatchNorm2d(%d)", n.Channels) }

// OutputDims implements Stage.
func (n *Normalization) OutputDims(inputDims []int) ([]int, error) {
	if len(inputDims) != 4 || inputDims[1] != n.Channels {
		return nil, errors.Errorf("%s: invalid input dimensions %v", n, inputDims)
	}
	return inputDims, nil
}

// NumParameters implements Stage: scale and offset are trainable, the running mean, variance and their
// averaging weights are not.
func (n *Normalization) NumParameters() (trainable, nonTrainable int) {
	return 2 * n.Channels, 3 * n.Channels
}

func (n *Normalization) build(ctx *context.Context, x *Node) *Node {
	return batchnorm.New(ctx, x, 1).
		Momentum(n.Momentum).
		Epsilon(n.Epsilon).
		Done()
}

// Dropout stage: inverted dropout, only active during training.
type Dropout struct {
	Rate float64
}

// Kind implements Stage.
func (d *Dropout) Kind() StageKind { return KindDropout }

// String implements fmt.Stringer.
func (d *Dropout) String() string { return fmt.Sprintf("Dropout(p=%g)", d.Rate) }

// OutputDims implements Stage.
func (d *Dropout) OutputDims(inputDims []int) ([]int, error) { return inputDims, nil }

// NumParameters implements Stage.
func (d *Dropout) NumParameters() (trainable, nonTrainable int) { return 0, 0 }

func (d *Dropout) build(ctx *context.Context, x *Node) *Node {
	if d.Rate <= 0 {
		return x
	}
	rate := Scalar(x.Graph(), x.DType(), d.Rate)
	return layers.DropoutNormalize(ctx, x, rate, true)
}

// Activation stage: rectified linear unit.
type Activation struct{}

// Kind implements Stage.
func (a *Activation) Kind() StageKind { return KindActivation }

// String implements fmt.Stringer.
func (a *Activation) String() string { return "ReLU()" }

// OutputDims implements Stage.
func (a *Activation) OutputDims(inputDims []int) ([]int, error) { return inputDims, nil }

// NumParameters implements Stage.
func (a *Activation) NumParameters() (trainable, nonTrainable int) { return 0, 0 }

func (a *Activation) build(_ *context.Context, x *Node) *Node {
	return activations.Relu(x)
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package blocks

import (
	"testing"

	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/require"
)

func TestParsePaddingMode(t *testing.T) {
	for _, name := range []string{"zeros", "reflect", "replicate", "circular"} {
		mode, err := ParsePaddingMode(name)
		require.NoError(t, err)
		require.Equal(t, name, mode.String())
	}
	mode, err := ParsePaddingMode(" Circular ")
	require.NoError(t, err)
	require.Equal(t, PaddingCircular, mode)
	_, err = ParsePaddingMode("mirror")
	require.Error(t, err)
	require.Panics(t, func() { PlainConv(3, 3).PaddingMode(PaddingMode(7)).Done() })
}

func TestPad(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	input := tensors.FromValue([][][][]float32{{{{1, 2, 3}, {4, 5, 6}}}})

	testCases := []struct {
		mode PaddingMode
		want [][][][]float32
	}{
		{PaddingReflect, [][][][]float32{{{
			{5, 4, 5, 6, 5},
			{2, 1, 2, 3, 2},
			{5, 4, 5, 6, 5},
			{2, 1, 2, 3, 2},
		}}}},
		{PaddingReplicate, [][][][]float32{{{
			{1, 1, 2, 3, 3},
			{1, 1, 2, 3, 3},
			{4, 4, 5, 6, 6},
			{4, 4, 5, 6, 6},
		}}}},
		{PaddingCircular, [][][][]float32{{{
			{6, 4, 5, 6, 4},
			{3, 1, 2, 3, 1},
			{6, 4, 5, 6, 4},
			{3, 1, 2, 3, 1},
		}}}},
	}
	for _, tc := range testCases {
		t.Run(tc.mode.String(), func(t *testing.T) {
			got := context.MustExecOnce(backend, context.New(), func(_ *context.Context, x *Node) *Node {
				return tc.mode.Pad(x, 1)
			}, input)
			require.NoError(t, got.Shape().Check(dtypes.Float32, 1, 1, 4, 5))
			require.Equal(t, tc.want, got.Value())
		})
	}

	// Reflect padding must be smaller than the axis, circular padding not larger.
	require.Panics(t, func() {
		_ = context.MustExecOnce(backend, context.New(), func(_ *context.Context, x *Node) *Node {
			return PaddingReflect.Pad(x, 2)
		}, input)
	})
	require.Panics(t, func() {
		_ = context.MustExecOnce(backend, context.New(), func(_ *context.Context, x *Node) *Node {
			return PaddingCircular.Pad(x, 3)
		}, input)
	})
}

// TestConvolutionPaddingMode checks that a non-zero padding mode changes the border of the output, but not the
// center, using a constant 1 kernel.
func TestConvolutionPaddingMode(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	input := tensors.FromValue([][][][]float32{{{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}}}})
	results := make(map[PaddingMode][][][][]float32)
	for _, mode := range []PaddingMode{PaddingZeros, PaddingReplicate} {
		conv := PlainConv(1, 1).PaddingMode(mode).Done()
		ctx := context.New()
		got := context.MustExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
			ctx = ctx.In("conv")
			_ = ctx.VariableWithValue("weights", [][][][]float32{{{{1, 1, 1}, {1, 1, 1}, {1, 1, 1}}}})
			return conv.build(ctx.Reuse(), x)
		}, input)
		results[mode] = got.Value().([][][][]float32)
	}
	zeros, replicate := results[PaddingZeros], results[PaddingReplicate]

	// Center: sum of all 9 values in both cases.
	require.Equal(t, float32(45), zeros[0][0][1][1])
	require.Equal(t, float32(45), replicate[0][0][1][1])

	// Top-left corner: zeros padding sums 1+2+4+5; replicate padding sums the replicated border as well.
	require.Equal(t, float32(12), zeros[0][0][0][0])
	require.Equal(t, float32(1*4+2*2+4*2+5), replicate[0][0][0][0])
}

// TestConvolutionSimpleGo runs the convolution stage on the pure Go backend, which requires explicit strides.
func TestConvolutionSimpleGo(t *testing.T) {
	backend, err := simplego.New("")
	require.NoError(t, err)
	input := tensors.FromShape(shapes.Make(dtypes.Float32, 1, 2, 4, 4))
	for _, conv := range []*Convolution{
		PlainConv(2, 3).Done(),
		PlainConv(2, 3).Dilation(2).Padding(2).Done(),
		PlainConv(2, 3).Kernel(1, 1).Padding(0).Bias(true).Done(),
	} {
		t.Run(conv.String(), func(t *testing.T) {
			want, err := conv.OutputDims(input.Shape().Dimensions)
			require.NoError(t, err)
			got, err := context.ExecOnce(backend, context.New(), func(ctx *context.Context, x *Node) *Node {
				return conv.build(ctx.In("conv"), x)
			}, input)
			require.NoError(t, err)
			require.NoError(t, got.Shape().Check(dtypes.Float32, want...))
		})
	}
}

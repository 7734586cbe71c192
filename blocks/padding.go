// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package blocks

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/pkg/errors"
)

// PaddingMode selects how a convolution fills the border of its input.
// The names follow the usual "padding_mode" values: "zeros", "reflect", "replicate" and "circular".
type PaddingMode int

const (
	// PaddingZeros pads with zeros. It is handled by the convolution itself.
	PaddingZeros PaddingMode = iota

	// PaddingReflect mirrors the input at the border, not repeating the edge value.
	PaddingReflect

	// PaddingReplicate repeats the edge value.
	PaddingReplicate

	// PaddingCircular wraps the input around, as if it were periodic.
	PaddingCircular
)

var paddingModeNames = [...]string{"zeros", "reflect", "replicate", "circular"}

// String implements fmt.Stringer.
func (m PaddingMode) String() string {
	if m < 0 || int(m) >= len(paddingModeNames) {
		return fmt.Sprintf("PaddingMode(%d)", int(m))
	}
	return paddingModeNames[m]
}

// ParsePaddingMode converts a padding mode name (case-insensitive) to a PaddingMode.
func ParsePaddingMode(name string) (PaddingMode, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for ii, modeName := range paddingModeNames {
		if name == modeName {
			return PaddingMode(ii), nil
		}
	}
	return PaddingZeros, errors.Errorf("unknown padding mode %q, valid values are %q", name, paddingModeNames)
}

func (m PaddingMode) validate() error {
	if m < 0 || int(m) >= len(paddingModeNames) {
		return errors.Errorf("invalid padding mode %d", int(m))
	}
	return nil
}

// Pad the two spatial axes (2 and 3) of a channels-first x by amount on each side, using the padding mode.
//
// PaddingZeros is not implemented here, since the convolution pads with zeros natively.
func (m PaddingMode) Pad(x *Node, amount int) *Node {
	x.AssertRank(4)
	if amount == 0 {
		return x
	}
	if amount < 0 {
		exceptions.Panicf("negative padding %d", amount)
	}
	for axis := 2; axis < 4; axis++ {
		x = m.padAxis(x, axis, amount)
	}
	return x
}

func (m PaddingMode) padAxis(x *Node, axis, amount int) *Node {
	size := x.Shape().Dimensions[axis]
	var before, after *Node
	switch m {
	case PaddingReflect:
		if amount >= size {
			exceptions.Panicf("reflect padding of %d requires axis %d of %s to be larger than the padding",
				amount, axis, x.Shape())
		}
		before = Reverse(sliceAxis(x, axis, 1, amount+1), axis)
		after = Reverse(sliceAxis(x, axis, size-amount-1, size-1), axis)
	case PaddingReplicate:
		first := sliceAxis(x, axis, 0, 1)
		last := sliceAxis(x, axis, size-1, size)
		before = Concatenate(repeat(first, amount), axis)
		after = Concatenate(repeat(last, amount), axis)
	case PaddingCircular:
		if amount > size {
			exceptions.Panicf("circular padding of %d larger than axis %d of %s", amount, axis, x.Shape())
		}
		before = sliceAxis(x, axis, size-amount, size)
		after = sliceAxis(x, axis, 0, amount)
	default:
		exceptions.Panicf("padding mode %s cannot be used with PaddingMode.Pad", m)
	}
	return Concatenate([]*Node{before, x, after}, axis)
}

// sliceAxis takes the range [from, to) of the given axis, and the full range of every other axis.
func sliceAxis(x *Node, axis, from, to int) *Node {
	specs := make([]SliceAxisSpec, x.Rank())
	for ii := range specs {
		specs[ii] = AxisRange()
	}
	specs[axis] = AxisRange(from, to)
	return Slice(x, specs...)
}

func repeat(x *Node, n int) []*Node {
	nodes := make([]*Node, n)
	for ii := range nodes {
		nodes[ii] = x
	}
	return nodes
}

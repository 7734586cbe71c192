// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quiznet

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/quiznet/blocks"
)

// bytesPerScalar used to estimate the sizes in the summary: the model is trained in float32.
const bytesPerScalar = 4

const megabyte = 1024 * 1024

// SummaryTotals holds the totals reported by Summary.
type SummaryTotals struct {
	// TrainableParams and NonTrainableParams count each variable once, even for shared blocks.
	// Non-trainable parameters are the batch normalization running statistics.
	TrainableParams, NonTrainableParams int

	// InputSizeMB, ForwardBackwardSizeMB and ParamsSizeMB are the sizes for one example, in float32.
	InputSizeMB, ForwardBackwardSizeMB, ParamsSizeMB float64
}

// TotalParams is the sum of trainable and non-trainable parameters.
func (t SummaryTotals) TotalParams() int { return t.TrainableParams + t.NonTrainableParams }

// EstimatedTotalSizeMB sums the input, activations and parameters sizes.
func (t SummaryTotals) EstimatedTotalSizeMB() float64 {
	return t.InputSizeMB + t.ForwardBackwardSizeMB + t.ParamsSizeMB
}

type summaryRow struct {
	layer, block, shape, params string
}

// Summary returns a printable table of the model for the given input dimensions ([batch, 3, height, width]):
// one row per stage with its output shape and number of parameters, followed by the totals.
//
// The rows of a shared block are listed at every use, but its parameters are only counted once.
func (m *Model) Summary(inputDims []int) (string, error) {
	var summary string
	err := exceptions.TryCatch[error](func() {
		rows, totals, err := m.summarize(inputDims)
		if err != nil {
			panic(err)
		}
		summary = renderSummary(rows, totals)
	})
	if err != nil {
		return "", err
	}
	return summary, nil
}

// Totals returns the parameter counts and size estimates reported by Summary.
func (m *Model) Totals(inputDims []int) (SummaryTotals, error) {
	_, totals, err := m.summarize(inputDims)
	return totals, err
}

func (m *Model) summarize(inputDims []int) (rows []summaryRow, totals SummaryTotals, err error) {
	layerCounts := make(map[string]int)
	counted := make(map[*blocks.Block]bool)
	var activations int
	perExample := func(dims []int) int {
		size := 1
		for _, d := range dims[1:] {
			size *= d
		}
		return size
	}
	addRow := func(layer, block string, dims []int, params string) {
		layerCounts[layer]++
		shape := make([]string, len(dims))
		shape[0] = "-1"
		for ii, d := range dims[1:] {
			shape[ii+1] = fmt.Sprint(d)
		}
		rows = append(rows, summaryRow{
			layer:  fmt.Sprintf("%s-%d", layer, layerCounts[layer]),
			block:  block,
			shape:  "[" + strings.Join(shape, ", ") + "]",
			params: params,
		})
		activations += perExample(dims)
	}

	err = m.walkDims(inputDims, func(step *Step, stepInputDims, outputDims []int) {
		switch step.Kind {
		case StepBlock:
			shared := counted[step.Block]
			counted[step.Block] = true
			stageDims := stepInputDims
			for _, stage := range step.Block.Stages() {
				var stageErr error
				stageDims, stageErr = stage.OutputDims(stageDims)
				if stageErr != nil {
					exceptions.Panicf("step %q: %v", step.Name, stageErr)
				}
				trainable, nonTrainable := stage.NumParameters()
				params := humanize.Comma(int64(trainable))
				if shared {
					params = "(shared)"
				} else {
					totals.TrainableParams += trainable
					totals.NonTrainableParams += nonTrainable
				}
				addRow(layerType(stage), step.Name, stageDims, params)
			}
		case StepMaxPool:
			addRow("MaxPool2d", step.Name, outputDims, "0")
		case StepGlobalAvgPool:
			addRow("AdaptiveAvgPool2d", step.Name, outputDims, "0")
		case StepLogSoftmax:
			addRow("LogSoftmax", step.Name, outputDims, "0")
		}
	})
	if err != nil {
		return nil, SummaryTotals{}, err
	}
	totals.InputSizeMB = float64(perExample(inputDims)*bytesPerScalar) / megabyte
	totals.ForwardBackwardSizeMB = float64(2*activations*bytesPerScalar) / megabyte
	totals.ParamsSizeMB = float64(totals.TotalParams()*bytesPerScalar) / megabyte
	return rows, totals, nil
}

// layerType is the stage description up to the parenthesis, e.g. "Conv2d".
func layerType(stage blocks.Stage) string {
	name := stage.String()
	if idx := strings.Index(name, "("); idx > 0 {
		name = name[:idx]
	}
	return name
}

func renderSummary(rows []summaryRow, totals SummaryTotals) string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle := lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true)
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == lgtable.HeaderRow:
				return headerStyle
			case col == 3:
				return rightAlignedStyle
			default:
				return cellStyle
			}
		}).
		Headers("Layer (type)", "Block", "Output Shape", "Param #")
	for _, row := range rows {
		table.Row(row.layer, row.block, row.shape, row.params)
	}

	var sb strings.Builder
	sb.WriteString(table.String())
	sb.WriteString("\n")
	_, _ = fmt.Fprintf(&sb, "Total params: %s\n", humanize.Comma(int64(totals.TotalParams())))
	_, _ = fmt.Fprintf(&sb, "Trainable params: %s\n", humanize.Comma(int64(totals.TrainableParams)))
	_, _ = fmt.Fprintf(&sb, "Non-trainable params: %s\n", humanize.Comma(int64(totals.NonTrainableParams)))
	_, _ = fmt.Fprintf(&sb, "Input size (MB): %.2f\n", totals.InputSizeMB)
	_, _ = fmt.Fprintf(&sb, "Forward/backward pass size (MB): %.2f\n", totals.ForwardBackwardSizeMB)
	_, _ = fmt.Fprintf(&sb, "Params size (MB): %.2f\n", totals.ParamsSizeMB)
	_, _ = fmt.Fprintf(&sb, "Estimated Total Size (MB): %.2f\n", totals.EstimatedTotalSizeMB())
	return sb.String()
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cifar

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"path"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

var flagDataDir = flag.String("data", "~/work/cifar", "Directory to cache downloaded and generated dataset files.")

// syntheticRecord returns one binary record: the label bytes followed by the image, where the pixel at
// (channel, row, column) has value (seed + channel*7 + row*3 + column) % 256.
func syntheticRecord(labels []byte, seed int) []byte {
	record := append([]byte{}, labels...)
	for d := range Depth {
		for h := range Height {
			for w := range Width {
				record = append(record, byte((seed+d*7+h*3+w)%256))
			}
		}
	}
	return record
}

func TestDecodeRecords(t *testing.T) {
	const numExamples = 3
	var buf bytes.Buffer
	for ii := range numExamples {
		buf.Write(syntheticRecord([]byte{byte(ii + 4)}, ii))
	}

	images := make([]float32, (numExamples+1)*imageSizeBytes)
	labels := make([]int64, numExamples+1)
	err := decodeRecords(&buf, c10Format, 1, numExamples, images, labels, func(v float32) float32 { return v })
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 4, 5, 6}, labels)

	imagesT := tensors.FromFlatDataAndDimensions(images, numExamples+1, Depth, Height, Width)
	values := imagesT.Value().([][][][]float32)
	// Example 0 was not written.
	assert.Equal(t, float32(0), values[0][2][31][31])
	for ii := range numExamples {
		example := values[ii+1]
		assert.InDelta(t, float32(ii)/255, example[0][0][0], 1e-6)
		assert.InDelta(t, float32(ii+7)/255, example[1][0][0], 1e-6)
		assert.InDelta(t, float32((ii+2*7+5*3+9)%256)/255, example[2][5][9], 1e-6)
	}

	// Truncated input.
	buf.Reset()
	buf.Write(syntheticRecord([]byte{1}, 0)[:100])
	err = decodeRecords(&buf, c10Format, 0, 1, images, labels, func(v float32) float32 { return v })
	require.Error(t, err)
}

func TestDecodeRecordsCifar100(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(syntheticRecord([]byte{3, 77}, 10))
	images := make([]float16.Float16, imageSizeBytes)
	labels := make([]int64, 1)
	require.NoError(t, decodeRecords(&buf, c100Format, 0, 1, images, labels, float16.Fromfloat32))
	assert.Equal(t, int64(77), labels[0]) // Fine label.
	assert.InDelta(t, float32(10)/255, images[0].Float32(), 1e-3)
}

func TestLoadFromFiles(t *testing.T) {
	dir := t.TempDir()
	files := make([]dataFile, 2)
	for fileIdx := range files {
		var buf bytes.Buffer
		for ii := range 2 {
			buf.Write(syntheticRecord([]byte{byte(fileIdx*2 + ii)}, fileIdx*2+ii))
		}
		filePath := path.Join(dir, fmt.Sprintf("batch_%d.bin", fileIdx))
		require.NoError(t, os.WriteFile(filePath, buf.Bytes(), 0644))
		files[fileIdx] = dataFile{path: filePath, exampleStart: fileIdx * 2, numExamples: 2}
	}
	images := tensors.FromShape(shapes.Make(dtypes.Float64, 4, Depth, Height, Width))
	labels := tensors.FromShape(shapes.Make(dtypes.Int64, 4, 1))
	require.NoError(t, decodeFiles(files, c10Format, images, labels, func(v float32) float64 { return float64(v) }))
	assert.Equal(t, [][]int64{{0}, {1}, {2}, {3}}, labels.Value())
	values := images.Value().([][][][]float64)
	assert.InDelta(t, 3.0/255, values[3][0][0][0], 1e-6)

	// Missing file.
	files[1].path = path.Join(dir, "missing.bin")
	require.Error(t, decodeFiles(files, c10Format, images, labels, func(v float32) float64 { return float64(v) }))
}

func TestConvertToGoImage(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(syntheticRecord([]byte{0}, 0))
	buf.Write(syntheticRecord([]byte{0}, 100))
	images := make([]float32, 2*imageSizeBytes)
	labels := make([]int64, 2)
	require.NoError(t, decodeRecords(&buf, c10Format, 0, 2, images, labels, func(v float32) float32 { return v }))
	imagesT := tensors.FromFlatDataAndDimensions(images, 2, Depth, Height, Width)

	img := ConvertToGoImage(imagesT, 1)
	// Pixel at column 4, row 2 of example 1: (100 + d*7 + 2*3 + 4) for each channel d.
	c := img.NRGBAAt(4, 2)
	assert.Equal(t, uint8(110), c.R)
	assert.Equal(t, uint8(117), c.G)
	assert.Equal(t, uint8(124), c.B)
	assert.Equal(t, uint8(255), c.A)
}

func TestNormalizeGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	input := make([][][][]float32, 1)
	input[0] = make([][][]float32, Depth)
	for d := range Depth {
		input[0][d] = [][]float32{{C10Mean[d], C10Mean[d] + C10StdDev[d]}}
	}
	got := MustExecOnce(backend, NormalizeGraph, input)
	values := got.Value().([][][][]float32)
	for d := range Depth {
		assert.InDelta(t, 0.0, values[0][d][0][0], 1e-5)
		assert.InDelta(t, 1.0, values[0][d][0][1], 1e-5)
	}
}

func TestPartition(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const numExamples = 12
	images := tensors.FromShape(shapes.Make(dtypes.Float32, numExamples, Depth, 2, 2))
	labelsData := make([]int64, numExamples)
	for ii := range labelsData {
		labelsData[ii] = int64(ii)
	}
	labels := tensors.FromFlatDataAndDimensions(labelsData, numExamples, 1)
	partitioned, err := partitionImagesAndLabels(backend, images, labels)
	require.NoError(t, err)
	require.NoError(t, partitioned[Train].Images.Shape().Check(dtypes.Float32, 10, Depth, 2, 2))
	require.NoError(t, partitioned[Test].Images.Shape().Check(dtypes.Float32, 2, Depth, 2, 2))
	assert.Equal(t, [][]int64{{10}, {11}}, partitioned[Test].Labels.Value())
}

func TestDataset(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping test that downloads Cifar-10 in short mode.")
	}
	dataDir := fsutil.MustReplaceTildeInDir(*flagDataDir)
	backend := graphtest.BuildTestBackend()
	trainDS, _, testEvalDS, err := CreateDatasets(backend, dataDir, 8, 16)
	require.NoError(t, err)

	_, inputs, labels, err := trainDS.Yield()
	require.NoError(t, err)
	require.NoError(t, inputs[0].Shape().Check(DType, 8, Depth, Height, Width))
	require.NoError(t, labels[0].Shape().Check(dtypes.Int64, 8, 1))

	_, inputs, _, err = testEvalDS.Yield()
	require.NoError(t, err)
	require.NoError(t, inputs[0].Shape().Check(DType, 16, Depth, Height, Width))
}

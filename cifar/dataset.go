// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cifar

import (
	"sync"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/pkg/errors"
)

// DType used for the images by CreateDatasets.
var DType = dtypes.Float32

// DataSource refers to Cifar-10 (C10) or Cifar-100 (C100).
type DataSource int

const (
	C10 DataSource = iota
	C100
)

// Partition refers to the train or test partitions of the datasets.
type Partition int

const (
	Train Partition = iota
	Test
)

// ImagesAndLabels of one partition.
type ImagesAndLabels struct {
	Images, Labels *tensors.Tensor
}

// PartitionedImagesAndLabels holds for each partition (Train, Test), one set of images and labels.
type PartitionedImagesAndLabels [2]ImagesAndLabels

// Partition the images and labels into train (the first NumTrainExamples) and test (the rest) examples.
func partitionImagesAndLabels(backend backends.Backend, images, labels *tensors.Tensor) (
	partitioned PartitionedImagesAndLabels, err error) {
	e, err := NewExec(backend, func(images, labels *Node) []*Node {
		numTrain := images.Shape().Dimensions[0] * NumTrainExamples / NumExamples
		return []*Node{
			Slice(images, AxisRange(0, numTrain)),
			Slice(labels, AxisRange(0, numTrain)),
			Slice(images, AxisRange(numTrain)),
			Slice(labels, AxisRange(numTrain)),
		}
	})
	if err != nil {
		return
	}
	defer e.Finalize()
	parts, err := e.Exec(images, labels)
	if err != nil {
		return partitioned, errors.WithMessage(err, "partitioning Cifar images and labels")
	}
	partitioned[Train] = ImagesAndLabels{Images: parts[0], Labels: parts[1]}
	partitioned[Test] = ImagesAndLabels{Images: parts[2], Labels: parts[3]}
	return partitioned, nil
}

type cacheKey struct {
	source DataSource
	dtype  dtypes.DType
}

var (
	cacheMu sync.Mutex

	// Cache of loaded data: one per DataSource and DType.
	imagesAndLabelsCache = make(map[cacheKey]PartitionedImagesAndLabels)
)

// ResetCache frees the cached datasets.
func ResetCache() {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	for _, partitioned := range imagesAndLabelsCache {
		for _, part := range partitioned {
			part.Images.MustFinalizeAll()
			part.Labels.MustFinalizeAll()
		}
	}
	imagesAndLabelsCache = make(map[cacheKey]PartitionedImagesAndLabels)
}

// LoadPartitioned downloads (if needed) and loads the data source, and partitions it into train and test.
//
// The result is cached, so it can be called multiple times without any extra costs in time or memory.
// It is safe for concurrent use.
func LoadPartitioned(backend backends.Backend, baseDir string, source DataSource, dtype dtypes.DType) (
	PartitionedImagesAndLabels, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	key := cacheKey{source: source, dtype: dtype}
	if partitioned, found := imagesAndLabelsCache[key]; found {
		return partitioned, nil
	}

	var (
		downloadFn func(baseDir string) error
		loadFn     func(baseDir string, dtype dtypes.DType) (images, labels *tensors.Tensor, err error)
	)
	switch source {
	case C10:
		downloadFn, loadFn = DownloadCifar10, LoadCifar10
	case C100:
		downloadFn, loadFn = DownloadCifar100, LoadCifar100
	default:
		return PartitionedImagesAndLabels{}, errors.Errorf("invalid source value %d, only C10 or C100 accepted", source)
	}
	if err := downloadFn(baseDir); err != nil {
		return PartitionedImagesAndLabels{}, err
	}
	images, labels, err := loadFn(baseDir, dtype)
	if err != nil {
		return PartitionedImagesAndLabels{}, err
	}
	defer func() {
		// Free the unpartitioned images and labels immediately, don't wait for the GC.
		images.MustFinalizeAll()
		labels.MustFinalizeAll()
	}()
	partitioned, err := partitionImagesAndLabels(backend, images, labels)
	if err != nil {
		return PartitionedImagesAndLabels{}, err
	}
	imagesAndLabelsCache[key] = partitioned
	return partitioned, nil
}

// NewDataset returns a dataset for the given partition of the data source, which implements train.Dataset.
//
// It downloads the data from the web, and loads the data into memory, if it hasn't been loaded yet.
// The name must have at least 3 characters.
func NewDataset(backend backends.Backend, name, baseDir string, source DataSource, dtype dtypes.DType,
	partition Partition) (*datasets.InMemoryDataset, error) {
	partitioned, err := LoadPartitioned(backend, baseDir, source, dtype)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating dataset %q", name)
	}
	part := partitioned[partition]
	return datasets.InMemoryFromData(backend, name, []any{part.Images}, []any{part.Labels})
}

// CreateDatasets returns the Cifar-10 datasets used for training: a shuffled training dataset that ends
// (io.EOF) after each epoch, and the training and test datasets for evaluation.
func CreateDatasets(backend backends.Backend, dataDir string, batchSize, evalBatchSize int) (
	trainDS, trainEvalDS, testEvalDS *datasets.InMemoryDataset, err error) {
	baseTrain, err := NewDataset(backend, "Training", dataDir, C10, DType, Train)
	if err != nil {
		return
	}
	baseTest, err := NewDataset(backend, "Test", dataDir, C10, DType, Test)
	if err != nil {
		return
	}
	trainDS = baseTrain.Copy().BatchSize(batchSize, true).Shuffle()
	trainEvalDS = baseTrain.BatchSize(evalBatchSize, false)
	testEvalDS = baseTest.BatchSize(evalBatchSize, false)
	return
}

// Per-channel mean and standard deviation of the Cifar-10 training images.
var (
	C10Mean   = [Depth]float32{0.4914, 0.4822, 0.4465}
	C10StdDev = [Depth]float32{0.2470, 0.2435, 0.2616}
)

// NormalizeGraph normalizes channels-first images (shaped [batch, 3, height, width], values in [0, 1])
// with the per-channel mean and standard deviation of Cifar-10.
func NormalizeGraph(images *Node) *Node {
	g := images.Graph()
	dtype := images.DType()
	mean := Reshape(ConstAsDType(g, dtype, C10Mean[:]), 1, Depth, 1, 1)
	stddev := Reshape(ConstAsDType(g, dtype, C10StdDev[:]), 1, Depth, 1, 1)
	return Div(Sub(images, mean), stddev)
}

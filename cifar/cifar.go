// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cifar downloads and loads the Cifar-10 and Cifar-100 datasets as channels-first tensors
// (shaped [batch, 3, 32, 32]) ready to be fed to QuizNet.
//
// Information about the datasets in https://www.cs.toronto.edu/~kriz/cifar.html
package cifar

import (
	"bufio"
	"fmt"
	"image"
	"io"
	"os"
	"path"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/quiznet/internal/downloader"
	"github.com/gomlx/quiznet/internal/workerspool"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

const (
	C10Url     = "https://www.cs.toronto.edu/~kriz/cifar-10-binary.tar.gz"
	C10TarName = "cifar-10-binary.tar.gz"
	C10SubDir  = "cifar-10-batches-bin"

	C100Url     = "https://www.cs.toronto.edu/~kriz/cifar-100-binary.tar.gz"
	C100TarName = "cifar-100-binary.tar.gz"
	C100SubDir  = "cifar-100-binary"

	// NumExamples is the total number of examples, including training and testing.
	// The value is the same for both, Cifar-10 and Cifar-100.
	NumExamples = 60000

	// NumTrainExamples is the number of examples reserved for training, the starting ones.
	NumTrainExamples = 50000

	// NumTestExamples is the number of examples reserved for testing, the last ones.
	NumTestExamples = 10000
)

// Width, Height and Depth are the dimensions of the images, the same for Cifar-10 and Cifar-100.
const (
	Width  int = 32
	Height int = 32
	Depth  int = 3
)

const (
	c10Checksum  = "c4a38c50a1bc5f3a1c5537f2155ab9d68f9f25eb1ed8d9ddda3db29a59bca1dd"
	c100Checksum = "58a81ae192c23a4be8b1804d68e518ed807d710a4eb253b1f2a199162a40d8ec"
)

// DownloadCifar10 downloads and untars Cifar-10 under baseDir, if not there yet.
func DownloadCifar10(baseDir string) error {
	return downloader.DownloadAndUntarIfMissing(C10Url, baseDir, C10TarName, C10SubDir, c10Checksum)
}

// DownloadCifar100 downloads and untars Cifar-100 under baseDir, if not there yet.
func DownloadCifar100(baseDir string) error {
	return downloader.DownloadAndUntarIfMissing(C100Url, baseDir, C100TarName, C100SubDir, c100Checksum)
}

var (
	C10Labels = []string{"airplane", "automobile", "bird", "cat", "deer", "dog", "frog", "horse", "ship", "truck"}

	C100CoarseLabels = []string{"aquatic_mammals", "fish", "flowers", "food_containers", "fruit_and_vegetables",
		"household_electrical_devices", "household_furniture", "insects", "large_carnivores",
		"large_man-made_outdoor_things", "large_natural_outdoor_scenes", "large_omnivores_and_herbivores",
		"medium_mammals", "non-insect_invertebrates", "people", "reptiles", "small_mammals", "trees", "vehicles_1",
		"vehicles_2"}
)

// C10ExamplesPerFile is the number of examples in each of the 6 Cifar-10 binary files.
const C10ExamplesPerFile = 10000

// imageSizeBytes is the size of one image in the binary files, also the number of values per example in the
// images tensor.
const imageSizeBytes = Height * Width * Depth

// recordFormat describes the binary records of a dataset: the label bytes precede the image bytes, and
// labelIdx is the index of the label used.
type recordFormat struct {
	labelBytes, labelIdx int
}

var (
	c10Format = recordFormat{labelBytes: 1, labelIdx: 0}

	// Cifar-100 records have the coarse label followed by the fine label: we use the fine label.
	c100Format = recordFormat{labelBytes: 2, labelIdx: 1}
)

// decodeRecords reads numExamples records from r and writes them into the flat images and labels data,
// starting at example exampleStart.
//
// The binary image bytes are already channels-first (all red values, then green, then blue, each row-major),
// which is the layout of the images tensor, so they are copied in order, scaled to [0, 1].
func decodeRecords[T dtypes.Supported](r io.Reader, format recordFormat, exampleStart, numExamples int,
	imagesData []T, labelsData []int64, fromFloat func(v float32) T) error {
	record := make([]byte, format.labelBytes+imageSizeBytes)
	for ii := range numExamples {
		if _, err := io.ReadFull(r, record); err != nil {
			return errors.Wrapf(err, "reading example %d (out of %d)", ii, numExamples)
		}
		exampleIdx := exampleStart + ii
		labelsData[exampleIdx] = int64(record[format.labelIdx])
		pixels := record[format.labelBytes:]
		dst := imagesData[exampleIdx*imageSizeBytes : (exampleIdx+1)*imageSizeBytes]
		for pos, value := range pixels {
			dst[pos] = fromFloat(float32(value) / 255)
		}
	}
	return nil
}

// dataFile is one of the binary files of a dataset, with the index of its first example.
type dataFile struct {
	path                      string
	exampleStart, numExamples int
}

func decodeFiles[T dtypes.Supported](files []dataFile, format recordFormat, images, labels *tensors.Tensor,
	fromFloat func(v float32) T) (err error) {
	pool := workerspool.New()
	tensors.MustMutableFlatData[int64](labels, func(labelsData []int64) {
		tensors.MustMutableFlatData[T](images, func(imagesData []T) {
			for _, file := range files {
				pool.Go(func() error {
					f, err := os.Open(file.path)
					if err != nil {
						return errors.Wrapf(err, "opening data file %q", file.path)
					}
					defer func() { _ = f.Close() }()
					err = decodeRecords(bufio.NewReader(f), format, file.exampleStart, file.numExamples,
						imagesData, labelsData, fromFloat)
					return errors.WithMessagef(err, "decoding data file %q", file.path)
				})
			}
			err = pool.Wait()
		})
	})
	return
}

// load allocates the images and labels tensors and decodes the files into them.
func load(files []dataFile, format recordFormat, dtype dtypes.DType) (images, labels *tensors.Tensor, err error) {
	images = tensors.FromShape(shapes.Make(dtype, NumExamples, Depth, Height, Width))
	labels = tensors.FromShape(shapes.Make(dtypes.Int64, NumExamples, 1))
	switch dtype {
	case dtypes.Float32:
		err = decodeFiles(files, format, images, labels, func(v float32) float32 { return v })
	case dtypes.Float64:
		err = decodeFiles(files, format, images, labels, func(v float32) float64 { return float64(v) })
	case dtypes.Float16:
		err = decodeFiles(files, format, images, labels, float16.Fromfloat32)
	default:
		err = errors.Errorf("dtype %s not supported for Cifar images, use Float32, Float64 or Float16", dtype)
	}
	if err != nil {
		images.MustFinalizeAll()
		labels.MustFinalizeAll()
		return nil, nil, err
	}
	return images, labels, nil
}

// LoadCifar10 into 2 tensors: images with the given dtype shaped [NumExamples=60000, Depth=3, Height=32, Width=32],
// with values in [0, 1], and labels shaped [NumExamples=60000, 1] of Int64.
//
// The first 50k examples are for training, and the last 10k for testing.
// Float32, Float64 and Float16 dtypes are supported.
func LoadCifar10(baseDir string, dtype dtypes.DType) (images, labels *tensors.Tensor, err error) {
	baseDir, err = fsutil.ReplaceTildeInDir(baseDir)
	if err != nil {
		return nil, nil, err
	}
	files := make([]dataFile, 6)
	for fileIdx := range files {
		filePath := path.Join(baseDir, C10SubDir, fmt.Sprintf("data_batch_%d.bin", fileIdx+1))
		if fileIdx == 5 {
			filePath = path.Join(baseDir, C10SubDir, "test_batch.bin")
		}
		files[fileIdx] = dataFile{path: filePath, exampleStart: fileIdx * C10ExamplesPerFile,
			numExamples: C10ExamplesPerFile}
	}
	klog.V(1).Infof("Loading Cifar-10 from %q", path.Join(baseDir, C10SubDir))
	return load(files, c10Format, dtype)
}

// LoadCifar100 is like LoadCifar10, but for Cifar-100. The labels are the fine labels (100 classes).
func LoadCifar100(baseDir string, dtype dtypes.DType) (images, labels *tensors.Tensor, err error) {
	baseDir, err = fsutil.ReplaceTildeInDir(baseDir)
	if err != nil {
		return nil, nil, err
	}
	files := []dataFile{
		{path: path.Join(baseDir, C100SubDir, "train.bin"), exampleStart: 0, numExamples: NumTrainExamples},
		{path: path.Join(baseDir, C100SubDir, "test.bin"), exampleStart: NumTrainExamples, numExamples: NumTestExamples},
	}
	klog.V(1).Infof("Loading Cifar-100 from %q", path.Join(baseDir, C100SubDir))
	return load(files, c100Format, dtype)
}

// ConvertToGoImage converts the example exampleNum of the channels-first images tensor
// (shaped [batch, 3, 32, 32], values in [0, 1]) to a Go image.
func ConvertToGoImage(images *tensors.Tensor, exampleNum int) *image.NRGBA {
	var img *image.NRGBA
	images.MustConstFlatData(func(flatAny any) {
		switch flat := flatAny.(type) {
		case []float32:
			img = pixelsToImage(flat, exampleNum, func(v float32) float64 { return float64(v) })
		case []float64:
			img = pixelsToImage(flat, exampleNum, func(v float64) float64 { return v })
		case []float16.Float16:
			img = pixelsToImage(flat, exampleNum, func(v float16.Float16) float64 { return float64(v.Float32()) })
		default:
			panic(errors.Errorf("ConvertToGoImage: images dtype %s not supported", images.DType()))
		}
	})
	return img
}

func pixelsToImage[T dtypes.Supported](flat []T, exampleNum int, toFloat func(T) float64) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, Width, Height))
	example := flat[exampleNum*imageSizeBytes : (exampleNum+1)*imageSizeBytes]
	for d := 0; d < Depth; d++ {
		for h := 0; h < Height; h++ {
			for w := 0; w < Width; w++ {
				f := toFloat(example[d*(Height*Width)+h*Width+w])
				img.Pix[h*img.Stride+w*4+d] = uint8(min(max(f, 0), 1)*255 + 0.5)
			}
		}
	}
	for pos := 3; pos < len(img.Pix); pos += 4 {
		img.Pix[pos] = 255 // Alpha channel.
	}
	return img
}

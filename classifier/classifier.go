// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package classifier is a Cifar-10 classifier using a trained QuizNet model.
// It loads the model from a checkpoint and offers a Classify method that will classify any image,
// by first resizing it to the model's input size (32x32).
//
// The checkpoint holds the hyperparameters of the model as well, so it is rebuilt exactly as it was trained.
package classifier

import (
	"image"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/quiznet"
	"github.com/gomlx/quiznet/cifar"
	"github.com/pkg/errors"
)

// Classifier holds the QuizNet model compiled.
// It uses the default backend, which can be configured with GOMLX_BACKEND.
type Classifier struct {
	backend backends.Backend

	// ctx with the model's weights.
	ctx   *context.Context
	model *quiznet.Model

	// exec returns the classes and probabilities of a batch of images.
	exec *context.Exec
}

// New creates a Classifier from the QuizNet checkpoint in checkpointDir, using the default backend.
func New(checkpointDir string) (*Classifier, error) {
	var backend backends.Backend
	if err := exceptions.TryCatch[error](func() { backend = backends.MustNew() }); err != nil {
		return nil, errors.WithMessage(err, "creating backend for the classifier")
	}
	return NewWithBackend(backend, checkpointDir)
}

// NewWithBackend creates a Classifier from the QuizNet checkpoint in checkpointDir.
func NewWithBackend(backend backends.Backend, checkpointDir string) (*Classifier, error) {
	ctx := context.New()
	_, err := checkpoints.Load(ctx).
		Dir(checkpointDir).
		Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed while loading QuizNet model from %q", checkpointDir)
	}
	return newFromContext(backend, ctx.Reuse())
}

// newFromContext creates the Classifier with the weights (and hyperparameters) in ctx.
func newFromContext(backend backends.Backend, ctx *context.Context) (c *Classifier, err error) {
	c = &Classifier{backend: backend, ctx: ctx}
	err = exceptions.TryCatch[error](func() {
		c.model = quiznet.NewFromContext(ctx, "quiznet")
	})
	if err != nil {
		return nil, errors.WithMessage(err, "invalid QuizNet hyperparameters")
	}
	c.exec, err = context.NewExec(backend, ctx.In(quiznet.ModelScope),
		func(ctx *context.Context, batch *graph.Node) (classes, probabilities *graph.Node) {
			// Images are given channels-last: [batch, height, width, channels].
			batch = graph.TransposeAllDims(batch, 0, 3, 1, 2)
			logProbs := c.model.ModelGraph(ctx, nil, []*graph.Node{batch})[0]
			classes = graph.ArgMax(logProbs, -1, dtypes.Int32)
			probabilities = graph.Exp(logProbs)
			return
		})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Model used by the classifier.
func (c *Classifier) Model() *quiznet.Model { return c.model }

// toInput resizes the images to 32x32 and converts them to a tensor shaped [batch, 32, 32, 3].
func toInput(imgs []image.Image) (*tensors.Tensor, error) {
	resized := make([]image.Image, len(imgs))
	for ii, img := range imgs {
		if img == nil {
			return nil, errors.Errorf("image #%d is nil", ii)
		}
		bounds := img.Bounds()
		if bounds.Dx() != cifar.Width || bounds.Dy() != cifar.Height {
			img = imaging.Resize(img, cifar.Width, cifar.Height, imaging.Linear)
		}
		resized[ii] = img
	}
	var input *tensors.Tensor
	err := exceptions.TryCatch[error](func() { input = images.ToTensor(cifar.DType).Batch(resized) })
	if err != nil {
		return nil, errors.WithMessage(err, "converting images to tensor")
	}
	return input, nil
}

// run the model on imgs and return the classes and probabilities.
func (c *Classifier) run(imgs []image.Image) (classes []int32, probabilities [][]float32, err error) {
	if len(imgs) == 0 {
		return nil, nil, errors.New("no images to classify")
	}
	input, err := toInput(imgs)
	if err != nil {
		return nil, nil, err
	}
	defer input.MustFinalizeAll()
	classesT, probabilitiesT, err := c.exec.Exec2(input)
	if err != nil {
		return nil, nil, err
	}
	defer classesT.MustFinalizeAll()
	defer probabilitiesT.MustFinalizeAll()
	classes = classesT.Value().([]int32)
	probabilities = probabilitiesT.Value().([][]float32)
	return classes, probabilities, nil
}

// Classify takes an image and returns its Cifar-10 class, from 0 to 9.
// Images not sized 32x32 are resized first.
// Use cifar.C10Labels to convert the returned class to a string name.
func (c *Classifier) Classify(img image.Image) (int32, error) {
	classes, _, err := c.run([]image.Image{img})
	if err != nil {
		return 0, err
	}
	return classes[0], nil
}

// ClassifyBatch is like Classify, but for a batch of images.
func (c *Classifier) ClassifyBatch(imgs []image.Image) ([]int32, error) {
	classes, _, err := c.run(imgs)
	return classes, err
}

// Probabilities returns the probability of each of the 10 classes for the image.
func (c *Classifier) Probabilities(img image.Image) ([]float32, error) {
	_, probabilities, err := c.run([]image.Image{img})
	if err != nil {
		return nil, err
	}
	return probabilities[0], nil
}

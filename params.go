// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quiznet

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	"k8s.io/klog/v2"
)

const (
	// ParamDropoutRate is the dropout rate of the QuizNet blocks. Default is 0.
	ParamDropoutRate = "quiznet_dropout_rate"

	// ParamNormalizeInput enables the per-channel normalization of the CIFAR images in ModelGraph.
	// Default is true.
	ParamNormalizeInput = "quiznet_normalize_input"

	// ParamBatchSize is the training batch size.
	ParamBatchSize = "batch_size"

	// ParamEvalBatchSize is the batch size used for evaluation, it can be larger than training.
	ParamEvalBatchSize = "eval_batch_size"

	// ParamNumEpochs is the number of epochs to train.
	ParamNumEpochs = "num_epochs"

	// ParamNumCheckpoints is the number of checkpoints to keep.
	ParamNumCheckpoints = "num_checkpoints"
)

// CreateDefaultContext returns a context with the default hyperparameters for QuizNet.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	if err := ctx.ResetRNGState(); err != nil {
		klog.Warningf("Failed to reset the random number generator state: %+v", err)
	}
	ctx.SetParams(map[string]any{
		ParamDropoutRate:    0.0,
		ParamNormalizeInput: true,
		ParamBatchSize:      128,
		ParamEvalBatchSize:  500,
		ParamNumEpochs:      20,
		ParamNumCheckpoints: 3,

		// "plots" trigger generating intermediary eval data for plotting, and if running in GoNB, to actually
		// draw the plot with Plotly.
		plotly.ParamPlots: false,

		optimizers.ParamOptimizer:    "sgd",
		optimizers.ParamLearningRate: 0.05,

		// One cosine cycle anneals the learning rate over the whole training.
		cosineschedule.ParamPeriodSteps: 0,
		cosineschedule.ParamCycles:      1,
		regularizers.ParamL2:            0.0,
		regularizers.ParamL1:            0.0,
	})
	return ctx
}

// NewFromContext creates the model with the dropout rate set in the context with ParamDropoutRate.
func NewFromContext(ctx *context.Context, name string) *Model {
	return New(name, context.GetParamOr(ctx, ParamDropoutRate, 0.0))
}
